package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/marketplace-chat/client"
	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/gateway"
	"github.com/karthikraju391/marketplace-chat/models"
)

const eventWait = 3 * time.Second

func dial(t *testing.T, url, tok string) *client.Socket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventWait)
	defer cancel()
	s, err := client.Dial(ctx, url, tok, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// waitFor returns the next event of kind, skipping anything else.
func waitFor(t *testing.T, s *client.Socket, kind events.Kind) events.Event {
	t.Helper()
	timeout := time.After(eventWait)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "push channel closed while waiting for %s", kind)
			if ev.Kind() == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// waitClosed drains s until the server closes it and returns the close code.
func waitClosed(t *testing.T, s *client.Socket) int {
	t.Helper()
	timeout := time.After(eventWait)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return s.CloseCode()
			}
		case <-timeout:
			t.Fatal("timed out waiting for close")
		}
	}
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestWebSocketAuthentication(t *testing.T) {
	s := newTestServer(t)
	url := s.listen(t)

	t.Run("header", func(t *testing.T) {
		ws := dial(t, url, token(t, "alice"))
		ev := waitFor(t, ws, events.KindConnected).(events.Connected)
		assert.Equal(t, "alice", ev.UserID)
		assert.NotEmpty(t, ev.ConnectionID)
	})

	t.Run("query parameter", func(t *testing.T) {
		ws := dial(t, url+"?token="+token(t, "bob"), "")
		ev := waitFor(t, ws, events.KindConnected).(events.Connected)
		assert.Equal(t, "bob", ev.UserID)
	})

	t.Run("first frame", func(t *testing.T) {
		ws := dial(t, url, "")
		require.NoError(t, ws.Send(context.Background(), events.AuthCommand{Token: token(t, "carol")}))
		ev := waitFor(t, ws, events.KindConnected).(events.Connected)
		assert.Equal(t, "carol", ev.UserID)
	})

	t.Run("bad credential", func(t *testing.T) {
		ws := dial(t, url, "not-a-token")
		assert.Equal(t, gateway.CloseAuthFailed, waitClosed(t, ws))
	})

	t.Run("first frame is not auth", func(t *testing.T) {
		ws := dial(t, url, "")
		require.NoError(t, ws.Send(context.Background(), events.JoinCommand{RoomID: "r1"}))
		assert.Equal(t, gateway.CloseAuthFailed, waitClosed(t, ws))
	})

	t.Run("silent client times out", func(t *testing.T) {
		ws := dial(t, url, "")
		assert.Equal(t, gateway.CloseAuthFailed, waitClosed(t, ws))
	})
}

func TestJoinChecksMembership(t *testing.T) {
	s := newTestServer(t)
	url := s.listen(t)
	room, _, err := s.rooms.CreateDirectRoom(context.Background(), "alice", "bob")
	require.NoError(t, err)
	other, _, err := s.rooms.CreateDirectRoom(context.Background(), "bob", "carol")
	require.NoError(t, err)

	ws := dial(t, url, token(t, "alice"))
	waitFor(t, ws, events.KindConnected)

	require.NoError(t, ws.Send(context.Background(), events.JoinCommand{RoomID: other.ID}))
	failure := waitFor(t, ws, events.KindError).(events.Error)
	assert.Equal(t, models.ErrorCode(models.ErrNotAMember), failure.Code)
	assert.Equal(t, string(events.CommandJoin), failure.Command)

	require.NoError(t, ws.Send(context.Background(), events.JoinCommand{RoomID: room.ID}))
	joined := waitFor(t, ws, events.KindJoined).(events.Joined)
	assert.Equal(t, room.ID, joined.RoomID)
}

func TestSecondAuthIsRejected(t *testing.T) {
	s := newTestServer(t)
	url := s.listen(t)

	ws := dial(t, url, token(t, "alice"))
	waitFor(t, ws, events.KindConnected)

	require.NoError(t, ws.Send(context.Background(), events.AuthCommand{Token: token(t, "alice")}))
	failure := waitFor(t, ws, events.KindError).(events.Error)
	assert.Equal(t, models.ErrorCode(models.ErrInvalidRequest), failure.Code)
	assert.True(t, strings.Contains(failure.Message, "already authenticated"))
}

func TestTypingReachesOtherMembers(t *testing.T) {
	s := newTestServer(t)
	url := s.listen(t)
	room, _, err := s.rooms.CreateDirectRoom(context.Background(), "alice", "bob")
	require.NoError(t, err)

	alice := dial(t, url, token(t, "alice"))
	waitFor(t, alice, events.KindConnected)
	bob := dial(t, url, token(t, "bob"))
	waitFor(t, bob, events.KindConnected)

	for _, ws := range []*client.Socket{alice, bob} {
		require.NoError(t, ws.Send(context.Background(), events.JoinCommand{RoomID: room.ID}))
		waitFor(t, ws, events.KindJoined)
	}

	require.NoError(t, alice.Send(context.Background(), events.TypingStartCommand{RoomID: room.ID}))
	start := waitFor(t, bob, events.KindTypingStart).(events.TypingStart)
	assert.Equal(t, "alice", start.UserID)
	assert.Equal(t, "alice display", start.DisplayName)

	require.NoError(t, alice.Send(context.Background(), events.TypingStopCommand{RoomID: room.ID}))
	stop := waitFor(t, bob, events.KindTypingStop).(events.TypingStop)
	assert.Equal(t, "alice", stop.UserID)
}

func TestRESTSendPushesToEveryConnection(t *testing.T) {
	s := newTestServer(t)
	url := s.listen(t)
	room, _, err := s.rooms.CreateDirectRoom(context.Background(), "alice", "bob")
	require.NoError(t, err)

	phone := dial(t, url, token(t, "bob"))
	waitFor(t, phone, events.KindConnected)
	laptop := dial(t, url, token(t, "bob"))
	waitFor(t, laptop, events.KindConnected)

	var sent models.Message
	require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chat/rooms/"+room.ID+"/messages", "alice", obj{"content": "is it available?"}, &sent))

	for _, ws := range []*client.Socket{phone, laptop} {
		got := waitFor(t, ws, events.KindMessageNew).(events.MessageNew)
		assert.Equal(t, sent.ID, got.Message.ID)
		assert.Equal(t, "is it available?", got.Message.Content)
	}
}

func TestReadCommandSendsReceipt(t *testing.T) {
	s := newTestServer(t)
	url := s.listen(t)
	room, _, err := s.rooms.CreateDirectRoom(context.Background(), "alice", "bob")
	require.NoError(t, err)

	alice := dial(t, url, token(t, "alice"))
	waitFor(t, alice, events.KindConnected)
	bob := dial(t, url, token(t, "bob"))
	waitFor(t, bob, events.KindConnected)

	require.NoError(t, bob.Send(context.Background(), events.ReadCommand{RoomID: room.ID}))
	receipt := waitFor(t, alice, events.KindMessagesRead).(events.MessagesRead)
	assert.Equal(t, room.ID, receipt.RoomID)
	assert.Equal(t, "bob", receipt.UserID)
}

func TestRevokeClosesCallerSessions(t *testing.T) {
	s := newTestServer(t)
	url := s.listen(t)

	ws := dial(t, url, token(t, "alice"))
	waitFor(t, ws, events.KindConnected)
	other := dial(t, url, token(t, "bob"))
	waitFor(t, other, events.KindConnected)

	assert.Equal(t, http.StatusAccepted, s.call(t, http.MethodPost, "/chat/sessions/revoke", "alice", obj{"reason": "password changed"}, nil))
	assert.Equal(t, gateway.CloseRevoked, waitClosed(t, ws))

	assert.Eventually(t, func() bool { return s.gateway.ConnectionCount("alice") == 0 }, eventWait, 10*time.Millisecond)
	assert.Equal(t, 1, s.gateway.ConnectionCount("bob"))
}
