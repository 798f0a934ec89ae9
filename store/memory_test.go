package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/marketplace-chat/models"
)

func seedRoom(t *testing.T, s *MemoryStore, roomID string, users ...string) {
	t.Helper()
	now := time.Now().UTC()
	room := &models.Room{ID: roomID, Kind: models.RoomKindGroup, Name: "g", Active: true, CreatedAt: now, UpdatedAt: now}
	var rows []*models.Participant
	for _, u := range users {
		rows = append(rows, &models.Participant{ID: roomID + "-" + u, RoomID: roomID, UserID: u, Role: models.RoleMember, Active: true, JoinedAt: now})
	}
	require.NoError(t, s.CreateRoom(context.Background(), room, rows))
}

func TestListMessagesPaginatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zerolog.Nop())
	seedRoom(t, s, "r1", "alice")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateMessage(ctx, &models.Message{
			ID:        fmt.Sprintf("m%d", i),
			RoomID:    "r1",
			SenderID:  "alice",
			Content:   fmt.Sprintf("msg %d", i),
			Type:      models.MessageTypeText,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	page, err := s.ListMessages(ctx, "r1", nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m4", page[0].ID)
	assert.Equal(t, "m3", page[1].ID)

	page, err = s.ListMessages(ctx, "r1", CursorAt(page[1]), 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []string{"m2", "m1", "m0"}, []string{page[0].ID, page[1].ID, page[2].ID})
}

func TestListMessagesTieBreaksByID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zerolog.Nop())
	seedRoom(t, s, "r1", "alice")

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"b", "c", "a"} {
		require.NoError(t, s.CreateMessage(ctx, &models.Message{ID: id, RoomID: "r1", CreatedAt: at}))
	}

	page, err := s.ListMessages(ctx, "r1", nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, []string{page[0].ID, page[1].ID, page[2].ID})

	page, err = s.ListMessages(ctx, "r1", &Cursor{CreatedAt: at, ID: "b"}, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].ID)
}

func TestUpdateMessageKeepsPosition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zerolog.Nop())
	seedRoom(t, s, "r1", "alice")

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateMessage(ctx, &models.Message{ID: "m1", RoomID: "r1", Content: "msg1", CreatedAt: at}))
	require.NoError(t, s.CreateMessage(ctx, &models.Message{ID: "m2", RoomID: "r1", Content: "msg2", CreatedAt: at.Add(time.Second)}))

	msg, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	msg.Content = "msg1-edited"
	msg.Edited = true
	msg.UpdatedAt = at.Add(time.Minute)
	require.NoError(t, s.UpdateMessage(ctx, msg))

	page, err := s.ListMessages(ctx, "r1", nil, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m2", page[0].ID)
	assert.Equal(t, "msg1-edited", page[1].Content)
	assert.True(t, page[1].Edited)
}

func TestCreateMessageRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zerolog.Nop())
	seedRoom(t, s, "r1", "alice")

	msg := &models.Message{ID: "m1", RoomID: "r1", CreatedAt: time.Now()}
	require.NoError(t, s.CreateMessage(ctx, msg))
	assert.ErrorIs(t, s.CreateMessage(ctx, msg), ErrConflict)
}

func TestUnreadCountersAreAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zerolog.Nop())
	seedRoom(t, s, "r1", "alice", "bob", "carol")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.IncrementUnread(ctx, "r1", []string{"bob", "carol"})
		}()
	}
	wg.Wait()

	bob, err := s.GetActiveParticipant(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 50, bob.UnreadCount)

	readAt := time.Now().UTC()
	require.NoError(t, s.ResetUnread(ctx, "r1", "bob", readAt))
	bob, err = s.GetActiveParticipant(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.Zero(t, bob.UnreadCount)
	require.NotNil(t, bob.LastReadAt)

	carol, err := s.GetActiveParticipant(ctx, "r1", "carol")
	require.NoError(t, err)
	assert.Equal(t, 50, carol.UnreadCount)
}

func TestDeactivatedParticipantIsRetained(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zerolog.Nop())
	seedRoom(t, s, "r1", "alice", "bob")

	require.NoError(t, s.DeactivateParticipant(ctx, "r1", "bob", time.Now()))
	_, err := s.GetActiveParticipant(ctx, "r1", "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	active, err := s.ListActiveParticipants(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Len(t, s.participants["r1"], 2)

	require.NoError(t, s.AddParticipants(ctx, []*models.Participant{{ID: "p-new", RoomID: "r1", UserID: "bob", Active: true}}))
	assert.ErrorIs(t, s.AddParticipants(ctx, []*models.Participant{{ID: "p-dup", RoomID: "r1", UserID: "bob", Active: true}}), ErrConflict)
}

func TestCoMemberIDsSkipsInactiveRooms(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zerolog.Nop())
	seedRoom(t, s, "r1", "alice", "bob")
	seedRoom(t, s, "r2", "alice", "carol")
	seedRoom(t, s, "r3", "dave", "erin")

	ids, err := s.CoMemberIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, ids)

	require.NoError(t, s.SetRoomActive(ctx, "r2", false))
	ids, err = s.CoMemberIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, ids)
}

func TestDirectIndexFollowsActiveFlag(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zerolog.Nop())
	now := time.Now().UTC()
	key := models.DirectKey("alice", "bob")
	require.NoError(t, s.CreateRoom(ctx, &models.Room{ID: "d1", Kind: models.RoomKindDirect, DirectKey: key, Active: true, CreatedAt: now}, nil))

	room, err := s.FindActiveDirectRoom(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "d1", room.ID)

	assert.ErrorIs(t, s.CreateRoom(ctx, &models.Room{ID: "d2", Kind: models.RoomKindDirect, DirectKey: key, Active: true, CreatedAt: now}, nil), ErrConflict)

	require.NoError(t, s.SetRoomActive(ctx, "d1", false))
	_, err = s.FindActiveDirectRoom(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.CreateRoom(ctx, &models.Room{ID: "d3", Kind: models.RoomKindDirect, DirectKey: key, Active: true, CreatedAt: now}, nil))
	room, err = s.FindActiveDirectRoom(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "d3", room.ID)
}
