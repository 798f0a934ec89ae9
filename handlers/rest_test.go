package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/marketplace-chat/history"
	"github.com/karthikraju391/marketplace-chat/models"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrAuthentication, http.StatusUnauthorized},
		{models.ErrPermissionDenied, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", models.ErrNotAMember), http.StatusForbidden},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrAlreadyMember, http.StatusConflict},
		{models.ErrAlreadyDeleted, http.StatusConflict},
		{models.ErrRoomInactive, http.StatusGone},
		{models.ErrInvalidReply, http.StatusBadRequest},
		{models.ErrInvalidRequest, http.StatusBadRequest},
		{models.ErrTransientDelivery, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestRESTRequiresBearerToken(t *testing.T) {
	s := newTestServer(t)

	var body HTTPErrorResponse
	status := s.call(t, http.MethodGet, "/chat/rooms", "", nil, &body)

	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, body.Error)
	assert.Equal(t, "authentication_error", body.Error.Type)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestCreateDirectRoomIsIdempotent(t *testing.T) {
	s := newTestServer(t)

	var first, second models.RoomDetail
	assert.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chat/rooms", "alice", obj{"targetUserId": "bob"}, &first))
	assert.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/chat/rooms", "bob", obj{"targetUserId": "alice"}, &second))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.RoomKindDirect, first.Kind)
	assert.Len(t, first.Participants, 2)

	var bad HTTPErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.call(t, http.MethodPost, "/chat/rooms", "alice", obj{}, &bad))
	assert.Equal(t, "invalid_request", bad.Error.Type)
}

func TestSendAndPageMessages(t *testing.T) {
	s := newTestServer(t)
	var room models.RoomDetail
	require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chat/rooms", "alice", obj{"targetUserId": "bob"}, &room))

	for i := 0; i < 3; i++ {
		var msg models.Message
		require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chat/rooms/"+room.ID+"/messages", "alice",
			obj{"content": fmt.Sprintf("hello %d", i)}, &msg))
		assert.Equal(t, "alice", msg.SenderID)
	}

	var page history.Page
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/chat/rooms/"+room.ID+"/messages?limit=2", "bob", nil, &page))
	require.Len(t, page.Data, 2)
	assert.Equal(t, "hello 2", page.Data[0].Content)
	assert.True(t, page.HasMore)

	var rest history.Page
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/chat/rooms/"+room.ID+"/messages?limit=2&cursor="+page.NextCursor, "bob", nil, &rest))
	require.Len(t, rest.Data, 1)
	assert.Equal(t, "hello 0", rest.Data[0].Content)
	assert.False(t, rest.HasMore)

	var list struct {
		Data []models.RoomSummary `json:"data"`
	}
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/chat/rooms", "bob", nil, &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, 3, list.Data[0].UnreadCount)

	var read struct {
		RoomID string `json:"roomId"`
	}
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/chat/rooms/"+room.ID+"/read", "bob", nil, &read))
	assert.Equal(t, room.ID, read.RoomID)
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/chat/rooms", "bob", nil, &list))
	assert.Zero(t, list.Data[0].UnreadCount)
}

func TestOutsiderIsForbidden(t *testing.T) {
	s := newTestServer(t)
	var room models.RoomDetail
	require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chat/rooms", "alice", obj{"targetUserId": "bob"}, &room))

	var body HTTPErrorResponse
	assert.Equal(t, http.StatusForbidden, s.call(t, http.MethodGet, "/chat/rooms/"+room.ID+"/messages", "mallory", nil, &body))
	assert.Equal(t, "not_a_member", body.Error.Type)

	assert.Equal(t, http.StatusForbidden, s.call(t, http.MethodPost, "/chat/rooms/"+room.ID+"/messages", "mallory", obj{"content": "hi"}, &body))
}

func TestEditAndDeleteOwnMessageOnly(t *testing.T) {
	s := newTestServer(t)
	var room models.RoomDetail
	require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chat/rooms", "alice", obj{"targetUserId": "bob"}, &room))
	var msg models.Message
	require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chat/rooms/"+room.ID+"/messages", "alice", obj{"content": "first"}, &msg))

	var body HTTPErrorResponse
	assert.Equal(t, http.StatusForbidden, s.call(t, http.MethodPut, "/chat/messages/"+msg.ID, "bob", obj{"content": "hijack"}, &body))
	assert.Equal(t, "permission_denied", body.Error.Type)

	var edited models.Message
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPut, "/chat/messages/"+msg.ID, "alice", obj{"content": "second"}, &edited))
	assert.Equal(t, "second", edited.Content)
	assert.True(t, edited.Edited)

	assert.Equal(t, http.StatusNoContent, s.call(t, http.MethodDelete, "/chat/messages/"+msg.ID, "alice", nil, nil))
	assert.Equal(t, http.StatusConflict, s.call(t, http.MethodDelete, "/chat/messages/"+msg.ID, "alice", nil, &body))
	assert.Equal(t, "already_deleted", body.Error.Type)

	assert.Equal(t, http.StatusNotFound, s.call(t, http.MethodDelete, "/chat/messages/missing", "alice", nil, &body))
}

func TestGroupInviteAndLeave(t *testing.T) {
	s := newTestServer(t)
	var room models.RoomDetail
	require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chat/rooms", "alice",
		obj{"type": "GROUP", "name": "Sellers", "participantIds": []string{"bob"}}, &room))
	assert.Equal(t, models.RoomKindGroup, room.Kind)

	var body HTTPErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.call(t, http.MethodPost, "/chat/rooms/"+room.ID+"/invite", "alice", obj{"userIds": []string{}}, &body))

	var invited models.RoomDetail
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/chat/rooms/"+room.ID+"/invite", "alice", obj{"userIds": []string{"carol"}}, &invited))
	assert.Len(t, invited.Participants, 3)

	assert.Equal(t, http.StatusConflict, s.call(t, http.MethodPost, "/chat/rooms/"+room.ID+"/invite", "alice", obj{"userIds": []string{"carol"}}, &body))
	assert.Equal(t, "already_member", body.Error.Type)

	assert.Equal(t, http.StatusNoContent, s.call(t, http.MethodPost, "/chat/rooms/"+room.ID+"/leave", "carol", nil, nil))
	assert.Equal(t, http.StatusForbidden, s.call(t, http.MethodGet, "/chat/rooms/"+room.ID, "carol", nil, &body))
}

func TestMuteValidatesBody(t *testing.T) {
	s := newTestServer(t)
	var room models.RoomDetail
	require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chat/rooms", "alice", obj{"targetUserId": "bob"}, &room))

	var body HTTPErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.call(t, http.MethodPost, "/chat/rooms/"+room.ID+"/mute", "alice", obj{}, &body))
	assert.Equal(t, http.StatusNoContent, s.call(t, http.MethodPost, "/chat/rooms/"+room.ID+"/mute", "alice", obj{"muted": true}, nil))

	var list struct {
		Data []models.RoomSummary `json:"data"`
	}
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/chat/rooms", "alice", nil, &list))
	require.Len(t, list.Data, 1)
	assert.True(t, list.Data[0].Muted)
}

func TestPresenceQuery(t *testing.T) {
	s := newTestServer(t)

	var body HTTPErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.call(t, http.MethodGet, "/chat/presence", "alice", nil, &body))

	var out struct {
		Data map[string]struct {
			Online bool `json:"online"`
		} `json:"data"`
	}
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/chat/presence?ids=bob,%20carol", "alice", nil, &out))
	assert.Len(t, out.Data, 2)
	assert.False(t, out.Data["bob"].Online)
	assert.False(t, out.Data["carol"].Online)
}

func TestUnknownRouteUsesErrorBody(t *testing.T) {
	s := newTestServer(t)
	var body HTTPErrorResponse
	assert.Equal(t, http.StatusNotFound, s.call(t, http.MethodGet, "/nowhere", "", nil, &body))
	require.NotNil(t, body.Error)
	assert.Equal(t, "not_found", body.Error.Type)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	var out map[string]any
	assert.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/healthz", "", nil, &out))
	assert.Equal(t, "ok", out["status"])
}

// obj is a JSON object literal for request bodies.
type obj map[string]any
