// Package syncstore is the client-side state container. A Store owns the
// room list, the open room's message window, typing and presence sets and
// the optimistic sends of one connected client; every change goes through
// Dispatch with one of the Action types below.
package syncstore

import (
	"sort"
	"time"

	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/models"
)

// TypingTTL clears a typing indicator whose stop never arrived.
const TypingTTL = 3 * time.Second

// maxNotifications bounds the notification queue kept for the UI.
const maxNotifications = 20

type PendingStatus string

const (
	PendingSending PendingStatus = "sending"
	PendingFailed  PendingStatus = "failed"
)

// PendingMessage is an optimistic send that the server has not confirmed.
// It lives beside the authoritative message list, never inside it.
type PendingMessage struct {
	TempID      string
	RoomID      string
	Content     string
	Type        models.MessageType
	ReplyToID   string
	Attachment  *models.Attachment
	Status      PendingStatus
	Err         string
	RequestedAt time.Time
}

type TypingEntry struct {
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
}

// State is an immutable view handed out by Snapshot.
type State struct {
	UserID    string
	Connected bool
	// NeedsResync is set when the push channel dropped; pushes missed
	// while disconnected are only recovered by refetching.
	NeedsResync bool

	Rooms       []models.RoomSummary
	TotalUnread int

	ActiveRoomID string
	Loading      bool
	Messages     []*models.Message // oldest first
	HasMore      bool
	NextCursor   string

	Pending       []PendingMessage
	Typing        map[string]map[string]TypingEntry // room -> user
	Online        map[string]bool
	LastSeen      map[string]time.Time
	ReadBy        map[string]map[string]time.Time // room -> user -> read at
	Notifications []events.Notification
	LastError     *events.Error
}

func newState(userID string) State {
	return State{
		UserID:   userID,
		Typing:   make(map[string]map[string]TypingEntry),
		Online:   make(map[string]bool),
		LastSeen: make(map[string]time.Time),
		ReadBy:   make(map[string]map[string]time.Time),
	}
}

// Room returns the summary of roomID from the room list.
func (s State) Room(roomID string) (models.RoomSummary, bool) {
	if i := s.roomIndex(roomID); i >= 0 {
		return s.Rooms[i], true
	}
	return models.RoomSummary{}, false
}

// PendingFor returns the unconfirmed sends of roomID in request order.
func (s State) PendingFor(roomID string) []PendingMessage {
	var out []PendingMessage
	for _, p := range s.Pending {
		if p.RoomID == roomID {
			out = append(out, p)
		}
	}
	return out
}

// TypingIn lists who is typing in roomID, ordered by user id.
func (s State) TypingIn(roomID string) []TypingEntry {
	out := make([]TypingEntry, 0, len(s.Typing[roomID]))
	for _, e := range s.Typing[roomID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s State) roomIndex(roomID string) int {
	for i := range s.Rooms {
		if s.Rooms[i].ID == roomID {
			return i
		}
	}
	return -1
}

func (s State) pendingIndex(tempID string) int {
	for i := range s.Pending {
		if s.Pending[i].TempID == tempID {
			return i
		}
	}
	return -1
}

func (s State) clone() State {
	out := s
	out.Rooms = make([]models.RoomSummary, len(s.Rooms))
	for i, r := range s.Rooms {
		out.Rooms[i] = r
		if r.LastMessage != nil {
			lm := *r.LastMessage
			out.Rooms[i].LastMessage = &lm
		}
	}
	out.Messages = make([]*models.Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	out.Pending = append([]PendingMessage(nil), s.Pending...)
	out.Typing = make(map[string]map[string]TypingEntry, len(s.Typing))
	for room, users := range s.Typing {
		cp := make(map[string]TypingEntry, len(users))
		for id, e := range users {
			cp[id] = e
		}
		out.Typing[room] = cp
	}
	out.Online = make(map[string]bool, len(s.Online))
	for id, v := range s.Online {
		out.Online[id] = v
	}
	out.LastSeen = make(map[string]time.Time, len(s.LastSeen))
	for id, t := range s.LastSeen {
		out.LastSeen[id] = t
	}
	out.ReadBy = make(map[string]map[string]time.Time, len(s.ReadBy))
	for room, users := range s.ReadBy {
		cp := make(map[string]time.Time, len(users))
		for id, t := range users {
			cp[id] = t
		}
		out.ReadBy[room] = cp
	}
	out.Notifications = append([]events.Notification(nil), s.Notifications...)
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	return out
}
