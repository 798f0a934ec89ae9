package syncstore

import (
	"time"

	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/models"
)

// Action is a state transition request. The set is closed: only the
// types in this file implement it.
type Action interface {
	action()
}

// RoomsLoaded replaces the room list with a fresh REST response.
type RoomsLoaded struct {
	Rooms []models.RoomSummary
}

// RoomSwitchStarted makes RoomID the open room and empties the message
// window until its history arrives.
type RoomSwitchStarted struct {
	RoomID string
}

// HistoryLoaded merges one page of history, newest first as the server
// returns it. Older marks a page fetched by scrolling back.
type HistoryLoaded struct {
	RoomID     string
	Messages   []*models.Message
	HasMore    bool
	NextCursor string
	Older      bool
}

// HistoryFailed ends a room switch whose first page could not be fetched.
type HistoryFailed struct {
	RoomID string
	Err    string
}

// PushReceived applies one push event received at At.
type PushReceived struct {
	Event events.Event
	At    time.Time
}

// SendRequested records an optimistic send, or re-arms a failed one with
// the same TempID.
type SendRequested struct {
	Pending PendingMessage
}

// SendSucceeded swaps a pending message for the persisted one.
type SendSucceeded struct {
	TempID  string
	Message *models.Message
}

// SendFailed rolls a pending message back to the failed state.
type SendFailed struct {
	TempID string
	Err    string
}

// MarkRead zeroes the local unread counter of RoomID.
type MarkRead struct {
	RoomID string
	At     time.Time
}

// Tick expires client-side timers.
type Tick struct {
	Now time.Time
}

// ConnectionLost drops everything only the push channel keeps fresh.
type ConnectionLost struct{}

func (RoomsLoaded) action()       {}
func (RoomSwitchStarted) action() {}
func (HistoryLoaded) action()     {}
func (HistoryFailed) action()     {}
func (PushReceived) action()      {}
func (SendRequested) action()     {}
func (SendSucceeded) action()     {}
func (SendFailed) action()        {}
func (MarkRead) action()          {}
func (Tick) action()              {}
func (ConnectionLost) action()    {}
