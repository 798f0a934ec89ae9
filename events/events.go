// Package events defines the closed set of frames exchanged over the push
// channel. Server events and client commands are sealed interfaces: only
// the types declared here satisfy them, so dispatchers can switch on the
// concrete type instead of on event-name strings.
package events

import (
	"time"

	"github.com/karthikraju391/marketplace-chat/models"
)

// Kind is the wire name of a server event.
type Kind string

const (
	KindMessageNew          Kind = "message:new"
	KindMessageUpdated      Kind = "message:updated"
	KindMessageDeleted      Kind = "message:deleted"
	KindTypingStart         Kind = "typing:start"
	KindTypingStop          Kind = "typing:stop"
	KindUserOnline          Kind = "user:online"
	KindUserOffline         Kind = "user:offline"
	KindMessagesRead        Kind = "messages:read"
	KindParticipantLeft     Kind = "participant:left"
	KindParticipantsInvited Kind = "participants:invited"
	KindNotification        Kind = "chat:notification"
	KindConnected           Kind = "connected"
	KindJoined              Kind = "chat:joined"
	KindLeft                Kind = "chat:left"
	KindError               Kind = "error"
)

// Event is a server to client push event.
type Event interface {
	Kind() Kind
	event()
}

// MessageNew carries a freshly persisted message.
type MessageNew struct {
	Message *models.Message `json:"message"`
}

// MessageUpdated carries the current row state of an edited message.
type MessageUpdated struct {
	Message *models.Message `json:"message"`
}

// MessageDeleted only names the deleted message; content is never re-sent.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

type TypingStart struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type TypingStop struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type UserOnline struct {
	UserID string `json:"userId"`
}

type UserOffline struct {
	UserID     string    `json:"userId"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// MessagesRead reports that UserID has read RoomID up to ReadAt.
type MessagesRead struct {
	RoomID string    `json:"roomId"`
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

type ParticipantLeft struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type ParticipantsInvited struct {
	RoomID    string       `json:"roomId"`
	InvitedBy string       `json:"invitedBy"`
	UserIDs   []string     `json:"userIds"`
	Room      *models.Room `json:"room,omitempty"`
}

// Notification is a lightweight alert for participants who may not have the room open.
type Notification struct {
	RoomID      string             `json:"roomId"`
	MessageID   string             `json:"messageId"`
	SenderID    string             `json:"senderId"`
	Preview     string             `json:"preview"`
	MessageType models.MessageType `json:"messageType"`
}

type Connected struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// Joined acknowledges chat:join on the connection that sent it.
type Joined struct {
	RoomID string `json:"roomId"`
}

// Left tells every connection of a user that the user left the room.
// Unsubscribing a single connection with chat:leave is not acknowledged.
type Left struct {
	RoomID string `json:"roomId"`
}

// Error answers a failed command on the originating connection only.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}

func (MessageNew) Kind() Kind          { return KindMessageNew }
func (MessageUpdated) Kind() Kind      { return KindMessageUpdated }
func (MessageDeleted) Kind() Kind      { return KindMessageDeleted }
func (TypingStart) Kind() Kind         { return KindTypingStart }
func (TypingStop) Kind() Kind          { return KindTypingStop }
func (UserOnline) Kind() Kind          { return KindUserOnline }
func (UserOffline) Kind() Kind         { return KindUserOffline }
func (MessagesRead) Kind() Kind        { return KindMessagesRead }
func (ParticipantLeft) Kind() Kind     { return KindParticipantLeft }
func (ParticipantsInvited) Kind() Kind { return KindParticipantsInvited }
func (Notification) Kind() Kind        { return KindNotification }
func (Connected) Kind() Kind           { return KindConnected }
func (Joined) Kind() Kind              { return KindJoined }
func (Left) Kind() Kind                { return KindLeft }
func (Error) Kind() Kind               { return KindError }

func (MessageNew) event()          {}
func (MessageUpdated) event()      {}
func (MessageDeleted) event()      {}
func (TypingStart) event()         {}
func (TypingStop) event()          {}
func (UserOnline) event()          {}
func (UserOffline) event()         {}
func (MessagesRead) event()        {}
func (ParticipantLeft) event()     {}
func (ParticipantsInvited) event() {}
func (Notification) event()        {}
func (Connected) event()           {}
func (Joined) event()              {}
func (Left) event()                {}
func (Error) event()               {}

// RoomOf returns the room an event belongs to, or "" for user-scoped events.
func RoomOf(ev Event) string {
	switch e := ev.(type) {
	case MessageNew:
		return e.Message.RoomID
	case MessageUpdated:
		return e.Message.RoomID
	case MessageDeleted:
		return e.RoomID
	case TypingStart:
		return e.RoomID
	case TypingStop:
		return e.RoomID
	case MessagesRead:
		return e.RoomID
	case ParticipantLeft:
		return e.RoomID
	case ParticipantsInvited:
		return e.RoomID
	case Notification:
		return e.RoomID
	case Joined:
		return e.RoomID
	case Left:
		return e.RoomID
	case UserOnline, UserOffline, Connected, Error:
		return ""
	}
	return ""
}
