package models

import (
	"sort"
	"strings"
	"time"
)

// RoomKind distinguishes two-party, multi-party and system rooms.
type RoomKind string

const (
	RoomKindDirect RoomKind = "direct"
	RoomKindGroup  RoomKind = "group"
	RoomKindSystem RoomKind = "system"
)

// Role is a participant's authority within a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// CanInvite reports whether the role may add participants.
func (r Role) CanInvite() bool {
	return r == RoleOwner || r == RoleAdmin
}

// User is a read-only reference to an identity owned by the identity provider.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// LastMessage is the denormalized snapshot used to render room lists.
type LastMessage struct {
	MessageID string      `json:"messageId"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	Type      MessageType `json:"messageType"`
	Deleted   bool        `json:"deleted,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// SnapshotOf builds the room list snapshot for m.
func SnapshotOf(m *Message) *LastMessage {
	return &LastMessage{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      m.Type,
		Deleted:   m.Deleted,
		CreatedAt: m.CreatedAt,
	}
}

// Room is a conversation context.
type Room struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	Kind        RoomKind     `json:"type"`
	Active      bool         `json:"active"`
	DirectKey   string       `json:"-"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Clone returns a copy of r that shares nothing mutable with it.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	out := *r
	if r.LastMessage != nil {
		lm := *r.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

// DirectKey returns the order-independent key of a two-party room.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// Participant joins a user to a room.
type Participant struct {
	ID          string     `json:"id"`
	RoomID      string     `json:"roomId"`
	UserID      string     `json:"userId"`
	Role        Role       `json:"role"`
	LastReadAt  *time.Time `json:"lastReadAt,omitempty"`
	UnreadCount int        `json:"unreadCount"`
	Muted       bool       `json:"muted"`
	Active      bool       `json:"active"`
	JoinedAt    time.Time  `json:"joinedAt"`
	LeftAt      *time.Time `json:"leftAt,omitempty"`
}

// Clone returns a copy of p.
func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	out := *p
	if p.LastReadAt != nil {
		t := *p.LastReadAt
		out.LastReadAt = &t
	}
	if p.LeftAt != nil {
		t := *p.LeftAt
		out.LeftAt = &t
	}
	return &out
}

// RoomSummary is a room as seen by one participant in the room list.
type RoomSummary struct {
	Room
	UnreadCount int        `json:"unreadCount"`
	Muted       bool       `json:"muted"`
	Role        Role       `json:"role"`
	LastReadAt  *time.Time `json:"lastReadAt,omitempty"`
}

// ActivityAt is the time used to order room lists.
func (s RoomSummary) ActivityAt() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return s.UpdatedAt
}

// RoomDetail is a room with its active participants.
type RoomDetail struct {
	Room
	Participants []*Participant `json:"participants"`
}
