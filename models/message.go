package models

import (
	"time"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
	MessageTypeLink   MessageType = "link"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem, MessageTypeLink:
		return true
	}
	return false
}

// NeedsAttachment reports whether messages of this type must carry an attachment.
func (t MessageType) NeedsAttachment() bool {
	return t == MessageTypeImage || t == MessageTypeFile
}

// Attachment references a file held by the external file store.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message represents a chat message
type Message struct {
	ID         string      `json:"id"`
	RoomID     string      `json:"roomId"`
	SenderID   string      `json:"senderId"`
	Content    string      `json:"content"`
	Type       MessageType `json:"messageType"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ReplyToID  *string     `json:"replyToId,omitempty"`
	Edited     bool        `json:"edited"`
	Deleted    bool        `json:"deleted"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Redact clears the content of a deleted message. The row itself stays so
// ordering and reply references remain intact.
func (m *Message) Redact(at time.Time) {
	m.Deleted = true
	m.Content = ""
	m.Attachment = nil
	m.UpdatedAt = at
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Attachment != nil {
		att := *m.Attachment
		out.Attachment = &att
	}
	if m.ReplyToID != nil {
		id := *m.ReplyToID
		out.ReplyToID = &id
	}
	return &out
}

// Before reports whether a sorts before b in a room's total order:
// creation time first, ties broken by id.
func Before(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
