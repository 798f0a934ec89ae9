package gormstore

import (
	"time"

	"github.com/karthikraju391/marketplace-chat/models"
)

// Room represents the database schema for chat rooms.
type Room struct {
	ID        string    `gorm:"type:varchar(64);primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
	Name      string    `gorm:"type:varchar(256)"`
	Kind      string    `gorm:"type:varchar(16);not null"`
	Active    bool      `gorm:"not null;default:true"`
	DirectKey *string   `gorm:"type:varchar(140);index:idx_chat_room_direct_unique,unique,where:active = true AND direct_key IS NOT NULL"`

	LastMessageID        *string    `gorm:"type:varchar(64)"`
	LastMessageSenderID  *string    `gorm:"type:varchar(64)"`
	LastMessageContent   *string    `gorm:"type:text"`
	LastMessageType      *string    `gorm:"type:varchar(16)"`
	LastMessageDeleted   bool       `gorm:"not null;default:false"`
	LastMessageCreatedAt *time.Time
}

// TableName specifies the table name for Room.
func (Room) TableName() string {
	return "chat_rooms"
}

// Participant represents the database schema for room membership rows.
// Rows are never deleted; at most one active row exists per (room, user).
type Participant struct {
	ID          string     `gorm:"type:varchar(64);primaryKey"`
	RoomID      string     `gorm:"type:varchar(64);not null;index:idx_chat_participant_active,unique,where:active = true;index:idx_chat_participant_room"`
	UserID      string     `gorm:"type:varchar(64);not null;index:idx_chat_participant_active,unique,where:active = true;index:idx_chat_participant_user"`
	Role        string     `gorm:"type:varchar(16);not null"`
	LastReadAt  *time.Time
	UnreadCount int        `gorm:"not null;default:0"`
	Muted       bool       `gorm:"not null;default:false"`
	Active      bool       `gorm:"not null;default:true"`
	JoinedAt    time.Time  `gorm:"not null"`
	LeftAt      *time.Time
}

// TableName specifies the table name for Participant.
func (Participant) TableName() string {
	return "chat_participants"
}

// Message represents the database schema for chat messages.
type Message struct {
	ID                 string    `gorm:"type:varchar(64);primaryKey;index:idx_chat_message_room_order,priority:3"`
	RoomID             string    `gorm:"type:varchar(64);not null;index:idx_chat_message_room_order,priority:1"`
	SenderID           string    `gorm:"type:varchar(64);not null"`
	Content            string    `gorm:"type:text;not null;default:''"`
	Type               string    `gorm:"type:varchar(16);not null"`
	AttachmentURL      *string   `gorm:"type:text"`
	AttachmentName     *string   `gorm:"type:varchar(256)"`
	AttachmentMimeType *string   `gorm:"type:varchar(128)"`
	AttachmentSize     *int64
	ReplyToID          *string   `gorm:"type:varchar(64)"`
	Edited             bool      `gorm:"not null;default:false"`
	Deleted            bool      `gorm:"not null;default:false"`
	CreatedAt          time.Time `gorm:"not null;index:idx_chat_message_room_order,priority:2"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// TableName specifies the table name for Message.
func (Message) TableName() string {
	return "chat_messages"
}

func NewSchemaRoom(r *models.Room) *Room {
	row := &Room{
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Name:      r.Name,
		Kind:      string(r.Kind),
		Active:    r.Active,
	}
	if r.DirectKey != "" {
		key := r.DirectKey
		row.DirectKey = &key
	}
	row.applySnapshot(r.LastMessage)
	return row
}

func (r *Room) applySnapshot(lm *models.LastMessage) {
	if lm == nil {
		r.LastMessageID = nil
		r.LastMessageSenderID = nil
		r.LastMessageContent = nil
		r.LastMessageType = nil
		r.LastMessageDeleted = false
		r.LastMessageCreatedAt = nil
		return
	}
	id, sender, content, typ, at := lm.MessageID, lm.SenderID, lm.Content, string(lm.Type), lm.CreatedAt
	r.LastMessageID = &id
	r.LastMessageSenderID = &sender
	r.LastMessageContent = &content
	r.LastMessageType = &typ
	r.LastMessageDeleted = lm.Deleted
	r.LastMessageCreatedAt = &at
}

// EtoD converts the entity to its domain form.
func (r *Room) EtoD() *models.Room {
	room := &models.Room{
		ID:        r.ID,
		Name:      r.Name,
		Kind:      models.RoomKind(r.Kind),
		Active:    r.Active,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.DirectKey != nil {
		room.DirectKey = *r.DirectKey
	}
	if r.LastMessageID != nil && r.LastMessageCreatedAt != nil {
		room.LastMessage = &models.LastMessage{
			MessageID: *r.LastMessageID,
			SenderID:  deref(r.LastMessageSenderID),
			Content:   deref(r.LastMessageContent),
			Type:      models.MessageType(deref(r.LastMessageType)),
			Deleted:   r.LastMessageDeleted,
			CreatedAt: r.LastMessageCreatedAt.UTC(),
		}
	}
	return room
}

func NewSchemaParticipant(p *models.Participant) *Participant {
	return &Participant{
		ID:          p.ID,
		RoomID:      p.RoomID,
		UserID:      p.UserID,
		Role:        string(p.Role),
		LastReadAt:  p.LastReadAt,
		UnreadCount: p.UnreadCount,
		Muted:       p.Muted,
		Active:      p.Active,
		JoinedAt:    p.JoinedAt,
		LeftAt:      p.LeftAt,
	}
}

func (p *Participant) EtoD() *models.Participant {
	return &models.Participant{
		ID:          p.ID,
		RoomID:      p.RoomID,
		UserID:      p.UserID,
		Role:        models.Role(p.Role),
		LastReadAt:  utcPtr(p.LastReadAt),
		UnreadCount: p.UnreadCount,
		Muted:       p.Muted,
		Active:      p.Active,
		JoinedAt:    p.JoinedAt.UTC(),
		LeftAt:      utcPtr(p.LeftAt),
	}
}

func NewSchemaMessage(m *models.Message) *Message {
	row := &Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      string(m.Type),
		ReplyToID: m.ReplyToID,
		Edited:    m.Edited,
		Deleted:   m.Deleted,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if a := m.Attachment; a != nil {
		url, name, mime, size := a.URL, a.Name, a.MimeType, a.Size
		row.AttachmentURL = &url
		row.AttachmentName = &name
		row.AttachmentMimeType = &mime
		row.AttachmentSize = &size
	}
	return row
}

func (m *Message) EtoD() *models.Message {
	msg := &models.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      models.MessageType(m.Type),
		ReplyToID: m.ReplyToID,
		Edited:    m.Edited,
		Deleted:   m.Deleted,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
	if m.AttachmentURL != nil {
		msg.Attachment = &models.Attachment{
			URL:      *m.AttachmentURL,
			Name:     deref(m.AttachmentName),
			MimeType: deref(m.AttachmentMimeType),
		}
		if m.AttachmentSize != nil {
			msg.Attachment.Size = *m.AttachmentSize
		}
	}
	return msg
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
