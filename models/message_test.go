package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBeforeOrdersByTimeThenID(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	a := &Message{ID: "b", CreatedAt: t0}
	b := &Message{ID: "a", CreatedAt: t0.Add(time.Millisecond)}
	c := &Message{ID: "c", CreatedAt: t0}

	assert.True(t, Before(a, b))
	assert.False(t, Before(b, a))
	assert.True(t, Before(a, c), "equal timestamps fall back to id")
	assert.False(t, Before(c, a))
}

func TestRedactKeepsIdentity(t *testing.T) {
	reply := "m0"
	m := &Message{
		ID:         "m1",
		RoomID:     "r1",
		Content:    "secret",
		Attachment: &Attachment{URL: "https://files/x.png"},
		ReplyToID:  &reply,
	}
	at := time.Now().UTC()
	m.Redact(at)

	assert.True(t, m.Deleted)
	assert.Empty(t, m.Content)
	assert.Nil(t, m.Attachment)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "m0", *m.ReplyToID)
	assert.Equal(t, at, m.UpdatedAt)
}

func TestDirectKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, DirectKey("alice", "bob"), DirectKey("bob", "alice"))
	assert.NotEqual(t, DirectKey("alice", "bob"), DirectKey("alice", "carol"))
}

func TestMessageTypeRules(t *testing.T) {
	assert.True(t, MessageTypeLink.Valid())
	assert.False(t, MessageType("video").Valid())
	assert.True(t, MessageTypeImage.NeedsAttachment())
	assert.False(t, MessageTypeText.NeedsAttachment())
}
