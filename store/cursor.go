package store

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/karthikraju391/marketplace-chat/models"
)

// ErrInvalidCursor is returned for cursors that were not produced by Encode.
var ErrInvalidCursor = errors.New("store: invalid cursor")

// Cursor marks a position in a room's total order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAt returns the cursor positioned on m.
func CursorAt(m *models.Message) *Cursor {
	return &Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Includes reports whether m sorts strictly before the cursor position,
// i.e. whether m belongs to the pages the cursor continues into.
func (c *Cursor) Includes(m *models.Message) bool {
	if c == nil {
		return true
	}
	return models.Before(m, &models.Message{ID: c.ID, CreatedAt: c.CreatedAt})
}

// Encode returns the opaque token handed to clients.
func (c *Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor decodes a token produced by Encode. An empty token yields nil.
func ParseCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}
