// Package history is the paginated read path over persisted messages and
// the only place unread counters go down.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/fanout"
	"github.com/karthikraju391/marketplace-chat/models"
	"github.com/karthikraju391/marketplace-chat/store"
)

// Members answers whether a user is an active participant of a room.
type Members interface {
	RequireMember(ctx context.Context, roomID, userID string) (*models.Participant, error)
}

// Page is one page of history, newest message first.
type Page struct {
	Data       []*models.Message `json:"data"`
	HasMore    bool              `json:"hasMore"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// Limits bound the page size.
type Limits struct {
	Default int
	Max     int
}

type Service struct {
	store   store.Store
	members Members
	pub     fanout.Publisher
	limits  Limits
	log     zerolog.Logger
	now     func() time.Time
}

func NewService(st store.Store, members Members, pub fanout.Publisher, limits Limits, log zerolog.Logger) *Service {
	return &Service{
		store:   st,
		members: members,
		pub:     pub,
		limits:  limits,
		log:     log.With().Str("component", "history").Logger(),
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// GetMessages returns up to limit messages strictly older than cursor, or
// the newest page when cursor is empty. Rows are read in their current
// state, so edits and deletes are already applied.
func (s *Service) GetMessages(ctx context.Context, roomID, userID, cursor string, limit int) (*Page, error) {
	if _, err := s.members.RequireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	before, err := store.ParseCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	limit = s.clamp(limit)

	// One extra row tells whether an older page exists.
	rows, err := s.store.ListMessages(ctx, roomID, before, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	page := &Page{Data: rows}
	if len(rows) > limit {
		page.Data = rows[:limit]
		page.HasMore = true
		page.NextCursor = store.CursorAt(page.Data[limit-1]).Encode()
	}
	if page.Data == nil {
		page.Data = []*models.Message{}
	}
	return page, nil
}

// MarkAsRead zeroes userID's unread counter for roomID, records the read
// time and tells the room's participants.
func (s *Service) MarkAsRead(ctx context.Context, roomID, userID string) (time.Time, error) {
	if _, err := s.members.RequireMember(ctx, roomID, userID); err != nil {
		return time.Time{}, err
	}
	readAt := s.now()
	if err := s.store.ResetUnread(ctx, roomID, userID, readAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return time.Time{}, fmt.Errorf("%w: room %s", models.ErrNotAMember, roomID)
		}
		return time.Time{}, fmt.Errorf("reset unread: %w", err)
	}

	participants, err := s.store.ListActiveParticipants(ctx, roomID)
	if err != nil {
		s.log.Error().Err(err).Str("room_id", roomID).Msg("list participants for read receipt")
		return readAt, nil
	}
	recipients := make([]string, len(participants))
	for i, p := range participants {
		recipients[i] = p.UserID
	}
	if err := s.pub.Publish(ctx, fanout.ToUsers(events.MessagesRead{RoomID: roomID, UserID: userID, ReadAt: readAt}, recipients)); err != nil {
		s.log.Error().Err(err).Str("room_id", roomID).Msg("publish read receipt")
	}
	return readAt, nil
}

func (s *Service) clamp(limit int) int {
	if limit <= 0 {
		return s.limits.Default
	}
	if limit > s.limits.Max {
		return s.limits.Max
	}
	return limit
}
