package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/models"
)

// MemoryStore is a mutex-based in-memory store for single-node deployments
// and tests. Every read returns copies so callers never share rows.
type MemoryStore struct {
	mu           sync.RWMutex
	rooms        map[string]*models.Room
	directIndex  map[string]string                // direct key -> active room ID
	participants map[string][]*models.Participant // room ID -> all rows, inactive included
	messages     map[string]*models.Message
	roomMessages map[string][]*models.Message // room ID -> messages in total order
	log          zerolog.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(log zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		rooms:        make(map[string]*models.Room),
		directIndex:  make(map[string]string),
		participants: make(map[string][]*models.Participant),
		messages:     make(map[string]*models.Message),
		roomMessages: make(map[string][]*models.Message),
		log:          log.With().Str("component", "memory-store").Logger(),
	}
}

func (s *MemoryStore) CreateRoom(ctx context.Context, room *models.Room, participants []*models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.ID]; exists {
		return ErrConflict
	}
	if room.DirectKey != "" && room.Active {
		if other, ok := s.directIndex[room.DirectKey]; ok && s.rooms[other].Active {
			return ErrConflict
		}
	}
	s.rooms[room.ID] = room.Clone()
	if room.DirectKey != "" && room.Active {
		s.directIndex[room.DirectKey] = room.ID
	}
	for _, p := range participants {
		s.participants[room.ID] = append(s.participants[room.ID], p.Clone())
	}
	return nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return room.Clone(), nil
}

func (s *MemoryStore) FindActiveDirectRoom(ctx context.Context, directKey string) (*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roomID, ok := s.directIndex[directKey]
	if !ok {
		return nil, ErrNotFound
	}
	room, ok := s.rooms[roomID]
	if !ok || !room.Active {
		return nil, ErrNotFound
	}
	return room.Clone(), nil
}

func (s *MemoryStore) SetRoomActive(ctx context.Context, roomID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.Active = active
	room.UpdatedAt = time.Now().UTC()
	if room.DirectKey != "" {
		if active {
			s.directIndex[room.DirectKey] = room.ID
		} else if s.directIndex[room.DirectKey] == room.ID {
			delete(s.directIndex, room.DirectKey)
		}
	}
	return nil
}

func (s *MemoryStore) UpdateRoomSnapshot(ctx context.Context, roomID string, snapshot *models.LastMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if snapshot == nil {
		room.LastMessage = nil
	} else {
		lm := *snapshot
		room.LastMessage = &lm
	}
	room.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRoomsForUser(ctx context.Context, userID string) ([]*models.RoomSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.RoomSummary
	for roomID, rows := range s.participants {
		p := activeRow(rows, userID)
		if p == nil {
			continue
		}
		room := s.rooms[roomID]
		if room == nil {
			continue
		}
		summary := &models.RoomSummary{
			Room:        *room.Clone(),
			UnreadCount: p.UnreadCount,
			Muted:       p.Muted,
			Role:        p.Role,
		}
		if p.LastReadAt != nil {
			t := *p.LastReadAt
			summary.LastReadAt = &t
		}
		result = append(result, summary)
	}
	return result, nil
}

func (s *MemoryStore) GetActiveParticipant(ctx context.Context, roomID, userID string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := activeRow(s.participants[roomID], userID)
	if p == nil {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListActiveParticipants(ctx context.Context, roomID string) ([]*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Participant
	for _, p := range s.participants[roomID] {
		if p.Active {
			result = append(result, p.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) AddParticipants(ctx context.Context, participants []*models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range participants {
		if _, ok := s.rooms[p.RoomID]; !ok {
			return ErrNotFound
		}
		if p.Active && activeRow(s.participants[p.RoomID], p.UserID) != nil {
			return ErrConflict
		}
	}
	for _, p := range participants {
		s.participants[p.RoomID] = append(s.participants[p.RoomID], p.Clone())
	}
	return nil
}

func (s *MemoryStore) DeactivateParticipant(ctx context.Context, roomID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := activeRow(s.participants[roomID], userID)
	if p == nil {
		return ErrNotFound
	}
	p.Active = false
	left := at
	p.LeftAt = &left
	return nil
}

func (s *MemoryStore) SetParticipantRole(ctx context.Context, roomID, userID string, role models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := activeRow(s.participants[roomID], userID)
	if p == nil {
		return ErrNotFound
	}
	p.Role = role
	return nil
}

func (s *MemoryStore) SetMuted(ctx context.Context, roomID, userID string, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := activeRow(s.participants[roomID], userID)
	if p == nil {
		return ErrNotFound
	}
	p.Muted = muted
	return nil
}

func (s *MemoryStore) CoMemberIDs(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for roomID, rows := range s.participants {
		if activeRow(rows, userID) == nil {
			continue
		}
		if room := s.rooms[roomID]; room == nil || !room.Active {
			continue
		}
		for _, p := range rows {
			if p.Active && p.UserID != userID {
				seen[p.UserID] = struct{}{}
			}
		}
	}
	result := make([]string, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Strings(result)
	return result, nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return ErrConflict
	}
	if _, ok := s.rooms[msg.RoomID]; !ok {
		return ErrNotFound
	}
	row := msg.Clone()
	s.messages[row.ID] = row

	list := s.roomMessages[row.RoomID]
	i := sort.Search(len(list), func(i int) bool { return models.Before(row, list[i]) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = row
	s.roomMessages[row.RoomID] = list
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

// UpdateMessage replaces the mutable fields of an existing row in place so
// its position in the room order never changes.
func (s *MemoryStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	updated := msg.Clone()
	row.Content = updated.Content
	row.Attachment = updated.Attachment
	row.Edited = updated.Edited
	row.Deleted = updated.Deleted
	row.UpdatedAt = updated.UpdatedAt
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, roomID string, before *Cursor, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.roomMessages[roomID]
	end := len(list)
	if before != nil {
		end = sort.Search(len(list), func(i int) bool { return !before.Includes(list[i]) })
	}

	result := make([]*models.Message, 0, limit)
	for i := end - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, list[i].Clone())
	}
	return result, nil
}

func (s *MemoryStore) IncrementUnread(ctx context.Context, roomID string, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, userID := range userIDs {
		if p := activeRow(s.participants[roomID], userID); p != nil {
			p.UnreadCount++
		}
	}
	return nil
}

func (s *MemoryStore) ResetUnread(ctx context.Context, roomID, userID string, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := activeRow(s.participants[roomID], userID)
	if p == nil {
		return ErrNotFound
	}
	p.UnreadCount = 0
	t := readAt
	p.LastReadAt = &t
	return nil
}

func activeRow(rows []*models.Participant, userID string) *models.Participant {
	for _, p := range rows {
		if p.Active && p.UserID == userID {
			return p
		}
	}
	return nil
}
