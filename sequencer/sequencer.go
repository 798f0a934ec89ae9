// Package sequencer serializes work per key. Every room's sends, edits,
// deletes, leaves and joins run through the same slot, so the order they
// commit in is the order they are fanned out in. Different keys never
// block each other.
package sequencer

import "sync"

type slot struct {
	mu   sync.Mutex
	refs int
}

// Sequencer hands out one slot per key and frees it once no caller holds
// or waits on it.
type Sequencer struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func New() *Sequencer {
	return &Sequencer{slots: make(map[string]*slot)}
}

// Do runs fn while holding the slot for key.
func (s *Sequencer) Do(key string, fn func() error) error {
	sl := s.acquire(key)
	sl.mu.Lock()
	defer s.release(key, sl)
	return fn()
}

func (s *Sequencer) acquire(key string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{}
		s.slots[key] = sl
	}
	sl.refs++
	return sl
}

func (s *Sequencer) release(key string, sl *slot) {
	sl.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, key)
	}
}

// Len reports how many keys currently have a holder or waiter.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// RoomKey is the slot key of a room.
func RoomKey(roomID string) string { return "room:" + roomID }

// PairKey is the slot key used while creating a two-party room.
func PairKey(directKey string) string { return "pair:" + directKey }
