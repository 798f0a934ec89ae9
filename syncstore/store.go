package syncstore

import (
	"sort"
	"sync"
	"time"

	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/models"
)

// Listener observes the state after each dispatch. Listeners run on the
// dispatching goroutine and must not call Dispatch themselves.
type Listener func(State)

type Store struct {
	mu        sync.Mutex
	state     State
	buffered  []PushReceived
	listeners map[int]Listener
	nextID    int
}

// NewStore returns an empty store for the signed-in userID.
func NewStore(userID string) *Store {
	return &Store{
		state:     newState(userID),
		listeners: make(map[int]Listener),
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Dispatch applies a to the state and notifies listeners with the result.
// Dispatches are fully serialized, listener calls included, so listeners
// observe states in dispatch order.
func (s *Store) Dispatch(a Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reduce(a)
	s.state.TotalUnread = totalUnread(s.state.Rooms)

	if len(s.listeners) == 0 {
		return
	}
	snap := s.state.clone()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		s.listeners[id](snap)
	}
}

func (s *Store) reduce(a Action) {
	st := &s.state
	switch act := a.(type) {
	case RoomsLoaded:
		st.Rooms = make([]models.RoomSummary, len(act.Rooms))
		for i, r := range act.Rooms {
			r.Room = *r.Room.Clone()
			st.Rooms[i] = r
		}
		sortRooms(st.Rooms)
		st.NeedsResync = false

	case RoomSwitchStarted:
		st.ActiveRoomID = act.RoomID
		st.Loading = true
		st.Messages = nil
		st.HasMore = false
		st.NextCursor = ""
		s.buffered = nil

	case HistoryLoaded:
		if act.RoomID != st.ActiveRoomID {
			return
		}
		for _, m := range act.Messages {
			st.Messages = mergeMessage(st.Messages, m)
		}
		if act.Older && st.Loading {
			return
		}
		st.HasMore = act.HasMore
		st.NextCursor = act.NextCursor
		if !act.Older {
			st.Loading = false
			s.replay()
		}

	case HistoryFailed:
		if act.RoomID != st.ActiveRoomID {
			return
		}
		st.Loading = false
		st.LastError = &events.Error{Code: "history_failed", Message: act.Err}
		s.replay()

	case PushReceived:
		s.applyPush(act)

	case SendRequested:
		p := act.Pending
		p.Status = PendingSending
		p.Err = ""
		if i := st.pendingIndex(p.TempID); i >= 0 {
			st.Pending[i] = p
		} else {
			st.Pending = append(st.Pending, p)
		}

	case SendSucceeded:
		if i := st.pendingIndex(act.TempID); i >= 0 {
			st.Pending = append(st.Pending[:i:i], st.Pending[i+1:]...)
		}
		if act.Message != nil {
			s.applyMessage(act.Message)
		}

	case SendFailed:
		if i := st.pendingIndex(act.TempID); i >= 0 {
			st.Pending[i].Status = PendingFailed
			st.Pending[i].Err = act.Err
		}

	case MarkRead:
		if i := st.roomIndex(act.RoomID); i >= 0 {
			st.Rooms[i].UnreadCount = 0
			at := act.At
			st.Rooms[i].LastReadAt = &at
		}

	case Tick:
		for room, users := range st.Typing {
			for id, e := range users {
				if !act.Now.Before(e.ExpiresAt) {
					delete(users, id)
				}
			}
			if len(users) == 0 {
				delete(st.Typing, room)
			}
		}

	case ConnectionLost:
		st.Connected = false
		st.NeedsResync = true
		st.Typing = make(map[string]map[string]TypingEntry)
		st.Online = make(map[string]bool)
	}
}

// replay applies pushes held back while the open room was loading.
func (s *Store) replay() {
	held := s.buffered
	s.buffered = nil
	for _, p := range held {
		s.applyPush(p)
	}
}

func (s *Store) applyPush(p PushReceived) {
	st := &s.state
	switch ev := p.Event.(type) {
	case events.MessageNew:
		if ev.Message == nil {
			return
		}
		if s.holdForLoad(ev.Message.RoomID, p) {
			s.touchRoom(ev.Message)
			return
		}
		s.touchRoom(ev.Message)
		s.mergeIntoWindow(ev.Message)
		if ev.Message.SenderID != st.UserID && ev.Message.RoomID != st.ActiveRoomID {
			if i := st.roomIndex(ev.Message.RoomID); i >= 0 {
				st.Rooms[i].UnreadCount++
			}
		}
		s.clearTypist(ev.Message.RoomID, ev.Message.SenderID)

	case events.MessageUpdated:
		if ev.Message == nil {
			return
		}
		s.refreshSnapshot(ev.Message)
		if s.holdForLoad(ev.Message.RoomID, p) {
			return
		}
		if ev.Message.RoomID == st.ActiveRoomID && indexOf(st.Messages, ev.Message.ID) >= 0 {
			st.Messages = mergeMessage(st.Messages, ev.Message)
		}

	case events.MessageDeleted:
		if i := st.roomIndex(ev.RoomID); i >= 0 {
			if lm := st.Rooms[i].LastMessage; lm != nil && lm.MessageID == ev.MessageID {
				lm.Deleted = true
				lm.Content = ""
			}
		}
		if s.holdForLoad(ev.RoomID, p) {
			return
		}
		if ev.RoomID == st.ActiveRoomID {
			if i := indexOf(st.Messages, ev.MessageID); i >= 0 && !st.Messages[i].Deleted {
				m := st.Messages[i].Clone()
				m.Redact(m.UpdatedAt)
				st.Messages[i] = m
			}
		}

	case events.TypingStart:
		if ev.UserID == st.UserID {
			return
		}
		users := st.Typing[ev.RoomID]
		if users == nil {
			users = make(map[string]TypingEntry)
			st.Typing[ev.RoomID] = users
		}
		users[ev.UserID] = TypingEntry{UserID: ev.UserID, DisplayName: ev.DisplayName, ExpiresAt: p.At.Add(TypingTTL)}

	case events.TypingStop:
		s.clearTypist(ev.RoomID, ev.UserID)

	case events.UserOnline:
		st.Online[ev.UserID] = true

	case events.UserOffline:
		delete(st.Online, ev.UserID)
		st.LastSeen[ev.UserID] = ev.LastSeenAt

	case events.MessagesRead:
		if ev.UserID == st.UserID {
			if i := st.roomIndex(ev.RoomID); i >= 0 {
				st.Rooms[i].UnreadCount = 0
				at := ev.ReadAt
				st.Rooms[i].LastReadAt = &at
			}
			return
		}
		users := st.ReadBy[ev.RoomID]
		if users == nil {
			users = make(map[string]time.Time)
			st.ReadBy[ev.RoomID] = users
		}
		if ev.ReadAt.After(users[ev.UserID]) {
			users[ev.UserID] = ev.ReadAt
		}

	case events.ParticipantLeft:
		s.clearTypist(ev.RoomID, ev.UserID)
		if ev.UserID != st.UserID {
			return
		}
		s.dropRoom(ev.RoomID)

	case events.ParticipantsInvited:
		if ev.Room == nil || !contains(ev.UserIDs, st.UserID) || st.roomIndex(ev.RoomID) >= 0 {
			return
		}
		st.Rooms = append(st.Rooms, models.RoomSummary{Room: *ev.Room.Clone(), Role: models.RoleMember})
		sortRooms(st.Rooms)

	case events.Notification:
		if ev.RoomID == st.ActiveRoomID {
			return
		}
		st.Notifications = append(st.Notifications, ev)
		if n := len(st.Notifications); n > maxNotifications {
			st.Notifications = append([]events.Notification(nil), st.Notifications[n-maxNotifications:]...)
		}

	case events.Connected:
		st.Connected = true

	case events.Left:
		s.dropRoom(ev.RoomID)

	case events.Error:
		e := ev
		st.LastError = &e

	case events.Joined:
	}
}

// holdForLoad buffers a message-window push for the open room while its
// first page is in flight.
func (s *Store) holdForLoad(roomID string, p PushReceived) bool {
	if !s.state.Loading || roomID != s.state.ActiveRoomID {
		return false
	}
	s.buffered = append(s.buffered, p)
	return true
}

// applyMessage merges a confirmed message from a REST response.
func (s *Store) applyMessage(m *models.Message) {
	s.touchRoom(m)
	if s.state.Loading && m.RoomID == s.state.ActiveRoomID {
		s.buffered = append(s.buffered, PushReceived{Event: events.MessageNew{Message: m}})
		return
	}
	s.mergeIntoWindow(m)
}

func (s *Store) mergeIntoWindow(m *models.Message) {
	if m.RoomID == s.state.ActiveRoomID {
		s.state.Messages = mergeMessage(s.state.Messages, m)
	}
}

// touchRoom moves m into its room's snapshot when it is the newest message.
func (s *Store) touchRoom(m *models.Message) {
	st := &s.state
	i := st.roomIndex(m.RoomID)
	if i < 0 {
		return
	}
	lm := st.Rooms[i].LastMessage
	if lm != nil && lm.MessageID != m.ID && !models.Before(&models.Message{ID: lm.MessageID, CreatedAt: lm.CreatedAt}, m) {
		return
	}
	st.Rooms[i].LastMessage = models.SnapshotOf(m)
	sortRooms(st.Rooms)
}

func (s *Store) refreshSnapshot(m *models.Message) {
	st := &s.state
	if i := st.roomIndex(m.RoomID); i >= 0 {
		if lm := st.Rooms[i].LastMessage; lm != nil && lm.MessageID == m.ID && !lm.Deleted {
			st.Rooms[i].LastMessage = models.SnapshotOf(m)
		}
	}
}

func (s *Store) clearTypist(roomID, userID string) {
	users := s.state.Typing[roomID]
	delete(users, userID)
	if len(users) == 0 {
		delete(s.state.Typing, roomID)
	}
}

func (s *Store) dropRoom(roomID string) {
	st := &s.state
	if i := st.roomIndex(roomID); i >= 0 {
		st.Rooms = append(st.Rooms[:i:i], st.Rooms[i+1:]...)
	}
	delete(st.Typing, roomID)
	delete(st.ReadBy, roomID)
	if st.ActiveRoomID == roomID {
		st.ActiveRoomID = ""
		st.Loading = false
		st.Messages = nil
		st.HasMore = false
		st.NextCursor = ""
		s.buffered = nil
	}
}

// mergeMessage inserts m into the ordered window, or reconciles it with
// the copy already there. Between two copies of one row the later update
// wins and a deletion is never undone.
func mergeMessage(list []*models.Message, m *models.Message) []*models.Message {
	if i := indexOf(list, m.ID); i >= 0 {
		if supersedes(m, list[i]) {
			list[i] = m.Clone()
		}
		return list
	}
	i := sort.Search(len(list), func(i int) bool { return models.Before(m, list[i]) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = m.Clone()
	return list
}

func supersedes(next, cur *models.Message) bool {
	if cur.Deleted {
		return false
	}
	if next.Deleted {
		return true
	}
	return next.UpdatedAt.After(cur.UpdatedAt)
}

func indexOf(list []*models.Message, id string) int {
	for i, m := range list {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func sortRooms(rooms []models.RoomSummary) {
	sort.SliceStable(rooms, func(i, j int) bool {
		a, b := rooms[i].ActivityAt(), rooms[j].ActivityAt()
		if !a.Equal(b) {
			return a.After(b)
		}
		return rooms[i].ID < rooms[j].ID
	})
}

func totalUnread(rooms []models.RoomSummary) int {
	total := 0
	for _, r := range rooms {
		total += r.UnreadCount
	}
	return total
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
