// Package presence derives online and offline state from the gateway's
// connection counts and tells co-members about transitions.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/fanout"
	"github.com/karthikraju391/marketplace-chat/metrics"
	"github.com/karthikraju391/marketplace-chat/sequencer"
)

const broadcastTimeout = 5 * time.Second

// CoMembers resolves who shares an active room with a user.
type CoMembers interface {
	CoMemberIDs(ctx context.Context, userID string) ([]string, error)
}

// Counter reports the live connection count of a user.
type Counter interface {
	ConnectionCount(userID string) int
}

// Mirror publishes presence to storage shared between nodes. A user is
// online in the mirror while any node holds a connection for them.
type Mirror interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string, lastSeen time.Time) error
	Online(ctx context.Context, userIDs []string) (map[string]bool, error)
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

type pendingOffline struct {
	timer *time.Timer
}

// Tracker broadcasts user:online as soon as a user's first connection
// arrives and user:offline only after the last one has been gone for the
// grace window.
type Tracker struct {
	members CoMembers
	pub     fanout.Publisher
	counter Counter
	grace   time.Duration
	mirror  Mirror
	log     zerolog.Logger

	// slots serializes the broadcasts of one user. gen counts that user's
	// local transitions so a broadcast overtaken by a newer one is dropped.
	slots *sequencer.Sequencer

	mu       sync.Mutex
	online   map[string]bool
	pending  map[string]*pendingOffline
	lastSeen map[string]time.Time
	gen      map[string]uint64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMirror mirrors transitions into m.
func WithMirror(m Mirror) Option {
	return func(t *Tracker) { t.mirror = m }
}

func NewTracker(members CoMembers, pub fanout.Publisher, counter Counter, grace time.Duration, log zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		members:  members,
		pub:      pub,
		counter:  counter,
		grace:    grace,
		log:      log.With().Str("component", "presence").Logger(),
		slots:    sequencer.New(),
		online:   make(map[string]bool),
		pending:  make(map[string]*pendingOffline),
		lastSeen: make(map[string]time.Time),
		gen:      make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnConnectionCountChanged implements gateway.CountObserver.
func (t *Tracker) OnConnectionCountChanged(userID string, count int) {
	t.mu.Lock()
	if count > 0 {
		if p := t.pending[userID]; p != nil {
			p.timer.Stop()
			delete(t.pending, userID)
		}
		if t.online[userID] {
			t.mu.Unlock()
			return
		}
		t.online[userID] = true
		t.gen[userID]++
		gen := t.gen[userID]
		t.mu.Unlock()

		metrics.OnlineUsers.Inc()
		t.log.Debug().Str("user_id", userID).Msg("user online")
		t.transition(userID, gen, events.UserOnline{UserID: userID})
		return
	}

	if !t.online[userID] || t.pending[userID] != nil {
		t.mu.Unlock()
		return
	}
	p := &pendingOffline{}
	p.timer = time.AfterFunc(t.grace, func() { t.expire(userID, p) })
	t.pending[userID] = p
	t.mu.Unlock()
}

func (t *Tracker) expire(userID string, p *pendingOffline) {
	t.mu.Lock()
	if t.pending[userID] != p {
		t.mu.Unlock()
		return
	}
	delete(t.pending, userID)
	if t.counter != nil && t.counter.ConnectionCount(userID) > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.online, userID)
	seen := time.Now().UTC()
	t.lastSeen[userID] = seen
	t.gen[userID]++
	gen := t.gen[userID]
	t.mu.Unlock()

	metrics.OnlineUsers.Dec()
	t.log.Debug().Str("user_id", userID).Msg("user offline")
	t.transition(userID, gen, events.UserOffline{UserID: userID, LastSeenAt: seen})
}

// transition mirrors and broadcasts ev. Broadcasts of one user run one at
// a time in the order their transitions happened.
func (t *Tracker) transition(userID string, gen uint64, ev events.Event) {
	_ = t.slots.Do(userID, func() error {
		if t.superseded(userID, gen) {
			t.log.Debug().Str("user_id", userID).Str("event", string(ev.Kind())).Msg("presence transition superseded")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
		defer cancel()

		if t.mirror != nil {
			var err error
			switch e := ev.(type) {
			case events.UserOnline:
				err = t.mirror.SetOnline(ctx, userID)
			case events.UserOffline:
				err = t.mirror.SetOffline(ctx, userID, e.LastSeenAt)
			}
			if err != nil {
				t.log.Warn().Err(err).Str("user_id", userID).Msg("presence mirror update failed")
			}
			if _, ok := ev.(events.UserOffline); ok && t.onlineElsewhere(ctx, userID) {
				t.log.Debug().Str("user_id", userID).Msg("user still connected to another node")
				return nil
			}
		}

		recipients, err := t.members.CoMemberIDs(ctx, userID)
		if err != nil {
			t.log.Error().Err(err).Str("user_id", userID).Msg("resolve co-members")
			return nil
		}
		if len(recipients) == 0 {
			return nil
		}
		if err := t.pub.Publish(ctx, fanout.ToUsers(ev, recipients)); err != nil {
			t.log.Error().Err(err).Str("user_id", userID).Str("event", string(ev.Kind())).Msg("publish presence")
		}
		return nil
	})
}

func (t *Tracker) superseded(userID string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen[userID] != gen
}

// onlineElsewhere reports whether another node still holds a connection for
// userID. Lookup failures count as offline.
func (t *Tracker) onlineElsewhere(ctx context.Context, userID string) bool {
	remote, err := t.mirror.Online(ctx, []string{userID})
	if err != nil {
		t.log.Warn().Err(err).Str("user_id", userID).Msg("presence mirror lookup failed")
		return false
	}
	return remote[userID]
}

// IsOnline reports whether userID is online on this node. A user inside
// the grace window still counts as online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

// OnlineUsers lists the users this node considers online.
func (t *Tracker) OnlineUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	return out
}

// LastSeen returns when userID last went offline, on this node or, with a
// mirror, on any node. The later of the two wins.
func (t *Tracker) LastSeen(ctx context.Context, userID string) (time.Time, bool) {
	t.mu.Lock()
	seen, ok := t.lastSeen[userID]
	t.mu.Unlock()

	if t.mirror == nil {
		return seen, ok
	}
	remote, found, err := t.mirror.LastSeen(ctx, userID)
	if err != nil {
		t.log.Warn().Err(err).Str("user_id", userID).Msg("presence mirror lookup failed")
		return seen, ok
	}
	if found && (!ok || remote.After(seen)) {
		return remote, true
	}
	return seen, ok
}

// Online answers presence for userIDs, consulting the mirror for users
// this node does not see.
func (t *Tracker) Online(ctx context.Context, userIDs []string) map[string]bool {
	out := make(map[string]bool, len(userIDs))
	var unknown []string

	t.mu.Lock()
	for _, id := range userIDs {
		if t.online[id] {
			out[id] = true
			continue
		}
		out[id] = false
		unknown = append(unknown, id)
	}
	t.mu.Unlock()

	if t.mirror == nil || len(unknown) == 0 {
		return out
	}
	remote, err := t.mirror.Online(ctx, unknown)
	if err != nil {
		t.log.Warn().Err(err).Msg("presence mirror lookup failed")
		return out
	}
	for id, online := range remote {
		if online {
			out[id] = true
		}
	}
	return out
}
