// Package typing broadcasts ephemeral "user is typing" signals. Nothing is
// persisted: a start arms an idle timer that synthesizes the stop.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/fanout"
	"github.com/karthikraju391/marketplace-chat/metrics"
	"github.com/karthikraju391/marketplace-chat/models"
	"github.com/karthikraju391/marketplace-chat/sequencer"
)

const publishTimeout = 5 * time.Second

// Members answers whether a user is an active participant of a room.
type Members interface {
	RequireMember(ctx context.Context, roomID, userID string) (*models.Participant, error)
}

type key struct {
	roomID string
	userID string
}

func (k key) slot() string { return k.roomID + "/" + k.userID }

type entry struct {
	timer *time.Timer
}

type Coordinator struct {
	members Members
	pub     fanout.Publisher
	idle    time.Duration
	log     zerolog.Logger

	// Signals are queued under mu in the order the state changed and drained
	// through a per-key slot, so a start is never overtaken by its own stop
	// and a slow publish holds up only its own typist.
	slots *sequencer.Sequencer

	mu     sync.Mutex
	active map[key]*entry
	queued map[key][]fanout.Envelope
}

func NewCoordinator(members Members, pub fanout.Publisher, idle time.Duration, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		members: members,
		pub:     pub,
		idle:    idle,
		log:     log.With().Str("component", "typing").Logger(),
		slots:   sequencer.New(),
		active:  make(map[key]*entry),
		queued:  make(map[key][]fanout.Envelope),
	}
}

// Start broadcasts typing:start to the room and re-arms the idle timer.
func (c *Coordinator) Start(ctx context.Context, roomID string, user models.User) error {
	if _, err := c.members.RequireMember(ctx, roomID, user.ID); err != nil {
		return err
	}

	k := key{roomID: roomID, userID: user.ID}
	c.mu.Lock()
	if prev := c.active[k]; prev != nil {
		prev.timer.Stop()
	}
	e := &entry{}
	e.timer = time.AfterFunc(c.idle, func() { c.expire(k, e) })
	c.active[k] = e

	metrics.TypingSignals.WithLabelValues("start").Inc()
	c.enqueueLocked(k, fanout.ToRoom(events.TypingStart{RoomID: roomID, UserID: user.ID, DisplayName: user.DisplayName}, user.ID))
	c.mu.Unlock()

	c.flush(k)
	return nil
}

// Stop cancels the idle timer and broadcasts typing:stop.
func (c *Coordinator) Stop(ctx context.Context, roomID, userID string) error {
	if _, err := c.members.RequireMember(ctx, roomID, userID); err != nil {
		return err
	}

	k := key{roomID: roomID, userID: userID}
	c.mu.Lock()
	c.stopLocked(k, "stop")
	c.mu.Unlock()

	c.flush(k)
	return nil
}

// StopAllFor ends every typing state of userID, for when their last
// connection is gone.
func (c *Coordinator) StopAllFor(userID string) {
	c.mu.Lock()
	var rooms []key
	for k := range c.active {
		if k.userID == userID {
			rooms = append(rooms, k)
		}
	}
	for _, k := range rooms {
		c.stopLocked(k, "disconnect")
	}
	c.mu.Unlock()

	for _, k := range rooms {
		c.flush(k)
	}
}

// OnConnectionCountChanged implements gateway.CountObserver.
func (c *Coordinator) OnConnectionCountChanged(userID string, count int) {
	if count == 0 {
		c.StopAllFor(userID)
	}
}

// Typists returns the users currently typing in roomID.
func (c *Coordinator) Typists(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for k := range c.active {
		if k.roomID == roomID {
			out = append(out, k.userID)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) expire(k key, e *entry) {
	c.mu.Lock()
	if c.active[k] != e {
		c.mu.Unlock()
		return
	}
	c.stopLocked(k, "expired")
	c.mu.Unlock()

	c.flush(k)
}

func (c *Coordinator) stopLocked(k key, reason string) {
	if e := c.active[k]; e != nil {
		e.timer.Stop()
		delete(c.active, k)
	}
	metrics.TypingSignals.WithLabelValues(reason).Inc()
	c.enqueueLocked(k, fanout.ToRoom(events.TypingStop{RoomID: k.roomID, UserID: k.userID}, k.userID))
}

func (c *Coordinator) enqueueLocked(k key, env fanout.Envelope) {
	c.queued[k] = append(c.queued[k], env)
}

// flush publishes whatever is queued for k. Concurrent flushes of the same
// key take turns; the first one in drains the queue.
func (c *Coordinator) flush(k key) {
	_ = c.slots.Do(k.slot(), func() error {
		for {
			c.mu.Lock()
			q := c.queued[k]
			if len(q) == 0 {
				delete(c.queued, k)
				c.mu.Unlock()
				return nil
			}
			env := q[0]
			if len(q) == 1 {
				delete(c.queued, k)
			} else {
				c.queued[k] = q[1:]
			}
			c.mu.Unlock()

			c.publish(env)
		}
	})
}

func (c *Coordinator) publish(env fanout.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.pub.Publish(ctx, env); err != nil {
		c.log.Warn().Err(err).Str("room_id", env.RoomID).Msg("publish typing event")
	}
}
