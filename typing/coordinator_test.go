package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/fanout"
	"github.com/karthikraju391/marketplace-chat/models"
)

type roomMembers map[string][]string

func (m roomMembers) RequireMember(_ context.Context, roomID, userID string) (*models.Participant, error) {
	for _, id := range m[roomID] {
		if id == userID {
			return &models.Participant{RoomID: roomID, UserID: userID, Active: true}, nil
		}
	}
	return nil, models.ErrNotAMember
}

func newCoordinator(idle time.Duration) (*Coordinator, *fanout.Recorder) {
	rec := &fanout.Recorder{}
	members := roomMembers{"r1": {"alice", "bob"}, "r2": {"alice"}}
	return NewCoordinator(members, rec, idle, zerolog.Nop()), rec
}

var alice = models.User{ID: "alice", DisplayName: "Alice"}

func TestStartBroadcastsToRoomExcludingTypist(t *testing.T) {
	c, rec := newCoordinator(time.Hour)
	require.NoError(t, c.Start(context.Background(), "r1", alice))

	starts := rec.Events(events.KindTypingStart)
	require.Len(t, starts, 1)
	assert.Equal(t, fanout.ScopeRoom, starts[0].Envelope.Scope)
	assert.Equal(t, "r1", starts[0].Envelope.RoomID)
	assert.Equal(t, "alice", starts[0].Envelope.ExceptUserID)
	assert.Equal(t, events.TypingStart{RoomID: "r1", UserID: "alice", DisplayName: "Alice"}, starts[0].Event)
	assert.Equal(t, []string{"alice"}, c.Typists("r1"))
}

func TestIdleStartIsFollowedBySynthesizedStop(t *testing.T) {
	c, rec := newCoordinator(40 * time.Millisecond)
	require.NoError(t, c.Start(context.Background(), "r1", alice))

	require.Eventually(t, func() bool {
		return len(rec.Events(events.KindTypingStop)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, c.Typists("r1"))
}

func TestRepeatedStartRearmsTimer(t *testing.T) {
	c, rec := newCoordinator(80 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "r1", alice))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Start(ctx, "r1", alice))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.Events(events.KindTypingStop), "second start pushed the expiry out")

	require.Eventually(t, func() bool {
		return len(rec.Events(events.KindTypingStop)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestExplicitStopCancelsTimer(t *testing.T) {
	c, rec := newCoordinator(30 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "r1", alice))
	require.NoError(t, c.Stop(ctx, "r1", "alice"))
	time.Sleep(80 * time.Millisecond)

	assert.Len(t, rec.Events(events.KindTypingStop), 1)
}

func TestTypistsAreIndependent(t *testing.T) {
	c, rec := newCoordinator(time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "r1", alice))
	require.NoError(t, c.Start(ctx, "r1", models.User{ID: "bob"}))
	require.NoError(t, c.Start(ctx, "r2", alice))
	require.NoError(t, c.Stop(ctx, "r1", "bob"))
	assert.Equal(t, []string{"alice"}, c.Typists("r1"))

	c.OnConnectionCountChanged("alice", 0)
	assert.Empty(t, c.Typists("r1"))
	assert.Empty(t, c.Typists("r2"))
	assert.Len(t, rec.Events(events.KindTypingStop), 3)
}

func TestNonMemberCannotType(t *testing.T) {
	c, rec := newCoordinator(time.Hour)
	err := c.Start(context.Background(), "r2", models.User{ID: "bob"})
	assert.ErrorIs(t, err, models.ErrNotAMember)
	assert.ErrorIs(t, c.Stop(context.Background(), "r2", "bob"), models.ErrNotAMember)
	assert.Empty(t, rec.Envelopes())
}

// parkingPublisher records like a Recorder but holds alice's first start in
// r1 until release is closed.
type parkingPublisher struct {
	fanout.Recorder
	once    sync.Once
	parked  chan struct{}
	release chan struct{}
}

func (p *parkingPublisher) Publish(ctx context.Context, env fanout.Envelope) error {
	ev, err := env.Event()
	if err == nil {
		if start, ok := ev.(events.TypingStart); ok && start.UserID == "alice" && start.RoomID == "r1" {
			p.once.Do(func() {
				close(p.parked)
				<-p.release
			})
		}
	}
	return p.Recorder.Publish(ctx, env)
}

func TestSlowPublishHoldsUpOnlyItsTypist(t *testing.T) {
	pub := &parkingPublisher{parked: make(chan struct{}), release: make(chan struct{})}
	c := NewCoordinator(roomMembers{"r1": {"alice", "bob"}}, pub, time.Hour, zerolog.Nop())
	ctx := context.Background()

	started := make(chan error, 1)
	go func() { started <- c.Start(ctx, "r1", alice) }()
	<-pub.parked

	// Other typists and state changes go through while alice's start is parked.
	require.NoError(t, c.Start(ctx, "r1", models.User{ID: "bob", DisplayName: "Bob"}))
	assert.Len(t, pub.Events(events.KindTypingStart), 1)

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(ctx, "r1", "alice") }()
	require.Eventually(t, func() bool { return len(c.Typists("r1")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, pub.Events(events.KindTypingStop), "stop waits for its own start")

	close(pub.release)
	require.NoError(t, <-started)
	require.NoError(t, <-stopped)

	var aliceSignals []events.Kind
	for _, env := range pub.Envelopes() {
		ev, err := env.Event()
		require.NoError(t, err)
		switch e := ev.(type) {
		case events.TypingStart:
			if e.UserID == "alice" {
				aliceSignals = append(aliceSignals, ev.Kind())
			}
		case events.TypingStop:
			if e.UserID == "alice" {
				aliceSignals = append(aliceSignals, ev.Kind())
			}
		}
	}
	assert.Equal(t, []events.Kind{events.KindTypingStart, events.KindTypingStop}, aliceSignals)
	assert.Equal(t, []string{"bob"}, c.Typists("r1"))
}
