package presence

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/fanout"
)

type staticMembers map[string][]string

func (m staticMembers) CoMemberIDs(_ context.Context, userID string) ([]string, error) {
	return m[userID], nil
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *fakeCounter) set(userID string, n int) {
	c.mu.Lock()
	c.counts[userID] = n
	c.mu.Unlock()
}

func (c *fakeCounter) ConnectionCount(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[userID]
}

// memoryMirror stands in for the shared store. elsewhere marks users held
// by some other node.
type memoryMirror struct {
	mu        sync.Mutex
	online    map[string]bool
	elsewhere map[string]bool
	lastSeen  map[string]time.Time
}

func (m *memoryMirror) SetOnline(_ context.Context, userID string) error {
	m.mu.Lock()
	m.online[userID] = true
	m.mu.Unlock()
	return nil
}

func (m *memoryMirror) SetOffline(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	delete(m.online, userID)
	if m.lastSeen == nil {
		m.lastSeen = map[string]time.Time{}
	}
	m.lastSeen[userID] = at
	m.mu.Unlock()
	return nil
}

func (m *memoryMirror) Online(_ context.Context, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for _, id := range ids {
		out[id] = m.online[id] || m.elsewhere[id]
	}
	return out, nil
}

func (m *memoryMirror) LastSeen(_ context.Context, userID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.lastSeen[userID]
	return at, ok, nil
}

// recorded reports whether an offline time was stored for userID.
func (m *memoryMirror) recorded(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lastSeen[userID]
	return ok
}

// gatedPublisher records like a Recorder but parks the first publish of
// kind until release is closed.
type gatedPublisher struct {
	fanout.Recorder
	kind    events.Kind
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedPublisher(kind events.Kind) *gatedPublisher {
	return &gatedPublisher{kind: kind, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedPublisher) Publish(ctx context.Context, env fanout.Envelope) error {
	if err := g.Recorder.Publish(ctx, env); err != nil {
		return err
	}
	if ev, err := env.Event(); err == nil && ev.Kind() == g.kind {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return nil
}

// kinds lists the presence events published so far, in order.
func (g *gatedPublisher) kinds() []events.Kind {
	var out []events.Kind
	for _, env := range g.Envelopes() {
		if ev, err := env.Event(); err == nil {
			out = append(out, ev.Kind())
		}
	}
	return out
}

func newTracker(grace time.Duration, opts ...Option) (*Tracker, *fanout.Recorder, *fakeCounter) {
	rec := &fanout.Recorder{}
	counter := &fakeCounter{counts: map[string]int{}}
	members := staticMembers{"alice": {"bob", "carol"}}
	return NewTracker(members, rec, counter, grace, zerolog.Nop(), opts...), rec, counter
}

// connect mirrors what the gateway does: update the count, then notify.
func connect(tr *Tracker, c *fakeCounter, userID string, n int) {
	c.set(userID, n)
	tr.OnConnectionCountChanged(userID, n)
}

func TestOnlineIsImmediateAndScopedToCoMembers(t *testing.T) {
	tr, rec, counter := newTracker(time.Hour)

	connect(tr, counter, "alice", 1)
	connect(tr, counter, "alice", 2)

	online := rec.Events(events.KindUserOnline)
	require.Len(t, online, 1)
	assert.Equal(t, []string{"bob", "carol"}, online[0].Envelope.UserIDs)
	assert.True(t, tr.IsOnline("alice"))
}

func TestOfflineWaitsForGraceWindow(t *testing.T) {
	tr, rec, counter := newTracker(30 * time.Millisecond)

	connect(tr, counter, "alice", 1)
	connect(tr, counter, "alice", 0)
	assert.True(t, tr.IsOnline("alice"))
	assert.Empty(t, rec.Events(events.KindUserOffline))

	require.Eventually(t, func() bool {
		return len(rec.Events(events.KindUserOffline)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, tr.IsOnline("alice"))
	_, ok := tr.LastSeen(context.Background(), "alice")
	assert.True(t, ok)
}

func TestReconnectWithinGraceIsSilent(t *testing.T) {
	tr, rec, counter := newTracker(50 * time.Millisecond)

	connect(tr, counter, "alice", 1)
	connect(tr, counter, "alice", 0)
	connect(tr, counter, "alice", 1)

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, rec.Events(events.KindUserOffline))
	assert.Len(t, rec.Events(events.KindUserOnline), 1)
	assert.True(t, tr.IsOnline("alice"))
}

func TestReconnectDuringOfflineBroadcastEndsOnline(t *testing.T) {
	pub := newGatedPublisher(events.KindUserOffline)
	counter := &fakeCounter{counts: map[string]int{}}
	tr := NewTracker(staticMembers{"alice": {"bob"}}, pub, counter, 10*time.Millisecond, zerolog.Nop())

	connect(tr, counter, "alice", 1)
	connect(tr, counter, "alice", 0)
	select {
	case <-pub.entered:
	case <-time.After(time.Second):
		t.Fatal("offline broadcast never started")
	}

	done := make(chan struct{})
	go func() {
		connect(tr, counter, "alice", 1)
		close(done)
	}()
	require.Eventually(t, func() bool { return tr.IsOnline("alice") }, time.Second, 5*time.Millisecond)
	close(pub.release)
	<-done

	assert.Equal(t, []events.Kind{events.KindUserOnline, events.KindUserOffline, events.KindUserOnline}, pub.kinds())
	assert.True(t, tr.IsOnline("alice"))
}

func TestOfflineOvertakenByReconnectIsDropped(t *testing.T) {
	pub := newGatedPublisher(events.KindUserOnline)
	counter := &fakeCounter{counts: map[string]int{}}
	tr := NewTracker(staticMembers{"alice": {"bob"}}, pub, counter, 10*time.Millisecond, zerolog.Nop())

	first := make(chan struct{})
	go func() {
		connect(tr, counter, "alice", 1)
		close(first)
	}()
	<-pub.entered

	// The offline expiry queues behind the parked online broadcast.
	connect(tr, counter, "alice", 0)
	require.Eventually(t, func() bool { return !tr.IsOnline("alice") }, time.Second, 5*time.Millisecond)

	again := make(chan struct{})
	go func() {
		connect(tr, counter, "alice", 1)
		close(again)
	}()
	require.Eventually(t, func() bool { return tr.IsOnline("alice") }, time.Second, 5*time.Millisecond)

	close(pub.release)
	<-first
	<-again
	require.Eventually(t, func() bool { return tr.slots.Len() == 0 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []events.Kind{events.KindUserOnline, events.KindUserOnline}, pub.kinds())
}

func TestUserWithoutCoMembersBroadcastsNothing(t *testing.T) {
	tr, rec, counter := newTracker(time.Millisecond)
	connect(tr, counter, "loner", 1)
	assert.True(t, tr.IsOnline("loner"))
	assert.Empty(t, rec.Envelopes())
}

func TestOnlineConsultsMirror(t *testing.T) {
	mirror := &memoryMirror{online: map[string]bool{"remote": true}}
	tr, _, counter := newTracker(time.Hour, WithMirror(mirror))

	connect(tr, counter, "alice", 1)
	got := tr.Online(context.Background(), []string{"alice", "remote", "ghost"})
	assert.Equal(t, map[string]bool{"alice": true, "remote": true, "ghost": false}, got)
	assert.True(t, mirror.online["alice"])
}

func TestOfflineIsSilentWhileAnotherNodeHoldsTheUser(t *testing.T) {
	mirror := &memoryMirror{online: map[string]bool{}, elsewhere: map[string]bool{"alice": true}}
	tr, rec, counter := newTracker(10*time.Millisecond, WithMirror(mirror))

	connect(tr, counter, "alice", 1)
	connect(tr, counter, "alice", 0)
	require.Eventually(t, func() bool {
		return mirror.recorded("alice") && tr.slots.Len() == 0
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, rec.Events(events.KindUserOffline))
	assert.Len(t, rec.Events(events.KindUserOnline), 1)
	assert.True(t, tr.Online(context.Background(), []string{"alice"})["alice"])
}

func TestLastSeenConsultsMirror(t *testing.T) {
	remoteSeen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mirror := &memoryMirror{online: map[string]bool{}, lastSeen: map[string]time.Time{"remote": remoteSeen}}
	tr, _, counter := newTracker(10*time.Millisecond, WithMirror(mirror))

	at, ok := tr.LastSeen(context.Background(), "remote")
	require.True(t, ok)
	assert.Equal(t, remoteSeen, at)

	_, ok = tr.LastSeen(context.Background(), "ghost")
	assert.False(t, ok)

	connect(tr, counter, "alice", 1)
	connect(tr, counter, "alice", 0)
	require.Eventually(t, func() bool {
		_, ok := tr.LastSeen(context.Background(), "alice")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestRedisMirror(t *testing.T) {
	url := os.Getenv("CHAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CHAT_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	nodeA, err := NewRedisMirror(ctx, url, "node-a")
	require.NoError(t, err)
	defer nodeA.Close()
	nodeB, err := NewRedisMirror(ctx, url, "node-b")
	require.NoError(t, err)
	defer nodeB.Close()

	user := "user-" + uuid.NewString()
	require.NoError(t, nodeA.SetOnline(ctx, user))
	require.NoError(t, nodeB.SetOnline(ctx, user))
	require.NoError(t, nodeA.SetOffline(ctx, user, time.Now()))

	got, err := nodeA.Online(ctx, []string{user})
	require.NoError(t, err)
	assert.True(t, got[user], "still connected through node-b")

	require.NoError(t, nodeB.Release(ctx, []string{user}))
	got, err = nodeA.Online(ctx, []string{user})
	require.NoError(t, err)
	assert.False(t, got[user])

	_, ok, err := nodeA.LastSeen(ctx, user)
	require.NoError(t, err)
	assert.True(t, ok)
}
