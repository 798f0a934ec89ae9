package nats_service

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

func TestSubject(t *testing.T) {
	s := &NatsService{cfg: Config{SubjectPrefix: "chat.events"}}
	assert.Equal(t, "chat.events.room.r1", s.subject(fanout.ToRoom(events.TypingStop{RoomID: "r1"}, "")))
	assert.Equal(t, "chat.events.user", s.subject(fanout.ToUsers(events.UserOnline{UserID: "a"}, []string{"b"})))
	assert.Equal(t, "chat.events.user", s.subject(fanout.Revoke([]string{"a"}, "x")))
}

type collectingDeliverer struct {
	mu       sync.Mutex
	payloads []string
}

func (c *collectingDeliverer) DeliverToUsers(_ []string, payload []byte, _ string) int {
	c.mu.Lock()
	c.payloads = append(c.payloads, string(payload))
	c.mu.Unlock()
	return 1
}

func (c *collectingDeliverer) DeliverToRoom(_ string, payload []byte, _ string) int {
	return c.DeliverToUsers(nil, payload, "")
}

func (c *collectingDeliverer) EvictFromRoom(string, []string) {}

func (c *collectingDeliverer) RevokeUsers([]string, string) int { return 0 }

func (c *collectingDeliverer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

// Runs against a live server when CHAT_TEST_NATS_URL is set.
func TestPublishConsumeKeepsOrder(t *testing.T) {
	url := os.Getenv("CHAT_TEST_NATS_URL")
	if url == "" {
		t.Skip("CHAT_TEST_NATS_URL not set")
	}
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	svc, err := NewNatsService(ctx, Config{
		URL:           url,
		StreamName:    "CHAT_TEST_" + suffix,
		SubjectPrefix: "chattest." + suffix,
		MaxAge:        time.Minute,
	}, zerolog.Nop())
	require.NoError(t, err)
	defer svc.Close()
	defer func() { _ = svc.js.DeleteStream(ctx, "CHAT_TEST_"+suffix) }()

	d := &collectingDeliverer{}
	require.NoError(t, svc.Start(ctx, d))
	assert.True(t, svc.Healthy())

	var want []string
	for i := 0; i < 10; i++ {
		env := fanout.ToRoom(events.TypingStart{RoomID: "r1", UserID: uuid.NewString()}, "")
		want = append(want, string(env.Payload))
		require.NoError(t, svc.Publish(ctx, env))
	}

	require.Eventually(t, func() bool { return d.count() == 10 }, 5*time.Second, 20*time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, want, d.payloads)
}
