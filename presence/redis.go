package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	userKeyPrefix = "chat:presence:user:"
	lastSeenKey   = "chat:presence:last_seen"
)

// RedisMirror keeps, per user, the set of nodes holding a connection for
// them, so any node can answer presence for the whole cluster.
type RedisMirror struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
}

var _ Mirror = (*RedisMirror)(nil)

// NewRedisMirror connects to url and verifies the server answers.
func NewRedisMirror(ctx context.Context, url, nodeID string) (*RedisMirror, error) {
	if url == "" {
		return nil, errors.New("redis: url is required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisMirror{client: c, nodeID: nodeID, ttl: 24 * time.Hour}, nil
}

func (m *RedisMirror) SetOnline(ctx context.Context, userID string) error {
	key := userKeyPrefix + userID
	pipe := m.client.TxPipeline()
	pipe.SAdd(ctx, key, m.nodeID)
	pipe.Expire(ctx, key, m.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *RedisMirror) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	pipe := m.client.TxPipeline()
	pipe.SRem(ctx, userKeyPrefix+userID, m.nodeID)
	pipe.HSet(ctx, lastSeenKey, userID, lastSeen.UnixMilli())
	_, err := pipe.Exec(ctx)
	return err
}

func (m *RedisMirror) Online(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	pipe := m.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.SCard(ctx, userKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for i, id := range userIDs {
		out[id] = cmds[i].Val() > 0
	}
	return out, nil
}

// LastSeen returns the last recorded offline time of userID.
func (m *RedisMirror) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := m.client.HGet(ctx, lastSeenKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis: last seen for %s: %w", userID, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// Release removes this node from every user it marked online. Called on
// shutdown so a stopped node does not keep users online.
func (m *RedisMirror) Release(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := m.client.Pipeline()
	for _, id := range userIDs {
		pipe.SRem(ctx, userKeyPrefix+id, m.nodeID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
