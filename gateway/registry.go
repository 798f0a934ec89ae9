// Package gateway owns the live push connections of this node: it
// authenticates them, tracks every connection of every user, and keeps
// the transport-level broadcast group of each room.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/config"
	"github.com/karthikraju391/marketplace-chat/fanout"
	"github.com/karthikraju391/marketplace-chat/identity"
	"github.com/karthikraju391/marketplace-chat/metrics"
	"github.com/karthikraju391/marketplace-chat/models"
)

// Options tune connection handling.
type Options struct {
	AuthTimeout time.Duration
	WriteWait   time.Duration
	PingPeriod  time.Duration
	SendBuffer  int
}

// OptionsFrom extracts the gateway options from cfg.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		AuthTimeout: cfg.AuthTimeout,
		WriteWait:   cfg.WriteWait,
		PingPeriod:  cfg.PingPeriod,
		SendBuffer:  cfg.SendBuffer,
	}
}

// CountObserver is told about every change in a user's connection count.
// Calls are serialized and arrive in the order the changes happened.
type CountObserver interface {
	OnConnectionCountChanged(userID string, count int)
}

// ObserverFunc adapts a function to CountObserver.
type ObserverFunc func(userID string, count int)

func (f ObserverFunc) OnConnectionCountChanged(userID string, count int) { f(userID, count) }

// Registry tracks live connections keyed by user and by room.
type Registry struct {
	verifier identity.Provider
	opts     Options
	log      zerolog.Logger

	// notifyMu orders count notifications; mu guards the maps.
	notifyMu  sync.Mutex
	mu        sync.RWMutex
	conns     map[string]*Connection
	users     map[string]map[string]*Connection
	rooms     map[string]map[string]*Connection
	connRooms map[string]map[string]struct{}
	observers []CountObserver
}

var _ fanout.Deliverer = (*Registry)(nil)

func NewRegistry(verifier identity.Provider, opts Options, log zerolog.Logger) *Registry {
	return &Registry{
		verifier:  verifier,
		opts:      opts,
		log:       log.With().Str("component", "gateway").Logger(),
		conns:     make(map[string]*Connection),
		users:     make(map[string]map[string]*Connection),
		rooms:     make(map[string]map[string]*Connection),
		connRooms: make(map[string]map[string]struct{}),
	}
}

// Observe registers o for connection count changes. Call before serving.
func (r *Registry) Observe(o CountObserver) {
	r.notifyMu.Lock()
	r.observers = append(r.observers, o)
	r.notifyMu.Unlock()
}

// Connect verifies credential within the auth timeout and registers the
// socket under the resolved user. The connection is force-closed when the
// credential expires. On failure the caller owns the socket.
func (r *Registry) Connect(ctx context.Context, credential string, socket Socket) (*Connection, error) {
	authCtx, cancel := context.WithTimeout(ctx, r.opts.AuthTimeout)
	defer cancel()

	id, err := r.verifier.Verify(authCtx, credential)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("invalid_credential").Inc()
		if !errors.Is(err, models.ErrAuthentication) {
			err = fmt.Errorf("%w: %v", models.ErrAuthentication, err)
		}
		return nil, err
	}

	now := time.Now()
	if !id.ExpiresAt.IsZero() && !id.ExpiresAt.After(now) {
		metrics.ConnectionsRejected.WithLabelValues("expired").Inc()
		return nil, fmt.Errorf("%w: credential expired", models.ErrAuthentication)
	}

	conn := newConnection(id, socket, r.opts, r.log)
	if !id.ExpiresAt.IsZero() {
		conn.expiry = time.AfterFunc(id.ExpiresAt.Sub(now), func() {
			conn.log.Info().Msg("credential expired, disconnecting")
			conn.Close(CloseCredentialExpired, "credential expired")
			r.Disconnect(conn)
		})
	}

	r.register(conn)
	conn.start()
	return conn, nil
}

func (r *Registry) register(conn *Connection) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	r.conns[conn.ID] = conn
	set := r.users[conn.UserID]
	if set == nil {
		set = make(map[string]*Connection)
		r.users[conn.UserID] = set
	}
	set[conn.ID] = conn
	r.connRooms[conn.ID] = make(map[string]struct{})
	count := len(set)
	r.mu.Unlock()

	metrics.LiveConnections.Inc()
	conn.log.Info().Int("user_connections", count).Msg("connection registered")
	r.notify(conn.UserID, count)
}

// Disconnect removes conn from its user's set and from every broadcast
// group, then closes it. Repeated calls are no-ops.
func (r *Registry) Disconnect(conn *Connection) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if _, ok := r.conns[conn.ID]; !ok {
		r.mu.Unlock()
		conn.Close(websocket.CloseNormalClosure, "")
		return
	}
	delete(r.conns, conn.ID)
	for roomID := range r.connRooms[conn.ID] {
		r.leaveLocked(roomID, conn.ID)
	}
	delete(r.connRooms, conn.ID)

	count := 0
	if set := r.users[conn.UserID]; set != nil {
		delete(set, conn.ID)
		count = len(set)
		if count == 0 {
			delete(r.users, conn.UserID)
		}
	}
	r.mu.Unlock()

	conn.Close(websocket.CloseNormalClosure, "")
	metrics.LiveConnections.Dec()
	conn.log.Info().Int("user_connections", count).Msg("connection removed")
	r.notify(conn.UserID, count)
}

func (r *Registry) notify(userID string, count int) {
	for _, o := range r.observers {
		o.OnConnectionCountChanged(userID, count)
	}
}

// Revoke force-disconnects every connection of userID on this node.
func (r *Registry) Revoke(userID, reason string) int {
	return r.RevokeUsers([]string{userID}, reason)
}

// RevokeUsers force-disconnects every connection of the listed users.
func (r *Registry) RevokeUsers(userIDs []string, reason string) int {
	var targets []*Connection
	r.mu.RLock()
	for _, userID := range userIDs {
		for _, conn := range r.users[userID] {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		conn.Close(CloseRevoked, reason)
		r.Disconnect(conn)
	}
	if len(targets) > 0 {
		r.log.Info().Strs("user_ids", userIDs).Int("connections", len(targets)).Str("reason", reason).Msg("sessions revoked")
	}
	return len(targets)
}

// Shutdown closes every connection.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	all := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		all = append(all, conn)
	}
	r.mu.RUnlock()

	for _, conn := range all {
		conn.Close(websocket.CloseGoingAway, "server shutdown")
		r.Disconnect(conn)
	}
}

// Subscribe adds conn to the room's broadcast group. It reports false when
// conn is no longer registered. Subscribing twice is harmless.
func (r *Registry) Subscribe(conn *Connection, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn.ID]; !ok {
		return false
	}
	group := r.rooms[roomID]
	if group == nil {
		group = make(map[string]*Connection)
		r.rooms[roomID] = group
	}
	group[conn.ID] = conn
	r.connRooms[conn.ID][roomID] = struct{}{}
	return true
}

// Unsubscribe removes conn from the room's broadcast group.
func (r *Registry) Unsubscribe(conn *Connection, roomID string) {
	r.mu.Lock()
	r.leaveLocked(roomID, conn.ID)
	r.mu.Unlock()
}

// EvictFromRoom removes every connection of userIDs from the room's group.
func (r *Registry) EvictFromRoom(roomID string, userIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, userID := range userIDs {
		for connID := range r.users[userID] {
			r.leaveLocked(roomID, connID)
		}
	}
}

func (r *Registry) leaveLocked(roomID, connID string) {
	if group := r.rooms[roomID]; group != nil {
		delete(group, connID)
		if len(group) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if memberships := r.connRooms[connID]; memberships != nil {
		delete(memberships, roomID)
	}
}

// IsSubscribed reports whether conn is in the room's broadcast group.
func (r *Registry) IsSubscribed(conn *Connection, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][conn.ID]
	return ok
}

// ConnectionCount returns how many live connections userID has here.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Len returns the number of live connections on this node.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// DeliverToUsers queues payload on every connection of userIDs except
// exceptConnID. Unreachable connections are logged and skipped.
func (r *Registry) DeliverToUsers(userIDs []string, payload []byte, exceptConnID string) int {
	seen := make(map[string]struct{}, len(userIDs))
	var targets []*Connection

	r.mu.RLock()
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		for _, conn := range r.users[userID] {
			if conn.ID != exceptConnID {
				targets = append(targets, conn)
			}
		}
	}
	r.mu.RUnlock()

	return r.sendAll(targets, payload)
}

// DeliverToRoom queues payload on every connection in the room's broadcast
// group whose user is not exceptUserID.
func (r *Registry) DeliverToRoom(roomID string, payload []byte, exceptUserID string) int {
	var targets []*Connection

	r.mu.RLock()
	for _, conn := range r.rooms[roomID] {
		if exceptUserID == "" || conn.UserID != exceptUserID {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	return r.sendAll(targets, payload)
}

func (r *Registry) sendAll(targets []*Connection, payload []byte) int {
	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			metrics.RecordDelivery(false)
			r.log.Warn().Err(err).Str("user_id", conn.UserID).Str("connection_id", conn.ID).Msg("transient delivery failure")
			continue
		}
		metrics.RecordDelivery(true)
		delivered++
	}
	return delivered
}
