// Package fanout addresses encoded push events to an audience and hands
// them to a Publisher. A Publisher either delivers straight to the local
// connection registry or goes through the message bus so every node
// delivers to the connections it holds.
package fanout

import (
	"context"
	"encoding/json"

	"github.com/karthikraju391/marketplace-chat/events"
)

// Scope selects how an envelope's audience is resolved.
type Scope string

const (
	// ScopeUsers targets every live connection of the listed users.
	ScopeUsers Scope = "users"
	// ScopeRoom targets the connections subscribed to the room's broadcast group.
	ScopeRoom Scope = "room"
	// ScopeRevoke force-disconnects every connection of the listed users.
	ScopeRevoke Scope = "revoke"
)

// Envelope is one addressed push frame. Evict lists users whose
// connections leave the room's broadcast group before the payload is
// delivered.
type Envelope struct {
	Scope        Scope           `json:"scope"`
	RoomID       string          `json:"roomId,omitempty"`
	UserIDs      []string        `json:"userIds,omitempty"`
	ExceptUserID string          `json:"exceptUserId,omitempty"`
	ExceptConnID string          `json:"exceptConnId,omitempty"`
	Evict        []string        `json:"evict,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Event decodes the envelope's payload.
func (e Envelope) Event() (events.Event, error) {
	return events.Decode(e.Payload)
}

// ToUsers addresses ev to every connection of userIDs.
func ToUsers(ev events.Event, userIDs []string) Envelope {
	return Envelope{
		Scope:   ScopeUsers,
		RoomID:  events.RoomOf(ev),
		UserIDs: userIDs,
		Payload: events.MustEncode(ev),
	}
}

// ToRoom addresses ev to the room's broadcast group, skipping exceptUserID.
func ToRoom(ev events.Event, exceptUserID string) Envelope {
	return Envelope{
		Scope:        ScopeRoom,
		RoomID:       events.RoomOf(ev),
		ExceptUserID: exceptUserID,
		Payload:      events.MustEncode(ev),
	}
}

// Revoke addresses a forced disconnect of userIDs.
func Revoke(userIDs []string, reason string) Envelope {
	return Envelope{Scope: ScopeRevoke, UserIDs: userIDs, Reason: reason}
}

// Publisher accepts envelopes. Envelopes published for one room in a given
// order must be delivered to each connection in that order.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Deliverer is the node-local connection registry.
type Deliverer interface {
	DeliverToUsers(userIDs []string, payload []byte, exceptConnID string) int
	DeliverToRoom(roomID string, payload []byte, exceptUserID string) int
	EvictFromRoom(roomID string, userIDs []string)
	RevokeUsers(userIDs []string, reason string) int
}

// Deliver applies env to the local registry and returns how many
// connections it reached.
func Deliver(d Deliverer, env Envelope) int {
	if len(env.Evict) > 0 {
		d.EvictFromRoom(env.RoomID, env.Evict)
	}
	switch env.Scope {
	case ScopeUsers:
		return d.DeliverToUsers(env.UserIDs, env.Payload, env.ExceptConnID)
	case ScopeRoom:
		return d.DeliverToRoom(env.RoomID, env.Payload, env.ExceptUserID)
	case ScopeRevoke:
		return d.RevokeUsers(env.UserIDs, env.Reason)
	}
	return 0
}

// Local delivers envelopes synchronously to this node's registry.
type Local struct {
	deliverer Deliverer
}

var _ Publisher = (*Local)(nil)

func NewLocal(d Deliverer) *Local {
	return &Local{deliverer: d}
}

func (l *Local) Publish(_ context.Context, env Envelope) error {
	Deliver(l.deliverer, env)
	return nil
}
