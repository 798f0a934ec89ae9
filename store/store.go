// Package store defines the durable store the chat engine persists rooms,
// participants and messages into.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/karthikraju391/marketplace-chat/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write violates a uniqueness rule. It
	// is final: repeating the write fails the same way.
	ErrConflict = errors.New("store: write conflict")
	// ErrRetryable is returned when a write lost a race with a concurrent
	// transaction and may succeed if repeated.
	ErrRetryable = errors.New("store: transient write failure")
)

// Store is the durable store contract. Counter updates must be atomic at the
// storage layer; message range queries are ordered by (created_at, id).
type Store interface {
	CreateRoom(ctx context.Context, room *models.Room, participants []*models.Participant) error
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	// FindActiveDirectRoom looks up an active two-party room by its direct key.
	FindActiveDirectRoom(ctx context.Context, directKey string) (*models.Room, error)
	SetRoomActive(ctx context.Context, roomID string, active bool) error
	// UpdateRoomSnapshot overwrites the last-message snapshot (last writer wins).
	UpdateRoomSnapshot(ctx context.Context, roomID string, snapshot *models.LastMessage) error
	// ListRoomsForUser returns every room in which userID is an active participant.
	ListRoomsForUser(ctx context.Context, userID string) ([]*models.RoomSummary, error)

	GetActiveParticipant(ctx context.Context, roomID, userID string) (*models.Participant, error)
	ListActiveParticipants(ctx context.Context, roomID string) ([]*models.Participant, error)
	AddParticipants(ctx context.Context, participants []*models.Participant) error
	DeactivateParticipant(ctx context.Context, roomID, userID string, at time.Time) error
	SetParticipantRole(ctx context.Context, roomID, userID string, role models.Role) error
	SetMuted(ctx context.Context, roomID, userID string, muted bool) error
	// CoMemberIDs returns the users sharing at least one active room with userID.
	CoMemberIDs(ctx context.Context, userID string) ([]string, error)

	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	UpdateMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns up to limit messages of roomID strictly older than
	// before (or the newest when before is nil), newest first.
	ListMessages(ctx context.Context, roomID string, before *Cursor, limit int) ([]*models.Message, error)

	// IncrementUnread atomically adds one to each listed participant's counter.
	IncrementUnread(ctx context.Context, roomID string, userIDs []string) error
	// ResetUnread atomically zeroes the counter and records the read time.
	ResetUnread(ctx context.Context, roomID, userID string, readAt time.Time) error
}
