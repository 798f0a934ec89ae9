// Package membership is the authority on who belongs to which room. It
// creates rooms, validates invites and leaves, and gates transport-level
// subscription to a room's broadcast group on active participation.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/fanout"
	"github.com/karthikraju391/marketplace-chat/gateway"
	"github.com/karthikraju391/marketplace-chat/models"
	"github.com/karthikraju391/marketplace-chat/sequencer"
	"github.com/karthikraju391/marketplace-chat/store"
)

// Groups manages the broadcast groups of this node's connections.
type Groups interface {
	Subscribe(conn *gateway.Connection, roomID string) bool
	Unsubscribe(conn *gateway.Connection, roomID string)
}

type Registry struct {
	store  store.Store
	seq    *sequencer.Sequencer
	pub    fanout.Publisher
	groups Groups
	log    zerolog.Logger
	now    func() time.Time
}

func NewRegistry(st store.Store, seq *sequencer.Sequencer, pub fanout.Publisher, groups Groups, log zerolog.Logger) *Registry {
	return &Registry{
		store:  st,
		seq:    seq,
		pub:    pub,
		groups: groups,
		log:    log.With().Str("component", "membership").Logger(),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// CreateDirectRoom returns the active two-party room of a and b, creating
// it when none exists. The flag reports whether a room was created.
func (r *Registry) CreateDirectRoom(ctx context.Context, a, b string) (*models.RoomDetail, bool, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return nil, false, fmt.Errorf("%w: both users are required", models.ErrInvalidRequest)
	}
	if a == b {
		return nil, false, fmt.Errorf("%w: cannot open a direct room with yourself", models.ErrInvalidRequest)
	}

	key := models.DirectKey(a, b)
	var (
		room    *models.Room
		created bool
	)
	err := r.seq.Do(sequencer.PairKey(key), func() error {
		existing, err := r.store.FindActiveDirectRoom(ctx, key)
		switch {
		case err == nil:
			var closed bool
			err = r.seq.Do(sequencer.RoomKey(existing.ID), func() error {
				var err error
				room, closed, err = r.rejoinDirect(ctx, existing.ID, a, b)
				return err
			})
			if err != nil || !closed {
				return err
			}
			// The last participant left while we waited for the room.
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("find direct room: %w", err)
		}

		now := r.now()
		room = &models.Room{
			ID:        uuid.NewString(),
			Kind:      models.RoomKindDirect,
			Active:    true,
			DirectKey: key,
			CreatedAt: now,
			UpdatedAt: now,
		}
		rows := []*models.Participant{
			newParticipant(room.ID, a, models.RoleMember, now),
			newParticipant(room.ID, b, models.RoleMember, now),
		}
		err = r.store.CreateRoom(ctx, room, rows)
		if errors.Is(err, store.ErrConflict) {
			// Another node won the race for this pair.
			room, err = r.store.FindActiveDirectRoom(ctx, key)
			if err != nil {
				return fmt.Errorf("find direct room after conflict: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("create direct room: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		r.log.Info().Str("room_id", room.ID).Str("user_a", a).Str("user_b", b).Msg("direct room created")
	}
	detail, err := r.detail(ctx, room)
	return detail, created, err
}

// rejoinDirect restores the active participation of whichever of a and b
// left the direct room. closed reports that the room has been deactivated
// and must be replaced. Must run in the room's slot.
func (r *Registry) rejoinDirect(ctx context.Context, roomID, a, b string) (room *models.Room, closed bool, err error) {
	room, err = r.getRoom(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	if !room.Active {
		return nil, true, nil
	}
	active, err := r.store.ListActiveParticipants(ctx, roomID)
	if err != nil {
		return nil, false, fmt.Errorf("list participants: %w", err)
	}

	present := make(map[string]bool, len(active))
	for _, p := range active {
		present[p.UserID] = true
	}
	now := r.now()
	var (
		missing []string
		rows    []*models.Participant
	)
	for _, id := range []string{a, b} {
		if !present[id] {
			missing = append(missing, id)
			rows = append(rows, newParticipant(roomID, id, models.RoleMember, now))
		}
	}
	if len(rows) == 0 {
		return room, false, nil
	}
	if err := r.store.AddParticipants(ctx, rows); err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, false, fmt.Errorf("rejoin direct room: %w", err)
	}

	all, err := r.store.ListActiveParticipants(ctx, roomID)
	if err != nil {
		return nil, false, fmt.Errorf("list participants: %w", err)
	}
	r.publish(ctx, fanout.ToUsers(events.ParticipantsInvited{
		RoomID:    roomID,
		InvitedBy: a,
		UserIDs:   missing,
		Room:      room.Clone(),
	}, userIDsOf(all)))
	r.log.Info().Str("room_id", roomID).Strs("rejoined", missing).Msg("direct room rejoined")
	return room, false, nil
}

// CreateGroupRoom creates a multi-party room owned by creatorID.
func (r *Registry) CreateGroupRoom(ctx context.Context, creatorID, name string, memberIDs []string) (*models.RoomDetail, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", models.ErrInvalidRequest)
	}
	members := distinct(memberIDs, creatorID)
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: a group needs at least one other member", models.ErrInvalidRequest)
	}

	now := r.now()
	room := &models.Room{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      models.RoomKindGroup,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rows := make([]*models.Participant, 0, len(members)+1)
	rows = append(rows, newParticipant(room.ID, creatorID, models.RoleOwner, now))
	for _, id := range members {
		rows = append(rows, newParticipant(room.ID, id, models.RoleMember, now))
	}
	if err := r.store.CreateRoom(ctx, room, rows); err != nil {
		return nil, fmt.Errorf("create group room: %w", err)
	}

	detail := &models.RoomDetail{Room: *room, Participants: rows}
	r.publish(ctx, fanout.ToUsers(events.ParticipantsInvited{
		RoomID:    room.ID,
		InvitedBy: creatorID,
		UserIDs:   members,
		Room:      room.Clone(),
	}, append([]string{creatorID}, members...)))

	r.log.Info().Str("room_id", room.ID).Str("owner_id", creatorID).Int("members", len(rows)).Msg("group room created")
	return detail, nil
}

// Invite adds userIDs to a group room. Only an owner or admin of an active
// group room may invite, and the invite fails as a whole if any target is
// already an active participant.
func (r *Registry) Invite(ctx context.Context, roomID, actorID string, userIDs []string) (*models.RoomDetail, error) {
	targets := distinct(userIDs, "")
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no users to invite", models.ErrInvalidRequest)
	}

	var (
		room *models.Room
		all  []*models.Participant
	)
	err := r.seq.Do(sequencer.RoomKey(roomID), func() error {
		var err error
		room, err = r.activeRoom(ctx, roomID)
		if err != nil {
			return err
		}
		actor, err := r.RequireMember(ctx, roomID, actorID)
		if err != nil {
			return err
		}
		if room.Kind != models.RoomKindGroup {
			return fmt.Errorf("%w: invites are only allowed in group rooms", models.ErrPermissionDenied)
		}
		if !actor.Role.CanInvite() {
			return fmt.Errorf("%w: only owners and admins may invite", models.ErrPermissionDenied)
		}

		for _, id := range targets {
			_, err := r.store.GetActiveParticipant(ctx, roomID, id)
			if err == nil {
				return fmt.Errorf("%w: %s", models.ErrAlreadyMember, id)
			}
			if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("check participant: %w", err)
			}
		}

		now := r.now()
		rows := make([]*models.Participant, 0, len(targets))
		for _, id := range targets {
			rows = append(rows, newParticipant(roomID, id, models.RoleMember, now))
		}
		if err := r.store.AddParticipants(ctx, rows); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: %v", models.ErrAlreadyMember, err)
			}
			return fmt.Errorf("add participants: %w", err)
		}

		all, err = r.store.ListActiveParticipants(ctx, roomID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		r.publish(ctx, fanout.ToUsers(events.ParticipantsInvited{
			RoomID:    roomID,
			InvitedBy: actorID,
			UserIDs:   targets,
			Room:      room.Clone(),
		}, userIDsOf(all)))
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info().Str("room_id", roomID).Str("actor_id", actorID).Strs("invited", targets).Msg("participants invited")
	return &models.RoomDetail{Room: *room, Participants: all}, nil
}

// Leave deactivates userID's participation. The room is deactivated when
// nobody remains; when the last owner of a group leaves, ownership passes
// to a remaining participant.
func (r *Registry) Leave(ctx context.Context, roomID, userID string) error {
	return r.seq.Do(sequencer.RoomKey(roomID), func() error {
		room, err := r.getRoom(ctx, roomID)
		if err != nil {
			return err
		}
		leaving, err := r.RequireMember(ctx, roomID, userID)
		if err != nil {
			return err
		}

		if err := r.store.DeactivateParticipant(ctx, roomID, userID, r.now()); err != nil {
			return fmt.Errorf("deactivate participant: %w", mapNotFound(err, models.ErrNotAMember))
		}

		remaining, err := r.store.ListActiveParticipants(ctx, roomID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}

		switch {
		case len(remaining) == 0:
			if err := r.store.SetRoomActive(ctx, roomID, false); err != nil {
				return fmt.Errorf("deactivate room: %w", err)
			}
			r.log.Info().Str("room_id", roomID).Msg("room deactivated")
		case room.Kind == models.RoomKindGroup && leaving.Role == models.RoleOwner && !hasOwner(remaining):
			heir := successor(remaining)
			if err := r.store.SetParticipantRole(ctx, roomID, heir.UserID, models.RoleOwner); err != nil {
				return fmt.Errorf("promote owner: %w", err)
			}
			r.log.Info().Str("room_id", roomID).Str("owner_id", heir.UserID).Msg("ownership transferred")
		}

		left := fanout.ToUsers(events.ParticipantLeft{RoomID: roomID, UserID: userID}, userIDsOf(remaining))
		left.Evict = []string{userID}
		r.publish(ctx, left)
		r.publish(ctx, fanout.ToUsers(events.Left{RoomID: roomID}, []string{userID}))
		return nil
	})
}

// JoinConnection subscribes conn to the room's broadcast group. Joining a
// room the connection already follows has no further effect. The check and
// the subscribe share the room's slot, so a leave either precedes the join
// and rejects it or follows it and evicts the connection.
func (r *Registry) JoinConnection(ctx context.Context, conn *gateway.Connection, roomID string) error {
	return r.seq.Do(sequencer.RoomKey(roomID), func() error {
		if _, err := r.RequireMember(ctx, roomID, conn.UserID); err != nil {
			return err
		}
		if !r.groups.Subscribe(conn, roomID) {
			return fmt.Errorf("%w: connection %s is closed", models.ErrTransientDelivery, conn.ID)
		}
		return nil
	})
}

// LeaveConnection unsubscribes conn from the room's broadcast group.
func (r *Registry) LeaveConnection(conn *gateway.Connection, roomID string) {
	r.groups.Unsubscribe(conn, roomID)
}

// GetRoom returns the room with its active participants. Only active
// participants may read it.
func (r *Registry) GetRoom(ctx context.Context, roomID, userID string) (*models.RoomDetail, error) {
	room, err := r.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, err := r.RequireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	return r.detail(ctx, room)
}

// ListRooms returns userID's rooms, most recent activity first.
func (r *Registry) ListRooms(ctx context.Context, userID string) ([]*models.RoomSummary, error) {
	rooms, err := r.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	sort.Slice(rooms, func(i, j int) bool {
		ai, aj := rooms[i].ActivityAt(), rooms[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return rooms[i].ID > rooms[j].ID
	})
	return rooms, nil
}

// SetMuted toggles notifications of roomID for userID.
func (r *Registry) SetMuted(ctx context.Context, roomID, userID string, muted bool) error {
	if _, err := r.RequireMember(ctx, roomID, userID); err != nil {
		return err
	}
	if err := r.store.SetMuted(ctx, roomID, userID, muted); err != nil {
		return fmt.Errorf("set muted: %w", mapNotFound(err, models.ErrNotAMember))
	}
	return nil
}

// RequireMember returns userID's active participant row or ErrNotAMember.
func (r *Registry) RequireMember(ctx context.Context, roomID, userID string) (*models.Participant, error) {
	p, err := r.store.GetActiveParticipant(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: room %s", models.ErrNotAMember, roomID)
		}
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

func (r *Registry) getRoom(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", mapNotFound(err, models.ErrNotFound))
	}
	return room, nil
}

func (r *Registry) activeRoom(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := r.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.Active {
		return nil, fmt.Errorf("%w: room %s", models.ErrRoomInactive, roomID)
	}
	return room, nil
}

func (r *Registry) detail(ctx context.Context, room *models.Room) (*models.RoomDetail, error) {
	participants, err := r.store.ListActiveParticipants(ctx, room.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return &models.RoomDetail{Room: *room, Participants: participants}, nil
}

func (r *Registry) publish(ctx context.Context, env fanout.Envelope) {
	if err := r.pub.Publish(ctx, env); err != nil {
		r.log.Error().Err(err).Str("room_id", env.RoomID).Msg("publish membership event")
	}
}

func newParticipant(roomID, userID string, role models.Role, at time.Time) *models.Participant {
	return &models.Participant{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		UserID:   userID,
		Role:     role,
		Active:   true,
		JoinedAt: at,
	}
}

// distinct trims, drops blanks and duplicates, and removes exclude.
func distinct(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == exclude {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func userIDsOf(participants []*models.Participant) []string {
	ids := make([]string, len(participants))
	for i, p := range participants {
		ids[i] = p.UserID
	}
	return ids
}

func hasOwner(participants []*models.Participant) bool {
	for _, p := range participants {
		if p.Role == models.RoleOwner {
			return true
		}
	}
	return false
}

// successor picks the longest-standing admin, or the longest-standing
// participant when no admin remains.
func successor(participants []*models.Participant) *models.Participant {
	var heir *models.Participant
	for _, p := range participants {
		if heir == nil || outranks(p, heir) {
			heir = p
		}
	}
	return heir
}

func outranks(p, q *models.Participant) bool {
	if (p.Role == models.RoleAdmin) != (q.Role == models.RoleAdmin) {
		return p.Role == models.RoleAdmin
	}
	if !p.JoinedAt.Equal(q.JoinedAt) {
		return p.JoinedAt.Before(q.JoinedAt)
	}
	return p.ID < q.ID
}

func mapNotFound(err, domain error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain
	}
	return err
}
