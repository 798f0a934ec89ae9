// Package pipeline validates, persists and fans out message sends, edits
// and deletes. Every mutation of a room runs inside that room's sequencer
// slot, so connections see events in the order they were committed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/fanout"
	"github.com/karthikraju391/marketplace-chat/metrics"
	"github.com/karthikraju391/marketplace-chat/models"
	"github.com/karthikraju391/marketplace-chat/sequencer"
	"github.com/karthikraju391/marketplace-chat/store"
)

const previewLength = 100

// Members answers whether a user is an active participant of a room.
type Members interface {
	RequireMember(ctx context.Context, roomID, userID string) (*models.Participant, error)
}

// SendRequest is a new message as submitted by its sender.
type SendRequest struct {
	RoomID     string
	SenderID   string
	Content    string
	Type       models.MessageType
	ReplyToID  string
	Attachment *models.Attachment
}

type Pipeline struct {
	store      store.Store
	members    Members
	seq        *sequencer.Sequencer
	pub        fanout.Publisher
	maxContent int
	log        zerolog.Logger
	now        func() time.Time
}

func New(st store.Store, members Members, seq *sequencer.Sequencer, pub fanout.Publisher, maxContent int, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:      st,
		members:    members,
		seq:        seq,
		pub:        pub,
		maxContent: maxContent,
		log:        log.With().Str("component", "pipeline").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Send persists a message, refreshes the room snapshot, bumps the unread
// counter of every other active participant and pushes the message to all
// live connections of all active participants.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	if err := p.validateSend(&req); err != nil {
		return nil, err
	}

	var msg *models.Message
	err := p.seq.Do(sequencer.RoomKey(req.RoomID), func() error {
		room, err := p.store.GetRoom(ctx, req.RoomID)
		if err != nil {
			return fmt.Errorf("get room: %w", domainNotFound(err))
		}
		if !room.Active {
			return fmt.Errorf("%w: room %s", models.ErrRoomInactive, room.ID)
		}
		if _, err := p.members.RequireMember(ctx, req.RoomID, req.SenderID); err != nil {
			return err
		}
		if req.ReplyToID != "" {
			target, err := p.store.GetMessage(ctx, req.ReplyToID)
			if errors.Is(err, store.ErrNotFound) || (err == nil && target.RoomID != req.RoomID) {
				return fmt.Errorf("%w: %s", models.ErrInvalidReply, req.ReplyToID)
			}
			if err != nil {
				return fmt.Errorf("get reply target: %w", err)
			}
		}

		participants, err := p.store.ListActiveParticipants(ctx, req.RoomID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		createdAt, err := p.nextTimestamp(ctx, req.RoomID)
		if err != nil {
			return err
		}

		msg = &models.Message{
			ID:         uuid.NewString(),
			RoomID:     req.RoomID,
			SenderID:   req.SenderID,
			Content:    req.Content,
			Type:       req.Type,
			Attachment: req.Attachment,
			CreatedAt:  createdAt,
			UpdatedAt:  createdAt,
		}
		if req.ReplyToID != "" {
			replyTo := req.ReplyToID
			msg.ReplyToID = &replyTo
		}

		if err := p.retryOnce("create message", func() error {
			return p.store.CreateMessage(ctx, msg)
		}); err != nil {
			return fmt.Errorf("create message: %w", err)
		}

		if err := p.store.UpdateRoomSnapshot(ctx, req.RoomID, models.SnapshotOf(msg)); err != nil {
			p.log.Error().Err(err).Str("room_id", req.RoomID).Msg("update room snapshot")
		}

		recipients := make([]string, 0, len(participants))
		var others, notify []string
		for _, pt := range participants {
			recipients = append(recipients, pt.UserID)
			if pt.UserID == req.SenderID {
				continue
			}
			others = append(others, pt.UserID)
			if !pt.Muted {
				notify = append(notify, pt.UserID)
			}
		}

		if len(others) > 0 {
			if err := p.retryOnce("increment unread", func() error {
				return p.store.IncrementUnread(ctx, req.RoomID, others)
			}); err != nil {
				p.log.Error().Err(err).Str("room_id", req.RoomID).Str("message_id", msg.ID).Msg("increment unread")
			}
		}

		p.publish(ctx, fanout.ToUsers(events.MessageNew{Message: msg.Clone()}, recipients))
		if len(notify) > 0 {
			p.publish(ctx, fanout.ToUsers(events.Notification{
				RoomID:      msg.RoomID,
				MessageID:   msg.ID,
				SenderID:    msg.SenderID,
				Preview:     preview(msg),
				MessageType: msg.Type,
			}, notify))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordMessageOperation("send")
	p.log.Debug().Str("room_id", msg.RoomID).Str("message_id", msg.ID).Str("sender_id", msg.SenderID).Msg("message sent")
	return msg, nil
}

// Edit replaces the content of actorID's own message.
func (p *Pipeline) Edit(ctx context.Context, messageID, actorID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", models.ErrInvalidRequest)
	}
	if err := p.checkLength(content); err != nil {
		return nil, err
	}

	var updated *models.Message
	err := p.mutate(ctx, messageID, actorID, func(msg *models.Message) {
		msg.Content = content
		msg.Edited = true
		msg.UpdatedAt = p.after(msg.UpdatedAt)
		updated = msg
	}, func(msg *models.Message) events.Event {
		return events.MessageUpdated{Message: msg.Clone()}
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordMessageOperation("edit")
	return updated, nil
}

// Delete soft-deletes actorID's own message: the row stays, its content is
// redacted, and only the id is pushed.
func (p *Pipeline) Delete(ctx context.Context, messageID, actorID string) error {
	err := p.mutate(ctx, messageID, actorID, func(msg *models.Message) {
		msg.Redact(p.after(msg.UpdatedAt))
	}, func(msg *models.Message) events.Event {
		return events.MessageDeleted{MessageID: msg.ID, RoomID: msg.RoomID}
	})
	if err != nil {
		return err
	}

	metrics.RecordMessageOperation("delete")
	return nil
}

// mutate runs the shared edit/delete path inside the room's slot.
func (p *Pipeline) mutate(
	ctx context.Context,
	messageID, actorID string,
	apply func(*models.Message),
	event func(*models.Message) events.Event,
) error {
	original, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("get message: %w", domainNotFound(err))
	}

	return p.seq.Do(sequencer.RoomKey(original.RoomID), func() error {
		msg, err := p.store.GetMessage(ctx, messageID)
		if err != nil {
			return fmt.Errorf("get message: %w", domainNotFound(err))
		}
		if msg.SenderID != actorID {
			return fmt.Errorf("%w: only the sender may change a message", models.ErrPermissionDenied)
		}
		if msg.Deleted {
			return fmt.Errorf("%w: %s", models.ErrAlreadyDeleted, messageID)
		}
		if _, err := p.members.RequireMember(ctx, msg.RoomID, actorID); err != nil {
			return err
		}

		apply(msg)
		if err := p.retryOnce("update message", func() error {
			return p.store.UpdateMessage(ctx, msg)
		}); err != nil {
			return fmt.Errorf("update message: %w", err)
		}

		p.refreshSnapshot(ctx, msg)

		participants, err := p.store.ListActiveParticipants(ctx, msg.RoomID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		recipients := make([]string, len(participants))
		for i, pt := range participants {
			recipients[i] = pt.UserID
		}
		p.publish(ctx, fanout.ToUsers(event(msg), recipients))
		return nil
	})
}

// refreshSnapshot rewrites the room's last-message snapshot when msg is it.
func (p *Pipeline) refreshSnapshot(ctx context.Context, msg *models.Message) {
	room, err := p.store.GetRoom(ctx, msg.RoomID)
	if err != nil {
		p.log.Error().Err(err).Str("room_id", msg.RoomID).Msg("load room for snapshot")
		return
	}
	if room.LastMessage == nil || room.LastMessage.MessageID != msg.ID {
		return
	}
	if err := p.store.UpdateRoomSnapshot(ctx, msg.RoomID, models.SnapshotOf(msg)); err != nil {
		p.log.Error().Err(err).Str("room_id", msg.RoomID).Msg("update room snapshot")
	}
}

func (p *Pipeline) validateSend(req *SendRequest) error {
	req.RoomID = strings.TrimSpace(req.RoomID)
	if req.RoomID == "" {
		return fmt.Errorf("%w: roomId is required", models.ErrInvalidRequest)
	}
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", models.ErrInvalidRequest, req.Type)
	}
	if req.Type == models.MessageTypeSystem {
		return fmt.Errorf("%w: system messages cannot be sent by users", models.ErrPermissionDenied)
	}

	req.Content = strings.TrimSpace(req.Content)
	req.ReplyToID = strings.TrimSpace(req.ReplyToID)
	if req.Type.NeedsAttachment() {
		if req.Attachment == nil || strings.TrimSpace(req.Attachment.URL) == "" {
			return fmt.Errorf("%w: %s messages need an attachment", models.ErrInvalidRequest, req.Type)
		}
	} else if req.Content == "" {
		return fmt.Errorf("%w: content is required", models.ErrInvalidRequest)
	}
	return p.checkLength(req.Content)
}

func (p *Pipeline) checkLength(content string) error {
	if p.maxContent > 0 && utf8.RuneCountInString(content) > p.maxContent {
		return fmt.Errorf("%w: content exceeds %d characters", models.ErrInvalidRequest, p.maxContent)
	}
	return nil
}

// nextTimestamp returns a creation time strictly after the room's newest
// message, at the store's microsecond precision.
func (p *Pipeline) nextTimestamp(ctx context.Context, roomID string) (time.Time, error) {
	latest, err := p.store.ListMessages(ctx, roomID, nil, 1)
	if err != nil {
		return time.Time{}, fmt.Errorf("load latest message: %w", err)
	}
	if len(latest) == 0 {
		return p.now().Truncate(time.Microsecond), nil
	}
	return p.after(latest[0].CreatedAt), nil
}

func (p *Pipeline) after(prev time.Time) time.Time {
	now := p.now().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// retryOnce repeats fn a single time when the store reports a transient
// failure. Constraint violations are returned as they are.
func (p *Pipeline) retryOnce(op string, fn func() error) error {
	err := fn()
	if !errors.Is(err, store.ErrRetryable) {
		return err
	}
	metrics.StoreRetries.Inc()
	p.log.Warn().Err(err).Str("op", op).Msg("transient write failure, retrying")
	return fn()
}

func (p *Pipeline) publish(ctx context.Context, env fanout.Envelope) {
	if err := p.pub.Publish(ctx, env); err != nil {
		p.log.Error().Err(err).Str("room_id", env.RoomID).Msg("publish message event")
	}
}

func preview(msg *models.Message) string {
	if msg.Content == "" && msg.Attachment != nil {
		return msg.Attachment.Name
	}
	if utf8.RuneCountInString(msg.Content) <= previewLength {
		return msg.Content
	}
	return string([]rune(msg.Content)[:previewLength]) + "…"
}

func domainNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return models.ErrNotFound
	}
	return err
}
