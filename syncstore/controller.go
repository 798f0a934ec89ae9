package syncstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/client"
	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/history"
	"github.com/karthikraju391/marketplace-chat/models"
)

// API is the REST surface the controller needs. *client.HTTP implements it.
type API interface {
	ListRooms(ctx context.Context) ([]models.RoomSummary, error)
	GetMessages(ctx context.Context, roomID, cursor string, limit int) (*history.Page, error)
	SendMessage(ctx context.Context, roomID string, body client.SendMessageRequest) (*models.Message, error)
	MarkRead(ctx context.Context, roomID string) (time.Time, error)
}

// Transport is the push channel. *client.Socket implements it.
type Transport interface {
	Send(ctx context.Context, cmd events.Command) error
	Events() <-chan events.Event
}

// ErrUnknownPending is returned by Retry for a temp id with no failed send.
var ErrUnknownPending = errors.New("syncstore: no failed send with that id")

// Outgoing is a message the user asked to send.
type Outgoing struct {
	RoomID     string
	Content    string
	Type       models.MessageType
	ReplyToID  string
	Attachment *models.Attachment
}

// Controller performs the network calls around a Store. All state changes
// still go through Store.Dispatch; network calls are the only places the
// controller blocks.
type Controller struct {
	store     *Store
	api       API
	pageSize  int
	tick      time.Duration
	log       zerolog.Logger
	now       func() time.Time
	newTempID func() string

	mu        sync.Mutex
	transport Transport

	// switchMu orders room switches so two OpenRoom calls cannot
	// interleave their leave, fetch and join steps.
	switchMu sync.Mutex
}

func NewController(store *Store, api API, transport Transport, pageSize int, log zerolog.Logger) *Controller {
	return &Controller{
		store:     store,
		api:       api,
		transport: transport,
		pageSize:  pageSize,
		tick:      500 * time.Millisecond,
		log:       log.With().Str("component", "syncstore").Logger(),
		now:       time.Now,
		newTempID: func() string { return "local-" + uuid.NewString() },
	}
}

// SetTransport swaps in a fresh push channel after a reconnect. Run it
// again afterwards; its connected event triggers a resync.
func (c *Controller) SetTransport(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

func (c *Controller) currentTransport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Run applies push events until ctx ends or the push channel closes. A
// closed channel is recorded as ConnectionLost.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	evs := c.currentTransport().Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.store.Dispatch(Tick{Now: now})
		case ev, ok := <-evs:
			if !ok {
				c.store.Dispatch(ConnectionLost{})
				return nil
			}
			c.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent dispatches ev and performs the follow-up calls it implies.
func (c *Controller) HandleEvent(ctx context.Context, ev events.Event) {
	needsResync := c.store.Snapshot().NeedsResync
	c.store.Dispatch(PushReceived{Event: ev, At: c.now()})
	snap := c.store.Snapshot()

	switch e := ev.(type) {
	case events.MessageNew:
		if e.Message == nil {
			return
		}
		roomID := e.Message.RoomID
		if _, ok := snap.Room(roomID); !ok {
			c.refreshRooms(ctx)
		}
		if roomID == snap.ActiveRoomID && !snap.Loading && e.Message.SenderID != snap.UserID {
			if err := c.MarkRead(ctx, roomID); err != nil {
				c.log.Warn().Err(err).Str("room_id", roomID).Msg("auto mark read")
			}
		}
	case events.ParticipantsInvited:
		if contains(e.UserIDs, snap.UserID) {
			c.refreshRooms(ctx)
		}
	case events.ParticipantLeft:
		if e.UserID == snap.UserID {
			c.refreshRooms(ctx)
		}
	case events.Left:
		c.refreshRooms(ctx)
	case events.Connected:
		if needsResync {
			if err := c.Resync(ctx); err != nil {
				c.log.Warn().Err(err).Msg("resync after reconnect")
			}
		}
	}
}

// LoadRooms replaces the room list from the server.
func (c *Controller) LoadRooms(ctx context.Context) error {
	rooms, err := c.api.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	c.store.Dispatch(RoomsLoaded{Rooms: rooms})
	return nil
}

// OpenRoom switches the open room: unsubscribe from the previous room,
// fetch the first page of the new one, then subscribe to it. Pushes for
// the new room that arrive during the fetch are merged after it.
func (c *Controller) OpenRoom(ctx context.Context, roomID string) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	t := c.currentTransport()
	if prev := c.store.Snapshot().ActiveRoomID; prev != "" && prev != roomID {
		if err := t.Send(ctx, events.LeaveCommand{RoomID: prev}); err != nil {
			c.log.Warn().Err(err).Str("room_id", prev).Msg("leave previous room")
		}
	}
	return c.load(ctx, t, roomID)
}

// Resync refetches everything the push channel may have missed and
// resubscribes the open room.
func (c *Controller) Resync(ctx context.Context) error {
	if err := c.LoadRooms(ctx); err != nil {
		return err
	}
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	if roomID := c.store.Snapshot().ActiveRoomID; roomID != "" {
		return c.load(ctx, c.currentTransport(), roomID)
	}
	return nil
}

func (c *Controller) load(ctx context.Context, t Transport, roomID string) error {
	c.store.Dispatch(RoomSwitchStarted{RoomID: roomID})

	page, err := c.api.GetMessages(ctx, roomID, "", c.pageSize)
	if err != nil {
		c.store.Dispatch(HistoryFailed{RoomID: roomID, Err: err.Error()})
		return fmt.Errorf("open room %s: %w", roomID, err)
	}
	c.store.Dispatch(HistoryLoaded{RoomID: roomID, Messages: page.Data, HasMore: page.HasMore, NextCursor: page.NextCursor})

	if err := t.Send(ctx, events.JoinCommand{RoomID: roomID}); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	if room, ok := c.store.Snapshot().Room(roomID); ok && room.UnreadCount > 0 {
		return c.MarkRead(ctx, roomID)
	}
	return nil
}

// LoadOlder fetches the page before the oldest loaded message.
func (c *Controller) LoadOlder(ctx context.Context) error {
	snap := c.store.Snapshot()
	if snap.ActiveRoomID == "" || snap.Loading || !snap.HasMore {
		return nil
	}
	page, err := c.api.GetMessages(ctx, snap.ActiveRoomID, snap.NextCursor, c.pageSize)
	if err != nil {
		return fmt.Errorf("load older: %w", err)
	}
	c.store.Dispatch(HistoryLoaded{
		RoomID:     snap.ActiveRoomID,
		Messages:   page.Data,
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
		Older:      true,
	})
	return nil
}

// Send shows out as pending, then reconciles it with the server's answer.
// The returned temp id identifies the pending message for Retry.
func (c *Controller) Send(ctx context.Context, out Outgoing) (string, *models.Message, error) {
	p := PendingMessage{
		TempID:      c.newTempID(),
		RoomID:      out.RoomID,
		Content:     out.Content,
		Type:        out.Type,
		ReplyToID:   out.ReplyToID,
		Attachment:  out.Attachment,
		RequestedAt: c.now(),
	}
	msg, err := c.deliver(ctx, p)
	return p.TempID, msg, err
}

// Retry resends a failed pending message under the same temp id.
func (c *Controller) Retry(ctx context.Context, tempID string) (*models.Message, error) {
	snap := c.store.Snapshot()
	i := snap.pendingIndex(tempID)
	if i < 0 || snap.Pending[i].Status != PendingFailed {
		return nil, ErrUnknownPending
	}
	return c.deliver(ctx, snap.Pending[i])
}

func (c *Controller) deliver(ctx context.Context, p PendingMessage) (*models.Message, error) {
	c.store.Dispatch(SendRequested{Pending: p})
	msg, err := c.api.SendMessage(ctx, p.RoomID, client.SendMessageRequest{
		Content:     p.Content,
		MessageType: p.Type,
		ReplyToID:   p.ReplyToID,
		Attachment:  p.Attachment,
	})
	if err != nil {
		c.store.Dispatch(SendFailed{TempID: p.TempID, Err: err.Error()})
		return nil, err
	}
	c.store.Dispatch(SendSucceeded{TempID: p.TempID, Message: msg})
	return msg, nil
}

// MarkRead marks roomID read on the server and locally.
func (c *Controller) MarkRead(ctx context.Context, roomID string) error {
	at, err := c.api.MarkRead(ctx, roomID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	c.store.Dispatch(MarkRead{RoomID: roomID, At: at})
	return nil
}

// SetTyping signals typing in the open room.
func (c *Controller) SetTyping(ctx context.Context, typing bool) error {
	roomID := c.store.Snapshot().ActiveRoomID
	if roomID == "" {
		return nil
	}
	var cmd events.Command = events.TypingStopCommand{RoomID: roomID}
	if typing {
		cmd = events.TypingStartCommand{RoomID: roomID}
	}
	return c.currentTransport().Send(ctx, cmd)
}

func (c *Controller) refreshRooms(ctx context.Context) {
	if err := c.LoadRooms(ctx); err != nil {
		c.log.Warn().Err(err).Msg("refresh rooms")
	}
}
