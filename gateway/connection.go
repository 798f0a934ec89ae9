package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/identity"
	"github.com/karthikraju391/marketplace-chat/models"
)

// Close codes sent to clients when the server ends a connection.
const (
	CloseAuthFailed        = 4001
	CloseCredentialExpired = 4002
	CloseRevoked           = 4003
)

// Socket is the write side of a websocket. *websocket.Conn from both
// fasthttp/websocket and gofiber/contrib/websocket satisfy it.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one authenticated push connection. All writes go through
// a buffered channel drained by a single write pump; Send never blocks.
type Connection struct {
	ID          string
	UserID      string
	DisplayName string
	ExpiresAt   time.Time

	socket Socket
	opts   Options
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	expiry *time.Timer
	log    zerolog.Logger
}

func newConnection(id *identity.Identity, socket Socket, opts Options, log zerolog.Logger) *Connection {
	connID := uuid.NewString()
	return &Connection{
		ID:          connID,
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		ExpiresAt:   id.ExpiresAt,
		socket:      socket,
		opts:        opts,
		send:        make(chan []byte, opts.SendBuffer),
		done:        make(chan struct{}),
		log:         log.With().Str("connection_id", connID).Str("user_id", id.UserID).Logger(),
	}
}

// User returns the identity reference the connection was authenticated as.
func (c *Connection) User() models.User {
	return models.User{ID: c.UserID, DisplayName: c.DisplayName}
}

// Send queues payload for delivery. A closed connection or a full buffer
// yields ErrTransientDelivery; a full buffer also closes the connection so
// the client reconnects and reconciles through history.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection %s closed", models.ErrTransientDelivery, c.ID)
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		go c.Close(websocket.CloseTryAgainLater, "send buffer full")
		return fmt.Errorf("%w: connection %s send buffer full", models.ErrTransientDelivery, c.ID)
	}
}

// Emit encodes and queues a single event.
func (c *Connection) Emit(ev events.Event) error {
	payload, err := events.Encode(ev)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// Log returns the connection's logger, tagged with its ids.
func (c *Connection) Log() *zerolog.Logger {
	return &c.log
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame with code and reason and releases the socket.
// It is safe to call more than once.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		if c.expiry != nil {
			c.expiry.Stop()
		}
		deadline := time.Now().Add(c.opts.WriteWait)
		_ = c.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.socket.Close()
		c.log.Debug().Int("code", code).Str("reason", reason).Msg("connection closed")
	})
}

func (c *Connection) start() {
	go c.writePump()
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.log.Warn().Err(err).Msg("websocket write failed")
				c.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.log.Warn().Err(err).Msg("websocket ping failed")
				c.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.socket.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.socket.WriteMessage(messageType, payload)
}
