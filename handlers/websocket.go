package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/config"
	"github.com/karthikraju391/marketplace-chat/events"
	"github.com/karthikraju391/marketplace-chat/gateway"
	"github.com/karthikraju391/marketplace-chat/models"
)

const (
	credentialKey  = "credential"
	commandTimeout = 5 * time.Second
)

// RoomSubscriber manages a connection's room broadcast groups.
type RoomSubscriber interface {
	JoinConnection(ctx context.Context, conn *gateway.Connection, roomID string) error
	LeaveConnection(conn *gateway.Connection, roomID string)
}

type TypingSignals interface {
	Start(ctx context.Context, roomID string, user models.User) error
	Stop(ctx context.Context, roomID, userID string) error
}

type ReadMarker interface {
	MarkAsRead(ctx context.Context, roomID, userID string) (time.Time, error)
}

// WebSocketHandler serves the push channel: authentication, the read loop
// and command dispatch. Writes belong to the connection's write pump.
type WebSocketHandler struct {
	gateway     *gateway.Registry
	rooms       RoomSubscriber
	typing      TypingSignals
	reads       ReadMarker
	authTimeout time.Duration
	pongWait    time.Duration
	maxMessage  int64
	log         zerolog.Logger
}

func NewWebSocketHandler(gw *gateway.Registry, rooms RoomSubscriber, typing TypingSignals, reads ReadMarker, cfg *config.Config, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		gateway:     gw,
		rooms:       rooms,
		typing:      typing,
		reads:       reads,
		authTimeout: cfg.AuthTimeout,
		pongWait:    cfg.PongWait,
		maxMessage:  cfg.MaxMessageSize,
		log:         log.With().Str("component", "websocket").Logger(),
	}
}

// Register mounts the upgrade check and the websocket endpoint at path.
func (h *WebSocketHandler) Register(router fiber.Router, path string) {
	router.Use(path, h.Upgrade)
	router.Get(path, websocket.New(h.Handle))
}

// Upgrade rejects plain HTTP requests and captures a credential passed in
// the Authorization header or the token query parameter.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	credential := bearer(c.Get(fiber.HeaderAuthorization))
	if credential == "" {
		credential = c.Query("token")
	}
	c.Locals(credentialKey, credential)
	return c.Next()
}

// Handle runs one connection until the client goes away or the server
// closes it.
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	c.SetReadLimit(h.maxMessage)

	credential, _ := c.Locals(credentialKey).(string)
	if credential == "" {
		var err error
		if credential, err = h.awaitAuthFrame(c); err != nil {
			h.reject(c, err)
			return
		}
	}

	conn, err := h.gateway.Connect(context.Background(), credential, c)
	if err != nil {
		h.reject(c, err)
		return
	}
	defer h.gateway.Disconnect(conn)

	if err := conn.Emit(events.Connected{UserID: conn.UserID, ConnectionID: conn.ID}); err != nil {
		return
	}
	h.readLoop(c, conn)
}

// awaitAuthFrame waits up to the auth timeout for a chat:auth frame.
func (h *WebSocketHandler) awaitAuthFrame(c *websocket.Conn) (string, error) {
	_ = c.SetReadDeadline(time.Now().Add(h.authTimeout))
	_, data, err := c.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("%w: no credential within %s", models.ErrAuthentication, h.authTimeout)
	}
	cmd, err := events.DecodeCommand(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrAuthentication, err)
	}
	auth, ok := cmd.(events.AuthCommand)
	if !ok || auth.Token == "" {
		return "", fmt.Errorf("%w: first frame must be %s", models.ErrAuthentication, events.CommandAuth)
	}
	return auth.Token, nil
}

func (h *WebSocketHandler) reject(c *websocket.Conn, err error) {
	h.log.Info().Err(err).Str("remote", c.RemoteAddr().String()).Msg("connection refused")
	msg := websocket.FormatCloseMessage(gateway.CloseAuthFailed, "authentication failed")
	_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.Close()
}

func (h *WebSocketHandler) readLoop(c *websocket.Conn, conn *gateway.Connection) {
	_ = c.SetReadDeadline(time.Now().Add(h.pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				conn.Log().Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = c.SetReadDeadline(time.Now().Add(h.pongWait))

		cmd, err := events.DecodeCommand(data)
		if err != nil {
			_ = conn.Emit(events.Error{Code: models.ErrorCode(models.ErrInvalidRequest), Message: err.Error()})
			continue
		}
		h.dispatch(conn, cmd)
	}
}

// dispatch runs one command. Failures are answered on this connection only.
func (h *WebSocketHandler) dispatch(conn *gateway.Connection, cmd events.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch c := cmd.(type) {
	case events.JoinCommand:
		if err = h.rooms.JoinConnection(ctx, conn, c.RoomID); err == nil {
			err = conn.Emit(events.Joined{RoomID: c.RoomID})
		}
	case events.LeaveCommand:
		h.rooms.LeaveConnection(conn, c.RoomID)
	case events.TypingStartCommand:
		err = h.typing.Start(ctx, c.RoomID, conn.User())
	case events.TypingStopCommand:
		err = h.typing.Stop(ctx, c.RoomID, conn.UserID)
	case events.ReadCommand:
		_, err = h.reads.MarkAsRead(ctx, c.RoomID, conn.UserID)
	case events.AuthCommand:
		err = fmt.Errorf("%w: connection is already authenticated", models.ErrInvalidRequest)
	}
	if err == nil {
		return
	}
	if errors.Is(err, models.ErrTransientDelivery) {
		return
	}
	conn.Log().Debug().Err(err).Str("command", string(cmd.CommandKind())).Msg("command rejected")
	_ = conn.Emit(events.Error{
		Code:    models.ErrorCode(err),
		Message: err.Error(),
		Command: string(cmd.CommandKind()),
	})
}
