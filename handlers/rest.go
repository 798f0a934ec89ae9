package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/fanout"
	"github.com/karthikraju391/marketplace-chat/history"
	"github.com/karthikraju391/marketplace-chat/identity"
	"github.com/karthikraju391/marketplace-chat/membership"
	"github.com/karthikraju391/marketplace-chat/models"
	"github.com/karthikraju391/marketplace-chat/pipeline"
)

const (
	identityKey     = "identity"
	maxPresenceIDs  = 100
	requestTimeout  = 10 * time.Second
	groupRoomType   = "group"
	directRoomType  = "direct"
	defaultRevokeBy = "revoked by user"
)

// Presence answers online queries for the REST surface.
type Presence interface {
	Online(ctx context.Context, userIDs []string) map[string]bool
	LastSeen(ctx context.Context, userID string) (time.Time, bool)
}

type createRoomRequest struct {
	TargetUserID   string   `json:"targetUserId" validate:"omitempty,max=128"`
	Type           string   `json:"type" validate:"omitempty,oneof=GROUP group DIRECT direct"`
	Name           string   `json:"name" validate:"max=100"`
	ParticipantIDs []string `json:"participantIds" validate:"max=256,dive,required,max=128"`
}

type attachmentRequest struct {
	URL      string `json:"url" validate:"required,url"`
	Name     string `json:"name" validate:"max=255"`
	MimeType string `json:"mimeType" validate:"max=127"`
	Size     int64  `json:"size" validate:"gte=0"`
}

type sendMessageRequest struct {
	Content     string             `json:"content"`
	MessageType string             `json:"messageType" validate:"omitempty,oneof=text image file system link"`
	ReplyToID   string             `json:"replyToId" validate:"max=128"`
	Attachment  *attachmentRequest `json:"attachment" validate:"omitempty"`
}

type editMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

type inviteRequest struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,max=256,dive,required,max=128"`
}

type muteRequest struct {
	Muted *bool `json:"muted" validate:"required"`
}

type revokeRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

type presenceStatus struct {
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// RESTHandler serves the /chat REST surface.
type RESTHandler struct {
	verifier identity.Provider
	rooms    *membership.Registry
	messages *pipeline.Pipeline
	history  *history.Service
	presence Presence
	pub      fanout.Publisher
	validate *validator.Validate
	log      zerolog.Logger
}

func NewRESTHandler(
	verifier identity.Provider,
	rooms *membership.Registry,
	messages *pipeline.Pipeline,
	hist *history.Service,
	presence Presence,
	pub fanout.Publisher,
	log zerolog.Logger,
) *RESTHandler {
	return &RESTHandler{
		verifier: verifier,
		rooms:    rooms,
		messages: messages,
		history:  hist,
		presence: presence,
		pub:      pub,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With().Str("component", "rest").Logger(),
	}
}

// Register mounts the chat routes on router.
func (h *RESTHandler) Register(router fiber.Router) {
	chat := router.Group("/chat", h.Authenticate)

	chat.Get("/rooms", h.listRooms)
	chat.Post("/rooms", h.createRoom)
	chat.Get("/rooms/:id", h.getRoom)
	chat.Get("/rooms/:id/messages", h.getMessages)
	chat.Post("/rooms/:id/messages", h.sendMessage)
	chat.Post("/rooms/:id/leave", h.leaveRoom)
	chat.Post("/rooms/:id/invite", h.invite)
	chat.Post("/rooms/:id/read", h.markRead)
	chat.Post("/rooms/:id/mute", h.mute)
	chat.Put("/messages/:id", h.editMessage)
	chat.Delete("/messages/:id", h.deleteMessage)
	chat.Get("/presence", h.getPresence)
	chat.Post("/sessions/revoke", h.revokeSessions)
}

// Authenticate verifies the bearer credential and stores the identity.
func (h *RESTHandler) Authenticate(c *fiber.Ctx) error {
	credential := bearer(c.Get(fiber.HeaderAuthorization))
	if credential == "" {
		return WriteError(c, fmt.Errorf("%w: missing bearer token", models.ErrAuthentication), h.log)
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()
	id, err := h.verifier.Verify(ctx, credential)
	if err != nil {
		return WriteError(c, err, h.log)
	}
	c.Locals(identityKey, id)
	return c.Next()
}

func caller(c *fiber.Ctx) *identity.Identity {
	id, _ := c.Locals(identityKey).(*identity.Identity)
	return id
}

func (h *RESTHandler) listRooms(c *fiber.Ctx) error {
	rooms, err := h.rooms.ListRooms(c.UserContext(), caller(c).UserID)
	if err != nil {
		return WriteError(c, err, h.log)
	}
	if rooms == nil {
		rooms = []*models.RoomSummary{}
	}
	return c.JSON(fiber.Map{"data": rooms})
}

func (h *RESTHandler) createRoom(c *fiber.Ctx) error {
	var req createRoomRequest
	if err := h.bind(c, &req); err != nil {
		return WriteError(c, err, h.log)
	}
	me := caller(c).UserID

	if strings.EqualFold(req.Type, groupRoomType) {
		room, err := h.rooms.CreateGroupRoom(c.UserContext(), me, req.Name, req.ParticipantIDs)
		if err != nil {
			return WriteError(c, err, h.log)
		}
		return c.Status(fiber.StatusCreated).JSON(room)
	}

	if req.TargetUserID == "" {
		return WriteError(c, fmt.Errorf("%w: targetUserId is required for a %s room", models.ErrInvalidRequest, directRoomType), h.log)
	}
	room, created, err := h.rooms.CreateDirectRoom(c.UserContext(), me, req.TargetUserID)
	if err != nil {
		return WriteError(c, err, h.log)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(room)
}

func (h *RESTHandler) getRoom(c *fiber.Ctx) error {
	room, err := h.rooms.GetRoom(c.UserContext(), c.Params("id"), caller(c).UserID)
	if err != nil {
		return WriteError(c, err, h.log)
	}
	return c.JSON(room)
}

func (h *RESTHandler) getMessages(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	page, err := h.history.GetMessages(c.UserContext(), c.Params("id"), caller(c).UserID, c.Query("cursor"), limit)
	if err != nil {
		return WriteError(c, err, h.log)
	}
	return c.JSON(page)
}

func (h *RESTHandler) sendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := h.bind(c, &req); err != nil {
		return WriteError(c, err, h.log)
	}
	send := pipeline.SendRequest{
		RoomID:    c.Params("id"),
		SenderID:  caller(c).UserID,
		Content:   req.Content,
		Type:      models.MessageType(req.MessageType),
		ReplyToID: req.ReplyToID,
	}
	if a := req.Attachment; a != nil {
		send.Attachment = &models.Attachment{URL: a.URL, Name: a.Name, MimeType: a.MimeType, Size: a.Size}
	}
	msg, err := h.messages.Send(c.UserContext(), send)
	if err != nil {
		return WriteError(c, err, h.log)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (h *RESTHandler) editMessage(c *fiber.Ctx) error {
	var req editMessageRequest
	if err := h.bind(c, &req); err != nil {
		return WriteError(c, err, h.log)
	}
	msg, err := h.messages.Edit(c.UserContext(), c.Params("id"), caller(c).UserID, req.Content)
	if err != nil {
		return WriteError(c, err, h.log)
	}
	return c.JSON(msg)
}

func (h *RESTHandler) deleteMessage(c *fiber.Ctx) error {
	if err := h.messages.Delete(c.UserContext(), c.Params("id"), caller(c).UserID); err != nil {
		return WriteError(c, err, h.log)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *RESTHandler) leaveRoom(c *fiber.Ctx) error {
	if err := h.rooms.Leave(c.UserContext(), c.Params("id"), caller(c).UserID); err != nil {
		return WriteError(c, err, h.log)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *RESTHandler) invite(c *fiber.Ctx) error {
	var req inviteRequest
	if err := h.bind(c, &req); err != nil {
		return WriteError(c, err, h.log)
	}
	room, err := h.rooms.Invite(c.UserContext(), c.Params("id"), caller(c).UserID, req.UserIDs)
	if err != nil {
		return WriteError(c, err, h.log)
	}
	return c.JSON(room)
}

func (h *RESTHandler) markRead(c *fiber.Ctx) error {
	roomID := c.Params("id")
	readAt, err := h.history.MarkAsRead(c.UserContext(), roomID, caller(c).UserID)
	if err != nil {
		return WriteError(c, err, h.log)
	}
	return c.JSON(fiber.Map{"roomId": roomID, "readAt": readAt})
}

func (h *RESTHandler) mute(c *fiber.Ctx) error {
	var req muteRequest
	if err := h.bind(c, &req); err != nil {
		return WriteError(c, err, h.log)
	}
	if err := h.rooms.SetMuted(c.UserContext(), c.Params("id"), caller(c).UserID, *req.Muted); err != nil {
		return WriteError(c, err, h.log)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *RESTHandler) getPresence(c *fiber.Ctx) error {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || len(ids) > maxPresenceIDs {
		return WriteError(c, fmt.Errorf("%w: ids must list between 1 and %d users", models.ErrInvalidRequest, maxPresenceIDs), h.log)
	}

	online := h.presence.Online(c.UserContext(), ids)
	out := make(map[string]presenceStatus, len(ids))
	for _, id := range ids {
		status := presenceStatus{Online: online[id]}
		if !status.Online {
			if at, ok := h.presence.LastSeen(c.UserContext(), id); ok {
				status.LastSeenAt = &at
			}
		}
		out[id] = status
	}
	return c.JSON(fiber.Map{"data": out})
}

// revokeSessions disconnects every live connection of the caller on every
// node. The credential itself stays valid until it expires.
func (h *RESTHandler) revokeSessions(c *fiber.Ctx) error {
	var req revokeRequest
	if len(c.Body()) > 0 {
		if err := h.bind(c, &req); err != nil {
			return WriteError(c, err, h.log)
		}
	}
	if req.Reason == "" {
		req.Reason = defaultRevokeBy
	}
	me := caller(c).UserID
	if err := h.pub.Publish(c.UserContext(), fanout.Revoke([]string{me}, req.Reason)); err != nil {
		return WriteError(c, fmt.Errorf("publish revoke: %w", err), h.log)
	}
	h.log.Info().Str("user_id", me).Str("reason", req.Reason).Msg("sessions revoked")
	return c.SendStatus(fiber.StatusAccepted)
}

func (h *RESTHandler) bind(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fmt.Errorf("%w: malformed body: %v", models.ErrInvalidRequest, err)
	}
	if err := h.validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	return nil
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
