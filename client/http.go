// Package client is a Go SDK for the chat service: a REST client and a
// push socket. Together they satisfy the interfaces syncstore drives.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/history"
	"github.com/karthikraju391/marketplace-chat/models"
)

// APIError is a non-2xx response. It unwraps to the matching domain error
// from models, so callers can use errors.Is.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api error (%d %s): %s", e.Status, e.Type, e.Message)
}

func (e *APIError) Unwrap() error {
	return models.ErrorForCode(e.Type)
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type SendMessageRequest struct {
	Content     string             `json:"content,omitempty"`
	MessageType models.MessageType `json:"messageType,omitempty"`
	ReplyToID   string             `json:"replyToId,omitempty"`
	Attachment  *models.Attachment `json:"attachment,omitempty"`
}

type PresenceStatus struct {
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// HTTP calls the REST surface on behalf of one signed-in user.
type HTTP struct {
	rest *resty.Client
}

func NewHTTP(baseURL, token string, log zerolog.Logger) *HTTP {
	log = log.With().Str("component", "chat-client").Logger()
	rest := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(token).
		SetHeader("User-Agent", "marketplace-chat-client/1.0").
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second)
	rest.OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
		log.Debug().
			Str("method", r.Request.Method).
			Str("url", r.Request.URL).
			Int("status", r.StatusCode()).
			Dur("latency", r.Time()).
			Msg("HTTP client request")
		return nil
	})
	return &HTTP{rest: rest}
}

func (c *HTTP) ListRooms(ctx context.Context) ([]models.RoomSummary, error) {
	var out struct {
		Data []models.RoomSummary `json:"data"`
	}
	if err := c.do(c.rest.R().SetContext(ctx).SetResult(&out), http.MethodGet, "/chat/rooms"); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *HTTP) CreateDirectRoom(ctx context.Context, targetUserID string) (*models.RoomDetail, error) {
	var out models.RoomDetail
	body := map[string]string{"targetUserId": targetUserID}
	if err := c.do(c.rest.R().SetContext(ctx).SetBody(body).SetResult(&out), http.MethodPost, "/chat/rooms"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTP) CreateGroupRoom(ctx context.Context, name string, participantIDs []string) (*models.RoomDetail, error) {
	var out models.RoomDetail
	body := map[string]any{"type": "GROUP", "name": name, "participantIds": participantIDs}
	if err := c.do(c.rest.R().SetContext(ctx).SetBody(body).SetResult(&out), http.MethodPost, "/chat/rooms"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTP) GetRoom(ctx context.Context, roomID string) (*models.RoomDetail, error) {
	var out models.RoomDetail
	req := c.rest.R().SetContext(ctx).SetPathParam("id", roomID).SetResult(&out)
	if err := c.do(req, http.MethodGet, "/chat/rooms/{id}"); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessages fetches one page of history, newest first. An empty cursor
// asks for the newest page; a zero limit uses the server default.
func (c *HTTP) GetMessages(ctx context.Context, roomID, cursor string, limit int) (*history.Page, error) {
	var out history.Page
	req := c.rest.R().SetContext(ctx).SetPathParam("id", roomID).SetResult(&out)
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	if err := c.do(req, http.MethodGet, "/chat/rooms/{id}/messages"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTP) SendMessage(ctx context.Context, roomID string, body SendMessageRequest) (*models.Message, error) {
	var out models.Message
	req := c.rest.R().SetContext(ctx).SetPathParam("id", roomID).SetBody(body).SetResult(&out)
	if err := c.do(req, http.MethodPost, "/chat/rooms/{id}/messages"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTP) EditMessage(ctx context.Context, messageID, content string) (*models.Message, error) {
	var out models.Message
	req := c.rest.R().SetContext(ctx).SetPathParam("id", messageID).
		SetBody(map[string]string{"content": content}).SetResult(&out)
	if err := c.do(req, http.MethodPut, "/chat/messages/{id}"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTP) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(c.rest.R().SetContext(ctx).SetPathParam("id", messageID), http.MethodDelete, "/chat/messages/{id}")
}

func (c *HTTP) LeaveRoom(ctx context.Context, roomID string) error {
	return c.do(c.rest.R().SetContext(ctx).SetPathParam("id", roomID), http.MethodPost, "/chat/rooms/{id}/leave")
}

func (c *HTTP) Invite(ctx context.Context, roomID string, userIDs []string) (*models.RoomDetail, error) {
	var out models.RoomDetail
	req := c.rest.R().SetContext(ctx).SetPathParam("id", roomID).
		SetBody(map[string][]string{"userIds": userIDs}).SetResult(&out)
	if err := c.do(req, http.MethodPost, "/chat/rooms/{id}/invite"); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead resets the caller's unread counter and returns the server's read time.
func (c *HTTP) MarkRead(ctx context.Context, roomID string) (time.Time, error) {
	var out struct {
		ReadAt time.Time `json:"readAt"`
	}
	req := c.rest.R().SetContext(ctx).SetPathParam("id", roomID).SetResult(&out)
	if err := c.do(req, http.MethodPost, "/chat/rooms/{id}/read"); err != nil {
		return time.Time{}, err
	}
	return out.ReadAt, nil
}

func (c *HTTP) SetMuted(ctx context.Context, roomID string, muted bool) error {
	req := c.rest.R().SetContext(ctx).SetPathParam("id", roomID).SetBody(map[string]bool{"muted": muted})
	return c.do(req, http.MethodPost, "/chat/rooms/{id}/mute")
}

func (c *HTTP) Presence(ctx context.Context, userIDs []string) (map[string]PresenceStatus, error) {
	var out struct {
		Data map[string]PresenceStatus `json:"data"`
	}
	req := c.rest.R().SetContext(ctx).SetQueryParam("ids", strings.Join(userIDs, ",")).SetResult(&out)
	if err := c.do(req, http.MethodGet, "/chat/presence"); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// RevokeSessions force-disconnects every live connection of the caller.
func (c *HTTP) RevokeSessions(ctx context.Context, reason string) error {
	req := c.rest.R().SetContext(ctx).SetBody(map[string]string{"reason": reason})
	return c.do(req, http.MethodPost, "/chat/sessions/revoke")
}

func (c *HTTP) do(req *resty.Request, method, path string) error {
	var body errorBody
	resp, err := req.SetError(&body).Execute(method, path)
	if err != nil {
		return fmt.Errorf("chat api %s %s failed: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode(), Type: body.Error.Type, Message: body.Error.Message}
		if apiErr.Message == "" {
			apiErr.Message = resp.String()
		}
		return apiErr
	}
	return nil
}
