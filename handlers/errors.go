package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/models"
)

// HTTPErrorResponse is the body of every non-2xx response.
type HTTPErrorResponse struct {
	Error *HTTPErrorDetail `json:"error"`
}

type HTTPErrorDetail struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusFor maps a domain error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrPermissionDenied), errors.Is(err, models.ErrNotAMember):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyMember), errors.Is(err, models.ErrAlreadyDeleted):
		return http.StatusConflict
	case errors.Is(err, models.ErrRoomInactive):
		return http.StatusGone
	case errors.Is(err, models.ErrInvalidReply), errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTransientDelivery):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WriteError answers c with err mapped to a status and a typed body.
// Internal errors are logged and their message is not exposed.
func WriteError(c *fiber.Ctx, err error, log zerolog.Logger) error {
	status := StatusFor(err)
	detail := &HTTPErrorDetail{
		Message:   err.Error(),
		Type:      models.ErrorCode(err),
		RequestID: requestID(c),
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Error().Err(err).Str("request_id", detail.RequestID).Str("path", c.Path()).Msg("request failed")
		detail.Message = "internal server error"
	}
	return c.Status(status).JSON(HTTPErrorResponse{Error: detail})
}

// ErrorHandler renders errors returned by handlers and by fiber itself
// (unknown routes, bad methods) in the same body shape.
func ErrorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			typ := "invalid_request"
			switch fe.Code {
			case fiber.StatusNotFound:
				typ = "not_found"
			case fiber.StatusUnauthorized:
				typ = "authentication_error"
			}
			return c.Status(fe.Code).JSON(HTTPErrorResponse{Error: &HTTPErrorDetail{
				Message:   fe.Message,
				Type:      typ,
				RequestID: requestID(c),
			}})
		}
		return WriteError(c, err, log)
	}
}

func requestID(c *fiber.Ctx) string {
	id, _ := c.Locals("requestid").(string)
	return id
}
