package models

import "errors"

// Domain-level errors for chat behaviors
var (
	ErrAuthentication    = errors.New("chat: authentication failed")
	ErrPermissionDenied  = errors.New("chat: permission denied")
	ErrNotAMember        = errors.New("chat: user is not an active participant of the room")
	ErrAlreadyMember     = errors.New("chat: user is already an active participant of the room")
	ErrAlreadyDeleted    = errors.New("chat: message already deleted")
	ErrInvalidReply      = errors.New("chat: reply target is not a message of this room")
	ErrTransientDelivery = errors.New("chat: connection unreachable")
	ErrNotFound          = errors.New("chat: not found")
	ErrInvalidRequest    = errors.New("chat: invalid request")
	ErrRoomInactive      = errors.New("chat: room is no longer active")
)

// errorCodes names each domain error on the wire.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAuthentication, "authentication_error"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrNotAMember, "not_a_member"},
	{ErrAlreadyMember, "already_member"},
	{ErrAlreadyDeleted, "already_deleted"},
	{ErrInvalidReply, "invalid_reply"},
	{ErrTransientDelivery, "transient_delivery_failure"},
	{ErrNotFound, "not_found"},
	{ErrInvalidRequest, "invalid_request"},
	{ErrRoomInactive, "room_inactive"},
}

// ErrorCode returns the wire code of the domain error wrapped by err, or
// "internal_error".
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}

// ErrorForCode is the inverse of ErrorCode. Unknown codes yield nil.
func ErrorForCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
