package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when a frame names a type outside the closed set.
var ErrUnknownKind = errors.New("events: unknown frame type")

// Frame is the wire envelope for both events and commands.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode serializes a server event into a frame.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	return json.Marshal(Frame{Type: string(ev.Kind()), Data: data})
}

// MustEncode is Encode for events whose payloads cannot fail to marshal.
func MustEncode(ev Event) []byte {
	payload, err := Encode(ev)
	if err != nil {
		panic(err)
	}
	return payload
}

// Decode parses a server event frame.
func Decode(payload []byte) (Event, error) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch Kind(frame.Type) {
	case KindMessageNew:
		return decodeAs[MessageNew](frame.Data)
	case KindMessageUpdated:
		return decodeAs[MessageUpdated](frame.Data)
	case KindMessageDeleted:
		return decodeAs[MessageDeleted](frame.Data)
	case KindTypingStart:
		return decodeAs[TypingStart](frame.Data)
	case KindTypingStop:
		return decodeAs[TypingStop](frame.Data)
	case KindUserOnline:
		return decodeAs[UserOnline](frame.Data)
	case KindUserOffline:
		return decodeAs[UserOffline](frame.Data)
	case KindMessagesRead:
		return decodeAs[MessagesRead](frame.Data)
	case KindParticipantLeft:
		return decodeAs[ParticipantLeft](frame.Data)
	case KindParticipantsInvited:
		return decodeAs[ParticipantsInvited](frame.Data)
	case KindNotification:
		return decodeAs[Notification](frame.Data)
	case KindConnected:
		return decodeAs[Connected](frame.Data)
	case KindJoined:
		return decodeAs[Joined](frame.Data)
	case KindLeft:
		return decodeAs[Left](frame.Data)
	case KindError:
		return decodeAs[Error](frame.Data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, frame.Type)
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var ev T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ev.Kind(), err)
		}
	}
	return ev, nil
}

// EncodeCommand serializes a client command into a frame.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", cmd.CommandKind(), err)
	}
	return json.Marshal(Frame{Type: string(cmd.CommandKind()), Data: data})
}

// DecodeCommand parses a client command frame. Room commands accept the
// room id either bare or wrapped in an object.
func DecodeCommand(payload []byte) (Command, error) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	kind := CommandKind(frame.Type)
	if kind == CommandAuth {
		var cmd AuthCommand
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return cmd, nil
	}

	var ref RoomRef
	switch kind {
	case CommandJoin, CommandLeave, CommandTypingStart, CommandTypingStop, CommandRead:
		if len(frame.Data) == 0 {
			return nil, fmt.Errorf("decode %s: roomId is required", kind)
		}
		if err := json.Unmarshal(frame.Data, &ref); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if ref == "" {
			return nil, fmt.Errorf("decode %s: roomId is required", kind)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, frame.Type)
	}

	roomID := string(ref)
	switch kind {
	case CommandJoin:
		return JoinCommand{RoomID: roomID}, nil
	case CommandLeave:
		return LeaveCommand{RoomID: roomID}, nil
	case CommandTypingStart:
		return TypingStartCommand{RoomID: roomID}, nil
	case CommandTypingStop:
		return TypingStopCommand{RoomID: roomID}, nil
	default:
		return ReadCommand{RoomID: roomID}, nil
	}
}
