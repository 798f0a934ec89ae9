package events

import (
	"encoding/json"
	"errors"
)

// CommandKind is the wire name of a client command.
type CommandKind string

const (
	CommandAuth        CommandKind = "chat:auth"
	CommandJoin        CommandKind = "chat:join"
	CommandLeave       CommandKind = "chat:leave"
	CommandTypingStart CommandKind = "chat:typing:start"
	CommandTypingStop  CommandKind = "chat:typing:stop"
	CommandRead        CommandKind = "chat:read"
)

// Command is a client to server push command.
type Command interface {
	CommandKind() CommandKind
	command()
}

// AuthCommand presents a credential as the first frame of a connection.
type AuthCommand struct {
	Token string `json:"token"`
}

type JoinCommand struct {
	RoomID string `json:"roomId"`
}

type LeaveCommand struct {
	RoomID string `json:"roomId"`
}

type TypingStartCommand struct {
	RoomID string `json:"roomId"`
}

type TypingStopCommand struct {
	RoomID string `json:"roomId"`
}

type ReadCommand struct {
	RoomID string `json:"roomId"`
}

func (AuthCommand) CommandKind() CommandKind        { return CommandAuth }
func (JoinCommand) CommandKind() CommandKind        { return CommandJoin }
func (LeaveCommand) CommandKind() CommandKind       { return CommandLeave }
func (TypingStartCommand) CommandKind() CommandKind { return CommandTypingStart }
func (TypingStopCommand) CommandKind() CommandKind  { return CommandTypingStop }
func (ReadCommand) CommandKind() CommandKind        { return CommandRead }

func (AuthCommand) command()        {}
func (JoinCommand) command()        {}
func (LeaveCommand) command()       {}
func (TypingStartCommand) command() {}
func (TypingStopCommand) command()  {}
func (ReadCommand) command()        {}

// RoomRef is a room id that decodes from either a bare string or {"roomId": "..."}.
type RoomRef string

func (r *RoomRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = RoomRef(s)
		return nil
	}
	var obj struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.New("roomId must be a string or an object with roomId")
	}
	*r = RoomRef(obj.RoomID)
	return nil
}

// RoomOfCommand returns the room a command targets.
func RoomOfCommand(c Command) string {
	switch cmd := c.(type) {
	case JoinCommand:
		return cmd.RoomID
	case LeaveCommand:
		return cmd.RoomID
	case TypingStartCommand:
		return cmd.RoomID
	case TypingStopCommand:
		return cmd.RoomID
	case ReadCommand:
		return cmd.RoomID
	case AuthCommand:
		return ""
	}
	return ""
}
