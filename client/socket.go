package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/events"
)

const socketWriteWait = 10 * time.Second

// Socket is one push channel connection. Decoded server events arrive on
// Events, which is closed when the connection ends.
type Socket struct {
	conn    *websocket.Conn
	events  chan events.Event
	done    chan struct{}
	writeMu sync.Mutex
	once    sync.Once
	errMu   sync.Mutex
	err     error
	log     zerolog.Logger
}

// Dial opens the push channel at wsURL, presenting token as a bearer credential.
func Dial(ctx context.Context, wsURL, token string, log zerolog.Logger) (*Socket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	s := &Socket{
		conn:   conn,
		events: make(chan events.Event, 64),
		done:   make(chan struct{}),
		log:    log.With().Str("component", "chat-socket").Logger(),
	}
	go s.readLoop()
	return s, nil
}

func (s *Socket) Events() <-chan events.Event {
	return s.events
}

// Send writes one command frame.
func (s *Socket) Send(ctx context.Context, cmd events.Command) error {
	payload, err := events.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(socketWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send %s: %w", cmd.CommandKind(), err)
	}
	return nil
}

// Close sends a normal closure and tears the connection down.
func (s *Socket) Close() error {
	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.writeMu.Unlock()

	s.once.Do(func() { close(s.done) })
	return s.conn.Close()
}

// Err returns the error that ended the connection, if any.
func (s *Socket) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// CloseCode returns the close code sent by the server, or 0.
func (s *Socket) CloseCode() int {
	var ce *websocket.CloseError
	if errors.As(s.Err(), &ce) {
		return ce.Code
	}
	return 0
}

func (s *Socket) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("push channel closed")
			}
			return
		}

		ev, err := events.Decode(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping undecodable frame")
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
