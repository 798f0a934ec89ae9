package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/marketplace-chat/config"
	"github.com/karthikraju391/marketplace-chat/fanout"
	"github.com/karthikraju391/marketplace-chat/gateway"
	"github.com/karthikraju391/marketplace-chat/history"
	"github.com/karthikraju391/marketplace-chat/identity"
	"github.com/karthikraju391/marketplace-chat/membership"
	"github.com/karthikraju391/marketplace-chat/pipeline"
	"github.com/karthikraju391/marketplace-chat/presence"
	"github.com/karthikraju391/marketplace-chat/sequencer"
	"github.com/karthikraju391/marketplace-chat/store"
	"github.com/karthikraju391/marketplace-chat/typing"
)

const testSecret = "handlers-test-secret"

type testServer struct {
	app     *fiber.App
	store   *store.MemoryStore
	gateway *gateway.Registry
	rooms   *membership.Registry
}

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:         "marketplace-chat-test",
		AuthTimeout:         300 * time.Millisecond,
		PongWait:            time.Minute,
		PingPeriod:          50 * time.Second,
		WriteWait:           time.Second,
		MaxMessageSize:      64 << 10,
		SendBuffer:          32,
		PresenceGrace:       50 * time.Millisecond,
		TypingIdle:          time.Second,
		HistoryDefaultLimit: 30,
		HistoryMaxLimit:     100,
		MaxContentLength:    4000,
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := testConfig()
	log := zerolog.Nop()

	verifier, err := identity.NewHMACValidator(testSecret, "", "", 0, log)
	require.NoError(t, err)

	st := store.NewMemoryStore(log)
	gw := gateway.NewRegistry(verifier, gateway.OptionsFrom(cfg), log)
	pub := fanout.NewLocal(gw)
	seq := sequencer.New()

	tracker := presence.NewTracker(st, pub, gw, cfg.PresenceGrace, log)
	rooms := membership.NewRegistry(st, seq, pub, gw, log)
	typists := typing.NewCoordinator(rooms, pub, cfg.TypingIdle, log)
	gw.Observe(tracker)
	gw.Observe(typists)

	app := NewApp(cfg, Deps{
		Verifier:  verifier,
		Gateway:   gw,
		Rooms:     rooms,
		Messages:  pipeline.New(st, rooms, seq, pub, cfg.MaxContentLength, log),
		History:   history.NewService(st, rooms, pub, history.Limits{Default: cfg.HistoryDefaultLimit, Max: cfg.HistoryMaxLimit}, log),
		Typing:    typists,
		Presence:  tracker,
		Publisher: pub,
	}, log)
	t.Cleanup(gw.Shutdown)

	return &testServer{app: app, store: st, gateway: gw, rooms: rooms}
}

// listen serves the app on a loopback port and returns its ws:// base URL.
func (s *testServer) listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.app.Listener(ln) }()
	t.Cleanup(func() { _ = s.app.ShutdownWithTimeout(time.Second) })
	return "ws://" + ln.Addr().String() + "/ws"
}

func token(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"name": userID + " display",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// call performs one REST request as userID and decodes a JSON body into out
// when out is non-nil.
func (s *testServer) call(t *testing.T, method, path, userID string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if userID != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token(t, userID))
	}

	resp, err := s.app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}
