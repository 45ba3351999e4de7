package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	"peercall/internal/infrastructure/middleware"
	"peercall/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
)

const testSecret = "0123456789abcdef"

type failingHub struct{ *MemoryHub }

func (failingHub) Publish(context.Context, Envelope) error {
	return errors.New("redis: connection refused")
}

type relayFixture struct {
	hub    Hub
	relay  *Relay
	server *httptest.Server
}

func newRelayFixture(t *testing.T, hub Hub, cfg RelayConfig, tokens services.TokenService) *relayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	relay := NewRelay(hub, cfg, nil, logger)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	if tokens != nil {
		router.Use(middleware.AuthMiddleware(tokens))
	}
	relay.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		relay.Close()
		server.Close()
		hub.Close()
	})
	return &relayFixture{hub: hub, relay: relay, server: server}
}

func (f *relayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
}

func (f *relayFixture) post(t *testing.T, body string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/signal", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (f *relayFixture) dialRaw(t *testing.T, sessionID, peerID string) *websocket.Conn {
	t.Helper()
	q := url.Values{"sessionId": {sessionID}, "peerId": {peerID}}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL()+"?"+q.Encode(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *relayFixture) dialClient(t *testing.T, sessionID domain.SessionID, peerID, token string) *Client {
	t.Helper()
	client, err := Dial(context.Background(), ClientConfig{
		URL:       f.wsURL(),
		SessionID: sessionID,
		PeerID:    peerID,
		Token:     token,
		Retry:     retry.Config{Enabled: false},
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func testRelayConfig() RelayConfig {
	cfg := DefaultRelayConfig()
	cfg.MaxMessageSize = 4096
	return cfg
}

func TestHandleSignal(t *testing.T) {
	offer := `{"type":"offer","sessionId":"call-1","data":{"type":"offer","sdp":"v=0\r\n"}}`

	t.Run("relays to other participants", func(t *testing.T) {
		hub := NewMemoryHub(8, nil)
		f := newRelayFixture(t, hub, testRelayConfig(), nil)
		bob, err := hub.Subscribe(context.Background(), "call-1", "bob")
		require.NoError(t, err)

		resp, body := f.post(t, offer, http.Header{PeerIDHeader: {"alice"}})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "offer", body["type"])
		assert.Equal(t, map[string]any{"type": "offer", "sdp": "v=0\r\n"}, body["data"])

		env := receive(t, bob)
		assert.Equal(t, "alice", env.From)
		assert.Equal(t, domain.MessageOffer, env.Message.Type)
	})

	t.Run("bare candidate string", func(t *testing.T) {
		f := newRelayFixture(t, NewMemoryHub(8, nil), testRelayConfig(), nil)
		resp, body := f.post(t, `{"type":"ice-candidate","sessionId":"call-1","data":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ice-candidate", body["type"])
		data := body["data"].(map[string]any)
		assert.Equal(t, "candidate:1 1 udp 1 10.0.0.1 5000 typ host", data["candidate"])
	})

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"unknown type", `{"type":"bye","sessionId":"call-1","data":{}}`, http.StatusBadRequest, "UNKNOWN_MESSAGE_TYPE"},
		{"malformed json", `{"type":`, http.StatusBadRequest, "INVALID_INPUT"},
		{"missing data", `{"type":"offer","sessionId":"call-1"}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad session id", `{"type":"offer","sessionId":"call 1","data":"v=0"}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"too large", `{"type":"offer","sessionId":"call-1","data":"` + strings.Repeat("a", 5000) + `"}`, http.StatusRequestEntityTooLarge, "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRelayFixture(t, NewMemoryHub(8, nil), testRelayConfig(), nil)
			resp, body := f.post(t, tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}

	t.Run("hub failure", func(t *testing.T) {
		f := newRelayFixture(t, &failingHub{MemoryHub: NewMemoryHub(8, nil)}, testRelayConfig(), nil)
		resp, body := f.post(t, offer, nil)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "relay failure", body["error"])
	})

	t.Run("hub closed", func(t *testing.T) {
		hub := NewMemoryHub(8, nil)
		f := newRelayFixture(t, hub, testRelayConfig(), nil)
		require.NoError(t, hub.Close())
		resp, body := f.post(t, offer, nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "SERVICE_UNAVAILABLE", body["code"])
	})
}

func TestHandleSignal_TokenScope(t *testing.T) {
	tokens := services.NewTokenService(testSecret, time.Minute)
	token, err := tokens.GenerateToken("call-1", "alice")
	require.NoError(t, err)

	hub := NewMemoryHub(8, nil)
	f := newRelayFixture(t, hub, testRelayConfig(), tokens)
	bob, err := hub.Subscribe(context.Background(), "call-1", "bob")
	require.NoError(t, err)
	auth := http.Header{"Authorization": {"Bearer " + token}}

	resp, _ := f.post(t, `{"type":"offer","sessionId":"call-1","data":"v=0"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.post(t, `{"type":"offer","sessionId":"call-2","data":"v=0"}`, auth)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", body["code"])

	// The token's peer wins over a claimed header.
	header := auth.Clone()
	header.Set(PeerIDHeader, "mallory")
	resp, _ = f.post(t, `{"type":"offer","sessionId":"call-1","data":"v=0"}`, header)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", receive(t, bob).From)
}

func TestHandleWebSocket_RequiresPeer(t *testing.T) {
	f := newRelayFixture(t, NewMemoryHub(8, nil), testRelayConfig(), nil)

	resp, err := http.Get(f.server.URL + "/ws?sessionId=call-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/ws?peerId=alice")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelay_ClientsExchangeMessages(t *testing.T) {
	f := newRelayFixture(t, NewMemoryHub(8, nil), testRelayConfig(), nil)

	alice := f.dialClient(t, "call-1", "alice", "")
	bob := f.dialClient(t, "call-1", "bob", "")
	require.Eventually(t, func() bool { return f.relay.ConnectionCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan domain.SignalingMessage, 4)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- bob.Listen(ctx, func(msg domain.SignalingMessage) { got <- msg })
	}()
	aliceGot := make(chan domain.SignalingMessage, 4)
	go alice.Listen(ctx, func(msg domain.SignalingMessage) { aliceGot <- msg })

	offer := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: testSDP}
	require.NoError(t, alice.Send(ctx, domain.NewDescriptionMessage("", offer)))

	select {
	case msg := <-got:
		assert.Equal(t, domain.MessageOffer, msg.Type)
		assert.Equal(t, domain.SessionID("call-1"), msg.SessionID)
		require.NotNil(t, msg.Description)
		assert.Equal(t, testSDP, msg.Description.SDP)
	case <-time.After(2 * time.Second):
		t.Fatal("bob did not receive the offer")
	}

	select {
	case msg := <-aliceGot:
		t.Fatalf("sender received its own %s", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-listenErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestRelay_RejectsForeignSession(t *testing.T) {
	f := newRelayFixture(t, NewMemoryHub(8, nil), testRelayConfig(), nil)
	conn := f.dialRaw(t, "call-1", "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"offer","sessionId":"call-2","data":"v=0"}`)))

	var frame ErrorFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, domain.ErrSessionMismatch.Error(), frame.Error)
}

func TestRelay_ReconnectReplacesConnection(t *testing.T) {
	f := newRelayFixture(t, NewMemoryHub(8, nil), testRelayConfig(), nil)

	first := f.dialRaw(t, "call-1", "alice")
	require.Eventually(t, func() bool { return f.relay.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.dialRaw(t, "call-1", "alice")

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, 1, f.relay.ConnectionCount())
}

func TestRelay_CloseDropsConnections(t *testing.T) {
	f := newRelayFixture(t, NewMemoryHub(8, nil), testRelayConfig(), nil)
	conn := f.dialRaw(t, "call-1", "alice")
	require.Eventually(t, func() bool { return f.relay.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.relay.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Eventually(t, func() bool { return f.relay.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_MessageRateLimit(t *testing.T) {
	cfg := testRelayConfig()
	cfg.MessageLimiter = func() *rate.Limiter { return rate.NewLimiter(0, 1) }
	hub := NewMemoryHub(8, nil)
	f := newRelayFixture(t, hub, cfg, nil)
	bob, err := hub.Subscribe(context.Background(), "call-1", "bob")
	require.NoError(t, err)

	conn := f.dialRaw(t, "call-1", "alice")
	msg := []byte(`{"type":"offer","sessionId":"call-1","data":"v=0"}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))

	var frame ErrorFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "rate limit exceeded", frame.Error)

	assert.Equal(t, "alice", receive(t, bob).From)
	assertNothing(t, bob)
}

func TestRelay_MaxConnections(t *testing.T) {
	cfg := testRelayConfig()
	cfg.MaxConnections = 1
	f := newRelayFixture(t, NewMemoryHub(8, nil), cfg, nil)

	f.dialRaw(t, "call-1", "alice")
	require.Eventually(t, func() bool { return f.relay.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	q := url.Values{"sessionId": {"call-1"}, "peerId": {"bob"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL()+"?"+q.Encode(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	relay := NewRelay(NewMemoryHub(1, nil), RelayConfig{AllowedOrigins: []string{"app.example.com"}}, nil, nil)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, relay.checkOrigin(req), tt.origin)
	}
}
