package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/infrastructure/middleware"
	"peercall/pkg/circuitbreaker"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/tracing"
	"peercall/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PeerIDHeader identifies the sender when the peerId query parameter is absent.
const PeerIDHeader = "X-Peer-ID"

// RelayMetrics receives relay measurements.
type RelayMetrics interface {
	RelayConnectionOpened()
	RelayConnectionClosed()
	RelayMessage(t domain.MessageType, transport string)
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) RelayConnectionOpened()                   {}
func (nopRelayMetrics) RelayConnectionClosed()                   {}
func (nopRelayMetrics) RelayMessage(domain.MessageType, string) {}

type RelayConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	MaxConnections int // 0 means unlimited
	AllowedOrigins []string
	// MessageLimiter builds the per-connection limiter; nil disables it.
	MessageLimiter func() *rate.Limiter
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

type connKey struct {
	sessionID domain.SessionID
	peerID    string
}

// Relay forwards signaling messages between the participants of a session.
// POST /signal publishes one message; GET /ws streams the session to a
// participant and accepts messages from it.
type Relay struct {
	hub      Hub
	cfg      RelayConfig
	metrics  RelayMetrics
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[connKey]*peerConn

	logger *zap.SugaredLogger
}

func NewRelay(hub Hub, cfg RelayConfig, metrics RelayMetrics, logger *zap.SugaredLogger) *Relay {
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Relay{
		hub:     hub,
		cfg:     cfg,
		metrics: metrics,
		conns:   make(map[connKey]*peerConn),
		logger:  logger,
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Relay) RegisterRoutes(routes gin.IRoutes) {
	routes.POST("/signal", r.HandleSignal)
	routes.GET("/ws", r.HandleWebSocket)
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// HandleSignal relays one message. It answers 200 with
// {success, type, data}, 400 with {error} for a malformed message or an
// unrecognized type, and 500 with {error} when the hub fails.
func (r *Relay) HandleSignal(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Error(apperrors.NewInvalidInputError("unreadable body"))
		return
	}
	if r.cfg.MaxMessageSize > 0 && int64(len(body)) > r.cfg.MaxMessageSize {
		c.Error(apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "message too large", http.StatusRequestEntityTooLarge))
		return
	}

	msg, err := decodeMessage(body)
	if err != nil {
		c.Error(err)
		return
	}
	peerID, err := peerIdentity(c, false)
	if err != nil {
		c.Error(err)
		return
	}
	if err := middleware.AuthorizeSession(c, msg.SessionID, peerID); err != nil {
		c.Error(err)
		return
	}

	ctx, span := tracing.TraceSignal(c.Request.Context(), string(msg.Type), string(msg.SessionID), peerID)
	defer span.End()

	if err := r.hub.Publish(ctx, Envelope{From: peerID, Message: msg}); err != nil {
		tracing.RecordError(ctx, err)
		c.Error(hubFailure(err))
		return
	}
	r.metrics.RelayMessage(msg.Type, "http")

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"type":    msg.Type,
		"data":    msg.Data(),
	})
}

// HandleWebSocket attaches one participant to a session. A second
// connection for the same participant replaces the first.
func (r *Relay) HandleWebSocket(c *gin.Context) {
	sessionID := domain.SessionID(c.Query("sessionId"))
	if err := validation.ValidateSessionID(string(sessionID)); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	peerID, err := peerIdentity(c, true)
	if err != nil {
		c.Error(err)
		return
	}
	if err := middleware.AuthorizeSession(c, sessionID, peerID); err != nil {
		c.Error(err)
		return
	}
	if r.cfg.MaxConnections > 0 && r.ConnectionCount() >= r.cfg.MaxConnections {
		c.Error(apperrors.NewServiceUnavailableError("too many relay connections"))
		return
	}

	sub, err := r.hub.Subscribe(c.Request.Context(), sessionID, peerID)
	if err != nil {
		c.Error(hubFailure(err))
		return
	}

	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Cancel()
		r.logger.Warnw("websocket upgrade failed", "peer_id", peerID, "error", err)
		return
	}

	pc := &peerConn{
		relay:     r,
		conn:      conn,
		sessionID: sessionID,
		peerID:    peerID,
		sub:       sub,
		done:      make(chan struct{}),
	}
	if r.cfg.MessageLimiter != nil {
		pc.limiter = r.cfg.MessageLimiter()
	}

	key := connKey{sessionID: sessionID, peerID: peerID}
	r.mu.Lock()
	existing, isReconnect := r.conns[key]
	r.conns[key] = pc
	r.mu.Unlock()
	if isReconnect {
		existing.stop(websocket.ClosePolicyViolation, "replaced by a newer connection")
		r.logger.Infow("closing old connection for reconnecting peer", "session_id", sessionID, "peer_id", peerID)
	}

	r.metrics.RelayConnectionOpened()
	r.logger.Infow("peer connected", "session_id", sessionID, "peer_id", peerID, "reconnect", isReconnect)

	pc.serve()

	r.mu.Lock()
	if r.conns[key] == pc {
		delete(r.conns, key)
	}
	r.mu.Unlock()
	r.metrics.RelayConnectionClosed()
	r.logger.Infow("peer disconnected", "session_id", sessionID, "peer_id", peerID)
}

func (r *Relay) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close drops every WebSocket connection. Hijacked connections are not
// closed by http.Server.Shutdown.
func (r *Relay) Close() {
	r.mu.Lock()
	conns := make([]*peerConn, 0, len(r.conns))
	for _, pc := range r.conns {
		conns = append(conns, pc)
	}
	r.mu.Unlock()

	for _, pc := range conns {
		pc.stop(websocket.CloseGoingAway, "relay shutting down")
	}
}

// hubFailure maps hub errors to responses. A closed hub or an open breaker
// is temporary and reported as unavailable.
func hubFailure(err error) *apperrors.AppError {
	unavailable := func(target error) apperrors.Mapping {
		return apperrors.Mapping{Target: target, Code: apperrors.ErrCodeServiceUnavailable, Status: http.StatusServiceUnavailable}
	}
	return apperrors.Classify(err, unavailable(ErrHubClosed), unavailable(circuitbreaker.ErrOpen))
}

func decodeMessage(body []byte) (domain.SignalingMessage, error) {
	var msg domain.SignalingMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		if errors.Is(err, domain.ErrUnknownMessageType) {
			return msg, apperrors.WrapError(err, apperrors.ErrCodeUnknownType, err.Error(), http.StatusBadRequest)
		}
		return msg, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid signaling message: "+err.Error(), http.StatusBadRequest)
	}
	if err := validation.ValidateSessionID(string(msg.SessionID)); err != nil {
		return msg, apperrors.NewInvalidInputError(err.Error()).WithContext("field", "sessionId")
	}
	return msg, nil
}

// peerIdentity resolves the sender: the token's peer when authenticated,
// otherwise the peerId query parameter or the X-Peer-ID header.
func peerIdentity(c *gin.Context, required bool) (string, error) {
	peerID := c.GetString(middleware.ContextPeerID)
	if peerID == "" {
		peerID = c.Query("peerId")
	}
	if peerID == "" {
		peerID = c.GetHeader(PeerIDHeader)
	}
	if peerID == "" && !required {
		return "", nil
	}
	if err := validation.ValidatePeerID(peerID); err != nil {
		return "", apperrors.NewInvalidInputError(err.Error()).WithContext("field", "peerId")
	}
	return peerID, nil
}

// peerConn is one participant's WebSocket.
type peerConn struct {
	relay     *Relay
	conn      *websocket.Conn
	sessionID domain.SessionID
	peerID    string
	sub       *Subscription
	limiter   *rate.Limiter

	writeMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
	stopCode int
	stopText string
}

// stop ends serve with the given close frame. Only the first call counts.
func (pc *peerConn) stop(code int, text string) {
	pc.stopOnce.Do(func() {
		pc.stopCode = code
		pc.stopText = text
		close(pc.done)
	})
}

func (pc *peerConn) serve() {
	cfg := pc.relay.cfg
	logger := pc.relay.logger

	defer pc.conn.Close()
	defer pc.sub.Cancel()

	if cfg.MaxMessageSize > 0 {
		pc.conn.SetReadLimit(cfg.MaxMessageSize)
	}
	pc.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	pc.conn.SetPongHandler(func(string) error {
		return pc.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	readErr := make(chan error, 1)
	go func() {
		readErr <- pc.readLoop()
	}()

	pingTicker := time.NewTicker(cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case env, ok := <-pc.sub.C:
			if !ok {
				pc.writeClose(websocket.CloseGoingAway, "relay shutting down")
				return
			}
			if err := pc.write(env.Message); err != nil {
				logger.Infow("error writing to peer", "peer_id", pc.peerID, "error", err)
				return
			}

		case <-pingTicker.C:
			pc.writeMu.Lock()
			err := pc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout))
			pc.writeMu.Unlock()
			if err != nil {
				logger.Infow("error sending ping", "peer_id", pc.peerID, "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Infow("error reading message from peer", "peer_id", pc.peerID, "error", err)
			}
			return

		case <-pc.done:
			pc.writeClose(pc.stopCode, pc.stopText)
			return
		}
	}
}

func (pc *peerConn) readLoop() error {
	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			return err
		}
		pc.conn.SetReadDeadline(time.Now().Add(pc.relay.cfg.PongTimeout))

		if pc.limiter != nil && !pc.limiter.Allow() {
			pc.sendError("rate limit exceeded")
			continue
		}
		if err := pc.handle(data); err != nil {
			pc.relay.logger.Infow("error handling message from peer", "peer_id", pc.peerID, "error", err)
			pc.sendError(err.Error())
		}
	}
}

func (pc *peerConn) handle(data []byte) error {
	var msg domain.SignalingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.SessionID == "" {
		msg.SessionID = pc.sessionID
	}
	if msg.SessionID != pc.sessionID {
		return domain.ErrSessionMismatch
	}

	ctx, span := tracing.TraceSignal(context.Background(), string(msg.Type), string(msg.SessionID), pc.peerID)
	defer span.End()

	if err := pc.relay.hub.Publish(ctx, Envelope{From: pc.peerID, Message: msg}); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	pc.relay.metrics.RelayMessage(msg.Type, "websocket")
	return nil
}

func (pc *peerConn) write(v any) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	pc.conn.SetWriteDeadline(time.Now().Add(pc.relay.cfg.WriteTimeout))
	return pc.conn.WriteJSON(v)
}

func (pc *peerConn) writeClose(code int, text string) {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	pc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(pc.relay.cfg.WriteTimeout))
}

// ErrorFrame is sent to a WebSocket participant whose message was rejected.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (pc *peerConn) sendError(message string) {
	pc.write(ErrorFrame{Type: "error", Error: message})
}
