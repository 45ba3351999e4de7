package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// ErrHandshakeRejected means the relay refused the connection; retrying
// with the same credentials cannot succeed.
var ErrHandshakeRejected = errors.New("relay rejected the handshake")

type ClientConfig struct {
	URL          string
	SessionID    domain.SessionID
	PeerID       string
	Token        string
	WriteTimeout time.Duration
	Retry        retry.Config
}

// Client is a relay participant. It is the SignalingBridge of one session
// and feeds inbound messages back to the caller.
type Client struct {
	cfg  ClientConfig
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

var _ ports.SignalingBridge = (*Client)(nil)

// Dial connects to the relay, retrying transient failures with backoff.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("sessionId", string(cfg.SessionID))
	q.Set("peerId", cfg.PeerID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))

	policy := cfg.Retry
	policy.NonRetryableErrors = append(policy.NonRetryableErrors, ErrHandshakeRejected)
	policy.Logger = logger

	conn, err := retry.RetryWithResult(ctx, policy, func() (*websocket.Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, resp.Status)
			}
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	logger.Infow("connected to relay",
		"url", cfg.URL,
		"session_id", cfg.SessionID,
		"peer_id", cfg.PeerID,
	)
	return &Client{cfg: cfg, conn: conn, logger: logger}, nil
}

// Send writes one message to the relay.
func (c *Client) Send(ctx context.Context, msg domain.SignalingMessage) error {
	if msg.SessionID == "" {
		msg.SessionID = c.cfg.SessionID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// Listen hands every inbound message to fn until the connection ends or ctx
// is cancelled. Error frames from the relay are logged.
func (c *Client) Listen(ctx context.Context, fn func(domain.SignalingMessage)) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}

		var frame ErrorFrame
		if json.Unmarshal(data, &frame) == nil && frame.Type == "error" {
			c.logger.Warnw("relay rejected message", "error", frame.Error)
			continue
		}

		var msg domain.SignalingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnw("dropping undecodable message", "error", err)
			continue
		}
		fn(msg)
	}
}

// Close sends a close frame and drops the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
