package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"peercall/internal/core/domain"
	"peercall/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "peercall:session:"

// RedisHub relays through one Redis pub/sub channel per session, so any
// number of relay instances can serve the participants of a call. Publish
// fails fast with circuitbreaker.ErrOpen while Redis keeps failing.
type RedisHub struct {
	client     *redis.Client
	bufferSize int
	breaker    *circuitbreaker.CircuitBreaker

	mu     sync.Mutex
	subs   map[*subscriber]*redis.PubSub
	closed bool

	logger *zap.SugaredLogger
}

var _ Hub = (*RedisHub)(nil)

func NewRedisHub(client *redis.Client, bufferSize int, breaker circuitbreaker.Config, logger *zap.SugaredLogger) *RedisHub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cb := circuitbreaker.New(breaker)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("redis publish breaker changed state", "from", from.String(), "to", to.String())
	})
	return &RedisHub{
		client:     client,
		bufferSize: bufferSize,
		breaker:    cb,
		subs:       make(map[*subscriber]*redis.PubSub),
		logger:     logger,
	}
}

func sessionChannel(id domain.SessionID) string {
	return channelPrefix + string(id)
}

func (h *RedisHub) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	err = h.breaker.Execute(func() error {
		return h.client.Publish(ctx, sessionChannel(env.Message.SessionID), data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}

	h.logger.Debugw("published message",
		"session_id", env.Message.SessionID,
		"from", env.From,
		"type", env.Message.Type,
	)
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so nothing
// published afterwards is missed.
func (h *RedisHub) Subscribe(ctx context.Context, sessionID domain.SessionID, peerID string) (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.mu.Unlock()

	pubsub := h.client.Subscribe(ctx, sessionChannel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to session %s: %w", sessionID, err)
	}

	sub := newSubscriber(sessionID, peerID, h.bufferSize)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		pubsub.Close()
		return nil, ErrHubClosed
	}
	h.subs[sub] = pubsub
	h.mu.Unlock()

	go h.forward(sub, pubsub)

	return &Subscription{C: sub.ch, cancel: func() { h.remove(sub) }}, nil
}

func (h *RedisHub) forward(sub *subscriber, pubsub *redis.PubSub) {
	defer sub.close()

	for msg := range pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			h.logger.Warnw("failed to unmarshal envelope",
				"channel", msg.Channel,
				"error", err,
			)
			continue
		}
		if !sub.deliver(env) {
			h.logger.Warnw("subscriber buffer full, message dropped",
				"session_id", sub.sessionID,
				"peer_id", sub.peerID,
			)
		}
	}
}

func (h *RedisHub) remove(sub *subscriber) {
	h.mu.Lock()
	pubsub, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()

	if ok {
		// Closing the pubsub ends forward, which closes the subscriber.
		pubsub.Close()
	}
}

func (h *RedisHub) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Close cancels every subscription. The Redis client belongs to the caller.
func (h *RedisHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[*subscriber]*redis.PubSub)
	h.mu.Unlock()

	for _, pubsub := range subs {
		pubsub.Close()
	}
	return nil
}
