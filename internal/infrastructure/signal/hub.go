package signal

import (
	"context"
	"errors"
	"sync"

	"peercall/internal/core/domain"

	"go.uber.org/zap"
)

// ErrHubClosed is returned by a hub after Close.
var ErrHubClosed = errors.New("signal hub closed")

// Envelope is one relayed message and the participant that sent it.
type Envelope struct {
	From    string                  `json:"from"`
	Message domain.SignalingMessage `json:"message"`
}

// Hub fans signaling messages out to the other participants of a session.
type Hub interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers every envelope published to the session by a
	// participant other than peerID. The channel closes when the
	// subscription is cancelled or the hub closes.
	Subscribe(ctx context.Context, sessionID domain.SessionID, peerID string) (*Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription is one participant's inbound queue.
type Subscription struct {
	C <-chan Envelope

	cancel func()
	once   sync.Once
}

func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// subscriber buffers envelopes for one participant. A full buffer drops the
// envelope.
type subscriber struct {
	sessionID domain.SessionID
	peerID    string
	ch        chan Envelope

	mu     sync.Mutex
	closed bool
}

func newSubscriber(sessionID domain.SessionID, peerID string, size int) *subscriber {
	return &subscriber{sessionID: sessionID, peerID: peerID, ch: make(chan Envelope, size)}
}

func (s *subscriber) deliver(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || env.From == s.peerID {
		return true
	}
	select {
	case s.ch <- env:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// MemoryHub relays within one process.
type MemoryHub struct {
	bufferSize int

	mu       sync.RWMutex
	sessions map[domain.SessionID]map[*subscriber]struct{}
	closed   bool

	logger *zap.SugaredLogger
}

var _ Hub = (*MemoryHub)(nil)

func NewMemoryHub(bufferSize int, logger *zap.SugaredLogger) *MemoryHub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MemoryHub{
		bufferSize: bufferSize,
		sessions:   make(map[domain.SessionID]map[*subscriber]struct{}),
		logger:     logger,
	}
}

func (h *MemoryHub) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}

	for sub := range h.sessions[env.Message.SessionID] {
		if !sub.deliver(env) {
			h.logger.Warnw("subscriber buffer full, message dropped",
				"session_id", env.Message.SessionID,
				"peer_id", sub.peerID,
				"type", env.Message.Type,
			)
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, sessionID domain.SessionID, peerID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	sub := newSubscriber(sessionID, peerID, h.bufferSize)
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*subscriber]struct{})
	}
	h.sessions[sessionID][sub] = struct{}{}

	return &Subscription{C: sub.ch, cancel: func() { h.remove(sub) }}, nil
}

func (h *MemoryHub) remove(sub *subscriber) {
	h.mu.Lock()
	if subs := h.sessions[sub.sessionID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.sessions, sub.sessionID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Participants reports how many subscribers a session has.
func (h *MemoryHub) Participants(sessionID domain.SessionID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *MemoryHub) Ping(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	return nil
}

func (h *MemoryHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := h.sessions
	h.sessions = make(map[domain.SessionID]map[*subscriber]struct{})
	h.mu.Unlock()

	for _, subs := range sessions {
		for sub := range subs {
			sub.close()
		}
	}
	return nil
}
