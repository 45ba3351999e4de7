package services

import (
	"context"
	"fmt"
	"sync"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/utils"

	"go.uber.org/zap"
)

// CallService keeps one independent PeerSession per call and routes inbound
// signaling to it. Closed sessions leave the registry on their own.
type CallService struct {
	factory ports.TransportFactory
	bridge  ports.SignalingBridge
	cfg     SessionConfig
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[domain.SessionID]*PeerSession
}

func NewCallService(
	factory ports.TransportFactory,
	bridge ports.SignalingBridge,
	cfg SessionConfig,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *CallService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CallService{
		factory:  factory,
		bridge:   bridge,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		sessions: make(map[domain.SessionID]*PeerSession),
	}
}

// StartCall opens a new session. An empty id gets a generated one.
func (s *CallService) StartCall(ctx context.Context, id domain.SessionID) (*PeerSession, error) {
	if id == "" {
		id = domain.SessionID(utils.GenerateSessionID())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return nil, fmt.Errorf("%w: session %s already exists", domain.ErrInvalidState, id)
	}

	transport, err := s.factory.NewTransport(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}
	session := NewPeerSession(id, s.cfg, transport, s.bridge, s.metrics, s.logger)
	s.sessions[id] = session
	go s.watch(session)

	s.logger.Infow("call started", "session_id", id)
	return session, nil
}

// Session looks a session up by id.
func (s *CallService) Session(id domain.SessionID) (*PeerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return session, nil
}

// Dispatch applies an inbound message to its session. An offer for an
// unknown session accepts the call by opening a session for it; the caller
// then attaches media and answers.
func (s *CallService) Dispatch(ctx context.Context, msg domain.SignalingMessage) (*PeerSession, error) {
	session, err := s.Session(msg.SessionID)
	if err != nil {
		if msg.Type != domain.MessageOffer {
			return nil, err
		}
		if session, err = s.StartCall(ctx, msg.SessionID); err != nil {
			return nil, err
		}
	}
	return session, ApplyRemoteMessage(ctx, session, msg)
}

// Sessions lists the ids of the open sessions.
func (s *CallService) Sessions() []domain.SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]domain.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close hangs up every open session.
func (s *CallService) Close() {
	s.mu.RLock()
	sessions := make([]*PeerSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()

	for _, session := range sessions {
		if err := session.Close(); err != nil {
			s.logger.Warnw("session close failed", "session_id", session.ID(), "error", err)
		}
	}
}

func (s *CallService) watch(session *PeerSession) {
	sub := session.Monitor().Subscribe()
	defer sub.Unsubscribe()
	var last domain.StateChange
	for change := range sub.C {
		last = change
	}

	s.mu.Lock()
	if s.sessions[session.ID()] == session {
		delete(s.sessions, session.ID())
	}
	s.mu.Unlock()
	s.logger.Infow("call ended", "session_id", session.ID(), "error", last.Reason)
}
