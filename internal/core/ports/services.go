package ports

import (
	"context"
	"time"

	"peercall/internal/core/domain"
)

// SignalingBridge delivers messages to the remote party. The host supplies
// it; ordering is best-effort and delivery may duplicate.
type SignalingBridge interface {
	Send(ctx context.Context, msg domain.SignalingMessage) error
}

// SignalingBridgeFunc adapts a function to SignalingBridge.
type SignalingBridgeFunc func(ctx context.Context, msg domain.SignalingMessage) error

func (f SignalingBridgeFunc) Send(ctx context.Context, msg domain.SignalingMessage) error {
	return f(ctx, msg)
}

// Metrics receives session lifecycle measurements.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	StateTransition(from, to domain.ConnectionState)
	TimeToConnect(d time.Duration)
	CandidateBuffered()
	CandidateApplied(ok bool)
	TrackReplaced(renegotiated bool)
	OfferRolledBack(reason string)
	CaptureAttempt(source domain.TrackSource, err error)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) SessionOpened()                                  {}
func (NopMetrics) SessionClosed()                                  {}
func (NopMetrics) StateTransition(from, to domain.ConnectionState) {}
func (NopMetrics) TimeToConnect(time.Duration)                     {}
func (NopMetrics) CandidateBuffered()                              {}
func (NopMetrics) CandidateApplied(bool)                           {}
func (NopMetrics) TrackReplaced(bool)                              {}
func (NopMetrics) OfferRolledBack(string)                          {}
func (NopMetrics) CaptureAttempt(domain.TrackSource, error)        {}
