package services

import (
	"context"
	"fmt"

	"peercall/internal/core/domain"
	"peercall/pkg/tracing"

	"go.uber.org/zap"
)

// TrackNegotiator swaps the media source of a live sender. It is the only
// component that detaches a track from a sender.
type TrackNegotiator struct {
	logger *zap.SugaredLogger
}

func NewTrackNegotiator(logger *zap.SugaredLogger) *TrackNegotiator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TrackNegotiator{logger: logger}
}

// ReplaceTrack moves the sender of the given kind onto the matching track of
// stream. The session keeps its state and its other senders and receivers.
// The replaced track is stopped and its stream released once empty. The
// transport swaps in place when it can and otherwise renegotiates on the same
// session. If the session is closed or closing, stream is released and
// ErrSessionClosed is returned.
func (n *TrackNegotiator) ReplaceTrack(ctx context.Context, session *PeerSession, kind domain.MediaKind, stream *domain.MediaStream) error {
	if session == nil || stream == nil {
		return fmt.Errorf("%w: session and stream are required", domain.ErrInvalidState)
	}
	ctx, span := tracing.TraceSession(ctx, "replace_track", string(session.ID()))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.MediaKindKey.String(string(kind)))

	if err := session.replaceTrack(ctx, kind, stream); err != nil {
		tracing.RecordError(ctx, err)
		n.logger.Warnw("track replacement failed",
			"session_id", session.ID(),
			"kind", kind,
			"stream_id", stream.ID(),
			"error", err,
		)
		return err
	}
	return nil
}
