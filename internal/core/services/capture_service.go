package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/utils"

	"go.uber.org/zap"
)

// CaptureRequest selects which sources an acquisition opens.
type CaptureRequest struct {
	Audio  bool
	Video  bool
	Screen bool
}

func (r CaptureRequest) sources() []domain.TrackSource {
	var out []domain.TrackSource
	if r.Audio {
		out = append(out, domain.SourceMicrophone)
	}
	if r.Video {
		out = append(out, domain.SourceCamera)
	}
	if r.Screen {
		out = append(out, domain.SourceScreen)
	}
	return out
}

type permissionKey struct {
	source  domain.TrackSource
	profile domain.QualityProfile
}

type permissionState struct {
	done chan struct{}
	err  error
}

// CaptureManager acquires and releases local media. The platform permission
// prompt runs at most once per source and profile; a refusal is remembered
// and never re-prompted.
type CaptureManager struct {
	provider ports.DeviceProvider
	metrics  ports.Metrics

	mu          sync.Mutex
	permissions map[permissionKey]*permissionState

	logger *zap.SugaredLogger
}

func NewCaptureManager(provider ports.DeviceProvider, metrics ports.Metrics, logger *zap.SugaredLogger) *CaptureManager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CaptureManager{
		provider:    provider,
		metrics:     metrics,
		permissions: make(map[permissionKey]*permissionState),
		logger:      logger,
	}
}

// Acquire opens every requested source and returns a stream owned by the
// caller. On any failure or cancellation every track opened so far is
// stopped before returning.
func (m *CaptureManager) Acquire(ctx context.Context, profile domain.QualityProfile, req CaptureRequest) (*domain.MediaStream, error) {
	sources := req.sources()
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: empty capture request", domain.ErrInvalidState)
	}
	constraints, err := domain.ConstraintsFor(profile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidState, err)
	}

	tracks := make([]domain.Track, 0, len(sources))
	fail := func(err error) (*domain.MediaStream, error) {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, err
	}

	for _, source := range sources {
		if err := m.ensurePermission(ctx, source, constraints); err != nil {
			m.metrics.CaptureAttempt(source, err)
			return fail(fmt.Errorf("capture %s: %w", source, err))
		}

		track, err := m.provider.Open(ctx, source, constraints)
		m.metrics.CaptureAttempt(source, err)
		if err != nil {
			return fail(fmt.Errorf("capture %s: %w", source, err))
		}
		tracks = append(tracks, track)

		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("capture cancelled: %w", err))
		}
	}

	stream := domain.NewMediaStream(domain.StreamID(utils.GenerateStreamID()), profile, tracks...)
	m.logger.Infow("media acquired",
		"stream_id", stream.ID(),
		"profile", profile.String(),
		"tracks", len(tracks),
	)
	return stream, nil
}

// Release stops every track of the stream. Releasing a released stream is a
// no-op.
func (m *CaptureManager) Release(stream *domain.MediaStream) {
	if stream == nil || stream.Released() {
		return
	}
	stream.Release()
	m.logger.Infow("media released", "stream_id", stream.ID())
}

// ensurePermission prompts for source at most once per profile. Callers that
// arrive while a prompt is open wait for it; when the prompting caller gives
// up, a waiter that is still interested opens the next prompt itself.
func (m *CaptureManager) ensurePermission(ctx context.Context, source domain.TrackSource, c domain.Constraints) error {
	key := permissionKey{source: source, profile: c.Profile}

	for {
		m.mu.Lock()
		state, exists := m.permissions[key]
		if !exists {
			state = &permissionState{done: make(chan struct{})}
			m.permissions[key] = state
		}
		m.mu.Unlock()

		if !exists {
			return m.prompt(ctx, key, state, c)
		}
		select {
		case <-state.done:
			if isContextErr(state.err) {
				continue
			}
			return state.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *CaptureManager) prompt(ctx context.Context, key permissionKey, state *permissionState, c domain.Constraints) error {
	err := m.provider.RequestPermission(ctx, key.source, c)
	if isContextErr(err) {
		// The user never answered; the next request prompts again.
		m.mu.Lock()
		delete(m.permissions, key)
		m.mu.Unlock()
	}
	state.err = err
	close(state.done)

	m.logger.Infow("capture permission resolved",
		"source", key.source,
		"profile", c.Profile.String(),
		"granted", err == nil,
	)
	return err
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
