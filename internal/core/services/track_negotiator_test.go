package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTrackNegotiator_SwapCameraForScreen(t *testing.T) {
	ctx := context.Background()
	p := connectPair(t, testSessionConfig())
	negotiator := NewTrackNegotiator(zaptest.NewLogger(t).Sugar())

	states := p.caller.Monitor().Subscribe()
	defer states.Unsubscribe()
	events := p.caller.Events()
	defer events.Unsubscribe()

	cameraTrack, ok := p.camera.Track(domain.KindVideo)
	require.True(t, ok)
	screen := acquire(t, p.capture, domain.QualityUltra, CaptureRequest{Screen: true})
	screenTrack, _ := screen.Track(domain.KindVideo)

	require.NoError(t, negotiator.ReplaceTrack(ctx, p.caller, domain.KindVideo, screen))

	assert.Equal(t, []domain.ConnectionState{domain.StateConnected}, collectStates(t, states, 100*time.Millisecond))
	assert.True(t, p.camera.Released())
	assert.False(t, cameraTrack.Live())
	assert.False(t, screen.Released())
	assert.Equal(t, p.caller.ID(), screen.Owner())
	assert.Same(t, screenTrack, p.trCaller.sender(domain.KindVideo).Track())

	// The audio sender and the remote side are untouched.
	assert.False(t, p.audio.Released())
	assert.Equal(t, []domain.MediaKind{domain.KindAudio, domain.KindVideo}, p.caller.Senders())
	assert.Len(t, p.trCaller.offerOptions(), 1)
	assert.Equal(t, domain.StateConnected, p.callee.State())

	select {
	case e := <-events.C:
		replaced, ok := e.(domain.TrackReplacedEvent)
		require.True(t, ok)
		assert.Equal(t, cameraTrack.ID(), replaced.OldTrack)
		assert.Equal(t, screenTrack.ID(), replaced.NewTrack)
		assert.False(t, replaced.Renegotiation)
	case <-time.After(time.Second):
		t.Fatal("no track replaced event")
	}

	// Closing releases the screen stream that was swapped in.
	require.NoError(t, p.caller.Close())
	assert.True(t, screen.Released())
	assert.Zero(t, screen.LiveTracks())
}

func TestTrackNegotiator_FallsBackToRenegotiation(t *testing.T) {
	ctx := context.Background()
	p := connectPair(t, testSessionConfig())
	p.trCaller.sender(domain.KindVideo).replaceErr = ports.ErrRenegotiationRequired
	negotiator := NewTrackNegotiator(nil)

	events := p.caller.Events()
	defer events.Unsubscribe()

	screen := acquire(t, p.capture, domain.QualityUltra, CaptureRequest{Screen: true})
	require.NoError(t, negotiator.ReplaceTrack(ctx, p.caller, domain.KindVideo, screen))

	assert.Len(t, p.trCaller.offerOptions(), 2)
	require.Eventually(t, func() bool { return !offerPending(p.caller) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StateConnected, p.caller.State())
	assert.Equal(t, domain.StateConnected, p.callee.State())
	assert.True(t, p.camera.Released())
	assert.Equal(t, []domain.MediaKind{domain.KindAudio, domain.KindVideo}, p.caller.Senders())

	e := <-events.C
	replaced, ok := e.(domain.TrackReplacedEvent)
	require.True(t, ok)
	assert.True(t, replaced.Renegotiation)
}

func TestTrackNegotiator_FailedSwapKeepsOldTrack(t *testing.T) {
	ctx := context.Background()
	errNoSlot := errors.New("no free transceiver")

	setup := func(t *testing.T, failAll bool) (*callPair, domain.Track, *domain.MediaStream) {
		p := connectPair(t, testSessionConfig())
		p.trCaller.sender(domain.KindVideo).replaceErr = ports.ErrRenegotiationRequired
		cameraTrack, ok := p.camera.Track(domain.KindVideo)
		require.True(t, ok)
		screen := acquire(t, p.capture, domain.QualityUltra, CaptureRequest{Screen: true})
		screenTrack, _ := screen.Track(domain.KindVideo)

		p.trCaller.mu.Lock()
		p.trCaller.addTrackErr = func(track domain.Track) error {
			if failAll || track == screenTrack {
				return errNoSlot
			}
			return nil
		}
		p.trCaller.mu.Unlock()
		return p, cameraTrack, screen
	}

	t.Run("old track restored", func(t *testing.T) {
		p, cameraTrack, screen := setup(t, false)

		err := NewTrackNegotiator(nil).ReplaceTrack(ctx, p.caller, domain.KindVideo, screen)
		require.ErrorIs(t, err, errNoSlot)

		restored := p.trCaller.sender(domain.KindVideo)
		require.NotNil(t, restored)
		assert.Same(t, cameraTrack, restored.Track())
		assert.True(t, cameraTrack.Live())
		assert.False(t, p.camera.Released())
		assert.Equal(t, []domain.MediaKind{domain.KindAudio, domain.KindVideo}, p.caller.Senders())

		// The caller keeps the stream it offered.
		assert.Empty(t, screen.Owner())
		assert.False(t, screen.Released())

		// The new sender is negotiated.
		require.Eventually(t, func() bool {
			return len(p.trCaller.offerOptions()) == 2 && !offerPending(p.caller)
		}, 2*time.Second, 5*time.Millisecond)

		// A later swap replaces the restored sender.
		p.trCaller.mu.Lock()
		p.trCaller.addTrackErr = nil
		p.trCaller.mu.Unlock()
		require.NoError(t, NewTrackNegotiator(nil).ReplaceTrack(ctx, p.caller, domain.KindVideo, screen))
		assert.True(t, p.camera.Released())
		assert.Equal(t, []domain.MediaKind{domain.KindAudio, domain.KindVideo}, p.caller.Senders())
	})

	t.Run("binding dropped", func(t *testing.T) {
		p, cameraTrack, screen := setup(t, true)

		err := NewTrackNegotiator(nil).ReplaceTrack(ctx, p.caller, domain.KindVideo, screen)
		require.ErrorIs(t, err, errNoSlot)

		assert.Nil(t, p.trCaller.sender(domain.KindVideo))
		assert.Equal(t, []domain.MediaKind{domain.KindAudio}, p.caller.Senders())
		assert.False(t, cameraTrack.Live())
		assert.True(t, p.camera.Released())
		assert.False(t, p.audio.Released())
		assert.False(t, screen.Released())

		err = NewTrackNegotiator(nil).ReplaceTrack(ctx, p.caller, domain.KindVideo, screen)
		assert.ErrorIs(t, err, domain.ErrNoSuchSender)
	})
}

func TestTrackNegotiator_Errors(t *testing.T) {
	ctx := context.Background()
	cm, _ := newTestCapture(t)
	negotiator := NewTrackNegotiator(nil)
	s := newTestSession(t, "swap-1", testSessionConfig(), newFakeTransport("a", 1), &recordingBridge{})

	screen := acquire(t, cm, domain.QualityUltra, CaptureRequest{Screen: true})
	err := negotiator.ReplaceTrack(ctx, s, domain.KindVideo, screen)
	assert.ErrorIs(t, err, domain.ErrNoSuchSender)
	assert.False(t, screen.Released())

	audio := acquire(t, cm, domain.QualityHigh, CaptureRequest{Audio: true})
	require.NoError(t, s.AttachLocalStream(ctx, audio))
	err = negotiator.ReplaceTrack(ctx, s, domain.KindAudio, screen)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	assert.ErrorIs(t, negotiator.ReplaceTrack(ctx, nil, domain.KindAudio, screen), domain.ErrInvalidState)
}

func TestTrackNegotiator_ClosedSessionReleasesNewStream(t *testing.T) {
	ctx := context.Background()
	cm, _ := newTestCapture(t)
	s := newTestSession(t, "swap-2", testSessionConfig(), newFakeTransport("a", 1), &recordingBridge{})
	camera := acquire(t, cm, domain.QualityHigh, CaptureRequest{Video: true})
	require.NoError(t, s.AttachLocalStream(ctx, camera))
	require.NoError(t, s.Close())

	screen := acquire(t, cm, domain.QualityUltra, CaptureRequest{Screen: true})
	err := NewTrackNegotiator(nil).ReplaceTrack(ctx, s, domain.KindVideo, screen)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.True(t, screen.Released())
	assert.Zero(t, screen.LiveTracks())
}

func TestTrackNegotiator_CloseDuringReplace(t *testing.T) {
	ctx := context.Background()
	cm, _ := newTestCapture(t)
	tr := newFakeTransport("a", 1)
	s := newTestSession(t, "swap-3", testSessionConfig(), tr, &recordingBridge{})
	camera := acquire(t, cm, domain.QualityHigh, CaptureRequest{Video: true})
	require.NoError(t, s.AttachLocalStream(ctx, camera))

	sender := tr.sender(domain.KindVideo)
	sender.entered = make(chan struct{})
	sender.gate = make(chan struct{})

	screen := acquire(t, cm, domain.QualityUltra, CaptureRequest{Screen: true})
	replaced := make(chan error, 1)
	go func() {
		replaced <- NewTrackNegotiator(nil).ReplaceTrack(ctx, s, domain.KindVideo, screen)
	}()
	<-sender.entered

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	close(sender.gate)

	require.NoError(t, <-closed)
	require.NoError(t, <-replaced)
	assert.Equal(t, domain.StateClosed, s.State())
	assert.Zero(t, camera.LiveTracks())
	assert.Zero(t, screen.LiveTracks())
	assert.True(t, screen.Released())
}

func TestTrackNegotiator_CloseRacesReplace(t *testing.T) {
	for i := 0; i < 25; i++ {
		t.Run(fmt.Sprintf("round-%d", i), func(t *testing.T) {
			ctx := context.Background()
			cm, _ := newTestCapture(t)
			s := newTestSession(t, domain.SessionID(fmt.Sprintf("race-%d", i)), testSessionConfig(), newFakeTransport("a", 1), &recordingBridge{})
			camera := acquire(t, cm, domain.QualityHigh, CaptureRequest{Video: true})
			require.NoError(t, s.AttachLocalStream(ctx, camera))
			screen := acquire(t, cm, domain.QualityUltra, CaptureRequest{Screen: true})

			var wg sync.WaitGroup
			var replaceErr error
			wg.Add(2)
			go func() {
				defer wg.Done()
				replaceErr = NewTrackNegotiator(nil).ReplaceTrack(ctx, s, domain.KindVideo, screen)
			}()
			go func() {
				defer wg.Done()
				_ = s.Close()
			}()
			wg.Wait()

			if replaceErr != nil {
				assert.ErrorIs(t, replaceErr, domain.ErrSessionClosed)
			}
			assert.Equal(t, domain.StateClosed, s.State())
			assert.Zero(t, camera.LiveTracks())
			assert.Zero(t, screen.LiveTracks())
		})
	}
}
