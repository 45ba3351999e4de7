package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/utils"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticDevicesConfig controls which sources the synthetic provider
// refuses or lacks.
type SyntheticDevicesConfig struct {
	Denied      []domain.TrackSource
	Unavailable []domain.TrackSource
}

// SyntheticDevices is a DeviceProvider that produces generated media. It
// stands in for real capture hardware on headless hosts.
type SyntheticDevices struct {
	denied      map[domain.TrackSource]bool
	unavailable map[domain.TrackSource]bool

	mu      sync.Mutex
	prompts map[domain.TrackSource]int

	logger *zap.SugaredLogger
}

var _ ports.DeviceProvider = (*SyntheticDevices)(nil)

func NewSyntheticDevices(config SyntheticDevicesConfig, logger *zap.SugaredLogger) *SyntheticDevices {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	d := &SyntheticDevices{
		denied:      make(map[domain.TrackSource]bool),
		unavailable: make(map[domain.TrackSource]bool),
		prompts:     make(map[domain.TrackSource]int),
		logger:      logger,
	}
	for _, s := range config.Denied {
		d.denied[s] = true
	}
	for _, s := range config.Unavailable {
		d.unavailable[s] = true
	}
	return d
}

func (d *SyntheticDevices) RequestPermission(ctx context.Context, source domain.TrackSource, c domain.Constraints) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.prompts[source]++
	d.mu.Unlock()

	if d.denied[source] {
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, source)
	}
	return nil
}

// Prompts reports how many times permission was requested for a source.
func (d *SyntheticDevices) Prompts(source domain.TrackSource) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prompts[source]
}

func (d *SyntheticDevices) Open(ctx context.Context, source domain.TrackSource, c domain.Constraints) (domain.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.unavailable[source] {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceUnavailable, source)
	}

	track, err := newLocalTrack(source, c)
	if err != nil {
		return nil, err
	}
	d.logger.Infow("synthetic device opened",
		"source", source,
		"track_id", track.ID(),
		"profile", c.Profile.String(),
	)
	return track, nil
}

// LocalTrack is a generated source backed by a pion sample track. Samples
// are written only while the track is enabled.
type LocalTrack struct {
	*domain.BaseTrack

	local    *webrtc.TrackLocalStaticSample
	interval time.Duration
	frame    []byte
	done     chan struct{}
	wrote    chan struct{} // signalled after each written sample
}

func newLocalTrack(source domain.TrackSource, c domain.Constraints) (*LocalTrack, error) {
	id := utils.GenerateTrackID(string(source))

	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	interval := frameInterval(c.Video.MaxFrameRate)
	frame := vp8KeyframeStub(c.Video.Ideal)
	if source.Kind() == domain.KindAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		interval = 20 * time.Millisecond
		frame = opusSilence
	}

	local, err := webrtc.NewTrackLocalStaticSample(capability, id, "peercall-"+string(source))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", source, err)
	}

	t := &LocalTrack{
		local:    local,
		interval: interval,
		frame:    frame,
		done:     make(chan struct{}),
		wrote:    make(chan struct{}, 1),
	}
	t.BaseTrack = domain.NewBaseTrack(domain.TrackID(id), source, func() { close(t.done) })
	go t.pump()
	return t, nil
}

// TrackLocal exposes the pion track to the transport.
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *LocalTrack) pump() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if !t.Enabled() {
				continue
			}
			// WriteSample is a no-op until the track is bound to a sender.
			if err := t.local.WriteSample(media.Sample{Data: t.frame, Duration: t.interval}); err == nil {
				select {
				case t.wrote <- struct{}{}:
				default:
				}
			}
		}
	}
}

func frameInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}

// vp8KeyframeStub builds a VP8 keyframe header for the given resolution with
// no coded data behind it.
func vp8KeyframeStub(res domain.Resolution) []byte {
	w, h := res.Width, res.Height
	return []byte{
		0x10, 0x02, 0x00, // frame tag: keyframe, version 0, shown
		0x9d, 0x01, 0x2a, // start code
		byte(w), byte(w >> 8 & 0x3f),
		byte(h), byte(h >> 8 & 0x3f),
	}
}
