package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	rlog "peercall/pkg/logger"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Factory opens pion peer connections sharing one configured API.
type Factory struct {
	config WebRTCConfig
	api    *webrtc.API
	logger *zap.Logger
}

var _ ports.TransportFactory = (*Factory)(nil)

// NewFactory builds the pion API: default codecs and interceptors, the
// configured UDP port range and pion logs routed through zap.
func NewFactory(config WebRTCConfig, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: rlog.NewPionLoggerFactory(logger),
	}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return &Factory{config: config, api: api, logger: logger}, nil
}

// NewTransport creates a peer connection for one session.
func (f *Factory) NewTransport(ctx context.Context, id domain.SessionID) (ports.Transport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newPeerTransport(id, pc, f.logger.Sugar()), nil
}

// PeerTransport adapts a pion PeerConnection to ports.Transport. Pion types
// never leave this package.
type PeerTransport struct {
	sessionID domain.SessionID
	pc        *webrtc.PeerConnection
	stats     *statsCollector

	mu          sync.RWMutex
	onCandidate func(*domain.ICECandidate)
	onState     func(ports.TransportState)
	onTrack     func(ports.RemoteTrack)

	logger *zap.SugaredLogger
}

func newPeerTransport(id domain.SessionID, pc *webrtc.PeerConnection, logger *zap.SugaredLogger) *PeerTransport {
	t := &PeerTransport{
		sessionID: id,
		pc:        pc,
		stats:     newStatsCollector(),
		logger:    logger.With("session_id", id),
	}
	pc.OnICECandidate(t.handleICECandidate)
	pc.OnConnectionStateChange(t.handleConnectionState)
	pc.OnTrack(t.handleTrack)
	return t
}

func (t *PeerTransport) CreateOffer(opts ports.OfferOptions) (domain.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: opts.ICERestart})
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (t *PeerTransport) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (t *PeerTransport) SetLocalDescription(desc domain.SessionDescription) error {
	return t.pc.SetLocalDescription(toPionDescription(desc))
}

func (t *PeerTransport) SetRemoteDescription(desc domain.SessionDescription) error {
	return t.pc.SetRemoteDescription(toPionDescription(desc))
}

// Rollback withdraws a pending offer. pion parses the rollback description,
// so it carries the pending SDP.
func (t *PeerTransport) Rollback() error {
	if pending := t.pc.PendingLocalDescription(); pending != nil {
		return t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP})
	}
	if pending := t.pc.PendingRemoteDescription(); pending != nil {
		return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP})
	}
	return nil
}

// AddICECandidate applies a remote candidate. An empty candidate marks the
// end of remote gathering and needs no action.
func (t *PeerTransport) AddICECandidate(c domain.ICECandidate) error {
	if c.Candidate == "" {
		return nil
	}
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// AddTrack attaches a local track. Only tracks produced by this package's
// device providers carry a pion track.
func (t *PeerTransport) AddTrack(track domain.Track) (ports.Sender, error) {
	local, err := pionTrack(track)
	if err != nil {
		return nil, err
	}
	rtpSender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}

	sender := &Sender{rtp: rtpSender, kind: track.Kind(), track: track}
	go t.processRTCP(sender)
	return sender, nil
}

func (t *PeerTransport) RemoveTrack(s ports.Sender) error {
	sender, ok := s.(*Sender)
	if !ok {
		return fmt.Errorf("sender of type %T does not belong to this transport", s)
	}
	return t.pc.RemoveTrack(sender.rtp)
}

func (t *PeerTransport) OnICECandidate(fn func(*domain.ICECandidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *PeerTransport) OnStateChange(fn func(ports.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *PeerTransport) OnTrack(fn func(ports.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

// Stats merges RTCP feedback and received-media counters with the selected
// candidate pair from pion's stats report.
func (t *PeerTransport) Stats() (domain.TransportStats, error) {
	if t.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return domain.TransportStats{}, errors.New("peer connection closed")
	}
	out := t.stats.snapshot()

	report := t.pc.GetStats()
	candidateTypes := make(map[string]string)
	for _, s := range report {
		if c, ok := s.(webrtc.ICECandidateStats); ok {
			candidateTypes[c.ID] = c.CandidateType.String()
		}
	}
	for _, s := range report {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated {
			continue
		}
		out.BytesSent = uint64(pair.BytesSent)
		out.PacketsSent = uint64(pair.PacketsSent)
		if received := uint64(pair.BytesReceived); received > out.BytesReceived {
			out.BytesReceived = received
		}
		if pair.CurrentRoundTripTime > 0 {
			out.RoundTripTime = secondsToDuration(pair.CurrentRoundTripTime)
		}
		out.SelectedPairType = candidateTypes[pair.LocalCandidateID] + "/" + candidateTypes[pair.RemoteCandidateID]
		break
	}
	return out, nil
}

func (t *PeerTransport) Close() error {
	return t.pc.Close()
}

func (t *PeerTransport) handleICECandidate(c *webrtc.ICECandidate) {
	t.mu.RLock()
	fn := t.onCandidate
	t.mu.RUnlock()
	if fn == nil {
		return
	}
	if c == nil {
		fn(nil)
		return
	}
	cand := c.ToJSON()
	fn(&domain.ICECandidate{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (t *PeerTransport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Infow("peer connection state changed", "connection_state", state.String())

	t.mu.RLock()
	fn := t.onState
	t.mu.RUnlock()
	if fn != nil {
		fn(mapConnectionState(state))
	}
}

func (t *PeerTransport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	t.logger.Infow("remote track started",
		"track_id", track.ID(),
		"stream_id", track.StreamID(),
		"codec", track.Codec().MimeType,
	)

	t.mu.RLock()
	fn := t.onTrack
	t.mu.RUnlock()
	if fn != nil {
		fn(ports.RemoteTrack{
			ID:       domain.TrackID(track.ID()),
			StreamID: domain.StreamID(track.StreamID()),
			Kind:     mapCodecKind(track.Kind()),
			Codec:    track.Codec().MimeType,
		})
	}

	go t.readRemoteTrack(track)
}

// readRemoteTrack drains a remote track so the interceptors keep producing
// feedback, counting packets and keyframes on the way.
func (t *PeerTransport) readRemoteTrack(track *webrtc.TrackRemote) {
	codec := track.Codec().MimeType
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			t.logger.Debugw("remote track ended", "track_id", track.ID(), "error", err)
			return
		}
		t.stats.processRTP(codec, packet)
	}
}

// processRTCP reads the feedback the remote sends about one of our senders.
func (t *PeerTransport) processRTCP(sender *Sender) {
	for {
		packets, _, err := sender.rtp.ReadRTCP()
		if err != nil {
			t.logger.Debugw("rtcp reader stopped", "kind", sender.kind, "error", err)
			return
		}
		t.stats.processRTCPPackets(packets)
	}
}

// Sender wraps an RTPSender for one local track.
type Sender struct {
	rtp  *webrtc.RTPSender
	kind domain.MediaKind

	mu    sync.Mutex
	track domain.Track
}

func (s *Sender) Kind() domain.MediaKind { return s.kind }

func (s *Sender) Track() domain.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// ReplaceTrack swaps the source in place. A codec the remote never accepted
// needs a new offer/answer and reports ports.ErrRenegotiationRequired.
func (s *Sender) ReplaceTrack(track domain.Track) error {
	if track.Kind() != s.kind {
		return fmt.Errorf("%w: cannot put %s track on %s sender", ports.ErrRenegotiationRequired, track.Kind(), s.kind)
	}
	local, err := pionTrack(track)
	if err != nil {
		return err
	}
	if err := s.rtp.ReplaceTrack(local); err != nil {
		if errors.Is(err, webrtc.ErrUnsupportedCodec) {
			return fmt.Errorf("%w: %v", ports.ErrRenegotiationRequired, err)
		}
		return err
	}
	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	return nil
}

// pionBacked is implemented by tracks that can be sent over a pion
// connection.
type pionBacked interface {
	TrackLocal() webrtc.TrackLocal
}

func pionTrack(track domain.Track) (webrtc.TrackLocal, error) {
	backed, ok := track.(pionBacked)
	if !ok {
		return nil, fmt.Errorf("track %s is not backed by a pion track", track.ID())
	}
	return backed.TrackLocal(), nil
}

func toPionDescription(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(desc.Type)), SDP: desc.SDP}
}

func fromPionDescription(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(desc.Type.String()), SDP: desc.SDP}
}

func mapConnectionState(state webrtc.PeerConnectionState) ports.TransportState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ports.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return ports.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ports.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ports.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return ports.TransportClosed
	default:
		return ports.TransportNew
	}
}

func mapCodecKind(kind webrtc.RTPCodecType) domain.MediaKind {
	if kind == webrtc.RTPCodecTypeAudio {
		return domain.KindAudio
	}
	return domain.KindVideo
}
