package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/utils"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errTransportClosed = errors.New("transport closed")

func fakeSDP(t domain.SDPType, name string, version int, kinds ...domain.MediaKind) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=%s %d %d IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\na=type:%s\r\n", name, version, version, t)
	for _, k := range kinds {
		fmt.Fprintf(&b, "a=track:%s\r\n", k)
	}
	return b.String()
}

func hostCandidate(host, i int) domain.ICECandidate {
	mid := "0"
	return domain.ICECandidate{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 192.168.1.%d %d typ host", i+1, host, 50000+i),
		SDPMid:    &mid,
	}
}

type fakeSender struct {
	mu    sync.Mutex
	kind  domain.MediaKind
	track domain.Track

	replaceErr error
	entered    chan struct{}
	gate       chan struct{}
}

func (s *fakeSender) Kind() domain.MediaKind { return s.kind }

func (s *fakeSender) Track() domain.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(track domain.Track) error {
	if s.entered != nil {
		close(s.entered)
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	return nil
}

// fakeTransport simulates a peer connection. With autoConnect it reports a
// usable path once it holds both descriptions and one remote candidate.
type fakeTransport struct {
	mu sync.Mutex

	name        string
	host        int
	gather      int
	autoConnect bool

	version         int
	local           *domain.SessionDescription
	remote          *domain.SessionDescription
	stableLocal     *domain.SessionDescription
	stableRemote    *domain.SessionDescription
	rollbackCalls   int
	remoteSets      int
	applied         []domain.ICECandidate
	senders         []*fakeSender
	offers          []ports.OfferOptions
	gathered        bool
	connected       bool
	closeCalls      int
	replaceErr      error
	addCandidateErr error
	addTrackErr     func(domain.Track) error
	offerGate       chan struct{}

	onCandidate func(*domain.ICECandidate)
	onState     func(ports.TransportState)
	onTrack     func(ports.RemoteTrack)
}

func newFakeTransport(name string, host int) *fakeTransport {
	return &fakeTransport{name: name, host: host, gather: 2, autoConnect: true}
}

func (f *fakeTransport) describe(t domain.SDPType) domain.SessionDescription {
	f.version++
	kinds := make([]domain.MediaKind, 0, len(f.senders))
	for _, s := range f.senders {
		kinds = append(kinds, s.kind)
	}
	return domain.SessionDescription{Type: t, SDP: fakeSDP(t, f.name, f.version, kinds...)}
}

func (f *fakeTransport) CreateOffer(opts ports.OfferOptions) (domain.SessionDescription, error) {
	f.mu.Lock()
	gate := f.offerGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCalls > 0 {
		return domain.SessionDescription{}, errTransportClosed
	}
	f.offers = append(f.offers, opts)
	return f.describe(domain.SDPTypeOffer), nil
}

func (f *fakeTransport) CreateAnswer() (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil || f.remote.Type != domain.SDPTypeOffer {
		return domain.SessionDescription{}, errors.New("no remote offer")
	}
	return f.describe(domain.SDPTypeAnswer), nil
}

func (f *fakeTransport) SetLocalDescription(desc domain.SessionDescription) error {
	f.mu.Lock()
	f.local = &desc
	if desc.Type == domain.SDPTypeAnswer {
		f.stableLocal, f.stableRemote = f.local, f.remote
	}
	gather := !f.gathered && f.gather > 0
	f.gathered = true
	onCandidate := f.onCandidate
	f.mu.Unlock()

	if gather && onCandidate != nil {
		go func() {
			for i := 0; i < f.gather; i++ {
				c := hostCandidate(f.host, i)
				onCandidate(&c)
			}
			onCandidate(nil)
		}()
	}
	f.maybeConnect()
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc domain.SessionDescription) error {
	f.mu.Lock()
	f.remote = &desc
	if desc.Type == domain.SDPTypeAnswer {
		f.stableLocal, f.stableRemote = f.local, f.remote
	}
	f.remoteSets++
	onTrack := f.onTrack
	f.mu.Unlock()

	if onTrack != nil {
		for _, line := range strings.Split(desc.SDP, "\r\n") {
			if kind, ok := strings.CutPrefix(line, "a=track:"); ok {
				onTrack(ports.RemoteTrack{
					ID:       domain.TrackID("remote-" + kind),
					StreamID: "remote-stream",
					Kind:     domain.MediaKind(kind),
					Codec:    "opus",
				})
			}
		}
	}
	f.maybeConnect()
	return nil
}

func (f *fakeTransport) Rollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.local != nil && f.local.Type == domain.SDPTypeOffer && f.local != f.stableLocal:
		f.local = f.stableLocal
	case f.remote != nil && f.remote.Type == domain.SDPTypeOffer && f.remote != f.stableRemote:
		f.remote = f.stableRemote
	default:
		return nil
	}
	f.rollbackCalls++
	return nil
}

func (f *fakeTransport) AddICECandidate(c domain.ICECandidate) error {
	f.mu.Lock()
	if f.remote == nil {
		f.mu.Unlock()
		return errors.New("remote description not set")
	}
	if f.addCandidateErr != nil {
		err := f.addCandidateErr
		f.mu.Unlock()
		return err
	}
	f.applied = append(f.applied, c)
	f.mu.Unlock()
	f.maybeConnect()
	return nil
}

func (f *fakeTransport) maybeConnect() {
	f.mu.Lock()
	ready := f.autoConnect && !f.connected && f.closeCalls == 0 &&
		f.local != nil && f.remote != nil && len(f.applied) > 0
	if ready {
		f.connected = true
	}
	f.mu.Unlock()
	if ready {
		go func() {
			f.emitState(ports.TransportConnecting)
			f.emitState(ports.TransportConnected)
		}()
	}
}

func (f *fakeTransport) AddTrack(track domain.Track) (ports.Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCalls > 0 {
		return nil, errTransportClosed
	}
	if f.addTrackErr != nil {
		if err := f.addTrackErr(track); err != nil {
			return nil, err
		}
	}
	s := &fakeSender{kind: track.Kind(), track: track, replaceErr: f.replaceErr}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakeTransport) RemoveTrack(sender ports.Sender) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.senders {
		if s == sender {
			f.senders = append(f.senders[:i], f.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown sender")
}

func (f *fakeTransport) OnICECandidate(fn func(*domain.ICECandidate)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnStateChange(fn func(ports.TransportState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnTrack(fn func(ports.RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Stats() (domain.TransportStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCalls > 0 {
		return domain.TransportStats{}, errTransportClosed
	}
	return domain.TransportStats{
		Timestamp:       time.Now(),
		BytesSent:       1200,
		PacketsSent:     10,
		PacketsReceived: uint64(len(f.applied)),
	}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closeCalls++
	first := f.closeCalls == 1
	f.mu.Unlock()
	if first {
		f.emitState(ports.TransportClosed)
	}
	return nil
}

func (f *fakeTransport) emitState(s ports.TransportState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeTransport) appliedCandidates() []domain.ICECandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ICECandidate(nil), f.applied...)
}

func (f *fakeTransport) offerOptions() []ports.OfferOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.OfferOptions(nil), f.offers...)
}

func (f *fakeTransport) sender(kind domain.MediaKind) *fakeSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.senders {
		if s.kind == kind {
			return s
		}
	}
	return nil
}

func (f *fakeTransport) rollbacks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rollbackCalls
}

func (f *fakeTransport) localDescription() *domain.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeTransport) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

type fakeTransportFactory struct {
	mu         sync.Mutex
	transports map[domain.SessionID]*fakeTransport
}

func (f *fakeTransportFactory) NewTransport(ctx context.Context, id domain.SessionID) (ports.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transports == nil {
		f.transports = make(map[domain.SessionID]*fakeTransport)
	}
	tr := newFakeTransport(string(id), len(f.transports)+1)
	f.transports[id] = tr
	return tr, nil
}

// recordingBridge keeps every sent message.
type recordingBridge struct {
	mu   sync.Mutex
	msgs []domain.SignalingMessage
	err  error
}

func (b *recordingBridge) Send(ctx context.Context, msg domain.SignalingMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *recordingBridge) messages(t domain.MessageType) []domain.SignalingMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.SignalingMessage
	for _, m := range b.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// pipeBridge delivers messages to the peer session in send order on its own
// goroutine.
type pipeBridge struct {
	ch chan domain.SignalingMessage
}

func newPipe(t *testing.T) *pipeBridge {
	return &pipeBridge{ch: make(chan domain.SignalingMessage, 128)}
}

func (b *pipeBridge) Send(ctx context.Context, msg domain.SignalingMessage) error {
	select {
	case b.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *pipeBridge) connect(t *testing.T, peer *PeerSession) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			select {
			case msg := <-b.ch:
				_ = ApplyRemoteMessage(ctx, peer, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// mockDeviceProvider opens BaseTracks and counts stops.
type mockDeviceProvider struct {
	mock.Mock

	mu      sync.Mutex
	stopped int
}

func (m *mockDeviceProvider) RequestPermission(ctx context.Context, source domain.TrackSource, c domain.Constraints) error {
	args := m.Called(ctx, source, c.Profile)
	return args.Error(0)
}

func (m *mockDeviceProvider) Open(ctx context.Context, source domain.TrackSource, c domain.Constraints) (domain.Track, error) {
	args := m.Called(ctx, source, c.Profile)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	return domain.NewBaseTrack(domain.TrackID(utils.GenerateTrackID(string(source))), source, func() {
		m.mu.Lock()
		m.stopped++
		m.mu.Unlock()
	}), nil
}

func (m *mockDeviceProvider) stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func newGrantingProvider() *mockDeviceProvider {
	p := &mockDeviceProvider{}
	p.On("RequestPermission", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	p.On("Open", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	return p
}

func newTestCapture(t *testing.T) (*CaptureManager, *mockDeviceProvider) {
	provider := newGrantingProvider()
	return NewCaptureManager(provider, nil, zaptest.NewLogger(t).Sugar()), provider
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		ConnectTimeout:    2 * time.Second,
		DisconnectTimeout: 2 * time.Second,
		ICERestart:        true,
	}
}

func newTestSession(t *testing.T, id domain.SessionID, cfg SessionConfig, tr ports.Transport, bridge ports.SignalingBridge) *PeerSession {
	s := NewPeerSession(id, cfg, tr, bridge, nil, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func acquire(t *testing.T, cm *CaptureManager, profile domain.QualityProfile, req CaptureRequest) *domain.MediaStream {
	stream, err := cm.Acquire(context.Background(), profile, req)
	require.NoError(t, err)
	return stream
}

func offerPending(p *PeerSession) bool {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.offerPending
}

func waitState(t *testing.T, p *PeerSession, want domain.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return p.State() == want }, 3*time.Second, 5*time.Millisecond,
		"session %s never reached %s (last %s)", p.ID(), want, p.State())
}

// collectStates drains a subscription until it ends or the timeout passes.
func collectStates(t *testing.T, sub *Subscription[domain.StateChange], timeout time.Duration) []domain.ConnectionState {
	t.Helper()
	var out []domain.ConnectionState
	deadline := time.After(timeout)
	for {
		select {
		case c, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, c.State)
		case <-deadline:
			return out
		}
	}
}

// manualPair is two connected sessions whose signaling the test delivers
// by hand.
type manualPair struct {
	caller, callee     *PeerSession
	trCaller, trCallee *fakeTransport
	toCallee, toCaller *recordingBridge
}

func connectManual(t *testing.T, cfg SessionConfig) *manualPair {
	t.Helper()
	ctx := context.Background()
	p := &manualPair{
		trCaller: newFakeTransport("caller", 10),
		trCallee: newFakeTransport("callee", 20),
		toCallee: &recordingBridge{},
		toCaller: &recordingBridge{},
	}
	p.trCaller.autoConnect = false
	p.trCallee.autoConnect = false
	p.caller = newTestSession(t, "manual-1", cfg, p.trCaller, p.toCallee)
	p.callee = newTestSession(t, "manual-1", cfg, p.trCallee, p.toCaller)

	offer, err := p.caller.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, p.callee.SetRemoteDescription(ctx, offer))
	answer, err := p.callee.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, p.caller.SetRemoteDescription(ctx, answer))

	p.trCaller.emitState(ports.TransportConnected)
	p.trCallee.emitState(ports.TransportConnected)
	waitState(t, p.caller, domain.StateConnected)
	waitState(t, p.callee, domain.StateConnected)
	return p
}

// lastDescription returns the newest description of type mt that went
// through b.
func lastDescription(t *testing.T, b *recordingBridge, mt domain.MessageType) domain.SessionDescription {
	t.Helper()
	msgs := b.messages(mt)
	require.NotEmpty(t, msgs, "no %s sent", mt)
	return *msgs[len(msgs)-1].Description
}

type callPair struct {
	caller, callee *PeerSession
	trCaller       *fakeTransport
	trCallee       *fakeTransport
	capture        *CaptureManager
	provider       *mockDeviceProvider
	audio, camera  *domain.MediaStream
}

// connectPair runs a full offer/answer over a pipe and waits for both sides
// to connect. The caller attaches separate audio and camera streams.
func connectPair(t *testing.T, cfg SessionConfig) *callPair {
	t.Helper()
	ctx := context.Background()
	cm, provider := newTestCapture(t)

	p := &callPair{
		trCaller: newFakeTransport("caller", 10),
		trCallee: newFakeTransport("callee", 20),
		capture:  cm,
		provider: provider,
	}
	toCallee, toCaller := newPipe(t), newPipe(t)
	p.caller = newTestSession(t, "call-1", cfg, p.trCaller, toCallee)
	p.callee = newTestSession(t, "call-1", cfg, p.trCallee, toCaller)
	toCallee.connect(t, p.callee)
	toCaller.connect(t, p.caller)

	p.audio = acquire(t, cm, domain.QualityHigh, CaptureRequest{Audio: true})
	p.camera = acquire(t, cm, domain.QualityHigh, CaptureRequest{Video: true})
	require.NoError(t, p.caller.AttachLocalStream(ctx, p.audio))
	require.NoError(t, p.caller.AttachLocalStream(ctx, p.camera))

	_, err := p.caller.CreateOffer(ctx)
	require.NoError(t, err)
	require.Eventually(t, p.callee.AnswerPending, 2*time.Second, 5*time.Millisecond)
	_, err = p.callee.CreateAnswer(ctx)
	require.NoError(t, err)

	waitState(t, p.caller, domain.StateConnected)
	waitState(t, p.callee, domain.StateConnected)
	return p
}
