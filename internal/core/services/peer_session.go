package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/tracing"
	"peercall/pkg/validation"

	"go.uber.org/zap"
)

// SessionConfig bounds the asynchronous phases of a session.
type SessionConfig struct {
	// ConnectTimeout is the longest a session may stay CONNECTING.
	ConnectTimeout time.Duration
	// DisconnectTimeout is the longest a session may stay DISCONNECTED.
	DisconnectTimeout time.Duration
	// ICERestart lets the offering side send one ICE-restart offer per
	// disconnection.
	ICERestart bool
	// AnswerTimeout is how long a renegotiation offer waits for its answer
	// before it is offered again.
	AnswerTimeout time.Duration
	// StatsInterval enables periodic StatsEvents when positive.
	StatsInterval time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ConnectTimeout:    30 * time.Second,
		DisconnectTimeout: 15 * time.Second,
		AnswerTimeout:     10 * time.Second,
		ICERestart:        true,
	}
}

// sendBinding ties an outgoing sender to the track it carries and the stream
// that owns the track.
type sendBinding struct {
	sender ports.Sender
	track  domain.Track
	stream *domain.MediaStream
}

// phaseTimer is a restartable one-shot whose expiry runs on the session
// goroutine. An expiry that was superseded is ignored.
type phaseTimer struct {
	t   *time.Timer
	gen uint64
}

// PeerSession owns one negotiation with one remote endpoint. Public
// operations are serialized; transport callbacks are queued and handled in
// order by the session's own goroutine. Sessions share no mutable state.
//
// After the first exchange the side that made the first offer is impolite:
// when both sides offer at once it ignores the remote offer, while the other
// side rolls its own offer back and answers.
type PeerSession struct {
	id        domain.SessionID
	cfg       SessionConfig
	transport ports.Transport
	bridge    ports.SignalingBridge
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	monitor *StateMonitor
	events  *feed[domain.Event]
	inbox   *feed[func()]

	life   context.Context
	cancel context.CancelFunc
	// gate admits one transport call at a time, including calls a
	// cancelled operation left running.
	gate chan struct{}

	// opMu serializes operations and guards every field below.
	opMu   sync.Mutex
	closed bool
	state  domain.ConnectionState

	local  *domain.SessionDescription
	remote *domain.SessionDescription

	// stableLocal is the last local description of a completed exchange.
	stableLocal *domain.SessionDescription
	// offerPending is set while our offer waits for an answer;
	// answerPending while a remote offer waits for ours.
	offerPending  bool
	answerPending bool
	offerer       bool

	candidates []domain.ICECandidate
	seen       map[string]struct{}

	bindings  []*sendBinding
	streams   []*domain.MediaStream
	receivers map[domain.TrackID]ports.RemoteTrack

	transportState     ports.TransportState
	renegotiatePending bool
	restartAttempted   bool
	connectingSince    time.Time

	phase      phaseTimer
	answerWait phaseTimer
}

// NewPeerSession wires a session to its transport and signaling bridge. The
// session starts IDLE. Zero timeouts in cfg fall back to the defaults.
func NewPeerSession(
	id domain.SessionID,
	cfg SessionConfig,
	transport ports.Transport,
	bridge ports.SignalingBridge,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *PeerSession {
	defaults := DefaultSessionConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaults.DisconnectTimeout
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = defaults.AnswerTimeout
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	life, cancel := context.WithCancel(context.Background())
	p := &PeerSession{
		id:             id,
		cfg:            cfg,
		transport:      transport,
		bridge:         bridge,
		metrics:        metrics,
		logger:         logger.With("session_id", id),
		monitor:        NewStateMonitor(id),
		events:         newFeed[domain.Event](),
		inbox:          newFeed[func()](),
		life:           life,
		cancel:         cancel,
		gate:           make(chan struct{}, 1),
		state:          domain.StateIdle,
		seen:           make(map[string]struct{}),
		receivers:      make(map[domain.TrackID]ports.RemoteTrack),
		transportState: ports.TransportNew,
	}

	transport.OnICECandidate(func(c *domain.ICECandidate) {
		p.enqueue(func() { p.handleLocalCandidate(c) })
	})
	transport.OnStateChange(func(s ports.TransportState) {
		p.enqueue(func() { p.handleTransportState(s) })
	})
	transport.OnTrack(func(t ports.RemoteTrack) {
		p.enqueue(func() { p.handleRemoteTrack(t) })
	})

	metrics.SessionOpened()
	go p.run(p.inbox.subscribe())
	return p
}

func (p *PeerSession) ID() domain.SessionID { return p.id }

// State returns the latest published connection state.
func (p *PeerSession) State() domain.ConnectionState { return p.monitor.Current() }

// Monitor exposes the session's connection-state subscription source.
func (p *PeerSession) Monitor() *StateMonitor { return p.monitor }

// Events subscribes to typed session events. The subscription ends when the
// session closes.
func (p *PeerSession) Events() *Subscription[domain.Event] { return p.events.subscribe() }

func (p *PeerSession) LocalDescription() *domain.SessionDescription {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.local
}

func (p *PeerSession) RemoteDescription() *domain.SessionDescription {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.remote
}

// AnswerPending reports whether a remote offer waits for CreateAnswer.
func (p *PeerSession) AnswerPending() bool {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.answerPending
}

// PendingCandidates reports how many remote candidates wait for a remote
// description.
func (p *PeerSession) PendingCandidates() int {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return len(p.candidates)
}

// Senders returns the kinds of the outgoing senders in attach order.
func (p *PeerSession) Senders() []domain.MediaKind {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	out := make([]domain.MediaKind, 0, len(p.bindings))
	for _, b := range p.bindings {
		out = append(out, b.sender.Kind())
	}
	return out
}

// Receivers returns the remote tracks seen so far.
func (p *PeerSession) Receivers() []ports.RemoteTrack {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	out := make([]ports.RemoteTrack, 0, len(p.receivers))
	for _, r := range p.receivers {
		out = append(out, r)
	}
	return out
}

// CreateOffer produces the local offer, sets it as the local description
// and sends it through the bridge.
func (p *PeerSession) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	ctx, span := tracing.TraceSession(ctx, "create_offer", string(p.id))
	defer span.End()

	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.closed {
		return domain.SessionDescription{}, domain.ErrSessionClosed
	}
	if p.offerPending || p.answerPending {
		return domain.SessionDescription{}, fmt.Errorf("%w: negotiation already in progress", domain.ErrInvalidState)
	}
	switch p.state {
	case domain.StateIdle, domain.StateConnected:
	default:
		return domain.SessionDescription{}, fmt.Errorf("%w: cannot offer while %s", domain.ErrInvalidState, p.state)
	}

	desc, err := p.offerLocked(ctx, ports.OfferOptions{})
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return desc, err
}

// CreateAnswer answers the applied remote offer, sets the answer as the local
// description and sends it through the bridge.
func (p *PeerSession) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	ctx, span := tracing.TraceSession(ctx, "create_answer", string(p.id))
	defer span.End()

	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.closed {
		return domain.SessionDescription{}, domain.ErrSessionClosed
	}
	if !p.answerPending {
		return domain.SessionDescription{}, fmt.Errorf("%w: no remote offer to answer", domain.ErrInvalidState)
	}

	desc, err := p.answerLocked(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return desc, err
}

// SetRemoteDescription applies a remote offer or answer and then flushes the
// buffered candidates in arrival order. Re-applying the current remote
// description is a no-op.
func (p *PeerSession) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	ctx, span := tracing.TraceSession(ctx, "set_remote_description", string(p.id))
	defer span.End()

	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.closed {
		return domain.ErrSessionClosed
	}
	if err := p.setRemoteLocked(ctx, desc); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

// AddIceCandidate applies a remote candidate, or buffers it while no remote
// description exists. Buffering never fails. Duplicates are ignored.
func (p *PeerSession) AddIceCandidate(ctx context.Context, c domain.ICECandidate) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.closed {
		return domain.ErrSessionClosed
	}

	key := c.Key()
	if _, dup := p.seen[key]; dup {
		p.logger.Debugw("duplicate candidate ignored", "candidate", c.Candidate)
		return nil
	}
	if p.remote == nil {
		p.seen[key] = struct{}{}
		p.candidates = append(p.candidates, c)
		p.metrics.CandidateBuffered()
		p.logger.Debugw("candidate buffered", "pending", len(p.candidates))
		return nil
	}
	return p.applyCandidateLocked(ctx, c)
}

// AttachLocalStream binds every live track of stream as a new sender. The
// session takes ownership of the stream. Attaching to a connected session
// starts a renegotiation.
func (p *PeerSession) AttachLocalStream(ctx context.Context, stream *domain.MediaStream) error {
	ctx, span := tracing.TraceSession(ctx, "attach_local_stream", string(p.id))
	defer span.End()

	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.closed {
		return domain.ErrSessionClosed
	}
	if stream == nil {
		return fmt.Errorf("%w: nil stream", domain.ErrInvalidState)
	}
	for _, s := range p.streams {
		if s == stream {
			return nil
		}
	}
	release, err := p.acquireTransport(ctx)
	if err != nil {
		return err
	}
	if err := stream.Claim(p.id); err != nil {
		release()
		return err
	}

	var added []*sendBinding
	for _, track := range stream.Tracks() {
		if !track.Live() {
			continue
		}
		sender, err := p.transport.AddTrack(track)
		if err != nil {
			for _, b := range added {
				if rmErr := p.transport.RemoveTrack(b.sender); rmErr != nil {
					p.logger.Warnw("failed to roll back sender", "kind", b.sender.Kind(), "error", rmErr)
				}
			}
			stream.Unclaim(p.id)
			release()
			return fmt.Errorf("attach %s track: %w", track.Kind(), err)
		}
		added = append(added, &sendBinding{sender: sender, track: track, stream: stream})
	}
	release()
	p.bindings = append(p.bindings, added...)
	p.streams = append(p.streams, stream)

	p.logger.Infow("local stream attached",
		"stream_id", stream.ID(),
		"tracks", len(added),
		"state", p.state,
	)
	return p.requestRenegotiationLocked(ctx, "local stream attached")
}

// Stats returns a transport statistics snapshot.
func (p *PeerSession) Stats(ctx context.Context) (domain.TransportStats, error) {
	if p.life.Err() != nil {
		return domain.TransportStats{}, domain.ErrSessionClosed
	}
	return await(ctx, p.life, nil, p.transport.Stats, nil)
}

// Close stops every local track, drops receivers and buffered candidates and
// closes the transport. Later calls are no-ops.
func (p *PeerSession) Close() error {
	// Cancel first so an operation blocked on the transport gives up the lock.
	p.cancel()
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.closeLocked(nil)
}

// replaceTrack swaps the source of the sender of the given kind. A closed or
// closing session releases stream and fails with ErrSessionClosed.
func (p *PeerSession) replaceTrack(ctx context.Context, kind domain.MediaKind, stream *domain.MediaStream) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.closed || p.life.Err() != nil {
		stream.Release()
		return domain.ErrSessionClosed
	}

	newTrack, ok := stream.Track(kind)
	if !ok {
		return fmt.Errorf("%w: stream %s has no %s track", domain.ErrInvalidState, stream.ID(), kind)
	}
	var binding *sendBinding
	for _, b := range p.bindings {
		if b.sender.Kind() == kind {
			binding = b
			break
		}
	}
	if binding == nil {
		return fmt.Errorf("%w: %s", domain.ErrNoSuchSender, kind)
	}
	if binding.track == newTrack {
		return nil
	}
	release, err := p.acquireTransport(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrSessionClosed) {
			stream.Release()
		}
		return err
	}
	if err := stream.Claim(p.id); err != nil {
		release()
		return err
	}
	renegotiate, err := p.swapSenderLocked(binding, newTrack)
	release()
	if err != nil {
		stream.Unclaim(p.id)
		if renegotiate {
			// The old track went back on a new sender, or lost its sender.
			p.requestRenegotiationIgnoringErrLocked(ctx, "sender changed")
		}
		return err
	}

	oldTrack, oldStream := binding.track, binding.stream
	binding.track, binding.stream = newTrack, stream
	p.adoptStreamLocked(stream)
	if oldStream.DetachTrack(oldTrack.ID()) {
		p.dropStreamLocked(oldStream)
	}

	p.metrics.TrackReplaced(renegotiate)
	p.emit(domain.TrackReplacedEvent{
		EventMeta:     domain.NewEventMeta(p.id),
		Kind:          kind,
		OldTrack:      oldTrack.ID(),
		NewTrack:      newTrack.ID(),
		Renegotiation: renegotiate,
	})
	p.logger.Infow("track replaced",
		"kind", kind,
		"old_track", oldTrack.ID(),
		"new_track", newTrack.ID(),
		"renegotiation", renegotiate,
	)

	if renegotiate {
		return p.requestRenegotiationLocked(ctx, "track replaced")
	}
	return nil
}

// swapSenderLocked moves binding onto track in place, or through a new
// sender when the transport requires renegotiation. When the new sender
// cannot be added the old track is put back on a fresh sender, or the binding
// is dropped if even that fails. renegotiate reports whether the sender set
// changed. The caller holds the transport gate.
func (p *PeerSession) swapSenderLocked(binding *sendBinding, track domain.Track) (renegotiate bool, err error) {
	kind := track.Kind()
	err = binding.sender.ReplaceTrack(track)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ports.ErrRenegotiationRequired) {
		return false, fmt.Errorf("replace %s track: %w", kind, err)
	}

	if err := p.transport.RemoveTrack(binding.sender); err != nil {
		return false, fmt.Errorf("remove %s sender: %w", kind, err)
	}
	sender, err := p.transport.AddTrack(track)
	if err == nil {
		binding.sender = sender
		return true, nil
	}
	addErr := fmt.Errorf("add %s sender: %w", kind, err)

	restored, err := p.transport.AddTrack(binding.track)
	if err != nil {
		p.logger.Warnw("sender lost", "kind", kind, "track_id", binding.track.ID(), "error", err)
		p.dropBindingLocked(binding)
		return true, addErr
	}
	binding.sender = restored
	return true, addErr
}

// dropBindingLocked forgets a binding whose sender is gone. Its track stops
// and its stream is released once empty.
func (p *PeerSession) dropBindingLocked(binding *sendBinding) {
	kept := p.bindings[:0]
	for _, b := range p.bindings {
		if b != binding {
			kept = append(kept, b)
		}
	}
	p.bindings = kept
	if binding.stream.DetachTrack(binding.track.ID()) {
		p.dropStreamLocked(binding.stream)
	}
}

func (p *PeerSession) requestRenegotiationIgnoringErrLocked(ctx context.Context, reason string) {
	if err := p.requestRenegotiationLocked(ctx, reason); err != nil {
		p.logger.Warnw("renegotiation failed", "reason", reason, "error", err)
	}
}

func (p *PeerSession) offerLocked(ctx context.Context, opts ports.OfferOptions) (domain.SessionDescription, error) {
	desc, err := await(ctx, p.life, p.gate, func() (domain.SessionDescription, error) {
		offer, err := p.transport.CreateOffer(opts)
		if err != nil {
			return domain.SessionDescription{}, err
		}
		if err := p.transport.SetLocalDescription(offer); err != nil {
			return domain.SessionDescription{}, err
		}
		return offer, nil
	}, p.withdrawLate)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}

	p.local = &desc
	p.offerPending = true
	if p.state == domain.StateIdle {
		p.offerer = true
		p.transition(domain.StateNegotiating, nil)
	} else {
		p.startTimerLocked(&p.answerWait, p.cfg.AnswerTimeout, p.answerOverdueLocked)
	}
	if err := p.send(ctx, domain.NewDescriptionMessage(p.id, desc)); err != nil {
		return desc, err
	}
	return desc, nil
}

// answerOverdueLocked gives up on a renegotiation offer the remote peer never
// answered and offers again.
func (p *PeerSession) answerOverdueLocked() {
	if !p.offerPending {
		return
	}
	p.logger.Warnw("renegotiation offer unanswered", "timeout", p.cfg.AnswerTimeout, "state", p.state)
	if err := p.rollbackLocked(p.life, "unanswered"); err != nil {
		p.logger.Warnw("offer rollback failed", "error", err)
	}
	p.renegotiatePending = true
	p.maybeRenegotiateLocked(p.life)
}

// rollbackLocked withdraws the unanswered local offer and returns the session
// to the last stable local description.
func (p *PeerSession) rollbackLocked(ctx context.Context, reason string) error {
	p.stopTimerLocked(&p.answerWait)
	p.offerPending = false
	p.local = p.stableLocal
	err := awaitErr(ctx, p.life, p.gate, p.transport.Rollback, nil)
	if err == nil {
		p.metrics.OfferRolledBack(reason)
	}
	return err
}

func (p *PeerSession) answerLocked(ctx context.Context) (domain.SessionDescription, error) {
	desc, err := await(ctx, p.life, p.gate, func() (domain.SessionDescription, error) {
		answer, err := p.transport.CreateAnswer()
		if err != nil {
			return domain.SessionDescription{}, err
		}
		if err := p.transport.SetLocalDescription(answer); err != nil {
			return domain.SessionDescription{}, err
		}
		return answer, nil
	}, func(desc domain.SessionDescription, err error) {
		if err != nil {
			return
		}
		// An applied answer cannot be withdrawn, so the session adopts it.
		p.enqueue(func() {
			if p.answerPending {
				p.logger.Infow("late answer adopted")
				_ = p.answerAppliedLocked(p.life, desc)
			}
		})
	})
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return desc, p.answerAppliedLocked(ctx, desc)
}

func (p *PeerSession) answerAppliedLocked(ctx context.Context, desc domain.SessionDescription) error {
	p.local = &desc
	p.stableLocal = &desc
	p.answerPending = false
	if p.state == domain.StateIdle {
		p.transition(domain.StateNegotiating, nil)
		p.enterConnectingLocked()
	}
	if err := p.send(ctx, domain.NewDescriptionMessage(p.id, desc)); err != nil {
		return err
	}
	p.maybeRenegotiateLocked(ctx)
	return nil
}

func (p *PeerSession) setRemoteLocked(ctx context.Context, desc domain.SessionDescription) error {
	if desc.Type != domain.SDPTypeOffer && desc.Type != domain.SDPTypeAnswer {
		return fmt.Errorf("%w: unknown description type %q", domain.ErrInvalidState, desc.Type)
	}
	if err := validation.ValidateSDP(desc.SDP); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidState, err)
	}
	if p.remote != nil && *p.remote == desc {
		p.logger.Debugw("remote description already applied", "type", desc.Type)
		return nil
	}

	switch desc.Type {
	case domain.SDPTypeOffer:
		if p.answerPending {
			return fmt.Errorf("%w: remote offer already awaits an answer", domain.ErrInvalidState)
		}
		if p.offerPending {
			if ignore, err := p.resolveGlareLocked(ctx); ignore || err != nil {
				return err
			}
		}
	case domain.SDPTypeAnswer:
		if !p.offerPending {
			return fmt.Errorf("%w: answer without a local offer", domain.ErrInvalidState)
		}
	}

	err := awaitErr(ctx, p.life, p.gate, func() error { return p.transport.SetRemoteDescription(desc) }, func(err error) {
		if err != nil {
			return
		}
		if desc.Type == domain.SDPTypeOffer {
			p.withdrawLate(desc, nil)
			return
		}
		p.enqueue(func() {
			if p.offerPending && (p.remote == nil || *p.remote != desc) {
				p.logger.Infow("late remote answer adopted")
				_ = p.remoteAppliedLocked(p.life, desc)
			}
		})
	})
	if err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return p.remoteAppliedLocked(ctx, desc)
}

// resolveGlareLocked handles a remote offer that crossed our own. The side
// that made the initial offer keeps its offer and ignores the remote one; the
// other side withdraws its offer and answers. Glare before the first answer
// is a signaling error.
func (p *PeerSession) resolveGlareLocked(ctx context.Context) (ignore bool, err error) {
	if p.state == domain.StateNegotiating {
		return false, fmt.Errorf("%w: remote offer while local offer is pending", domain.ErrInvalidState)
	}
	if p.offerer {
		p.logger.Infow("remote offer ignored during glare", "state", p.state)
		return true, nil
	}
	p.logger.Infow("local offer withdrawn during glare", "state", p.state)
	if err := p.rollbackLocked(ctx, "glare"); err != nil {
		return false, fmt.Errorf("rollback local offer: %w", err)
	}
	// The withdrawn offer may have carried sender changes.
	p.renegotiatePending = true
	return false, nil
}

func (p *PeerSession) remoteAppliedLocked(ctx context.Context, desc domain.SessionDescription) error {
	p.remote = &desc
	p.logger.Infow("remote description applied", "type", desc.Type, "state", p.state)
	p.flushCandidatesLocked(ctx)

	if desc.Type == domain.SDPTypeAnswer {
		p.stopTimerLocked(&p.answerWait)
		p.offerPending = false
		p.stableLocal = p.local
		if p.state == domain.StateNegotiating {
			p.enterConnectingLocked()
		}
		p.maybeRenegotiateLocked(ctx)
		return nil
	}

	p.answerPending = true
	switch p.state {
	case domain.StateConnecting, domain.StateConnected, domain.StateDisconnected:
		p.emit(domain.RenegotiationEvent{EventMeta: domain.NewEventMeta(p.id), Reason: "remote offer"})
		if _, err := p.answerLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// withdrawLate undoes an offer a cancelled operation left applied on the
// transport. It runs while the transport gate is still held.
func (p *PeerSession) withdrawLate(desc domain.SessionDescription, err error) {
	if err != nil || p.life.Err() != nil {
		return
	}
	if rbErr := p.transport.Rollback(); rbErr != nil {
		p.logger.Warnw("late offer not withdrawn", "type", desc.Type, "error", rbErr)
		return
	}
	p.metrics.OfferRolledBack("cancelled")
	p.logger.Infow("late offer withdrawn", "type", desc.Type)
}

func (p *PeerSession) flushCandidatesLocked(ctx context.Context) {
	if len(p.candidates) == 0 {
		return
	}
	pending := p.candidates
	p.candidates = nil
	for _, c := range pending {
		// Failures are logged by applyCandidateLocked; one bad candidate
		// must not stop the others.
		_ = p.applyCandidateLocked(ctx, c)
	}
	p.logger.Infow("buffered candidates flushed", "count", len(pending))
}

func (p *PeerSession) applyCandidateLocked(ctx context.Context, c domain.ICECandidate) error {
	err := validation.ValidateCandidate(c.Candidate)
	if err == nil {
		err = awaitErr(ctx, p.life, p.gate, func() error { return p.transport.AddICECandidate(c) }, nil)
		if errors.Is(err, domain.ErrSessionClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	p.metrics.CandidateApplied(err == nil)
	if err != nil {
		delete(p.seen, c.Key())
		p.logger.Warnw("remote candidate rejected", "candidate", c.Candidate, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrInvalidCandidate, err)
	}
	p.seen[c.Key()] = struct{}{}
	return nil
}

// requestRenegotiationLocked starts an offer now when the session is
// connected and idle, or defers it until it is.
func (p *PeerSession) requestRenegotiationLocked(ctx context.Context, reason string) error {
	switch p.state {
	case domain.StateIdle:
		// The first offer or answer carries the senders.
		return nil
	case domain.StateConnected:
		if !p.offerPending && !p.answerPending {
			return p.renegotiateLocked(ctx, reason)
		}
	}
	p.renegotiatePending = true
	p.logger.Debugw("renegotiation deferred", "reason", reason, "state", p.state)
	return nil
}

func (p *PeerSession) maybeRenegotiateLocked(ctx context.Context) {
	if !p.renegotiatePending || p.state != domain.StateConnected || p.offerPending || p.answerPending {
		return
	}
	if err := p.renegotiateLocked(ctx, "deferred"); err != nil {
		p.logger.Warnw("deferred renegotiation failed", "error", err)
	}
}

func (p *PeerSession) renegotiateLocked(ctx context.Context, reason string) error {
	p.renegotiatePending = false
	p.emit(domain.RenegotiationEvent{EventMeta: domain.NewEventMeta(p.id), Reason: reason})
	_, err := p.offerLocked(ctx, ports.OfferOptions{})
	return err
}

func (p *PeerSession) handleLocalCandidate(c *domain.ICECandidate) {
	p.emit(domain.LocalCandidateEvent{EventMeta: domain.NewEventMeta(p.id), Candidate: c})
	if c == nil {
		p.logger.Debugw("local candidate gathering complete")
		return
	}
	if err := p.send(p.life, domain.NewCandidateMessage(p.id, *c)); err != nil {
		p.logger.Warnw("failed to send local candidate", "error", err)
	}
}

func (p *PeerSession) handleRemoteTrack(t ports.RemoteTrack) {
	p.receivers[t.ID] = t
	p.emit(domain.RemoteTrackEvent{
		EventMeta: domain.NewEventMeta(p.id),
		TrackID:   t.ID,
		StreamID:  t.StreamID,
		Kind:      t.Kind,
		Codec:     t.Codec,
	})
	p.logger.Infow("remote track received", "track_id", t.ID, "kind", t.Kind, "codec", t.Codec)
}

func (p *PeerSession) handleTransportState(s ports.TransportState) {
	p.transportState = s
	p.logger.Debugw("transport state", "transport_state", s, "state", p.state)

	switch s {
	case ports.TransportConnected:
		switch p.state {
		case domain.StateConnecting:
			p.stopTimerLocked(&p.phase)
			p.metrics.TimeToConnect(time.Since(p.connectingSince))
			p.transition(domain.StateConnected, nil)
			p.maybeRenegotiateLocked(p.life)
		case domain.StateDisconnected:
			p.stopTimerLocked(&p.phase)
			p.restartAttempted = false
			p.transition(domain.StateConnected, nil)
			p.maybeRenegotiateLocked(p.life)
		}

	case ports.TransportDisconnected:
		if p.state == domain.StateConnected {
			p.enterDisconnectedLocked()
			p.iceRestartLocked()
		}

	case ports.TransportFailed:
		switch p.state {
		case domain.StateConnecting:
			p.failLocked(fmt.Errorf("%w: transport failed while connecting", domain.ErrConnectionFailed))
		case domain.StateConnected:
			p.enterDisconnectedLocked()
			if !p.iceRestartLocked() {
				p.failLocked(fmt.Errorf("%w: transport failed", domain.ErrConnectionFailed))
			}
		case domain.StateDisconnected:
			if !p.iceRestartLocked() {
				p.failLocked(fmt.Errorf("%w: transport failed", domain.ErrConnectionFailed))
			}
		}

	case ports.TransportClosed:
		p.failLocked(fmt.Errorf("%w: transport closed", domain.ErrConnectionFailed))
	}
}

// iceRestartLocked sends one ICE-restart offer per disconnection episode. Only
// the side that made the initial offer restarts. An unanswered renegotiation
// offer is withdrawn in favour of the restart.
func (p *PeerSession) iceRestartLocked() bool {
	if !p.cfg.ICERestart || !p.offerer || p.restartAttempted || p.answerPending {
		return false
	}
	if p.offerPending {
		p.logger.Infow("ice restart supersedes unanswered offer")
		if err := p.rollbackLocked(p.life, "ice_restart"); err != nil {
			p.logger.Warnw("offer rollback failed", "error", err)
		}
		p.renegotiatePending = true
	}
	p.restartAttempted = true
	p.emit(domain.RenegotiationEvent{EventMeta: domain.NewEventMeta(p.id), ICERestart: true, Reason: "connection lost"})
	p.logger.Infow("restarting ice")
	if _, err := p.offerLocked(p.life, ports.OfferOptions{ICERestart: true}); err != nil {
		p.logger.Warnw("ice restart failed", "error", err)
		return false
	}
	return true
}

func (p *PeerSession) enterConnectingLocked() {
	if !p.transition(domain.StateConnecting, nil) {
		return
	}
	p.connectingSince = time.Now()
	if p.transportState == ports.TransportConnected {
		p.metrics.TimeToConnect(0)
		p.transition(domain.StateConnected, nil)
		return
	}
	timeout := p.cfg.ConnectTimeout
	p.startTimerLocked(&p.phase, timeout, func() {
		if p.state == domain.StateConnecting {
			p.failLocked(fmt.Errorf("%w: not connected after %s", domain.ErrNegotiationTimeout, timeout))
		}
	})
}

func (p *PeerSession) enterDisconnectedLocked() {
	if !p.transition(domain.StateDisconnected, nil) {
		return
	}
	timeout := p.cfg.DisconnectTimeout
	p.startTimerLocked(&p.phase, timeout, func() {
		if p.state == domain.StateDisconnected {
			p.failLocked(fmt.Errorf("%w: disconnected for %s", domain.ErrConnectionFailed, timeout))
		}
	})
}

// failLocked moves to FAILED when the state machine allows it and then
// releases everything.
func (p *PeerSession) failLocked(reason error) {
	if p.closed {
		return
	}
	p.logger.Warnw("session failed", "state", p.state, "error", reason)
	p.transition(domain.StateFailed, reason)
	_ = p.closeLocked(reason)
}

func (p *PeerSession) closeLocked(reason error) error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.cancel()
	p.stopTimerLocked(&p.phase)
	p.stopTimerLocked(&p.answerWait)

	for _, s := range p.streams {
		s.Release()
	}
	p.streams = nil
	p.bindings = nil
	p.receivers = make(map[domain.TrackID]ports.RemoteTrack)
	p.candidates = nil
	p.offerPending, p.answerPending, p.renegotiatePending = false, false, false

	err := p.transport.Close()
	if err != nil {
		p.logger.Warnw("transport close failed", "error", err)
	}

	p.transition(domain.StateClosed, reason)
	p.events.close()
	p.inbox.close()
	p.metrics.SessionClosed()
	p.logger.Infow("session closed")
	return err
}

func (p *PeerSession) transition(to domain.ConnectionState, reason error) bool {
	from := p.state
	if !domain.CanTransition(from, to) {
		p.logger.Debugw("transition ignored", "from", from, "to", to)
		return false
	}
	p.state = to
	p.monitor.publish(domain.StateChange{State: to, Reason: reason})
	p.metrics.StateTransition(from, to)
	p.logger.Infow("state changed", "from", from, "state", to)
	return true
}

// startTimerLocked arms pt. A superseded timer fires into the mailbox but is
// ignored.
func (p *PeerSession) startTimerLocked(pt *phaseTimer, d time.Duration, onExpire func()) {
	p.stopTimerLocked(pt)
	gen := pt.gen
	pt.t = time.AfterFunc(d, func() {
		p.enqueue(func() {
			if pt.gen != gen {
				return
			}
			pt.t = nil
			onExpire()
		})
	})
}

func (p *PeerSession) stopTimerLocked(pt *phaseTimer) {
	pt.gen++
	if pt.t != nil {
		pt.t.Stop()
		pt.t = nil
	}
}

// acquireTransport takes the transport gate for a synchronous call.
func (p *PeerSession) acquireTransport(ctx context.Context) (release func(), err error) {
	select {
	case p.gate <- struct{}{}:
		return func() { <-p.gate }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.life.Done():
		return nil, domain.ErrSessionClosed
	}
}

func (p *PeerSession) adoptStreamLocked(stream *domain.MediaStream) {
	for _, s := range p.streams {
		if s == stream {
			return
		}
	}
	p.streams = append(p.streams, stream)
}

func (p *PeerSession) dropStreamLocked(stream *domain.MediaStream) {
	kept := p.streams[:0]
	for _, s := range p.streams {
		if s != stream {
			kept = append(kept, s)
		}
	}
	p.streams = kept
}

func (p *PeerSession) send(ctx context.Context, msg domain.SignalingMessage) error {
	ctx, span := tracing.TraceSignal(ctx, string(msg.Type), string(p.id), "")
	defer span.End()
	if err := p.bridge.Send(ctx, msg); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (p *PeerSession) emit(e domain.Event) {
	p.events.publish(e)
}

func (p *PeerSession) enqueue(fn func()) {
	p.inbox.publish(fn)
}

// run handles queued transport callbacks and timer expiries one at a time
// until the session closes.
func (p *PeerSession) run(inbox *Subscription[func()]) {
	defer inbox.Unsubscribe()

	var tick <-chan time.Time
	if p.cfg.StatsInterval > 0 {
		ticker := time.NewTicker(p.cfg.StatsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case fn, ok := <-inbox.C:
			if !ok {
				return
			}
			p.opMu.Lock()
			if !p.closed {
				fn()
			}
			p.opMu.Unlock()
		case <-tick:
			p.emitStats()
		case <-p.life.Done():
			return
		}
	}
}

func (p *PeerSession) emitStats() {
	stats, err := p.transport.Stats()
	if err != nil {
		p.logger.Debugw("stats unavailable", "error", err)
		return
	}
	p.emit(domain.StatsEvent{EventMeta: domain.NewEventMeta(p.id), Stats: stats})
}

// await runs a blocking transport call and gives up when ctx is cancelled or
// the session closes. With a gate the call waits its turn and holds the gate
// until it returns, so a call given up on still finishes before the next one
// starts. late then receives its result while the gate is held.
func await[T any](ctx, life context.Context, gate chan struct{}, fn func() (T, error), late func(T, error)) (T, error) {
	var zero T
	if gate != nil {
		select {
		case gate <- struct{}{}:
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-life.Done():
			return zero, domain.ErrSessionClosed
		}
	}

	type result struct {
		v   T
		err error
	}
	var (
		mu        sync.Mutex
		abandoned bool
	)
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		mu.Lock()
		gaveUp := abandoned
		done <- result{v, err}
		mu.Unlock()
		if gaveUp && late != nil {
			late(v, err)
		}
		if gate != nil {
			<-gate
		}
	}()

	var cause error
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		cause = ctx.Err()
	case <-life.Done():
		cause = domain.ErrSessionClosed
	}

	mu.Lock()
	defer mu.Unlock()
	select {
	case r := <-done:
		// Finished while we were giving up.
		return r.v, r.err
	default:
		abandoned = true
		return zero, cause
	}
}

func awaitErr(ctx, life context.Context, gate chan struct{}, fn func() error, late func(error)) error {
	var lateVal func(struct{}, error)
	if late != nil {
		lateVal = func(_ struct{}, err error) { late(err) }
	}
	_, err := await(ctx, life, gate, func() (struct{}, error) { return struct{}{}, fn() }, lateVal)
	return err
}
