package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	"peercall/internal/infrastructure/monitoring"
	relay "peercall/internal/infrastructure/signal"
	webrtcinfra "peercall/internal/infrastructure/webrtc"
	"peercall/pkg/config"
	"peercall/pkg/logger"
	"peercall/pkg/retry"
	"peercall/pkg/tracing"
	"peercall/pkg/utils"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type options struct {
	configPath  string
	role        string
	sessionID   string
	peerID      string
	url         string
	token       string
	quality     string
	audio       bool
	video       bool
	screen      bool
	duration    time.Duration
	screenAfter time.Duration
	metricsAddr string
}

func parseFlags() options {
	var o options
	pflag.StringVar(&o.configPath, "config", "configs/config.yaml", "path to the YAML config file")
	pflag.StringVar(&o.role, "role", "caller", "caller sends the offer, callee answers it")
	pflag.StringVar(&o.sessionID, "session", "", "call id shared by both ends")
	pflag.StringVar(&o.peerID, "peer", "", "this participant's id (generated when empty)")
	pflag.StringVar(&o.url, "url", "", "relay WebSocket URL (defaults to signal.url)")
	pflag.StringVar(&o.token, "token", "", "relay access token")
	pflag.StringVar(&o.quality, "quality", "", "capture profile: low, medium, high or ultra")
	pflag.BoolVar(&o.audio, "audio", true, "send audio")
	pflag.BoolVar(&o.video, "video", true, "send camera video")
	pflag.BoolVar(&o.screen, "screen", false, "send screen video")
	pflag.DurationVar(&o.duration, "duration", 0, "hang up after this long (0 waits for a signal)")
	pflag.DurationVar(&o.screenAfter, "screen-after", 0, "swap the camera for the screen this long after connecting")
	pflag.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pflag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := run(opts, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options, cfg *config.Config) error {
	if opts.role != "caller" && opts.role != "callee" {
		return fmt.Errorf("--role must be caller or callee, got %q", opts.role)
	}
	if opts.sessionID == "" {
		return errors.New("--session is required")
	}
	if opts.peerID == "" {
		opts.peerID = utils.GenerateID("peer")
	}
	if opts.url == "" {
		opts.url = cfg.Signal.URL
	}
	if opts.quality == "" {
		opts.quality = cfg.Session.DefaultQuality
	}
	quality, err := domain.ParseQualityProfile(opts.quality)
	if err != nil {
		return err
	}

	var zapLogger *zap.Logger
	if cfg.Logging.Format == "console" {
		zapLogger = logger.NewDevelopment(cfg.Logging.Level)
	} else {
		zapLogger = logger.New(cfg.Logging.Level)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("peer_id", opts.peerID, "role", opts.role)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "peercall-call",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
	}()
	ctx, span := tracing.TraceSession(ctx, "call", opts.sessionID)
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.PeerIDKey.String(opts.peerID))

	registry := prometheus.NewRegistry()
	collector := monitoring.NewCollector(registry)
	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr, registry, log)
	}

	factory, err := webrtcinfra.NewFactory(webrtcConfig(cfg), zapLogger)
	if err != nil {
		return err
	}
	devices := webrtcinfra.NewSyntheticDevices(webrtcinfra.SyntheticDevicesConfig{}, log)
	capture := services.NewCaptureManager(devices, collector, log)

	dialRetry := retry.DefaultConfig()
	dialRetry.MaxAttempts = cfg.Signal.DialRetries
	client, err := relay.Dial(ctx, relay.ClientConfig{
		URL:          opts.url,
		SessionID:    domain.SessionID(opts.sessionID),
		PeerID:       opts.peerID,
		Token:        opts.token,
		WriteTimeout: cfg.Signal.WriteTimeout,
		Retry:        dialRetry,
	}, log)
	if err != nil {
		return err
	}
	defer client.Close()

	calls := services.NewCallService(factory, client, services.SessionConfig{
		ConnectTimeout:    cfg.Session.ConnectTimeout,
		DisconnectTimeout: cfg.Session.DisconnectTimeout,
		AnswerTimeout:     cfg.Session.AnswerTimeout,
		ICERestart:        cfg.Session.ICERestart,
		StatsInterval:     cfg.Session.StatsInterval,
	}, collector, log)
	defer calls.Close()

	c := &call{
		calls:       calls,
		capture:     capture,
		negotiator:  services.NewTrackNegotiator(log),
		quality:     quality,
		request:     services.CaptureRequest{Audio: opts.audio, Video: opts.video, Screen: opts.screen},
		screenAfter: opts.screenAfter,
		log:         log,
		ended:       make(chan struct{}),
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- client.Listen(ctx, func(msg domain.SignalingMessage) { c.onMessage(ctx, msg) })
	}()

	if opts.role == "caller" {
		if err := c.dial(ctx, domain.SessionID(opts.sessionID)); err != nil {
			return err
		}
	} else {
		log.Infow("waiting for an offer", "session_id", opts.sessionID)
	}

	select {
	case <-ctx.Done():
		log.Info("hanging up")
	case <-c.ended:
		log.Info("call ended")
	case err := <-listenErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("relay connection lost: %w", err)
		}
	}
	return nil
}

func webrtcConfig(cfg *config.Config) webrtcinfra.WebRTCConfig {
	var wc webrtcinfra.WebRTCConfig
	for _, s := range cfg.WebRTC.ICEServers {
		wc.ICEServers = append(wc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(wc.ICEServers) == 0 {
		wc.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	wc.PortRange.Min = cfg.WebRTC.PortRange.Min
	wc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return wc
}

func serveMetrics(addr string, registry *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	log.Infow("serving metrics", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("metrics server stopped", "error", err)
	}
}

// call drives one end of a two-party call.
type call struct {
	calls       *services.CallService
	capture     *services.CaptureManager
	negotiator  *services.TrackNegotiator
	quality     domain.QualityProfile
	request     services.CaptureRequest
	screenAfter time.Duration
	log         *zap.SugaredLogger

	mu       sync.Mutex
	attached map[domain.SessionID]bool
	sharing  map[domain.SessionID]bool
	ended    chan struct{}
	endOnce  sync.Once
}

func (c *call) dial(ctx context.Context, id domain.SessionID) error {
	session, err := c.calls.StartCall(ctx, id)
	if err != nil {
		return err
	}
	c.observe(session)
	if err := c.attach(ctx, session); err != nil {
		return err
	}
	if _, err := session.CreateOffer(ctx); err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	c.log.Infow("offer sent", "session_id", id)
	return nil
}

func (c *call) onMessage(ctx context.Context, msg domain.SignalingMessage) {
	_, lookupErr := c.calls.Session(msg.SessionID)
	session, err := c.calls.Dispatch(ctx, msg)
	if err != nil {
		c.log.Warnw("failed to apply signaling message", "type", msg.Type, "session_id", msg.SessionID, "error", err)
		return
	}
	if lookupErr != nil {
		// Dispatch opened the session for this offer.
		c.observe(session)
	}
	if !session.AnswerPending() {
		return
	}
	if err := c.attach(ctx, session); err != nil {
		c.log.Errorw("failed to attach local media", "error", err)
	}
	if _, err := session.CreateAnswer(ctx); err != nil {
		c.log.Errorw("failed to answer", "session_id", session.ID(), "error", err)
		return
	}
	c.log.Infow("answer sent", "session_id", session.ID())
}

func (c *call) attach(ctx context.Context, session *services.PeerSession) error {
	c.mu.Lock()
	if c.attached == nil {
		c.attached = make(map[domain.SessionID]bool)
	}
	if c.attached[session.ID()] {
		c.mu.Unlock()
		return nil
	}
	c.attached[session.ID()] = true
	c.mu.Unlock()

	stream, err := c.capture.Acquire(ctx, c.quality, c.request)
	if err != nil {
		return err
	}
	if err := session.AttachLocalStream(ctx, stream); err != nil {
		c.capture.Release(stream)
		return err
	}
	return nil
}

// observe prints state changes and events until the session closes.
func (c *call) observe(session *services.PeerSession) {
	states := session.Monitor().Subscribe()
	events := session.Events()

	go func() {
		defer events.Unsubscribe()
		for ev := range events.C {
			switch e := ev.(type) {
			case domain.RemoteTrackEvent:
				c.log.Infow("remote track", "kind", e.Kind, "codec", e.Codec, "track_id", e.TrackID)
			case domain.TrackReplacedEvent:
				c.log.Infow("track replaced", "kind", e.Kind, "renegotiated", e.Renegotiation)
			case domain.RenegotiationEvent:
				c.log.Infow("renegotiating", "ice_restart", e.ICERestart, "reason", e.Reason)
			case domain.StatsEvent:
				c.log.Infow("stats",
					"rtt", e.Stats.RoundTripTime,
					"loss", e.Stats.PacketLoss,
					"jitter", e.Stats.Jitter,
					"bytes_received", e.Stats.BytesReceived,
				)
			}
		}
	}()

	go func() {
		defer states.Unsubscribe()
		for change := range states.C {
			fields := []any{"session_id", change.SessionID, "from", change.From, "to", change.State}
			if change.Reason != nil {
				fields = append(fields, "reason", change.Reason)
			}
			c.log.Infow("state changed", fields...)
			if change.State == domain.StateConnected && c.screenAfter > 0 {
				c.scheduleScreenShare(session)
			}
			if change.State == domain.StateClosed {
				c.endOnce.Do(func() { close(c.ended) })
			}
		}
	}()
}

// scheduleScreenShare swaps the video sender to the screen once per session.
func (c *call) scheduleScreenShare(session *services.PeerSession) {
	c.mu.Lock()
	if c.sharing == nil {
		c.sharing = make(map[domain.SessionID]bool)
	}
	if c.sharing[session.ID()] {
		c.mu.Unlock()
		return
	}
	c.sharing[session.ID()] = true
	c.mu.Unlock()

	time.AfterFunc(c.screenAfter, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		stream, err := c.capture.Acquire(ctx, c.quality, services.CaptureRequest{Screen: true})
		if err != nil {
			c.log.Warnw("screen capture failed", "error", err)
			return
		}
		if err := c.negotiator.ReplaceTrack(ctx, session, domain.KindVideo, stream); err != nil {
			c.log.Warnw("screen share failed", "session_id", session.ID(), "error", err)
			c.capture.Release(stream)
			return
		}
		c.log.Infow("sharing screen", "session_id", session.ID())
	})
}
