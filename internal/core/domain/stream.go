package domain

import (
	"sync"
	"sync/atomic"
)

type SessionID string
type StreamID string
type TrackID string

// MediaKind is the media type carried by a sender or receiver.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// TrackSource is the hardware a local track is captured from. Screen capture
// is carried as video.
type TrackSource string

const (
	SourceMicrophone TrackSource = "microphone"
	SourceCamera     TrackSource = "camera"
	SourceScreen     TrackSource = "screen"
)

func (s TrackSource) Kind() MediaKind {
	if s == SourceMicrophone {
		return KindAudio
	}
	return KindVideo
}

// Track is one hardware-backed local source.
type Track interface {
	ID() TrackID
	Kind() MediaKind
	Source() TrackSource
	// Enabled reports whether samples are emitted. A disabled track keeps
	// capturing.
	Enabled() bool
	SetEnabled(enabled bool)
	// Live is false once Stop has been called.
	Live() bool
	// Stop releases the underlying device. Only the first call has effect.
	Stop()
}

// BaseTrack implements the bookkeeping of Track. Device implementations embed
// it and pass their release hook to NewBaseTrack.
type BaseTrack struct {
	id      TrackID
	source  TrackSource
	enabled atomic.Bool
	stopped atomic.Bool
	once    sync.Once
	onStop  func()
}

func NewBaseTrack(id TrackID, source TrackSource, onStop func()) *BaseTrack {
	t := &BaseTrack{id: id, source: source, onStop: onStop}
	t.enabled.Store(true)
	return t
}

func (t *BaseTrack) ID() TrackID             { return t.id }
func (t *BaseTrack) Kind() MediaKind         { return t.source.Kind() }
func (t *BaseTrack) Source() TrackSource     { return t.source }
func (t *BaseTrack) Enabled() bool           { return t.enabled.Load() }
func (t *BaseTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *BaseTrack) Live() bool              { return !t.stopped.Load() }

func (t *BaseTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// MediaStream owns zero or more tracks acquired by one capture request.
// A released stream has no live tracks.
type MediaStream struct {
	id      StreamID
	profile QualityProfile

	mu       sync.Mutex
	tracks   []Track
	owner    SessionID
	released bool
}

func NewMediaStream(id StreamID, profile QualityProfile, tracks ...Track) *MediaStream {
	return &MediaStream{id: id, profile: profile, tracks: tracks}
}

func (m *MediaStream) ID() StreamID            { return m.id }
func (m *MediaStream) Profile() QualityProfile { return m.profile }

// Tracks returns a snapshot of the tracks still held by the stream.
func (m *MediaStream) Tracks() []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Track, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// Track returns the first track of the given kind.
func (m *MediaStream) Track(kind MediaKind) (Track, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

func (m *MediaStream) LiveTracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tracks {
		if t.Live() {
			n++
		}
	}
	return n
}

func (m *MediaStream) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

func (m *MediaStream) Owner() SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Claim hands the stream to a session. A stream can be owned by one session
// only, and a released stream cannot be claimed.
func (m *MediaStream) Claim(owner SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return ErrStreamReleased
	}
	if m.owner != "" && m.owner != owner {
		return ErrInvalidState
	}
	m.owner = owner
	return nil
}

// Unclaim returns the stream to its creator if owner still holds it.
func (m *MediaStream) Unclaim(owner SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == owner {
		m.owner = ""
	}
}

// Release stops every track exactly once. Releasing twice is a no-op.
func (m *MediaStream) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	tracks := m.tracks
	m.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}

// DetachTrack stops and removes one track. When the last track goes the
// stream counts as released. It reports whether the stream is now released.
func (m *MediaStream) DetachTrack(id TrackID) bool {
	m.mu.Lock()
	var removed Track
	kept := make([]Track, 0, len(m.tracks))
	for _, t := range m.tracks {
		if t.ID() == id && removed == nil {
			removed = t
			continue
		}
		kept = append(kept, t)
	}
	m.tracks = kept
	if len(m.tracks) == 0 {
		m.released = true
	}
	released := m.released
	m.mu.Unlock()

	if removed != nil {
		removed.Stop()
	}
	return released
}
