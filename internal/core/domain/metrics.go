package domain

import "time"

// EventVersion is bumped whenever an event payload changes incompatibly.
const EventVersion = 1

type EventType string

const (
	EventLocalCandidate EventType = "local_candidate"
	EventRemoteTrack    EventType = "remote_track"
	EventTrackReplaced  EventType = "track_replaced"
	EventRenegotiation  EventType = "renegotiation"
	EventStats          EventType = "stats"
)

// Event is a typed session event. Transport-native objects never appear in
// an event.
type Event interface {
	Type() EventType
	Meta() EventMeta
}

type EventMeta struct {
	Version   int
	SessionID SessionID
	At        time.Time
}

func NewEventMeta(id SessionID) EventMeta {
	return EventMeta{Version: EventVersion, SessionID: id, At: time.Now()}
}

// LocalCandidateEvent reports a gathered local candidate. A nil Candidate
// means gathering completed.
type LocalCandidateEvent struct {
	EventMeta
	Candidate *ICECandidate
}

func (LocalCandidateEvent) Type() EventType  { return EventLocalCandidate }
func (e LocalCandidateEvent) Meta() EventMeta { return e.EventMeta }

type RemoteTrackEvent struct {
	EventMeta
	TrackID  TrackID
	StreamID StreamID
	Kind     MediaKind
	Codec    string
}

func (RemoteTrackEvent) Type() EventType  { return EventRemoteTrack }
func (e RemoteTrackEvent) Meta() EventMeta { return e.EventMeta }

type TrackReplacedEvent struct {
	EventMeta
	Kind          MediaKind
	OldTrack      TrackID
	NewTrack      TrackID
	Renegotiation bool
}

func (TrackReplacedEvent) Type() EventType  { return EventTrackReplaced }
func (e TrackReplacedEvent) Meta() EventMeta { return e.EventMeta }

type RenegotiationEvent struct {
	EventMeta
	ICERestart bool
	Reason     string
}

func (RenegotiationEvent) Type() EventType  { return EventRenegotiation }
func (e RenegotiationEvent) Meta() EventMeta { return e.EventMeta }

// TransportStats is a portable snapshot of the transport's statistics.
type TransportStats struct {
	Timestamp        time.Time
	BytesSent        uint64
	BytesReceived    uint64
	PacketsSent      uint64
	PacketsReceived  uint64
	PacketLoss       float64 // 0-1
	Jitter           time.Duration
	RoundTripTime    time.Duration
	NACKCount        uint32
	PLICount         uint32
	KeyframesSeen    uint32
	SelectedPairType string
}

type StatsEvent struct {
	EventMeta
	Stats TransportStats
}

func (StatsEvent) Type() EventType  { return EventStats }
func (e StatsEvent) Meta() EventMeta { return e.EventMeta }
