package ports

import (
	"context"
	"errors"

	"peercall/internal/core/domain"
)

// ErrRenegotiationRequired is returned by Sender.ReplaceTrack when the
// transport cannot swap the source in place and a new offer/answer cycle is
// needed.
var ErrRenegotiationRequired = errors.New("transport requires renegotiation")

// TransportState is the connectivity signal reported by the underlying
// real-time transport.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

type OfferOptions struct {
	ICERestart bool
}

// RemoteTrack describes media arriving from the remote endpoint.
type RemoteTrack struct {
	ID       domain.TrackID
	StreamID domain.StreamID
	Kind     domain.MediaKind
	Codec    string
}

// Sender is one outgoing media slot on the transport.
type Sender interface {
	Kind() domain.MediaKind
	Track() domain.Track
	// ReplaceTrack swaps the source without renegotiation, or fails with
	// ErrRenegotiationRequired.
	ReplaceTrack(track domain.Track) error
}

// Transport is the platform real-time primitive a PeerSession drives. Calls
// may block and cannot be cancelled: when the caller gives up, the call still
// runs to completion in the background. The session issues one call at a time
// and withdraws an offer that lands after its caller gave up. Close may run
// alongside such a call. Callbacks may be invoked from any goroutine.
type Transport interface {
	CreateOffer(opts OfferOptions) (domain.SessionDescription, error)
	CreateAnswer() (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	// Rollback withdraws the pending offer, local or remote, and returns to
	// the last stable descriptions. It is a no-op when nothing is pending.
	Rollback() error
	AddICECandidate(c domain.ICECandidate) error

	AddTrack(track domain.Track) (Sender, error)
	RemoveTrack(sender Sender) error

	OnICECandidate(func(c *domain.ICECandidate))
	OnStateChange(func(state TransportState))
	OnTrack(func(track RemoteTrack))

	Stats() (domain.TransportStats, error)
	Close() error
}

// TransportFactory opens one transport per session.
type TransportFactory interface {
	NewTransport(ctx context.Context, id domain.SessionID) (Transport, error)
}

// DeviceProvider is the platform's capture primitive.
type DeviceProvider interface {
	// RequestPermission prompts the user for access to a source. It returns
	// domain.ErrPermissionDenied when declined.
	RequestPermission(ctx context.Context, source domain.TrackSource, c domain.Constraints) error
	// Open starts capturing. It returns domain.ErrDeviceUnavailable when no
	// matching hardware exists.
	Open(ctx context.Context, source domain.TrackSource, c domain.Constraints) (domain.Track, error)
}
