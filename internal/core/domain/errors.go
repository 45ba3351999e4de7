package domain

import "errors"

// Capture-time errors.
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
)

// API misuse. Returned synchronously to the caller and never retried.
var (
	ErrInvalidState       = errors.New("invalid state")
	ErrInvalidCandidate   = errors.New("invalid ice candidate")
	ErrNoSuchSender       = errors.New("no such sender")
	ErrSessionClosed      = errors.New("session closed")
	ErrStreamReleased     = errors.New("media stream released")
	ErrSessionMismatch    = errors.New("session id mismatch")
	ErrUnknownMessageType = errors.New("unknown signaling message type")
	ErrSessionNotFound    = errors.New("session not found")
)

// Asynchronous failures, only ever delivered as the reason of a FAILED transition.
var (
	ErrNegotiationTimeout = errors.New("negotiation timeout")
	ErrConnectionFailed   = errors.New("connection failed")
)
