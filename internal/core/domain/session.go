package domain

import "time"

// ConnectionState is the high-level state of a PeerSession.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateNegotiating  ConnectionState = "negotiating"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

var transitions = map[ConnectionState][]ConnectionState{
	StateIdle:         {StateNegotiating},
	StateNegotiating:  {StateConnecting},
	StateConnecting:   {StateConnected, StateFailed},
	StateConnected:    {StateDisconnected},
	StateDisconnected: {StateConnected, StateFailed},
	StateFailed:       {},
}

// CanTransition reports whether from -> to is a legal edge of the session
// state machine. Every state but CLOSED may move to CLOSED.
func CanTransition(from, to ConnectionState) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s ConnectionState) Terminal() bool { return s == StateClosed }

// StateChange is one transition observed on a session. Reason is set on
// FAILED transitions.
type StateChange struct {
	SessionID SessionID
	From      ConnectionState
	State     ConnectionState
	Reason    error
	At        time.Time
}

// SDPType is the role of a session description.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate mirrors the candidate init dictionary exchanged over signaling.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key identifies a candidate for duplicate suppression.
func (c ICECandidate) Key() string {
	key := c.Candidate
	if c.SDPMid != nil {
		key += "|" + *c.SDPMid
	}
	if c.UsernameFragment != nil {
		key += "|" + *c.UsernameFragment
	}
	return key
}
