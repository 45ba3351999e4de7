package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageType tags a SignalingMessage on the wire.
type MessageType string

const (
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageOffer, MessageAnswer, MessageICECandidate:
		return true
	}
	return false
}

// SignalingMessage is the unit exchanged between two endpoints through the
// host's signaling channel. Exactly one of Description and Candidate is set.
type SignalingMessage struct {
	Type        MessageType
	SessionID   SessionID
	Description *SessionDescription
	Candidate   *ICECandidate
}

func NewDescriptionMessage(id SessionID, desc SessionDescription) SignalingMessage {
	t := MessageOffer
	if desc.Type == SDPTypeAnswer {
		t = MessageAnswer
	}
	return SignalingMessage{Type: t, SessionID: id, Description: &desc}
}

func NewCandidateMessage(id SessionID, c ICECandidate) SignalingMessage {
	return SignalingMessage{Type: MessageICECandidate, SessionID: id, Candidate: &c}
}

type wireMessage struct {
	Type      MessageType     `json:"type"`
	SessionID SessionID       `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

func (m SignalingMessage) MarshalJSON() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch m.Type {
	case MessageOffer, MessageAnswer:
		if m.Description == nil {
			return nil, fmt.Errorf("%s message without description", m.Type)
		}
		data, err = json.Marshal(m.Description)
	case MessageICECandidate:
		if m.Candidate == nil {
			return nil, fmt.Errorf("ice-candidate message without candidate")
		}
		data, err = json.Marshal(m.Candidate)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Type: m.Type, SessionID: m.SessionID, Data: data})
}

// UnmarshalJSON accepts the description either as an object with type/sdp or
// as a bare SDP string, and the candidate either as an init dictionary or as
// a bare candidate line.
func (m *SignalingMessage) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if !w.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, w.Type)
	}
	data := bytes.TrimSpace(w.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%s message has no data", w.Type)
	}

	out := SignalingMessage{Type: w.Type, SessionID: w.SessionID}
	switch w.Type {
	case MessageOffer, MessageAnswer:
		desc := SessionDescription{Type: SDPType(w.Type)}
		if data[0] == '"' {
			if err := json.Unmarshal(data, &desc.SDP); err != nil {
				return fmt.Errorf("invalid %s data: %w", w.Type, err)
			}
		} else {
			if err := json.Unmarshal(data, &desc); err != nil {
				return fmt.Errorf("invalid %s data: %w", w.Type, err)
			}
			if desc.Type == "" {
				desc.Type = SDPType(w.Type)
			}
			if string(desc.Type) != string(w.Type) {
				return fmt.Errorf("%w: message type %s carries %s description", ErrInvalidState, w.Type, desc.Type)
			}
		}
		out.Description = &desc
	case MessageICECandidate:
		var c ICECandidate
		if data[0] == '"' {
			if err := json.Unmarshal(data, &c.Candidate); err != nil {
				return fmt.Errorf("invalid candidate data: %w", err)
			}
		} else if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("invalid candidate data: %w", err)
		}
		out.Candidate = &c
	}
	*m = out
	return nil
}

// Data returns the payload as it appears under "data" on the wire.
func (m SignalingMessage) Data() any {
	if m.Description != nil {
		return m.Description
	}
	return m.Candidate
}
