package services

import (
	"context"
	"fmt"

	"peercall/internal/core/domain"
)

// ApplyRemoteMessage hands an inbound signaling message to its session:
// descriptions go to SetRemoteDescription and candidates to AddIceCandidate.
// A message addressed to another session is rejected.
func ApplyRemoteMessage(ctx context.Context, session *PeerSession, msg domain.SignalingMessage) error {
	if session == nil {
		return domain.ErrSessionNotFound
	}
	if msg.SessionID != "" && msg.SessionID != session.ID() {
		return fmt.Errorf("%w: message for %s applied to %s", domain.ErrSessionMismatch, msg.SessionID, session.ID())
	}

	switch msg.Type {
	case domain.MessageOffer, domain.MessageAnswer:
		if msg.Description == nil {
			return fmt.Errorf("%w: %s message without description", domain.ErrInvalidState, msg.Type)
		}
		if string(msg.Description.Type) != string(msg.Type) {
			return fmt.Errorf("%w: %s message carries %s description", domain.ErrInvalidState, msg.Type, msg.Description.Type)
		}
		return session.SetRemoteDescription(ctx, *msg.Description)
	case domain.MessageICECandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("%w: candidate message without candidate", domain.ErrInvalidCandidate)
		}
		return session.AddIceCandidate(ctx, *msg.Candidate)
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, msg.Type)
	}
}
