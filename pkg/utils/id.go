package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns prefix_<uuid>.
func GenerateID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "_" + uuid.NewString()
}

// GenerateSessionID generates a unique session ID
func GenerateSessionID() string {
	return GenerateID("session")
}

// GenerateStreamID generates a unique media stream ID
func GenerateStreamID() string {
	return GenerateID("stream")
}

// GenerateTrackID generates a track ID that carries its source name
func GenerateTrackID(source string) string {
	return GenerateID(source)
}

// GenerateRequestID generates a compact request ID for log correlation
func GenerateRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
