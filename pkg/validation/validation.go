package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	// SessionIDRegex validates session ID format
	SessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateSessionID validates session ID
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if len(sessionID) > 100 {
		return fmt.Errorf("session ID is too long (max 100 characters)")
	}
	if !SessionIDRegex.MatchString(sessionID) {
		return fmt.Errorf("invalid session ID format")
	}
	return nil
}

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateSDP checks the mandatory session-level lines of a description
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, "\n"+field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// ValidateCandidate checks the shape of an ICE candidate attribute:
// "candidate:<foundation> <component> <transport> <priority> <address> <port> typ <type> ...".
// An empty candidate signals end-of-candidates and is valid.
func ValidateCandidate(candidate string) error {
	if candidate == "" {
		return nil
	}
	c := strings.TrimPrefix(candidate, "a=")
	if !strings.HasPrefix(c, "candidate:") {
		return fmt.Errorf("candidate must start with 'candidate:'")
	}
	fields := strings.Fields(strings.TrimPrefix(c, "candidate:"))
	if len(fields) < 8 {
		return fmt.Errorf("candidate has %d fields, need at least 8", len(fields))
	}
	if _, err := strconv.ParseUint(fields[1], 10, 16); err != nil {
		return fmt.Errorf("invalid candidate component %q", fields[1])
	}
	switch strings.ToLower(fields[2]) {
	case "udp", "tcp":
	default:
		return fmt.Errorf("invalid candidate transport %q", fields[2])
	}
	if _, err := strconv.ParseUint(fields[3], 10, 32); err != nil {
		return fmt.Errorf("invalid candidate priority %q", fields[3])
	}
	if port, err := strconv.Atoi(fields[5]); err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid candidate port %q", fields[5])
	}
	if fields[6] != "typ" {
		return fmt.Errorf("candidate is missing 'typ'")
	}
	switch fields[7] {
	case "host", "srflx", "prflx", "relay":
	default:
		return fmt.Errorf("invalid candidate type %q", fields[7])
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
