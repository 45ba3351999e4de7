package domain

import (
	"fmt"
	"strings"
)

// QualityProfile selects a capture tier. It is fixed for the lifetime of a
// capture request; changing tier requires a new request.
type QualityProfile int

const (
	QualityLow QualityProfile = iota
	QualityMedium
	QualityHigh
	QualityUltra
)

func (q QualityProfile) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	case QualityUltra:
		return "ultra"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

// ParseQualityProfile accepts the lower or upper case tier name.
func ParseQualityProfile(s string) (QualityProfile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return QualityLow, nil
	case "medium":
		return QualityMedium, nil
	case "high":
		return QualityHigh, nil
	case "ultra":
		return QualityUltra, nil
	}
	return 0, fmt.Errorf("unknown quality profile %q", s)
}

type Resolution struct {
	Width  int
	Height int
}

type VideoConstraints struct {
	Ideal        Resolution
	Max          Resolution
	MinFrameRate int
	MaxFrameRate int
}

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	ChannelCount     int
}

// Constraints is what a device provider receives for one capture request.
type Constraints struct {
	Profile QualityProfile
	Video   VideoConstraints
	Audio   AudioConstraints
}

var videoPresets = map[QualityProfile]VideoConstraints{
	QualityLow: {
		Ideal:        Resolution{Width: 640, Height: 480},
		Max:          Resolution{Width: 854, Height: 480},
		MinFrameRate: 15,
		MaxFrameRate: 24,
	},
	QualityMedium: {
		Ideal:        Resolution{Width: 854, Height: 480},
		Max:          Resolution{Width: 1280, Height: 720},
		MinFrameRate: 24,
		MaxFrameRate: 30,
	},
	QualityHigh: {
		Ideal:        Resolution{Width: 1280, Height: 720},
		Max:          Resolution{Width: 1920, Height: 1080},
		MinFrameRate: 30,
		MaxFrameRate: 30,
	},
	QualityUltra: {
		Ideal:        Resolution{Width: 1920, Height: 1080},
		Max:          Resolution{Width: 3840, Height: 2160},
		MinFrameRate: 30,
		MaxFrameRate: 60,
	},
}

// ConstraintsFor maps a tier to its capture constraints. Audio processing is
// always requested regardless of tier.
func ConstraintsFor(q QualityProfile) (Constraints, error) {
	video, ok := videoPresets[q]
	if !ok {
		return Constraints{}, fmt.Errorf("unknown quality profile %d", int(q))
	}
	return Constraints{
		Profile: q,
		Video:   video,
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			SampleRate:       48000,
			ChannelCount:     1,
		},
	}, nil
}
