package webrtc

import (
	"strings"
	"sync"
	"time"

	"peercall/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// statsCollector accumulates RTCP feedback on our senders and counters for
// received media.
type statsCollector struct {
	mu sync.Mutex

	fractionLost    float64
	jitter          time.Duration
	roundTrip       time.Duration
	nacks           uint32
	plis            uint32
	keyframes       uint32
	packetsReceived uint64
	bytesReceived   uint64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

// processRTCPPackets folds one RTCP compound packet into the running stats.
// Loss and jitter keep the latest report's values. The round trip is only
// estimated from the reported delay; Stats prefers the candidate pair RTT.
func (c *statsCollector) processRTCPPackets(packets []rtcp.Packet) {
	var totalLoss float64
	var totalJitter uint32
	var totalRTT time.Duration
	reports, rttReports := 0, 0

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				totalLoss += float64(report.FractionLost) / 256.0
				totalJitter += report.Jitter
				reports++

				if report.LastSenderReport != 0 && report.Delay != 0 {
					// DLSR is expressed in 1/65536 seconds.
					totalRTT += time.Duration(report.Delay) * time.Second / 65536
					rttReports++
				}
			}

		case *rtcp.TransportLayerNack:
			c.mu.Lock()
			for _, pair := range p.Nacks {
				c.nacks += uint32(len(pair.PacketList()))
			}
			c.mu.Unlock()

		case *rtcp.PictureLossIndication:
			c.mu.Lock()
			c.plis++
			c.mu.Unlock()
		}
	}

	if reports == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fractionLost = totalLoss / float64(reports)
	// Interarrival jitter is in RTP timestamp units; at the 90kHz video
	// clock one unit is about 11us.
	c.jitter = time.Duration(totalJitter/uint32(reports)) * time.Second / 90000
	if rttReports > 0 {
		c.roundTrip = totalRTT / time.Duration(rttReports)
	}
}

func (c *statsCollector) processRTP(codec string, packet *rtp.Packet) {
	keyframe := isKeyframe(codec, packet.Payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.packetsReceived++
	c.bytesReceived += uint64(packet.MarshalSize())
	if keyframe {
		c.keyframes++
	}
}

func (c *statsCollector) snapshot() domain.TransportStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.TransportStats{
		Timestamp:       time.Now(),
		PacketsReceived: c.packetsReceived,
		BytesReceived:   c.bytesReceived,
		PacketLoss:      c.fractionLost,
		Jitter:          c.jitter,
		RoundTripTime:   c.roundTrip,
		NACKCount:       c.nacks,
		PLICount:        c.plis,
		KeyframesSeen:   c.keyframes,
	}
}

// isKeyframe reports whether an RTP payload starts a VP8 keyframe or carries
// an H.264 IDR slice. Other codecs never count.
func isKeyframe(codec string, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}

	switch {
	case strings.EqualFold(codec, webrtc.MimeTypeVP8):
		return isVP8Keyframe(payload)
	case strings.EqualFold(codec, webrtc.MimeTypeH264):
		switch payload[0] & 0x1F {
		case 5:
			return true
		case 24: // STAP-A: check the first aggregated unit
			return len(payload) > 3 && payload[3]&0x1F == 5
		}
	}
	return false
}

// isVP8Keyframe parses the payload descriptor. Only the first packet of a
// frame (S=1, PID=0) carries the frame header, whose P bit is 0 on keyframes.
func isVP8Keyframe(payload []byte) bool {
	desc := payload[0]
	if desc&0x10 == 0 || desc&0x07 != 0 {
		return false
	}
	offset := 1
	if desc&0x80 != 0 {
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		offset++
		if ext&0x80 != 0 { // I: picture ID, one or two bytes
			if len(payload) > offset && payload[offset]&0x80 != 0 {
				offset += 2
			} else {
				offset++
			}
		}
		if ext&0x40 != 0 { // L
			offset++
		}
		if ext&0x30 != 0 { // T or K
			offset++
		}
	}
	return len(payload) > offset && payload[offset]&0x01 == 0
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
