package webrtc

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
)

func TestIsKeyframe(t *testing.T) {
	tests := []struct {
		name    string
		codec   string
		payload []byte
		want    bool
	}{
		{"empty", webrtc.MimeTypeVP8, nil, false},
		{"vp8 keyframe", webrtc.MimeTypeVP8, []byte{0x10, 0x00, 0x9d}, true},
		{"vp8 interframe", webrtc.MimeTypeVP8, []byte{0x10, 0x01, 0x9d}, false},
		{"vp8 continuation", webrtc.MimeTypeVP8, []byte{0x00, 0x00, 0x9d}, false},
		{"vp8 extended picture id", webrtc.MimeTypeVP8, []byte{0x90, 0x80, 0x81, 0x02, 0x00}, true},
		{"h264 idr", webrtc.MimeTypeH264, []byte{0x65, 0x88}, true},
		{"h264 non-idr", webrtc.MimeTypeH264, []byte{0x41, 0x9a}, false},
		{"h264 stap-a idr", webrtc.MimeTypeH264, []byte{0x78, 0x00, 0x10, 0x65}, true},
		{"opus", webrtc.MimeTypeOpus, []byte{0x10, 0x00}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isKeyframe(tt.codec, tt.payload))
		})
	}
}

func TestStatsCollector_RTCP(t *testing.T) {
	c := newStatsCollector()

	c.processRTCPPackets([]rtcp.Packet{
		&rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{
			{FractionLost: 64, Jitter: 900, LastSenderReport: 1, Delay: 65536 / 10},
			{FractionLost: 0, Jitter: 900},
		}},
		&rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 10, LostPackets: 0x3}}},
		&rtcp.PictureLossIndication{},
		&rtcp.PictureLossIndication{},
	})

	stats := c.snapshot()
	assert.InDelta(t, 0.125, stats.PacketLoss, 0.001)
	assert.Equal(t, 10*time.Millisecond, stats.Jitter)
	assert.InDelta(t, float64(100*time.Millisecond), float64(stats.RoundTripTime), float64(time.Millisecond))
	assert.Equal(t, uint32(3), stats.NACKCount)
	assert.Equal(t, uint32(2), stats.PLICount)
}

func TestStatsCollector_RTP(t *testing.T) {
	c := newStatsCollector()

	key := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96}, Payload: []byte{0x10, 0x00, 0x9d}}
	delta := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96}, Payload: []byte{0x10, 0x01, 0x9d}}
	c.processRTP(webrtc.MimeTypeVP8, key)
	c.processRTP(webrtc.MimeTypeVP8, delta)
	c.processRTP(webrtc.MimeTypeVP8, delta)

	stats := c.snapshot()
	assert.Equal(t, uint64(3), stats.PacketsReceived)
	assert.Equal(t, uint64(3*(12+3)), stats.BytesReceived)
	assert.Equal(t, uint32(1), stats.KeyframesSeen)
}

func TestSecondsToDuration(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, secondsToDuration(1.5))
	assert.Equal(t, time.Duration(0), secondsToDuration(0))
}
