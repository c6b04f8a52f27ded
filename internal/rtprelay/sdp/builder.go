// Package sdp describes a capture endpoint to the call-control layer.
package sdp

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/sebas/rtprelay/internal/rtprelay/media"
)

// CaptureEndpoint is where a peer should send audio for one capture session.
type CaptureEndpoint struct {
	Addr        string
	Port        int
	PayloadType uint8
	Format      media.Format
	// Ptime is the packetization interval advertised to the sender.
	Ptime time.Duration
}

// BuildCaptureSDP returns a recvonly audio offer for ep. Payload types 0 and 8
// keep their static G.711 names; any other type is announced as L16 at the
// endpoint's sample rate.
func BuildCaptureSDP(ep CaptureEndpoint) ([]byte, error) {
	if ep.Format == (media.Format{}) {
		ep.Format = media.DefaultFormat()
	}
	if ep.Ptime <= 0 {
		ep.Ptime = media.DefaultPacketInterval
	}
	pt := strconv.Itoa(int(ep.PayloadType & 0x7F))

	sessionDesc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "rtprelay",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ep.Addr,
		},
		SessionName: "rtprelay capture",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: ep.Addr,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: ep.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{pt},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: pt + " " + encodingName(ep.PayloadType&0x7F, ep.Format)},
					{Key: "ptime", Value: strconv.FormatInt(ep.Ptime.Milliseconds(), 10)},
					{Key: "recvonly"},
				},
			},
		},
	}

	out, err := sessionDesc.Marshal()
	if err != nil {
		slog.Error("[SDP] Failed to marshal capture SDP", "addr", ep.Addr, "port", ep.Port, "error", err)
		return nil, err
	}
	return out, nil
}

func encodingName(pt uint8, f media.Format) string {
	switch pt {
	case 0:
		return "PCMU/8000"
	case 8:
		return "PCMA/8000"
	}
	if f.NumChannels > 1 {
		return fmt.Sprintf("L%d/%d/%d", f.BitsPerSample, f.SampleRate, f.NumChannels)
	}
	return fmt.Sprintf("L%d/%d", f.BitsPerSample, f.SampleRate)
}
