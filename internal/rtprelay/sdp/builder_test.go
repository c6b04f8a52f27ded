package sdp

import (
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/rtprelay/internal/rtprelay/media"
)

func parse(t *testing.T, b []byte) *sdp.SessionDescription {
	t.Helper()
	var sd sdp.SessionDescription
	require.NoError(t, sd.Unmarshal(b))
	return &sd
}

func TestBuildCaptureSDPL16(t *testing.T) {
	raw, err := BuildCaptureSDP(CaptureEndpoint{Addr: "192.0.2.10", Port: 10000, PayloadType: 96})
	require.NoError(t, err)

	sd := parse(t, raw)
	assert.Equal(t, "192.0.2.10", sd.ConnectionInformation.Address.Address)
	require.Len(t, sd.MediaDescriptions, 1)

	md := sd.MediaDescriptions[0]
	assert.Equal(t, "audio", md.MediaName.Media)
	assert.Equal(t, 10000, md.MediaName.Port.Value)
	assert.Equal(t, []string{"96"}, md.MediaName.Formats)

	rtpmap, ok := md.Attribute("rtpmap")
	require.True(t, ok)
	assert.Equal(t, "96 L16/16000", rtpmap)

	ptime, ok := md.Attribute("ptime")
	require.True(t, ok)
	assert.Equal(t, "20", ptime)

	_, ok = md.Attribute("recvonly")
	assert.True(t, ok)
}

func TestBuildCaptureSDPStaticTypes(t *testing.T) {
	tests := []struct {
		pt     uint8
		format media.Format
		want   string
	}{
		{0, media.DefaultFormat(), "0 PCMU/8000"},
		{8, media.DefaultFormat(), "8 PCMA/8000"},
		{97, media.Format{SampleRate: 44100, NumChannels: 2, BitsPerSample: 16}, "97 L16/44100/2"},
		{0x80 | 96, media.DefaultFormat(), "96 L16/16000"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			raw, err := BuildCaptureSDP(CaptureEndpoint{Addr: "127.0.0.1", Port: 10002, PayloadType: tt.pt, Format: tt.format})
			require.NoError(t, err)
			rtpmap, ok := parse(t, raw).MediaDescriptions[0].Attribute("rtpmap")
			require.True(t, ok)
			assert.Equal(t, tt.want, rtpmap)
		})
	}
}
