package media

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.packetReceived(10)
	m.packetDropped()
	m.packetSent(10)
	m.captureOpened()
	m.captureClosed()
}

func TestMetricsRecordCaptureAndPlayback(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	h := startCapture(t, CaptureConfig{Metrics: m})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeCaptures))

	h.send(t, []byte{1, 2, 3})
	h.send(t, mustEncode(t, []byte{1, 2, 3, 4}, 1))
	h.next(t)

	p, err := NewPlayer(PlayerConfig{Dest: h.srv.LocalAddr().String(), Metrics: m, Interval: 1})
	require.NoError(t, err)
	path := writeTestWAV(t, t.TempDir(), "m.wav", make([]byte, 8))
	require.NoError(t, p.PlayFile(context.Background(), path, 4))
	h.next(t)
	h.next(t)

	require.NoError(t, h.srv.Close())

	assert.Equal(t, 4.0, testutil.ToFloat64(m.packetsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packetsDropped))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.bytesCaptured))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.packetsSent))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.bytesSent))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeCaptures))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activePlayback))
}
