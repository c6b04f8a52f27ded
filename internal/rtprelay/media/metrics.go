package media

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors shared by capture servers and players.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	packetsReceived prometheus.Counter
	packetsDropped  prometheus.Counter
	bytesCaptured   prometheus.Counter
	packetsSent     prometheus.Counter
	bytesSent       prometheus.Counter
	sendErrors      prometheus.Counter
	activeCaptures  prometheus.Gauge
	activePlayback  prometheus.Gauge
}

// NewMetrics registers the media collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		packetsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rtprelay", Subsystem: "capture", Name: "packets_received_total",
			Help: "RTP datagrams received by capture servers.",
		}),
		packetsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rtprelay", Subsystem: "capture", Name: "packets_dropped_total",
			Help: "Datagrams dropped because they could not be decoded.",
		}),
		bytesCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rtprelay", Subsystem: "capture", Name: "payload_bytes_total",
			Help: "Payload bytes delivered after stripping RTP headers.",
		}),
		packetsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rtprelay", Subsystem: "playback", Name: "packets_sent_total",
			Help: "RTP packets sent by players.",
		}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rtprelay", Subsystem: "playback", Name: "payload_bytes_total",
			Help: "Payload bytes sent by players.",
		}),
		sendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rtprelay", Subsystem: "playback", Name: "send_errors_total",
			Help: "Playback sessions aborted by a send failure.",
		}),
		activeCaptures: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtprelay", Subsystem: "capture", Name: "active",
			Help: "Capture servers currently open.",
		}),
		activePlayback: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtprelay", Subsystem: "playback", Name: "active",
			Help: "Players currently streaming.",
		}),
	}
}

func (m *Metrics) captureOpened() {
	if m != nil {
		m.activeCaptures.Inc()
	}
}

func (m *Metrics) captureClosed() {
	if m != nil {
		m.activeCaptures.Dec()
	}
}

func (m *Metrics) packetReceived(payloadBytes int) {
	if m != nil {
		m.packetsReceived.Inc()
		m.bytesCaptured.Add(float64(payloadBytes))
	}
}

func (m *Metrics) packetDropped() {
	if m != nil {
		m.packetsReceived.Inc()
		m.packetsDropped.Inc()
	}
}

func (m *Metrics) playbackStarted() {
	if m != nil {
		m.activePlayback.Inc()
	}
}

func (m *Metrics) playbackEnded() {
	if m != nil {
		m.activePlayback.Dec()
	}
}

func (m *Metrics) packetSent(payloadBytes int) {
	if m != nil {
		m.packetsSent.Inc()
		m.bytesSent.Add(float64(payloadBytes))
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendErrors.Inc()
	}
}
