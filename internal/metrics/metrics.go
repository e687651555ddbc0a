// Package metrics exposes the server's Prometheus collectors. All methods are
// safe on a nil *Metrics so tests can skip wiring it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "emoguchi"

type Metrics struct {
	registry *prometheus.Registry

	roundsCompleted prometheus.Counter
	phraseFallbacks *prometheus.CounterVec
	wsConnections   prometheus.Gauge
	audioBytes      prometheus.Counter
	events          *prometheus.CounterVec
	framesDropped   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		roundsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_completed_total",
			Help:      "Rounds closed by vote, timeout or speaker departure.",
		}),
		phraseFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phrase_fallbacks_total",
			Help:      "Rounds started with a static fallback phrase.",
		}, []string{"mode"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
		audioBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_relayed_total",
			Help:      "Audio payload bytes relayed to listeners.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound realtime events by type and outcome code.",
		}, []string{"event", "result"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped because a client buffer was full.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.roundsCompleted,
		m.phraseFallbacks,
		m.wsConnections,
		m.audioBytes,
		m.events,
		m.framesDropped,
	)
	return m
}

// RegisterRoomGauge exposes the live room count read from fn at scrape time.
func (m *Metrics) RegisterRoomGauge(fn func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Rooms currently held in memory.",
	}, func() float64 { return float64(fn()) }))
}

// RegisterHistoryDropped exposes how many history records were dropped
// because the writer fell behind.
func (m *Metrics) RegisterHistoryDropped(fn func() int64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_records_dropped_total",
		Help:      "Round and room records dropped on a full history buffer.",
	}, func() float64 { return float64(fn()) }))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RoundCompleted() {
	if m != nil {
		m.roundsCompleted.Inc()
	}
}

func (m *Metrics) PhraseFallback(mode string) {
	if m != nil {
		m.phraseFallbacks.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.wsConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.wsConnections.Dec()
	}
}

func (m *Metrics) AudioRelayed(bytes, listeners int) {
	if m != nil {
		m.audioBytes.Add(float64(bytes * listeners))
	}
}

// Event counts one handled inbound event; result is "ok" or an error code.
func (m *Metrics) Event(event, result string) {
	if m != nil {
		m.events.WithLabelValues(event, result).Inc()
	}
}

func (m *Metrics) FramesDropped(n int) {
	if m != nil && n > 0 {
		m.framesDropped.Add(float64(n))
	}
}
