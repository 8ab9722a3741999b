package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for sightings that never reach the registry.
const (
	DropMalformed    = "malformed"
	DropFiltered     = "filtered"
	DropLookupFailed = "lookup_failed"
	DropClosed       = "closed"
)

// Stages at which a presence event can be lost on its way to the writers.
const (
	EventDropTracker = "tracker"
	EventDropBacklog = "backlog"
)

// Metrics holds the presence pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sightings  prometheus.Counter
	dropped    *prometheus.CounterVec
	conditions *prometheus.CounterVec
	events     *prometheus.CounterVec
	lostEvents *prometheus.CounterVec
	live       prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sightings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presencetrack",
			Name:      "sightings_received_total",
			Help:      "Sightings decoded from the source.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presencetrack",
			Name:      "sightings_dropped_total",
			Help:      "Sightings or payloads dropped before reaching the registry.",
		}, []string{"reason"}),
		conditions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presencetrack",
			Name:      "source_conditions_total",
			Help:      "Connection conditions reported by the source.",
		}, []string{"condition"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presencetrack",
			Name:      "presence_events_total",
			Help:      "Registry transitions by kind.",
		}, []string{"kind"}),
		lostEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presencetrack",
			Name:      "presence_events_dropped_total",
			Help:      "Registry transitions that never reached the writers.",
		}, []string{"stage"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presencetrack",
			Name:      "live_entities",
			Help:      "Entities currently present.",
		}),
	}
	reg.MustRegister(
		m.sightings, m.dropped, m.conditions, m.events, m.lostEvents, m.live,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SightingReceived() {
	if m == nil {
		return
	}
	m.sightings.Inc()
}

func (m *Metrics) SightingDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SourceCondition(condition string) {
	if m == nil {
		return
	}
	m.conditions.WithLabelValues(condition).Inc()
}

func (m *Metrics) PresenceEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// PresenceEventDropped counts a transition lost at stage, either a full tracker channel
// or a write backlog that overflowed while the writers were failing.
func (m *Metrics) PresenceEventDropped(stage string) {
	if m == nil {
		return
	}
	m.lostEvents.WithLabelValues(stage).Inc()
}

func (m *Metrics) SetLive(n int) {
	if m == nil {
		return
	}
	m.live.Set(float64(n))
}
