package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g960059/postsync/internal/model"
)

// Metrics holds the Prometheus collectors for the sync engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ActiveChannels   *prometheus.GaugeVec
	TriggerRequests  *prometheus.CounterVec
	PollFetches      *prometheus.CounterVec
	StreamEvents     *prometheus.CounterVec
	StreamReconnects prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveChannels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "postsync",
			Name:      "active_channels",
			Help:      "Open synchronization channels per attribute.",
		}, []string{"attribute"}),
		TriggerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postsync",
			Name:      "trigger_requests_total",
			Help:      "Backend job trigger calls by attribute and result.",
		}, []string{"attribute", "result"}),
		PollFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postsync",
			Name:      "poll_fetches_total",
			Help:      "Sentiment poll fetches by result.",
		}, []string{"result"}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postsync",
			Name:      "stream_events_total",
			Help:      "Server-push events received by event name.",
		}, []string{"event"}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "postsync",
			Name:      "stream_reconnects_total",
			Help:      "Push stream reconnect attempts.",
		}),
	}
	m.registry.MustRegister(m.ActiveChannels, m.TriggerRequests, m.PollFetches, m.StreamEvents, m.StreamReconnects)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ChannelOpened(attr model.Attribute) {
	if m == nil {
		return
	}
	m.ActiveChannels.WithLabelValues(string(attr)).Inc()
}

func (m *Metrics) ChannelClosed(attr model.Attribute) {
	if m == nil {
		return
	}
	m.ActiveChannels.WithLabelValues(string(attr)).Dec()
}

func (m *Metrics) Trigger(attr model.Attribute, err error) {
	if m == nil {
		return
	}
	m.TriggerRequests.WithLabelValues(string(attr), result(err)).Inc()
}

func (m *Metrics) PollFetch(err error) {
	if m == nil {
		return
	}
	m.PollFetches.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) StreamEvent(name string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(name).Inc()
}

func (m *Metrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
