package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the broker and its endpoints.
// It implements the broker's Recorder interface.
type Metrics struct {
	registry *prometheus.Registry

	subscriptionsActive  prometheus.Gauge
	subscriptionsTotal   prometheus.Counter
	subscriptionsExpired prometheus.Counter

	framesSent prometheus.Counter
	bytesSent  prometheus.Counter

	heartbeatsTotal prometheus.Counter

	publishRequests    *prometheus.CounterVec
	publishRateLimited prometheus.Counter

	natsMessages prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sse_subscriptions_active",
			Help: "Current number of live subscriptions",
		}),
		subscriptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_subscriptions_total",
			Help: "Total number of subscriptions registered",
		}),
		subscriptionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_subscriptions_expired_total",
			Help: "Total number of subscriptions reaped for missing heartbeats",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_frames_sent_total",
			Help: "Total number of event frames written to clients",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_bytes_sent_total",
			Help: "Total number of frame bytes written to clients",
		}),
		heartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_heartbeats_total",
			Help: "Total number of client heartbeats received",
		}),
		publishRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sse_publish_requests_total",
			Help: "Publish endpoint requests by outcome",
		}, []string{"outcome"}),
		publishRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_publish_rate_limited_total",
			Help: "Publish requests rejected by the rate limiter",
		}),
		natsMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_nats_messages_total",
			Help: "Events received over the NATS bridge",
		}),
	}

	m.registry.MustRegister(
		m.subscriptionsActive,
		m.subscriptionsTotal,
		m.subscriptionsExpired,
		m.framesSent,
		m.bytesSent,
		m.heartbeatsTotal,
		m.publishRequests,
		m.publishRateLimited,
		m.natsMessages,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Recorder interface for the broker.

func (m *Metrics) SubscriptionOpened() {
	m.subscriptionsActive.Inc()
	m.subscriptionsTotal.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	m.subscriptionsActive.Dec()
}

func (m *Metrics) FrameSent(bytes int) {
	m.framesSent.Inc()
	m.bytesSent.Add(float64(bytes))
}

func (m *Metrics) HeartbeatReceived() {
	m.heartbeatsTotal.Inc()
}

func (m *Metrics) SubscriptionExpired() {
	m.subscriptionsExpired.Inc()
}

// Endpoint-side recorders.

func (m *Metrics) PublishAccepted()    { m.publishRequests.WithLabelValues("accepted").Inc() }
func (m *Metrics) PublishRejected()    { m.publishRequests.WithLabelValues("rejected").Inc() }
func (m *Metrics) PublishRateLimited() { m.publishRateLimited.Inc() }
func (m *Metrics) NATSMessage()        { m.natsMessages.Inc() }
