package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the transcode gateway.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	streamStartsTotal  prometheus.Counter
	startFailuresTotal prometheus.Counter
	streamsReapedTotal prometheus.Counter
	relayedBytesTotal  prometheus.Counter
	activeStreams      prometheus.Gauge
	consumers          prometheus.Gauge
	errorsTotal        prometheus.Counter
}

// New creates and registers Prometheus metrics for the gateway.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of HTTP requests received",
	})
	streamStartsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_stream_starts_total",
		Help: "Total number of transcoding processes started",
	})
	startFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_start_failures_total",
		Help: "Total number of transcoding processes that failed to reach readiness",
	})
	streamsReapedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_streams_reaped_total",
		Help: "Total number of streams torn down by the supervisor",
	})
	relayedBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_relayed_bytes_total",
		Help: "Total transcoded bytes delivered to consumers",
	})
	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_streams",
		Help: "Number of live transcoding streams",
	})
	consumers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_consumers",
		Help: "Number of currently attached stream consumers",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		streamStartsTotal,
		startFailuresTotal,
		streamsReapedTotal,
		relayedBytesTotal,
		activeStreams,
		consumers,
		errorsTotal,
	)

	return &Metrics{
		registry:           registry,
		requestsTotal:      requestsTotal,
		streamStartsTotal:  streamStartsTotal,
		startFailuresTotal: startFailuresTotal,
		streamsReapedTotal: streamsReapedTotal,
		relayedBytesTotal:  relayedBytesTotal,
		activeStreams:      activeStreams,
		consumers:          consumers,
		errorsTotal:        errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncStreamStarts increments the started-process counter.
func (m *Metrics) IncStreamStarts() {
	m.streamStartsTotal.Inc()
}

// IncStartFailures increments the failed-start counter.
func (m *Metrics) IncStartFailures() {
	m.startFailuresTotal.Inc()
}

// IncStreamsReaped increments the reaped-stream counter.
func (m *Metrics) IncStreamsReaped() {
	m.streamsReapedTotal.Inc()
}

// AddRelayedBytes adds n to the delivered-bytes counter.
func (m *Metrics) AddRelayedBytes(n int) {
	m.relayedBytesTotal.Add(float64(n))
}

// SetActiveStreams sets the live stream gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// SetConsumers sets the attached consumer gauge.
func (m *Metrics) SetConsumers(n int) {
	m.consumers.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. active streams and consumers).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
