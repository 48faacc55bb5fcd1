package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loranode",
			Name:      "events_total",
			Help:      "Stack events handled by the dispatcher.",
		},
		[]string{"event"},
	)

	UplinksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loranode",
			Name:      "uplinks_total",
			Help:      "Uplink submissions by stream and outcome.",
		},
		[]string{"stream", "result"},
	)

	RetriesScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loranode",
			Name:      "retries_scheduled_total",
			Help:      "Backpressure retries scheduled.",
		},
		[]string{"stream"},
	)

	RetriesCoalesced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loranode",
			Name:      "retries_coalesced_total",
			Help:      "Backpressure responses absorbed by an already pending retry.",
		},
		[]string{"stream"},
	)

	ReceivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loranode",
			Name:      "receives_total",
			Help:      "Downlink reads by outcome.",
		},
		[]string{"result"},
	)

	DeviceClass = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "loranode",
			Name:      "device_class",
			Help:      "Current LoRaWAN device class (0 = A, 2 = C).",
		},
	)

	IndicatorOn = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "loranode",
			Name:      "indicator_on",
			Help:      "Status indicator state (1 = on).",
		},
		[]string{"led"},
	)

	// ---- Admin HTTP ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loranode",
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loranode",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of admin HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "loranode",
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight admin HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "loranode",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "loranode",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		EventsTotal, UplinksTotal, RetriesScheduled, RetriesCoalesced, ReceivesTotal,
		DeviceClass, IndicatorOn,
		RequestsTotal, RequestDuration, InFlight, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
