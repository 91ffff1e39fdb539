package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "settlement"

var (
	// Registry holds the service's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "operations_total",
			Help:      "Wallet ledger operations by kind and result.",
		},
		[]string{"op", "result"},
	)

	billingTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "ticks_total",
			Help:      "Billing ticks recorded.",
		},
	)

	billingCharged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "charged_halala_total",
			Help:      "Halala charged to renters by ticks and settlements.",
		},
	)

	billingReceipts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "receipts_total",
			Help:      "Billing sessions closed with a receipt.",
		},
	)

	jobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "transitions_total",
			Help:      "Job state transitions by target status.",
		},
		[]string{"status"},
	)

	gpuWipes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "gpu_wipes_total",
			Help:      "GPU wipe attempts by result.",
		},
		[]string{"result"},
	)

	auditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Audit events by outcome (written, dropped, failed).",
		},
		[]string{"outcome"},
	)

	schedulerRuns = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of scheduled sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"sweep"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerOps,
		billingTicks,
		billingCharged,
		billingReceipts,
		jobTransitions,
		gpuWipes,
		auditEvents,
		schedulerRuns,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.Status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordLedgerOp counts a wallet operation.
func RecordLedgerOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ledgerOps.WithLabelValues(op, result).Inc()
}

// RecordTick counts a billing tick and the halala it charged.
func RecordTick(amount int64) {
	billingTicks.Inc()
	if amount > 0 {
		billingCharged.Add(float64(amount))
	}
}

// RecordReceipt counts a closed session and its settlement remainder.
func RecordReceipt(settlement int64) {
	billingReceipts.Inc()
	if settlement > 0 {
		billingCharged.Add(float64(settlement))
	}
}

func RecordJobTransition(status string) {
	jobTransitions.WithLabelValues(status).Inc()
}

func RecordGPUWipe(err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	gpuWipes.WithLabelValues(result).Inc()
}

// RecordAuditEvent counts audit outcomes: written, dropped or failed.
func RecordAuditEvent(outcome string) {
	auditEvents.WithLabelValues(outcome).Inc()
}

func RecordSweep(name string, duration time.Duration) {
	schedulerRuns.WithLabelValues(name).Observe(duration.Seconds())
}

// StatusRecorder captures the response status. It forwards Hijack so websocket
// upgrades keep working behind the middleware chain.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func (r *StatusRecorder) WriteHeader(code int) {
	r.Status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *StatusRecorder) Write(b []byte) (int, error) {
	if r.Status == 0 {
		r.Status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	r.Status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *StatusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// canonicalPath collapses identifiers so label cardinality stays bounded,
// e.g. /jobs/<id>/complete -> /jobs/:id/complete.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "jobs", "wallets":
		if len(parts) >= 2 {
			parts[1] = ":id"
		}
	case "billing":
		if len(parts) >= 3 && parts[1] == "sessions" {
			parts[2] = ":id"
		}
	}
	if len(parts) > 4 {
		parts = parts[:4]
	}
	return "/" + strings.Join(parts, "/")
}
