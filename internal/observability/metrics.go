package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	bridgeReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wclink",
			Subsystem: "bridge",
			Name:      "reconnects_total",
			Help:      "Bridge reconnect attempts by outcome.",
		},
		[]string{"outcome"},
	)
	bridgeAbsorbedErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wclink",
			Subsystem: "bridge",
			Name:      "absorbed_errors_total",
			Help:      "Transport errors absorbed after a session was established.",
		},
	)
	sessionDecryptFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wclink",
			Subsystem: "session",
			Name:      "decrypt_failures_total",
			Help:      "Inbound frames discarded for failed HMAC or malformed envelope.",
		},
	)
	sessionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wclink",
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Inbound protocol requests by method and disposition.",
		},
		[]string{"method", "disposition"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(bridgeReconnects, bridgeAbsorbedErrors, sessionDecryptFailures, sessionRequests)
	})
}

func RecordReconnect(outcome string) {
	RegisterMetrics()
	bridgeReconnects.WithLabelValues(outcome).Inc()
}

func RecordAbsorbedError() {
	RegisterMetrics()
	bridgeAbsorbedErrors.Inc()
}

func RecordDecryptFailure() {
	RegisterMetrics()
	sessionDecryptFailures.Inc()
}

func RecordRequest(method, disposition string) {
	RegisterMetrics()
	sessionRequests.WithLabelValues(method, disposition).Inc()
}
