package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metering Prometheus metrics.
var (
	GuestChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptmeter",
			Name:      "guest_checks_total",
			Help:      "Guest quota checks by outcome",
		},
		[]string{"action", "result"}, // allowed / denied / authenticated
	)

	LedgerDeductionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptmeter",
			Name:      "ledger_deductions_total",
			Help:      "Token deduction attempts by outcome",
		},
		[]string{"action", "result"}, // ok / rejected / insufficient / error
	)

	LedgerTokensDeductedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptmeter",
			Name:      "ledger_tokens_deducted_total",
			Help:      "Tokens deducted from user plans",
		},
		[]string{"action", "model"},
	)

	LedgerRemoteErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptmeter",
			Name:      "ledger_remote_errors_total",
			Help:      "Account store failures by operation",
		},
		[]string{"op"},
	)

	GeneratorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptmeter",
			Name:      "generator_requests_total",
			Help:      "Total number of generator backend requests",
		},
		[]string{"action", "model", "status"},
	)

	GeneratorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promptmeter",
			Name:      "generator_request_duration_seconds",
			Help:      "Generator backend request duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
		},
		[]string{"action", "model"},
	)

	GeneratorTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptmeter",
			Name:      "generator_tokens_total",
			Help:      "Total generator tokens consumed",
		},
		[]string{"model", "type"},
	)
)

var meteringRegistered bool

// RegisterMeteringMetrics registers Prometheus metering metrics. Must be called once from main.
func RegisterMeteringMetrics() {
	if meteringRegistered {
		return
	}
	prometheus.MustRegister(GuestChecksTotal)
	prometheus.MustRegister(LedgerDeductionsTotal)
	prometheus.MustRegister(LedgerTokensDeductedTotal)
	prometheus.MustRegister(LedgerRemoteErrorsTotal)
	prometheus.MustRegister(GeneratorRequestsTotal)
	prometheus.MustRegister(GeneratorRequestDuration)
	prometheus.MustRegister(GeneratorTokensTotal)
	meteringRegistered = true
}
