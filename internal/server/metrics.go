package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the service's Prometheus registry. It also receives the payment
// pipeline's counters.
type Metrics struct {
	registry          *prometheus.Registry
	paymentsTotal     *prometheus.CounterVec
	disbursements     *prometheus.CounterVec
	verifications     *prometheus.CounterVec
	associationsTotal *prometheus.CounterVec
	rejectionsTotal   *prometheus.CounterVec
	rateLimitedTotal  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decenterai_payments_total",
		Help: "Accepted payment claims by resulting state",
	}, []string{"status"})

	disbursements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decenterai_disbursements_total",
		Help: "Reward token transfers by result",
	}, []string{"result"})

	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decenterai_verifications_total",
		Help: "Background payment verifications by result",
	}, []string{"result"})

	associations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decenterai_association_prepare_total",
		Help: "Association preparation requests by result",
	}, []string{"result"})

	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decenterai_payment_rejections_total",
		Help: "Rejected payment claims by reason",
	}, []string{"reason"})

	limited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decenterai_rate_limited_total",
		Help: "Requests refused by the rate limiter",
	}, []string{"scope"})

	r := prometheus.NewRegistry()
	r.MustRegister(payments, disbursements, verifications, associations, rejections, limited)

	return &Metrics{
		registry:          r,
		paymentsTotal:     payments,
		disbursements:     disbursements,
		verifications:     verifications,
		associationsTotal: associations,
		rejectionsTotal:   rejections,
		rateLimitedTotal:  limited,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePayment(status string) {
	m.paymentsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveDisbursement(result string) {
	m.disbursements.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveVerification(result string) {
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) incAssociation(result string) {
	m.associationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incRejection(reason string) {
	m.rejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) incRateLimited(scope string) {
	m.rateLimitedTotal.WithLabelValues(scope).Inc()
}
