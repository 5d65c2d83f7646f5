package gradius

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters exported on /metrics. A nil *Metrics records nothing.
type Metrics struct {
	sessionsIssued      prometheus.Counter
	sessionValidations  *prometheus.CounterVec
	allocationAttempts  *prometheus.CounterVec
	peerConfigRenders   *prometheus.CounterVec
	registryFailures    *prometheus.CounterVec
	federationExchanges *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gradius",
			Name:      "sessions_issued_total",
			Help:      "Sessions issued after successful authentication.",
		}),
		sessionValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradius",
			Name:      "session_validations_total",
			Help:      "Bearer token validations by outcome.",
		}, []string{"outcome"}),
		allocationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradius",
			Name:      "peer_allocation_attempts_total",
			Help:      "VPN address allocation attempts by result.",
		}, []string{"result"}),
		peerConfigRenders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradius",
			Name:      "peer_config_renders_total",
			Help:      "Peer configuration artifacts rendered, by format.",
		}, []string{"format"}),
		registryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradius",
			Name:      "peer_registry_failures_total",
			Help:      "Failed live VPN server peer table updates, by operation.",
		}, []string{"operation"}),
		federationExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradius",
			Name:      "federation_exchanges_total",
			Help:      "Identity provider code exchanges by outcome.",
		}, []string{"outcome"}),
	}

	collectors := []prometheus.Collector{
		m.sessionsIssued,
		m.sessionValidations,
		m.allocationAttempts,
		m.peerConfigRenders,
		m.registryFailures,
		m.federationExchanges,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sessionIssued() {
	if m == nil {
		return
	}
	m.sessionsIssued.Inc()
}

func (m *Metrics) sessionValidated(outcome string) {
	if m == nil {
		return
	}
	m.sessionValidations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) allocationAttempt(result string) {
	if m == nil {
		return
	}
	m.allocationAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) configRendered(format string) {
	if m == nil {
		return
	}
	m.peerConfigRenders.WithLabelValues(format).Inc()
}

func (m *Metrics) registryFailed(operation string) {
	if m == nil {
		return
	}
	m.registryFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) federationExchanged(outcome string) {
	if m == nil {
		return
	}
	m.federationExchanges.WithLabelValues(outcome).Inc()
}
