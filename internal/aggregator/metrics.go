package aggregator

import "github.com/prometheus/client_golang/prometheus"

// metrics mirrors the ambient-stack's Prometheus pattern: a struct of
// collectors constructed once and registered against a caller-supplied
// registerer, so tests can use a private registry instead of the global
// default.
type metrics struct {
	quorumChecksTotal    *prometheus.CounterVec
	submissionsTotal     *prometheus.CounterVec
	groupsParkedTotal    prometheus.Counter
	groupsAbandonedTotal *prometheus.CounterVec
	signaturesAccepted   *prometheus.CounterVec
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		quorumChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_quorum_checks_total",
			Help: "Total on-chain quorum validation calls, by result",
		}, []string{"result"}),
		submissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_submissions_total",
			Help: "Total on-chain submissions attempted, by outcome",
		}, []string{"outcome"}),
		groupsParkedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_groups_parked_total",
			Help: "Total queue-key groups parked after exhausting their retry budget on a Resource-class failure",
		}),
		groupsAbandonedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_groups_abandoned_total",
			Help: "Total queue-key groups abandoned immediately on a non-quorum on-chain validate() protocol failure, by error code",
		}, []string{"code"}),
		signaturesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_signatures_accepted_total",
			Help: "Total distinct operator signatures accepted into a group",
		}, []string{"workflow_id"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.quorumChecksTotal, m.submissionsTotal, m.groupsParkedTotal, m.groupsAbandonedTotal, m.signaturesAccepted)
	}
	return m
}
