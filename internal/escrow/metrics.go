package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts escrow operations
type Metrics struct {
	offersMade    prometheus.Counter
	offersTaken   prometheus.Counter
	failures      *prometheus.CounterVec
	commitRetries prometheus.Counter
}

// NewMetrics creates the escrow collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		offersMade: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "offers_made_total",
			Help:      "Offers opened.",
		}),
		offersTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "offers_taken_total",
			Help:      "Offers settled.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "operation_failures_total",
			Help:      "Rejected or reverted operations by error code.",
		}, []string{"op", "code"}),
		commitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "ledger_commit_retries_total",
			Help:      "Transactions re-run after a commit conflict.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.offersMade, m.offersTaken, m.failures, m.commitRetries)
	}
	return m
}

// CommitRetried is meant for ledger.Config.OnCommitRetry
func (m *Metrics) CommitRetried() {
	if m == nil {
		return
	}
	m.commitRetries.Inc()
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.failures.WithLabelValues(op, string(CodeOf(err))).Inc()
		return
	}
	switch op {
	case opMakeOffer:
		m.offersMade.Inc()
	case opTakeOffer:
		m.offersTaken.Inc()
	}
}
