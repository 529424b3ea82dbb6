package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BankMetrics exposes the counters tracked for the loan ledger.
type BankMetrics struct {
	loansOpened    *prometheus.CounterVec
	loansRepaid    *prometheus.CounterVec
	loansCollected *prometheus.CounterVec
}

var (
	bankOnce     sync.Once
	bankRegistry *BankMetrics
)

// Bank returns the process-wide bank metrics registry.
func Bank() *BankMetrics {
	bankOnce.Do(func() {
		bankRegistry = &BankMetrics{
			loansOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bank_loans_opened_total",
				Help: "Count of loans opened by pool.",
			}, []string{"pool"}),
			loansRepaid: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bank_loans_repaid_total",
				Help: "Count of loans repaid in full by pool.",
			}, []string{"pool"}),
			loansCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bank_loans_collected_total",
				Help: "Count of loans settled by third-party collection by pool.",
			}, []string{"pool"}),
		}
	})
	return bankRegistry
}

// Register attaches the bank collectors to the provided registerer.
func (m *BankMetrics) Register(reg prometheus.Registerer) error {
	if m == nil || reg == nil {
		return nil
	}
	for _, collector := range []prometheus.Collector{m.loansOpened, m.loansRepaid, m.loansCollected} {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// LoanOpened records a borrow against the pool.
func (m *BankMetrics) LoanOpened(pool string) {
	if m == nil {
		return
	}
	m.loansOpened.WithLabelValues(pool).Inc()
}

// LoanRepaid records a full repayment against the pool.
func (m *BankMetrics) LoanRepaid(pool string) {
	if m == nil {
		return
	}
	m.loansRepaid.WithLabelValues(pool).Inc()
}

// LoanCollected records a third-party collection against the pool.
func (m *BankMetrics) LoanCollected(pool string) {
	if m == nil {
		return
	}
	m.loansCollected.WithLabelValues(pool).Inc()
}
