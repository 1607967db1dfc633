package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// BillsCreatedTotal counts draft bills opened.
	BillsCreatedTotal prometheus.Counter
	// BillsPostedTotal counts bills that reached the posted state.
	BillsPostedTotal prometheus.Counter
	// BillsRefundedTotal counts refund mirror bills issued.
	BillsRefundedTotal prometheus.Counter
	// PaymentsRecordedTotal counts payments by tender method.
	PaymentsRecordedTotal *prometheus.CounterVec
	// InvoiceSequenceRetryTotal counts retryable failures while minting
	// invoice numbers.
	InvoiceSequenceRetryTotal prometheus.Counter
	// ContributionInvariantViolations counts exact-sum failures in the split
	// calculator. Any non-zero value is a logic bug.
	ContributionInvariantViolations prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		BillsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bills_created_total",
			Help:      "Number of draft bills opened.",
		})
		BillsPostedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bills_posted_total",
			Help:      "Number of bills posted with an invoice number.",
		})
		BillsRefundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bills_refunded_total",
			Help:      "Number of refund bills issued.",
		})
		PaymentsRecordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_recorded_total",
			Help:      "Number of payments recorded by tender method.",
		}, []string{"method"})
		InvoiceSequenceRetryTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_sequence_retry_total",
			Help:      "Retryable failures while minting invoice numbers.",
		})
		ContributionInvariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contribution_invariant_violations_total",
			Help:      "Exact-sum violations detected by the contribution calculator.",
		})

		mustRegisterCollector(reg, BillsCreatedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				BillsCreatedTotal = v
			}
		})
		mustRegisterCollector(reg, BillsPostedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				BillsPostedTotal = v
			}
		})
		mustRegisterCollector(reg, BillsRefundedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				BillsRefundedTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentsRecordedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentsRecordedTotal = v
			}
		})
		mustRegisterCollector(reg, InvoiceSequenceRetryTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				InvoiceSequenceRetryTotal = v
			}
		})
		mustRegisterCollector(reg, ContributionInvariantViolations, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				ContributionInvariantViolations = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
