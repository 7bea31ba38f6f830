package tcctransaction

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tcc"

// Metrics 事务引擎的 prometheus 指标
type Metrics struct {
	begins      *prometheus.CounterVec
	completions *prometheus.CounterVec
	saturations *prometheus.CounterVec
	recoveries  *prometheus.CounterVec
}

// NewMetrics reg 为空时只创建不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		begins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_begun_total",
			Help:      "Transactions begun or resumed, by entry point and type.",
		}, []string{"entry", "type"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_completed_total",
			Help:      "Confirm and cancel drives, by action, mode and result.",
		}, []string{"action", "mode", "result"}),
		saturations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "async_submit_rejected_total",
			Help:      "Async confirm/cancel submissions rejected by the worker pool.",
		}, []string{"action"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recovery_transactions_total",
			Help:      "Transactions handled by the recovery sweep, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.begins, m.completions, m.saturations, m.recoveries)
	}
	return m
}

func (m *Metrics) begin(entry string, txType TransactionType) {
	m.begins.WithLabelValues(entry, txType.String()).Inc()
}

func (m *Metrics) complete(action string, async bool, result string) {
	mode := "sync"
	if async {
		mode = "async"
	}
	m.completions.WithLabelValues(action, mode, result).Inc()
}

func (m *Metrics) saturated(action string) {
	m.saturations.WithLabelValues(action).Inc()
}

func (m *Metrics) recovered(result string) {
	m.recoveries.WithLabelValues(result).Inc()
}
