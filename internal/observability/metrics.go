package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the Prometheus registry and the meters shared by the
// storage and fork layers.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	NamespaceOps      *prometheus.CounterVec
	RecordsCopied     prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
}

// NewMetrics creates a registry holding the dmls meters and the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dmls_operation_duration_seconds",
		Help:    "Duration of group and storage operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dmls_operation_total",
		Help: "Total number of group and storage operations.",
	}, []string{"operation", "status"})

	nsOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dmls_namespace_ops_total",
		Help: "Namespace clones and drops by backend.",
	}, []string{"op", "backend", "status"})

	copied := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmls_records_copied_total",
		Help: "Records copied by namespace clones.",
	})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dmls_errors_total",
		Help: "Total number of failed operations by kind.",
	}, []string{"operation", "kind"})

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		opDuration, opTotal, nsOps, copied, errorsTotal,
	)

	return &Metrics{
		Registry:          reg,
		OperationDuration: opDuration,
		OperationTotal:    opTotal,
		NamespaceOps:      nsOps,
		RecordsCopied:     copied,
		ErrorsTotal:       errorsTotal,
	}
}

// NamespaceOp counts one clone or drop. Safe on a nil receiver.
func (m *Metrics) NamespaceOp(op, backend string, err error) {
	if m == nil {
		return
	}
	m.NamespaceOps.WithLabelValues(op, backend, statusOf(err)).Inc()
}

// Copied adds n to the copied-records counter. Safe on a nil receiver.
func (m *Metrics) Copied(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsCopied.Add(float64(n))
}
