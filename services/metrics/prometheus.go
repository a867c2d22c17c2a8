package metricsvc

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trezcool/shule/core"
)

const namespace = "shule"

// Prometheus records the workflow counters on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	transitions         *prometheus.CounterVec
	conflicts           *prometheus.CounterVec
	auditLogs           *prometheus.CounterVec
	integrityViolations *prometheus.CounterVec
}

var _ core.Metrics = (*Prometheus)(nil)

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Status changes of documents, approval requests and data versions.",
		}, []string{"entity", "from", "to"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrent_conflicts_total",
			Help:      "Writes refused because the entity changed concurrently.",
		}, []string{"entity"}),
		auditLogs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_logs_total",
			Help:      "Audit logs recorded, by action and risk level.",
		}, []string{"action", "risk"}),
		integrityViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_violations_total",
			Help:      "Checksum mismatches detected, by subject kind.",
		}, []string{"kind"}),
	}
}

func (p *Prometheus) Transition(entity, from, to string) {
	p.transitions.WithLabelValues(entity, from, to).Inc()
}

func (p *Prometheus) Conflict(entity string) {
	p.conflicts.WithLabelValues(entity).Inc()
}

func (p *Prometheus) AuditLogged(action, risk string) {
	p.auditLogs.WithLabelValues(action, risk).Inc()
}

func (p *Prometheus) IntegrityViolation(kind string) {
	p.integrityViolations.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}
