package core

// Metrics records workflow counters.
type Metrics interface {
	Transition(entity, from, to string)
	Conflict(entity string)
	AuditLogged(action, risk string)
	IntegrityViolation(kind string)
}

type nopMetrics struct{}

func NewNopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) Transition(string, string, string) {}
func (nopMetrics) Conflict(string)                   {}
func (nopMetrics) AuditLogged(string, string)        {}
func (nopMetrics) IntegrityViolation(string)         {}
