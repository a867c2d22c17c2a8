package metricsvc

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheus(t *testing.T) {
	p := NewPrometheus()
	p.Transition("document", "draft", "review")
	p.Transition("document", "draft", "review")
	p.Conflict("document")
	p.AuditLogged("approve", "none")
	p.IntegrityViolation("audit_log")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.transitions.WithLabelValues("document", "draft", "review")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.conflicts.WithLabelValues("document")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.auditLogs.WithLabelValues("approve", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.integrityViolations.WithLabelValues("audit_log")))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shule_state_transitions_total")
	assert.Contains(t, rec.Body.String(), "shule_integrity_violations_total")
}
