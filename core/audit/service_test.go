package audit_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/user"
	"github.com/trezcool/shule/testutil"
)

type staff struct {
	admin, teacher user.User
}

func setup(t *testing.T, conf *core.Config) (*testutil.Env, staff) {
	t.Helper()
	env := testutil.NewEnv(t, conf)
	return env, staff{
		admin:   testutil.CreateUser(t, env.UserRepo, "Principal", "principal", "principal@shule.test", "", []string{user.RoleAdminPrincipal}, true),
		teacher: testutil.CreateUser(t, env.UserRepo, "Teacher", "teacher", "teacher@shule.test", "", []string{user.RoleTeacher}, true),
	}
}

func loginAttempt(rc core.RequestContext) audit.Entry {
	return audit.Entry{
		Subject:     core.NewSubject(core.SubjectUser, rc.ActorID),
		Action:      audit.ActionLoginAttempt,
		Failed:      true,
		Description: "invalid credentials",
	}
}

func TestService_Log(t *testing.T) {
	ctx := context.Background()
	env, s := setup(t, nil)
	rc := testutil.RC(s.teacher)

	_, err := env.AuditSvc.Log(ctx, rc, audit.Entry{})
	assert.Error(t, err, "action is required")

	l, err := env.AuditSvc.Log(ctx, rc, audit.Entry{
		Subject:   core.NewSubject(core.SubjectDocument, "d1"),
		Action:    audit.ActionUpdate,
		OldValues: map[string]interface{}{"title": "a"},
		NewValues: map[string]interface{}{"title": "b"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, s.teacher.ID, l.ActorID)
	assert.Equal(t, "10.0.0.1", l.Origin)
	assert.Equal(t, "go-test", l.UserAgent)
	assert.Equal(t, "session-teacher", l.SessionID)
	assert.True(t, l.Success)
	assert.Equal(t, audit.SeverityInfo, l.Severity)
	assert.Equal(t, audit.RiskNone, l.RiskLevel)
	assert.False(t, l.IsSuspicious)
	assert.Len(t, l.Checksum, 64)
	assert.True(t, l.VerifyChecksum())

	stored, err := env.AuditSvc.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.Checksum, stored.Checksum)
	assert.True(t, stored.VerifyChecksum())

	_, err = env.AuditSvc.Get(ctx, "unknown")
	assert.Equal(t, audit.ErrNotFound, errors.Cause(err))

	t.Run("explicit severity wins", func(t *testing.T) {
		l, err := env.AuditSvc.Log(ctx, rc, audit.Entry{Action: audit.ActionRead, Severity: audit.SeverityCritical})
		require.NoError(t, err)
		assert.Equal(t, audit.SeverityCritical, l.Severity)
	})

	t.Run("system activity is never scored", func(t *testing.T) {
		sys := core.SystemContext("cron")
		for i := 0; i < 5; i++ {
			l, err := env.AuditSvc.Log(ctx, sys, loginAttempt(sys))
			require.NoError(t, err)
			assert.Empty(t, l.Indicators)
		}
	})
}

func TestLog_ComputeChecksum(t *testing.T) {
	l := audit.Log{
		ID:        "l1",
		Subject:   core.NewSubject(core.SubjectDocument, "d1"),
		ActorID:   "u1",
		Action:    audit.ActionApprove,
		Success:   true,
		Severity:  audit.SeverityInfo,
		RiskLevel: audit.RiskNone,
		NewValues: map[string]interface{}{"status": "approved"},
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC),
	}
	sum, err := l.ComputeChecksum()
	require.NoError(t, err)
	l.Checksum = sum
	assert.True(t, l.VerifyChecksum())

	investigated := l
	investigated.InvestigatedAt = time.Now()
	investigated.InvestigatedBy = "u2"
	investigated.InvestigationNotes = "fine"
	investigated.RequiresInvestigation = true
	assert.True(t, investigated.VerifyChecksum(), "investigation fields are not sealed")

	tests := []struct {
		name   string
		tamper func(l *audit.Log)
	}{
		{"actor", func(l *audit.Log) { l.ActorID = "u9" }},
		{"action", func(l *audit.Log) { l.Action = audit.ActionReject }},
		{"success", func(l *audit.Log) { l.Success = false }},
		{"values", func(l *audit.Log) { l.NewValues = map[string]interface{}{"status": "rejected"} }},
		{"origin", func(l *audit.Log) { l.Origin = "1.2.3.4" }},
		{"time", func(l *audit.Log) { l.CreatedAt = l.CreatedAt.Add(time.Microsecond) }},
		{"suspicious", func(l *audit.Log) { l.IsSuspicious = true }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tampered := l
			tc.tamper(&tampered)
			assert.False(t, tampered.VerifyChecksum())
		})
	}
}

func TestService_repeatedFailures(t *testing.T) {
	ctx := context.Background()
	env, s := setup(t, nil)
	rc := testutil.RC(s.teacher)

	for i := 0; i < audit.FailureThreshold; i++ {
		l, err := env.AuditSvc.Log(ctx, rc, loginAttempt(rc))
		require.NoError(t, err)
		assert.False(t, l.IsSuspicious, "attempt %d", i+1)
		assert.Equal(t, audit.SeverityNotice, l.Severity)
	}
	assert.NotContains(t, env.Notifier.Events(), core.EventSuspiciousActivity)

	l, err := env.AuditSvc.Log(ctx, rc, loginAttempt(rc))
	require.NoError(t, err)
	assert.Equal(t, []audit.Indicator{audit.IndicatorRepeatedFailures}, l.Indicators)
	assert.True(t, l.IsSuspicious)
	assert.True(t, l.RequiresInvestigation)
	assert.Equal(t, audit.RiskMedium, l.RiskLevel)
	assert.Equal(t, audit.SeverityWarning, l.Severity)
	assert.True(t, l.VerifyChecksum())
	assert.Contains(t, env.Notifier.Events(), core.EventSuspiciousActivity)

	other := testutil.RC(s.admin)
	l, err = env.AuditSvc.Log(ctx, other, loginAttempt(other))
	require.NoError(t, err)
	assert.False(t, l.IsSuspicious, "failures are counted per actor")

	t.Run("failures expire", func(t *testing.T) {
		defer func(orig func() time.Time) { audit.NowFunc = orig }(audit.NowFunc)
		audit.NowFunc = func() time.Time { return time.Now().Add(audit.FailureWindow + time.Minute) }

		l, err := env.AuditSvc.Log(ctx, rc, loginAttempt(rc))
		require.NoError(t, err)
		assert.NotContains(t, l.Indicators, audit.IndicatorRepeatedFailures)
	})
}

func TestService_heuristics(t *testing.T) {
	ctx := context.Background()
	hour := time.Now().UTC().Hour()
	conf := testutil.NewConfig()
	conf.Audit.BusinessHoursStart = (hour + 1) % 24
	conf.Audit.BusinessHoursEnd = (hour + 2) % 24
	env, s := setup(t, conf)

	entry := audit.Entry{Subject: core.NewSubject(core.SubjectDocument, "d1"), Action: audit.ActionRead}

	l, err := env.AuditSvc.Log(ctx, testutil.RC(s.teacher, "10.0.0.1"), entry)
	require.NoError(t, err)
	assert.Equal(t, []audit.Indicator{audit.IndicatorOffHours}, l.Indicators)
	assert.Equal(t, audit.RiskLow, l.RiskLevel)
	assert.False(t, l.IsSuspicious)

	_, err = env.AuditSvc.Log(ctx, testutil.RC(s.teacher, "10.0.0.2"), entry)
	require.NoError(t, err)

	l, err = env.AuditSvc.Log(ctx, testutil.RC(s.teacher, "10.0.0.3"), entry)
	require.NoError(t, err)
	assert.ElementsMatch(t, []audit.Indicator{audit.IndicatorMultipleOrigins, audit.IndicatorOffHours}, l.Indicators)
	assert.Equal(t, audit.RiskMedium, l.RiskLevel)
	assert.True(t, l.IsSuspicious)
	assert.False(t, l.RequiresInvestigation)
	assert.Equal(t, audit.SeverityWarning, l.Severity)

	for i := 0; i < audit.AccessThreshold; i++ {
		l, err = env.AuditSvc.Log(ctx, testutil.RC(s.teacher, "10.0.0.3"), entry)
		require.NoError(t, err)
	}
	assert.ElementsMatch(t, []audit.Indicator{audit.IndicatorHighFrequency, audit.IndicatorMultipleOrigins, audit.IndicatorOffHours}, l.Indicators)
	assert.Equal(t, audit.RiskHigh, l.RiskLevel)
	assert.True(t, l.RequiresInvestigation)

	suspicious := true
	flagged, err := env.AuditSvc.Query(ctx, &audit.QueryFilter{ActorID: s.teacher.ID, IsSuspicious: &suspicious}, nil)
	require.NoError(t, err)
	assert.Len(t, flagged, audit.AccessThreshold+1)
}

func TestService_Investigate(t *testing.T) {
	ctx := context.Background()
	env, s := setup(t, nil)
	rc := testutil.RC(s.teacher)

	var flagged audit.Log
	for i := 0; i <= audit.FailureThreshold; i++ {
		var err error
		flagged, err = env.AuditSvc.Log(ctx, rc, loginAttempt(rc))
		require.NoError(t, err)
	}
	require.True(t, flagged.RequiresInvestigation)

	_, err := env.AuditSvc.Investigate(ctx, rc, flagged.ID, "me")
	assert.Equal(t, core.ErrAuthorizationDenied, errors.Cause(err))

	adminRC := testutil.RC(s.admin)
	_, err = env.AuditSvc.Investigate(ctx, adminRC, flagged.ID, "  ")
	assert.IsType(t, &core.ValidationError{}, errors.Cause(err))

	closed, err := env.AuditSvc.Investigate(ctx, adminRC, flagged.ID, "teacher forgot the password")
	require.NoError(t, err)
	assert.False(t, closed.RequiresInvestigation)
	assert.True(t, closed.IsInvestigated())
	assert.Equal(t, s.admin.ID, closed.InvestigatedBy)
	assert.Equal(t, "teacher forgot the password", closed.InvestigationNotes)
	assert.True(t, closed.VerifyChecksum(), "investigation keeps the seal")
	assert.Equal(t, flagged.Checksum, closed.Checksum)

	_, err = env.AuditSvc.Investigate(ctx, adminRC, flagged.ID, "again")
	assert.Equal(t, core.ErrInvalidTransition, errors.Cause(err))

	logs, err := env.AuditSvc.Query(ctx, &audit.QueryFilter{SubjectID: flagged.ID, Actions: []audit.Action{audit.ActionInvestigate}}, nil)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestService_VerifyAll(t *testing.T) {
	ctx := context.Background()
	env, s := setup(t, nil)
	rc := testutil.RC(s.admin)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		l, err := env.AuditSvc.Log(ctx, testutil.RC(s.teacher), audit.Entry{
			Subject: core.NewSubject(core.SubjectDocument, "d1"),
			Action:  audit.ActionUpdate,
		})
		require.NoError(t, err)
		ids = append(ids, l.ID)
	}

	tampered, err := env.AuditSvc.VerifyAll(ctx, rc, nil)
	require.NoError(t, err)
	assert.Empty(t, tampered)

	require.True(t, env.DB.TamperLog(ids[1], func(l *audit.Log) {
		l.ActorID = s.admin.ID
	}))

	ok, err := env.AuditSvc.VerifyIntegrity(ctx, rc, ids[0])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.AuditSvc.VerifyIntegrity(ctx, rc, ids[1])
	require.NoError(t, err)
	assert.False(t, ok)

	tampered, err = env.AuditSvc.VerifyAll(ctx, rc, &audit.QueryFilter{SubjectKind: core.SubjectDocument})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1]}, tampered)

	stored, err := env.AuditSvc.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, s.admin.ID, stored.ActorID, "tampered log left untouched")

	violations, err := env.AuditSvc.Query(ctx, &audit.QueryFilter{
		SubjectKind: core.SubjectAuditLog,
		SubjectID:   ids[1],
		Actions:     []audit.Action{audit.ActionIntegrityViolation},
	}, nil)
	require.NoError(t, err)
	require.Len(t, violations, 2)
	assert.Equal(t, audit.SeverityCritical, violations[0].Severity)
}

type recordingExporter struct {
	logs []audit.Log
}

func (e *recordingExporter) WriteLogs(w io.Writer, logs []audit.Log) error {
	e.logs = logs
	_, err := io.WriteString(w, "report")
	return err
}

func TestService_Export(t *testing.T) {
	ctx := context.Background()
	env, s := setup(t, nil)

	for _, action := range []audit.Action{audit.ActionCreate, audit.ActionSubmit, audit.ActionApprove} {
		_, err := env.AuditSvc.Log(ctx, testutil.RC(s.teacher), audit.Entry{Subject: core.NewSubject(core.SubjectDocument, "d1"), Action: action})
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	exp := &recordingExporter{}
	_, err := env.AuditSvc.Export(ctx, testutil.RC(s.teacher), nil, exp, &buf)
	assert.Equal(t, core.ErrAuthorizationDenied, errors.Cause(err))

	n, err := env.AuditSvc.Export(ctx, testutil.RC(s.admin), &audit.QueryFilter{SubjectKind: core.SubjectDocument}, exp, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "report", buf.String())
	require.Len(t, exp.logs, 3)
	assert.Equal(t, audit.ActionCreate, exp.logs[0].Action, "oldest first")

	exports, err := env.AuditSvc.Query(ctx, &audit.QueryFilter{Actions: []audit.Action{audit.ActionExport}}, nil)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, s.admin.ID, exports[0].ActorID)
	assert.Equal(t, 3, exports[0].NewValues["count"])
}
