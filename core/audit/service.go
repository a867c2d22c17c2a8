package audit

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
)

var (
	ErrNotFound = errors.New("audit log not found")

	NowFunc = time.Now // mockable

	// suspicious-activity thresholds
	FailureWindow    = 15 * time.Minute
	FailureThreshold = 3
	AccessWindow     = time.Hour
	AccessThreshold  = 10
	OriginWindow     = 2 * time.Hour
	OriginThreshold  = 3
)

type (
	Repository interface {
		CreateLog(ctx context.Context, l Log) (Log, error)
		GetLog(ctx context.Context, id string) (Log, error)
		QueryLogs(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Log, error)
		// CountLogs counts the stored Logs matching filter.
		CountLogs(ctx context.Context, filter CountFilter) (int, error)
		// DistinctOrigins lists the origins an actor used since a given time.
		DistinctOrigins(ctx context.Context, actorID string, since time.Time) ([]string, error)
		// UpdateInvestigation only persists the investigation fields of l.
		UpdateInvestigation(ctx context.Context, l Log) (Log, error)
	}

	// Exporter renders Logs into a downloadable report.
	Exporter interface {
		WriteLogs(w io.Writer, logs []Log) error
	}

	Service struct {
		conf     *core.Config
		logger   core.Logger
		repo     Repository
		notifier core.Notifier
		metrics  core.Metrics
	}
)

func NewService(conf *core.Config, logger core.Logger, repo Repository, notifier core.Notifier, metrics core.Metrics) *Service {
	return &Service{
		conf:     conf,
		logger:   logger,
		repo:     repo,
		notifier: notifier,
		metrics:  metrics,
	}
}

// Log records an activity performed in the given request context.
// The entry is scored for suspicious activity and sealed with a checksum before being stored.
func (svc *Service) Log(ctx context.Context, rc core.RequestContext, e Entry) (Log, error) {
	if e.Action == "" {
		return Log{}, errors.New("audit entry without action")
	}

	l := Log{
		ID:          uuid.New().String(),
		Subject:     e.Subject,
		ActorID:     rc.ActorID,
		Action:      e.Action,
		Success:     !e.Failed,
		Severity:    e.Severity,
		RiskLevel:   RiskNone,
		OldValues:   e.OldValues,
		NewValues:   e.NewValues,
		Origin:      rc.Origin,
		UserAgent:   rc.UserAgent,
		SessionID:   rc.SessionID,
		Description: e.Description,
		CreatedAt:   NowFunc().UTC().Truncate(time.Microsecond),
	}
	if l.Severity == "" {
		l.Severity = defaultSeverity(l.Action, l.Success)
	}

	indicators, err := svc.score(ctx, l)
	if err != nil {
		return Log{}, errors.Wrap(err, "scoring activity")
	}
	applyIndicators(&l, indicators)

	if l.Checksum, err = l.ComputeChecksum(); err != nil {
		return Log{}, errors.Wrap(err, "computing checksum")
	}

	l, err = svc.repo.CreateLog(ctx, l)
	if err != nil {
		return Log{}, errors.Wrap(err, "creating audit log")
	}
	svc.metrics.AuditLogged(string(l.Action), string(l.RiskLevel))

	if l.RequiresInvestigation {
		svc.alert(ctx, l)
	}
	return l, nil
}

// score runs the suspicious-activity heuristics against the recent activity of the actor.
// System activity (no actor) is never scored.
func (svc *Service) score(ctx context.Context, l Log) ([]Indicator, error) {
	if l.ActorID == "" {
		return nil, nil
	}
	var indicators []Indicator
	now := l.CreatedAt

	// repeated failures of the same action
	failed := false
	cnt, err := svc.repo.CountLogs(ctx, CountFilter{
		ActorID: l.ActorID,
		Action:  l.Action,
		Success: &failed,
		Since:   now.Add(-FailureWindow),
	})
	if err != nil {
		return nil, errors.Wrap(err, "counting failures")
	}
	if cnt >= FailureThreshold {
		indicators = append(indicators, IndicatorRepeatedFailures)
	}

	// high frequency access
	cnt, err = svc.repo.CountLogs(ctx, CountFilter{
		ActorID: l.ActorID,
		Action:  l.Action,
		Since:   now.Add(-AccessWindow),
	})
	if err != nil {
		return nil, errors.Wrap(err, "counting accesses")
	}
	if cnt >= AccessThreshold {
		indicators = append(indicators, IndicatorHighFrequency)
	}

	// many network origins
	origins, err := svc.repo.DistinctOrigins(ctx, l.ActorID, now.Add(-OriginWindow))
	if err != nil {
		return nil, errors.Wrap(err, "listing origins")
	}
	if l.Origin != "" && !core.StringInSlice(l.Origin, origins) {
		origins = append(origins, l.Origin)
	}
	if len(origins) >= OriginThreshold {
		indicators = append(indicators, IndicatorMultipleOrigins)
	}

	// outside business hours
	if svc.isOffHours(now) {
		indicators = append(indicators, IndicatorOffHours)
	}
	return indicators, nil
}

func (svc *Service) isOffHours(t time.Time) bool {
	start, end := svc.conf.Audit.BusinessHoursStart, svc.conf.Audit.BusinessHoursEnd
	if start == end {
		return false
	}
	loc := svc.conf.Audit.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := t.In(loc).Hour()
	if start < end {
		return hour < start || hour >= end
	}
	// window wrapping midnight, e.g. 22 -> 6
	return hour < start && hour >= end
}

// applyIndicators derives the risk of l from the triggered heuristics.
// Repeated failures flag the entry on their own; otherwise 2 indicators make it suspicious
// and 3 or more require an investigation.
func applyIndicators(l *Log, indicators []Indicator) {
	l.Indicators = indicators
	switch n := len(indicators); {
	case n >= 3:
		l.RiskLevel = RiskHigh
		l.IsSuspicious = true
		l.RequiresInvestigation = true
	case n == 2:
		l.RiskLevel = RiskMedium
		l.IsSuspicious = true
	case n == 1:
		l.RiskLevel = RiskLow
	}

	for _, ind := range indicators {
		if ind == IndicatorRepeatedFailures {
			if l.RiskLevel == RiskLow {
				l.RiskLevel = RiskMedium
			}
			l.IsSuspicious = true
			l.RequiresInvestigation = true
		}
	}

	if l.IsSuspicious {
		l.Severity = maxSeverity(l.Severity, SeverityWarning)
	}
}

// alert notifies the admins about a log requiring an investigation. Failures are only logged.
func (svc *Service) alert(ctx context.Context, l Log) {
	indicators := make([]string, 0, len(l.Indicators))
	for _, ind := range l.Indicators {
		indicators = append(indicators, string(ind))
	}
	err := svc.notifier.Notify(ctx, core.Notification{
		Event:   core.EventSuspiciousActivity,
		Roles:   []string{user.RoleAdminPrincipal, user.RoleAdminOwner},
		Subject: "Suspicious activity detected",
		Data: map[string]interface{}{
			"log_id":     l.ID,
			"actor_id":   l.ActorID,
			"action":     string(l.Action),
			"risk_level": string(l.RiskLevel),
			"indicators": strings.Join(indicators, ", "),
		},
	})
	if err != nil {
		svc.logger.Error(fmt.Sprintf("notifying suspicious activity: %v", err), err)
	}
}

func (svc *Service) Get(ctx context.Context, id string) (Log, error) {
	return svc.repo.GetLog(ctx, id)
}

func (svc *Service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Log, error) {
	return svc.repo.QueryLogs(ctx, filter, ordering)
}

// VerifyIntegrity recomputes the checksum of a stored Log.
// A mismatch is recorded as an integrity violation; the tampered Log is left untouched.
func (svc *Service) VerifyIntegrity(ctx context.Context, rc core.RequestContext, id string) (bool, error) {
	l, err := svc.repo.GetLog(ctx, id)
	if err != nil {
		return false, err
	}
	return svc.verify(ctx, rc, l)
}

func (svc *Service) verify(ctx context.Context, rc core.RequestContext, l Log) (bool, error) {
	if l.VerifyChecksum() {
		return true, nil
	}
	if err := svc.ReportViolation(ctx, rc, core.NewSubject(core.SubjectAuditLog, l.ID), l.Checksum); err != nil {
		return false, err
	}
	return false, nil
}

// VerifyAll checks every Log matching filter and returns the IDs of the tampered ones.
func (svc *Service) VerifyAll(ctx context.Context, rc core.RequestContext, filter *QueryFilter) ([]string, error) {
	logs, err := svc.repo.QueryLogs(ctx, filter, []core.DBOrdering{{Field: "created_at", Ascending: true}})
	if err != nil {
		return nil, errors.Wrap(err, "querying audit logs")
	}
	tampered := make([]string, 0)
	for _, l := range logs {
		ok, err := svc.verify(ctx, rc, l)
		if err != nil {
			return nil, err
		}
		if !ok {
			tampered = append(tampered, l.ID)
		}
	}
	return tampered, nil
}

// ReportViolation records a checksum mismatch detected on subject.
func (svc *Service) ReportViolation(ctx context.Context, rc core.RequestContext, subject core.Subject, storedChecksum string) error {
	svc.metrics.IntegrityViolation(string(subject.Kind))
	svc.logger.Warn(fmt.Sprintf("integrity violation detected on %s", subject))

	_, err := svc.Log(ctx, rc, Entry{
		Subject:     subject,
		Action:      ActionIntegrityViolation,
		Description: "stored checksum does not match the recomputed one",
		OldValues:   map[string]interface{}{"checksum": storedChecksum},
	})
	return errors.Wrap(err, "logging integrity violation")
}

// Investigate closes the investigation of a Log. Only admins may investigate.
func (svc *Service) Investigate(ctx context.Context, rc core.RequestContext, id, notes string) (Log, error) {
	if !rc.HasRole(user.RoleAdmin) {
		return Log{}, core.ErrAuthorizationDenied
	}
	notes = core.CleanString(notes)
	if notes == "" {
		return Log{}, core.NewValidationError(nil, core.FieldError{Field: "notes", Error: "this field is required"})
	}

	l, err := svc.repo.GetLog(ctx, id)
	if err != nil {
		return Log{}, err
	}
	if l.IsInvestigated() {
		return Log{}, errors.Wrap(core.ErrInvalidTransition, "log already investigated")
	}

	l.InvestigatedAt = NowFunc().UTC().Truncate(time.Microsecond)
	l.InvestigatedBy = rc.ActorID
	l.InvestigationNotes = notes
	l.RequiresInvestigation = false
	if l, err = svc.repo.UpdateInvestigation(ctx, l); err != nil {
		return Log{}, errors.Wrap(err, "updating investigation")
	}

	_, err = svc.Log(ctx, rc, Entry{
		Subject:     core.NewSubject(core.SubjectAuditLog, l.ID),
		Action:      ActionInvestigate,
		NewValues:   map[string]interface{}{"notes": notes},
		Description: "investigation closed",
	})
	if err != nil {
		return Log{}, errors.Wrap(err, "logging investigation")
	}
	return l, nil
}

// Export writes the Logs matching filter as a report. Only admins may export.
// The export itself is logged.
func (svc *Service) Export(ctx context.Context, rc core.RequestContext, filter *QueryFilter, exp Exporter, w io.Writer) (int, error) {
	if !rc.HasRole(user.RoleAdmin) {
		return 0, core.ErrAuthorizationDenied
	}
	logs, err := svc.repo.QueryLogs(ctx, filter, []core.DBOrdering{{Field: "created_at", Ascending: true}})
	if err != nil {
		return 0, errors.Wrap(err, "querying audit logs")
	}
	if err = exp.WriteLogs(w, logs); err != nil {
		return 0, errors.Wrap(err, "exporting audit logs")
	}

	_, err = svc.Log(ctx, rc, Entry{
		Subject:     core.NewSubject(core.SubjectAuditLog, ""),
		Action:      ActionExport,
		NewValues:   map[string]interface{}{"count": len(logs)},
		Description: "audit logs exported",
	})
	if err != nil {
		return 0, errors.Wrap(err, "logging export")
	}
	return len(logs), nil
}
