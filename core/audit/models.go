package audit

import (
	"time"

	"github.com/trezcool/shule/core"
)

type Action string

const (
	ActionCreate             Action = "create"
	ActionRead               Action = "read"
	ActionUpdate             Action = "update"
	ActionDelete             Action = "delete"
	ActionSubmit             Action = "submit"
	ActionApprove            Action = "approve"
	ActionReject             Action = "reject"
	ActionDelegate           Action = "delegate"
	ActionEscalate           Action = "escalate"
	ActionExtendDeadline     Action = "extend_deadline"
	ActionRollback           Action = "rollback"
	ActionExport             Action = "export"
	ActionLoginAttempt       Action = "login_attempt"
	ActionLoginSuccess       Action = "login_success"
	ActionPermissionDenied   Action = "permission_denied"
	ActionIntegrityViolation Action = "integrity_violation"
	ActionInvestigate        Action = "investigate"
)

var Actions = []Action{
	ActionCreate, ActionRead, ActionUpdate, ActionDelete,
	ActionSubmit, ActionApprove, ActionReject, ActionDelegate, ActionEscalate, ActionExtendDeadline,
	ActionRollback, ActionExport,
	ActionLoginAttempt, ActionLoginSuccess, ActionPermissionDenied, ActionIntegrityViolation, ActionInvestigate,
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityNotice   Severity = "notice"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRanks = map[Severity]int{
	SeverityInfo:     0,
	SeverityNotice:   1,
	SeverityWarning:  2,
	SeverityCritical: 3,
}

// defaultSeverity is the Severity of an Action when the caller does not set one.
func defaultSeverity(action Action, success bool) Severity {
	switch action {
	case ActionIntegrityViolation:
		return SeverityCritical
	case ActionPermissionDenied:
		return SeverityWarning
	case ActionDelete, ActionReject, ActionRollback, ActionEscalate, ActionExport:
		return SeverityNotice
	}
	if !success {
		return SeverityNotice
	}
	return SeverityInfo
}

func maxSeverity(a, b Severity) Severity {
	if severityRanks[b] > severityRanks[a] {
		return b
	}
	return a
}

type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Indicator is a triggered suspicious-activity heuristic.
type Indicator string

const (
	IndicatorRepeatedFailures Indicator = "repeated_failures"
	IndicatorHighFrequency    Indicator = "high_frequency"
	IndicatorMultipleOrigins  Indicator = "multiple_origins"
	IndicatorOffHours         Indicator = "off_hours"
)

// Entry is what callers provide to record an activity.
// Actor and client metadata come from the core.RequestContext.
type Entry struct {
	Subject     core.Subject
	Action      Action
	Failed      bool
	Severity    Severity // optional
	OldValues   map[string]interface{}
	NewValues   map[string]interface{}
	Description string
}

// Log is an append-only audit record.
// Only the investigation fields may change once stored.
type Log struct {
	ID                    string                 `json:"id"`
	Subject               core.Subject           `json:"subject"`
	ActorID               string                 `json:"actor_id"`
	Action                Action                 `json:"action"`
	Success               bool                   `json:"success"`
	Severity              Severity               `json:"severity"`
	RiskLevel             RiskLevel              `json:"risk_level"`
	Indicators            []Indicator            `json:"indicators"`
	IsSuspicious          bool                   `json:"is_suspicious"`
	RequiresInvestigation bool                   `json:"requires_investigation"`
	OldValues             map[string]interface{} `json:"old_values"`
	NewValues             map[string]interface{} `json:"new_values"`
	Origin                string                 `json:"origin"`
	UserAgent             string                 `json:"user_agent"`
	SessionID             string                 `json:"session_id"`
	Description           string                 `json:"description"`
	Checksum              string                 `json:"checksum"`
	CreatedAt             time.Time              `json:"created_at"`

	// investigation
	InvestigatedAt     time.Time `json:"investigated_at"`
	InvestigatedBy     string    `json:"investigated_by,omitempty"`
	InvestigationNotes string    `json:"investigation_notes,omitempty"`
}

type checksumFields struct {
	ID           string                 `json:"id"`
	Subject      core.Subject           `json:"subject"`
	ActorID      string                 `json:"actor_id"`
	Action       Action                 `json:"action"`
	Success      bool                   `json:"success"`
	Severity     Severity               `json:"severity"`
	RiskLevel    RiskLevel              `json:"risk_level"`
	Indicators   []Indicator            `json:"indicators"`
	IsSuspicious bool                   `json:"is_suspicious"`
	OldValues    map[string]interface{} `json:"old_values"`
	NewValues    map[string]interface{} `json:"new_values"`
	Origin       string                 `json:"origin"`
	UserAgent    string                 `json:"user_agent"`
	SessionID    string                 `json:"session_id"`
	Description  string                 `json:"description"`
	CreatedAt    string                 `json:"created_at"`
}

// ComputeChecksum hashes every recorded field.
// The checksum itself and the investigation fields (including the pending-investigation flag) are left out.
func (l Log) ComputeChecksum() (string, error) {
	indicators := l.Indicators
	if indicators == nil {
		indicators = []Indicator{}
	}
	return core.Checksum(checksumFields{
		ID:           l.ID,
		Subject:      l.Subject,
		ActorID:      l.ActorID,
		Action:       l.Action,
		Success:      l.Success,
		Severity:     l.Severity,
		RiskLevel:    l.RiskLevel,
		Indicators:   indicators,
		IsSuspicious: l.IsSuspicious,
		OldValues:    l.OldValues,
		NewValues:    l.NewValues,
		Origin:       l.Origin,
		UserAgent:    l.UserAgent,
		SessionID:    l.SessionID,
		Description:  l.Description,
		CreatedAt:    l.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (l Log) VerifyChecksum() bool {
	sum, err := l.ComputeChecksum()
	return err == nil && sum == l.Checksum
}

func (l Log) IsInvestigated() bool {
	return !l.InvestigatedAt.IsZero()
}

type QueryFilter struct {
	SubjectKind           core.SubjectKind `query:"subject_kind"`
	SubjectID             string           `query:"subject_id"`
	ActorID               string           `query:"actor_id"`
	Actions               []Action         `query:"action"`
	IsSuspicious          *bool            `query:"is_suspicious"`
	RequiresInvestigation *bool            `query:"requires_investigation"`
	CreatedFrom           time.Time        `query:"created_from"`
	CreatedTo             time.Time        `query:"created_to"`
	Limit                 int              `query:"limit"`
}

// CountFilter selects the recent Logs of an actor used by the suspicious-activity heuristics.
type CountFilter struct {
	ActorID string
	Action  Action // optional
	Success *bool  // optional
	Since   time.Time
}
