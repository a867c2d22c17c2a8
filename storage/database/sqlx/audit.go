package sqlxrepos

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
)

const auditTable = "audit_log"

var auditColumns = []string{
	"id", "subject_kind", "subject_id", "actor_id", "action", "success", "severity", "risk_level", "indicators",
	"is_suspicious", "requires_investigation", "old_values", "new_values", "origin", "user_agent", "session_id",
	"description", "checksum", "created_at", "investigated_at", "investigated_by", "investigation_notes",
}

type auditRow struct {
	ID                    string         `db:"id"`
	SubjectKind           string         `db:"subject_kind"`
	SubjectID             string         `db:"subject_id"`
	ActorID               string         `db:"actor_id"`
	Action                string         `db:"action"`
	Success               bool           `db:"success"`
	Severity              string         `db:"severity"`
	RiskLevel             string         `db:"risk_level"`
	Indicators            pq.StringArray `db:"indicators"`
	IsSuspicious          bool           `db:"is_suspicious"`
	RequiresInvestigation bool           `db:"requires_investigation"`
	OldValues             null.JSON      `db:"old_values"`
	NewValues             null.JSON      `db:"new_values"`
	Origin                string         `db:"origin"`
	UserAgent             string         `db:"user_agent"`
	SessionID             string         `db:"session_id"`
	Description           string         `db:"description"`
	Checksum              string         `db:"checksum"`
	CreatedAt             time.Time      `db:"created_at"`
	InvestigatedAt        null.Time      `db:"investigated_at"`
	InvestigatedBy        null.String    `db:"investigated_by"`
	InvestigationNotes    null.String    `db:"investigation_notes"`
}

func (r auditRow) values() map[string]interface{} {
	return map[string]interface{}{
		"id":                     r.ID,
		"subject_kind":           r.SubjectKind,
		"subject_id":             r.SubjectID,
		"actor_id":               r.ActorID,
		"action":                 r.Action,
		"success":                r.Success,
		"severity":               r.Severity,
		"risk_level":             r.RiskLevel,
		"indicators":             r.Indicators,
		"is_suspicious":          r.IsSuspicious,
		"requires_investigation": r.RequiresInvestigation,
		"old_values":             r.OldValues,
		"new_values":             r.NewValues,
		"origin":                 r.Origin,
		"user_agent":             r.UserAgent,
		"session_id":             r.SessionID,
		"description":            r.Description,
		"checksum":               r.Checksum,
		"created_at":             r.CreatedAt,
		"investigated_at":        r.InvestigatedAt,
		"investigated_by":        r.InvestigatedBy,
		"investigation_notes":    r.InvestigationNotes,
	}
}

type auditRepository struct {
	db *sqlx.DB
}

var _ audit.Repository = (*auditRepository)(nil) // interface compliance check

func NewAuditRepository(db *sqlx.DB) audit.Repository {
	return &auditRepository{db: db}
}

func auditToRow(l audit.Log) (auditRow, error) {
	oldValues, err := jsonFrom(l.OldValues)
	if err != nil {
		return auditRow{}, err
	}
	newValues, err := jsonFrom(l.NewValues)
	if err != nil {
		return auditRow{}, err
	}
	indicators := make(pq.StringArray, 0, len(l.Indicators))
	for _, ind := range l.Indicators {
		indicators = append(indicators, string(ind))
	}
	return auditRow{
		ID:                    l.ID,
		SubjectKind:           string(l.Subject.Kind),
		SubjectID:             l.Subject.ID,
		ActorID:               l.ActorID,
		Action:                string(l.Action),
		Success:               l.Success,
		Severity:              string(l.Severity),
		RiskLevel:             string(l.RiskLevel),
		Indicators:            indicators,
		IsSuspicious:          l.IsSuspicious,
		RequiresInvestigation: l.RequiresInvestigation,
		OldValues:             oldValues,
		NewValues:             newValues,
		Origin:                l.Origin,
		UserAgent:             l.UserAgent,
		SessionID:             l.SessionID,
		Description:           l.Description,
		Checksum:              l.Checksum,
		CreatedAt:             l.CreatedAt.UTC(),
		InvestigatedAt:        nullTime(l.InvestigatedAt),
		InvestigatedBy:        null.NewString(l.InvestigatedBy, l.InvestigatedBy != ""),
		InvestigationNotes:    null.NewString(l.InvestigationNotes, l.InvestigationNotes != ""),
	}, nil
}

func auditFromRow(r auditRow) (audit.Log, error) {
	oldValues, err := jsonMap(r.OldValues)
	if err != nil {
		return audit.Log{}, err
	}
	newValues, err := jsonMap(r.NewValues)
	if err != nil {
		return audit.Log{}, err
	}
	var indicators []audit.Indicator
	for _, ind := range r.Indicators {
		indicators = append(indicators, audit.Indicator(ind))
	}
	return audit.Log{
		ID:                    r.ID,
		Subject:               core.NewSubject(core.SubjectKind(r.SubjectKind), r.SubjectID),
		ActorID:               r.ActorID,
		Action:                audit.Action(r.Action),
		Success:               r.Success,
		Severity:              audit.Severity(r.Severity),
		RiskLevel:             audit.RiskLevel(r.RiskLevel),
		Indicators:            indicators,
		IsSuspicious:          r.IsSuspicious,
		RequiresInvestigation: r.RequiresInvestigation,
		OldValues:             oldValues,
		NewValues:             newValues,
		Origin:                r.Origin,
		UserAgent:             r.UserAgent,
		SessionID:             r.SessionID,
		Description:           r.Description,
		Checksum:              r.Checksum,
		CreatedAt:             r.CreatedAt.UTC(),
		InvestigatedAt:        r.InvestigatedAt.Time.UTC(),
		InvestigatedBy:        r.InvestigatedBy.String,
		InvestigationNotes:    r.InvestigationNotes.String,
	}, nil
}

func (repo auditRepository) CreateLog(ctx context.Context, l audit.Log) (audit.Log, error) {
	row, err := auditToRow(l)
	if err != nil {
		return audit.Log{}, err
	}
	if _, err = exec(ctx, repo.db, psql.Insert(auditTable).SetMap(row.values())); err != nil {
		return audit.Log{}, errors.Wrap(err, "inserting audit log")
	}
	return l, nil
}

func (repo auditRepository) GetLog(ctx context.Context, id string) (audit.Log, error) {
	if _, err := uuid.Parse(id); err != nil {
		return audit.Log{}, audit.ErrNotFound
	}
	var row auditRow
	if err := get(ctx, repo.db, &row, psql.Select(auditColumns...).From(auditTable).Where(sq.Eq{"id": id})); err != nil {
		return audit.Log{}, trapNoRowsErr(err, audit.ErrNotFound, "finding audit log")
	}
	return auditFromRow(row)
}

func (repo auditRepository) QueryLogs(ctx context.Context, filter *audit.QueryFilter, ordering []core.DBOrdering) ([]audit.Log, error) {
	b := psql.Select(auditColumns...).From(auditTable)
	if filter != nil {
		if filter.SubjectKind != "" {
			b = b.Where(sq.Eq{"subject_kind": string(filter.SubjectKind)})
		}
		if filter.SubjectID != "" {
			b = b.Where(sq.Eq{"subject_id": filter.SubjectID})
		}
		if filter.ActorID != "" {
			b = b.Where(sq.Eq{"actor_id": filter.ActorID})
		}
		if len(filter.Actions) > 0 {
			actions := make([]string, 0, len(filter.Actions))
			for _, a := range filter.Actions {
				actions = append(actions, string(a))
			}
			b = b.Where(sq.Eq{"action": actions})
		}
		if filter.IsSuspicious != nil {
			b = b.Where(sq.Eq{"is_suspicious": *filter.IsSuspicious})
		}
		if filter.RequiresInvestigation != nil {
			b = b.Where(sq.Eq{"requires_investigation": *filter.RequiresInvestigation})
		}
		if !filter.CreatedFrom.IsZero() {
			b = b.Where(sq.GtOrEq{"created_at": filter.CreatedFrom.UTC()})
		}
		if !filter.CreatedTo.IsZero() {
			b = b.Where(sq.LtOrEq{"created_at": filter.CreatedTo.UTC()})
		}
		if filter.Limit > 0 {
			b = b.Limit(uint64(filter.Limit))
		}
	}
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at"}}
	}
	b = orderBy(b, ordering, "created_at", "severity", "risk_level", "action", "actor_id")

	var rows []auditRow
	if err := selectAll(ctx, repo.db, &rows, b); err != nil {
		return nil, errors.Wrap(err, "querying audit logs")
	}
	logs := make([]audit.Log, 0, len(rows))
	for _, r := range rows {
		l, err := auditFromRow(r)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, nil
}

func (repo auditRepository) CountLogs(ctx context.Context, filter audit.CountFilter) (int, error) {
	b := psql.Select("COUNT(*)").From(auditTable).
		Where(sq.Eq{"actor_id": filter.ActorID}).
		Where(sq.GtOrEq{"created_at": filter.Since.UTC()})
	if filter.Action != "" {
		b = b.Where(sq.Eq{"action": string(filter.Action)})
	}
	if filter.Success != nil {
		b = b.Where(sq.Eq{"success": *filter.Success})
	}

	var cnt int
	if err := get(ctx, repo.db, &cnt, b); err != nil {
		return 0, errors.Wrap(err, "counting audit logs")
	}
	return cnt, nil
}

func (repo auditRepository) DistinctOrigins(ctx context.Context, actorID string, since time.Time) ([]string, error) {
	b := psql.Select("DISTINCT origin").From(auditTable).
		Where(sq.Eq{"actor_id": actorID}).
		Where(sq.NotEq{"origin": ""}).
		Where(sq.GtOrEq{"created_at": since.UTC()})

	origins := make([]string, 0)
	if err := selectAll(ctx, repo.db, &origins, b); err != nil {
		return nil, errors.Wrap(err, "listing origins")
	}
	return origins, nil
}

func (repo auditRepository) UpdateInvestigation(ctx context.Context, l audit.Log) (audit.Log, error) {
	b := psql.Update(auditTable).
		Set("requires_investigation", l.RequiresInvestigation).
		Set("investigated_at", nullTime(l.InvestigatedAt)).
		Set("investigated_by", null.NewString(l.InvestigatedBy, l.InvestigatedBy != "")).
		Set("investigation_notes", null.NewString(l.InvestigationNotes, l.InvestigationNotes != "")).
		Where(sq.Eq{"id": l.ID})

	n, err := exec(ctx, repo.db, b)
	if err != nil {
		return audit.Log{}, errors.Wrap(err, "updating investigation")
	}
	if n == 0 {
		return audit.Log{}, audit.ErrNotFound
	}
	return l, nil
}
