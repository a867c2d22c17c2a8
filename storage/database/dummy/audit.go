package dummydb

import (
	"context"
	"sort"
	"time"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
)

type auditRepository struct {
	db *auditTable
}

var _ audit.Repository = (*auditRepository)(nil) // interface compliance check

func NewAuditRepository(db *DB) audit.Repository {
	return &auditRepository{db: db.audit}
}

func (repo *auditRepository) CreateLog(ctx context.Context, l audit.Log) (audit.Log, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	stored := l
	repo.db.table = append(repo.db.table, &stored)
	return l, nil
}

func (repo *auditRepository) GetLog(ctx context.Context, id string) (audit.Log, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, l := range repo.db.table {
		if l.ID == id {
			return *l, nil
		}
	}
	return audit.Log{}, audit.ErrNotFound
}

func (repo *auditRepository) QueryLogs(ctx context.Context, filter *audit.QueryFilter, ordering []core.DBOrdering) ([]audit.Log, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	logs := make([]audit.Log, 0)
	for _, l := range repo.db.table {
		if filter == nil || matchLog(*l, filter) {
			logs = append(logs, *l)
		}
	}

	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at", Ascending: false}}
	}
	sort.SliceStable(logs, func(i, j int) bool {
		for _, ord := range ordering {
			var cmp int
			switch ord.Field {
			case "created_at":
				cmp = compareTimes(logs[i].CreatedAt, logs[j].CreatedAt)
			case "severity", "risk_level", "action", "actor_id":
				cmp = compareLogField(logs[i], logs[j], ord.Field)
			}
			if cmp != 0 {
				return (cmp < 0) == ord.Ascending
			}
		}
		return false
	})

	if filter != nil && filter.Limit > 0 && len(logs) > filter.Limit {
		logs = logs[:filter.Limit]
	}
	return logs, nil
}

func compareLogField(a, b audit.Log, field string) int {
	var x, y string
	switch field {
	case "severity":
		x, y = string(a.Severity), string(b.Severity)
	case "risk_level":
		x, y = string(a.RiskLevel), string(b.RiskLevel)
	case "action":
		x, y = string(a.Action), string(b.Action)
	case "actor_id":
		x, y = a.ActorID, b.ActorID
	}
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func matchLog(l audit.Log, filter *audit.QueryFilter) bool {
	if filter.SubjectKind != "" && l.Subject.Kind != filter.SubjectKind {
		return false
	}
	if filter.SubjectID != "" && l.Subject.ID != filter.SubjectID {
		return false
	}
	if filter.ActorID != "" && l.ActorID != filter.ActorID {
		return false
	}
	if len(filter.Actions) > 0 {
		found := false
		for _, a := range filter.Actions {
			if l.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.IsSuspicious != nil && l.IsSuspicious != *filter.IsSuspicious {
		return false
	}
	if filter.RequiresInvestigation != nil && l.RequiresInvestigation != *filter.RequiresInvestigation {
		return false
	}
	if !filter.CreatedFrom.IsZero() && l.CreatedAt.Before(filter.CreatedFrom.UTC()) {
		return false
	}
	if !filter.CreatedTo.IsZero() && l.CreatedAt.After(filter.CreatedTo.UTC()) {
		return false
	}
	return true
}

func (repo *auditRepository) CountLogs(ctx context.Context, filter audit.CountFilter) (int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var cnt int
	for _, l := range repo.db.table {
		if l.ActorID != filter.ActorID || l.CreatedAt.Before(filter.Since) {
			continue
		}
		if filter.Action != "" && l.Action != filter.Action {
			continue
		}
		if filter.Success != nil && l.Success != *filter.Success {
			continue
		}
		cnt++
	}
	return cnt, nil
}

func (repo *auditRepository) DistinctOrigins(ctx context.Context, actorID string, since time.Time) ([]string, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	seen := make(map[string]bool)
	origins := make([]string, 0)
	for _, l := range repo.db.table {
		if l.ActorID != actorID || l.Origin == "" || l.CreatedAt.Before(since) || seen[l.Origin] {
			continue
		}
		seen[l.Origin] = true
		origins = append(origins, l.Origin)
	}
	return origins, nil
}

func (repo *auditRepository) UpdateInvestigation(ctx context.Context, l audit.Log) (audit.Log, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, stored := range repo.db.table {
		if stored.ID == l.ID {
			stored.RequiresInvestigation = l.RequiresInvestigation
			stored.InvestigatedAt = l.InvestigatedAt
			stored.InvestigatedBy = l.InvestigatedBy
			stored.InvestigationNotes = l.InvestigationNotes
			return *stored, nil
		}
	}
	return audit.Log{}, audit.ErrNotFound
}

// TamperLog overwrites a stored log, bypassing the append-only rule. Test helper.
func (db *DB) TamperLog(id string, tamper func(l *audit.Log)) bool {
	db.audit.Lock()
	defer db.audit.Unlock()

	for _, l := range db.audit.table {
		if l.ID == id {
			tamper(l)
			return true
		}
	}
	return false
}
