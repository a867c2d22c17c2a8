package dummydb

import (
	"context"
	"sort"

	"github.com/trezcool/shule/core/version"
)

type versionRepository struct {
	db *versionTable
}

var _ version.Repository = (*versionRepository)(nil) // interface compliance check

func NewVersionRepository(db *DB) version.Repository {
	return &versionRepository{db: db.version}
}

func (repo *versionRepository) CreateVersion(ctx context.Context, parentID string, build version.BuildFunc) (version.DataVersion, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	var (
		last    int
		current *version.DataVersion
	)
	for _, v := range repo.db.table {
		if v.ParentID != parentID {
			continue
		}
		if v.Version > last {
			last = v.Version
		}
		if v.IsCurrent {
			current = v
		}
	}

	var cur version.DataVersion
	if current != nil {
		cur = *current
	}
	v, err := build(last+1, cur)
	if err != nil {
		return version.DataVersion{}, err
	}
	if current != nil {
		demoted := *current
		demoted.IsCurrent = false
		repo.db.table[demoted.ID] = &demoted
	}
	repo.db.table[v.ID] = &v
	return v, nil
}

func (repo *versionRepository) GetVersion(ctx context.Context, id string) (version.DataVersion, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if v, ok := repo.db.table[id]; ok {
		return *v, nil
	}
	return version.DataVersion{}, version.ErrNotFound
}

func (repo *versionRepository) ListVersions(ctx context.Context, parentID string) ([]version.DataVersion, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	versions := make([]version.DataVersion, 0)
	for _, v := range repo.db.table {
		if v.ParentID == parentID {
			versions = append(versions, *v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	return versions, nil
}

func (repo *versionRepository) CurrentVersion(ctx context.Context, parentID string) (version.DataVersion, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, v := range repo.db.table {
		if v.ParentID == parentID && v.IsCurrent {
			return *v, nil
		}
	}
	return version.DataVersion{}, version.ErrNotFound
}

// TamperVersion overwrites a stored version. Test helper.
func (db *DB) TamperVersion(id string, tamper func(v *version.DataVersion)) bool {
	db.version.Lock()
	defer db.version.Unlock()

	if v, ok := db.version.table[id]; ok {
		tamper(v)
		return true
	}
	return false
}
