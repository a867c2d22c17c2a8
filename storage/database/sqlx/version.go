package sqlxrepos

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/version"
)

const versionTable = "data_version"

var versionColumns = []string{
	"id", "parent_id", "version", "snapshot", "is_compressed", "size_bytes", "checksum", "is_current", "type",
	"previous_id", "metadata", "created_by", "created_at",
}

type versionRow struct {
	ID           string      `db:"id"`
	ParentID     string      `db:"parent_id"`
	Version      int         `db:"version"`
	Snapshot     []byte      `db:"snapshot"`
	IsCompressed bool        `db:"is_compressed"`
	SizeBytes    int         `db:"size_bytes"`
	Checksum     string      `db:"checksum"`
	IsCurrent    bool        `db:"is_current"`
	Type         string      `db:"type"`
	PreviousID   null.String `db:"previous_id"`
	Metadata     null.JSON   `db:"metadata"`
	CreatedBy    string      `db:"created_by"`
	CreatedAt    time.Time   `db:"created_at"`
}

func (r versionRow) values() map[string]interface{} {
	return map[string]interface{}{
		"id":            r.ID,
		"parent_id":     r.ParentID,
		"version":       r.Version,
		"snapshot":      r.Snapshot,
		"is_compressed": r.IsCompressed,
		"size_bytes":    r.SizeBytes,
		"checksum":      r.Checksum,
		"is_current":    r.IsCurrent,
		"type":          r.Type,
		"previous_id":   r.PreviousID,
		"metadata":      r.Metadata,
		"created_by":    r.CreatedBy,
		"created_at":    r.CreatedAt,
	}
}

type versionRepository struct {
	db *sqlx.DB
}

var _ version.Repository = (*versionRepository)(nil) // interface compliance check

func NewVersionRepository(db *sqlx.DB) version.Repository {
	return &versionRepository{db: db}
}

func versionToRow(v version.DataVersion) (versionRow, error) {
	meta := v.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	j, err := jsonFrom(meta)
	if err != nil {
		return versionRow{}, err
	}
	return versionRow{
		ID:           v.ID,
		ParentID:     v.ParentID,
		Version:      v.Version,
		Snapshot:     v.Snapshot,
		IsCompressed: v.IsCompressed,
		SizeBytes:    v.SizeBytes,
		Checksum:     v.Checksum,
		IsCurrent:    v.IsCurrent,
		Type:         string(v.Type),
		PreviousID:   null.NewString(v.PreviousID, v.PreviousID != ""),
		Metadata:     j,
		CreatedBy:    v.CreatedBy,
		CreatedAt:    v.CreatedAt.UTC(),
	}, nil
}

func versionFromRow(r versionRow) (version.DataVersion, error) {
	meta, err := jsonMap(r.Metadata)
	if err != nil {
		return version.DataVersion{}, err
	}
	return version.DataVersion{
		ID:           r.ID,
		ParentID:     r.ParentID,
		Version:      r.Version,
		Snapshot:     r.Snapshot,
		IsCompressed: r.IsCompressed,
		SizeBytes:    r.SizeBytes,
		Checksum:     r.Checksum,
		IsCurrent:    r.IsCurrent,
		Type:         version.Type(r.Type),
		PreviousID:   r.PreviousID.String,
		Metadata:     meta,
		CreatedBy:    r.CreatedBy,
		CreatedAt:    r.CreatedAt.UTC(),
	}, nil
}

func (repo versionRepository) CreateVersion(ctx context.Context, parentID string, build version.BuildFunc) (version.DataVersion, error) {
	var created version.DataVersion
	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		var rows []versionRow
		b := psql.Select(versionColumns...).From(versionTable).Where(sq.Eq{"parent_id": parentID}).Suffix("FOR UPDATE")
		if err := selectAll(ctx, tx, &rows, b); err != nil {
			return errors.Wrap(err, "locking versions")
		}

		var (
			last    int
			current version.DataVersion
		)
		for _, r := range rows {
			if r.Version > last {
				last = r.Version
			}
			if r.IsCurrent {
				v, err := versionFromRow(r)
				if err != nil {
					return err
				}
				current = v
			}
		}

		v, err := build(last+1, current)
		if err != nil {
			return err
		}
		if current.ID != "" {
			demote := psql.Update(versionTable).Set("is_current", false).Where(sq.Eq{"id": current.ID})
			if _, err = exec(ctx, tx, demote); err != nil {
				return errors.Wrap(err, "demoting current version")
			}
		}

		row, err := versionToRow(v)
		if err != nil {
			return err
		}
		if _, err = exec(ctx, tx, psql.Insert(versionTable).SetMap(row.values())); err != nil {
			if isUniqueViolation(err) {
				return errors.Wrapf(core.ErrConflict, "version %d of %s", v.Version, parentID)
			}
			return errors.Wrap(err, "inserting version")
		}
		created = v
		return nil
	})
	if err != nil {
		return version.DataVersion{}, err
	}
	return created, nil
}

func (repo versionRepository) GetVersion(ctx context.Context, id string) (version.DataVersion, error) {
	if _, err := uuid.Parse(id); err != nil {
		return version.DataVersion{}, version.ErrNotFound
	}
	var row versionRow
	if err := get(ctx, repo.db, &row, psql.Select(versionColumns...).From(versionTable).Where(sq.Eq{"id": id})); err != nil {
		return version.DataVersion{}, trapNoRowsErr(err, version.ErrNotFound, "finding version")
	}
	return versionFromRow(row)
}

func (repo versionRepository) ListVersions(ctx context.Context, parentID string) ([]version.DataVersion, error) {
	var rows []versionRow
	b := psql.Select(versionColumns...).From(versionTable).Where(sq.Eq{"parent_id": parentID}).OrderBy("version ASC")
	if err := selectAll(ctx, repo.db, &rows, b); err != nil {
		return nil, errors.Wrap(err, "listing versions")
	}
	versions := make([]version.DataVersion, 0, len(rows))
	for _, r := range rows {
		v, err := versionFromRow(r)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (repo versionRepository) CurrentVersion(ctx context.Context, parentID string) (version.DataVersion, error) {
	var row versionRow
	b := psql.Select(versionColumns...).From(versionTable).Where(sq.Eq{"parent_id": parentID, "is_current": true})
	if err := get(ctx, repo.db, &row, b); err != nil {
		return version.DataVersion{}, trapNoRowsErr(err, version.ErrNotFound, "finding current version")
	}
	return versionFromRow(row)
}
