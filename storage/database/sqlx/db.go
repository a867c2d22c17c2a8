package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/shule/core"
)

// psql builds postgres flavoured ($1, $2...) statements.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

var (
	_ queryer = (*sqlx.DB)(nil)
	_ queryer = (*sqlx.Tx)(nil)
)

// withTx runs fn inside a transaction, rolled back when fn fails or panics.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rolling back: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func get(ctx context.Context, q queryer, dest interface{}, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return errors.Wrap(err, "building query")
	}
	return q.GetContext(ctx, dest, query, args...)
}

func selectAll(ctx context.Context, q queryer, dest interface{}, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return errors.Wrap(err, "building query")
	}
	return q.SelectContext(ctx, dest, query, args...)
}

// exec runs b and returns the number of affected rows.
func exec(ctx context.Context, q queryer, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "building statement")
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// isUniqueViolation reports whether err is a postgres unique constraint violation.
func isUniqueViolation(err error) bool {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	return ok && pqErr.Code == "23505"
}

// trapNoRowsErr maps psql "no rows" err to notFound
func trapNoRowsErr(err error, notFound error, msg string) error {
	if errors.Cause(err) == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

// orderBy renders orderings, dropping the fields not in allowed.
func orderBy(b sq.SelectBuilder, ordering []core.DBOrdering, allowed ...string) sq.SelectBuilder {
	ordering = core.CleanOrderings(ordering, allowed...)
	if len(ordering) == 0 {
		return b
	}
	clauses := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		clauses = append(clauses, ord.String())
	}
	return b.OrderBy(strings.Join(clauses, ", "))
}

func jsonFrom(m map[string]interface{}) (null.JSON, error) {
	if m == nil {
		return null.JSON{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return null.JSON{}, errors.Wrap(err, "encoding json column")
	}
	return null.JSONFrom(data), nil
}

func jsonMap(j null.JSON) (map[string]interface{}, error) {
	if !j.Valid {
		return nil, nil
	}
	m := make(map[string]interface{})
	if err := j.Unmarshal(&m); err != nil {
		return nil, errors.Wrap(err, "decoding json column")
	}
	return m, nil
}

func nullTime(t time.Time) null.Time {
	return null.NewTime(t.UTC(), !t.IsZero())
}
