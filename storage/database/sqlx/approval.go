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
	"github.com/trezcool/shule/core/approval"
)

const (
	documentTable = "document"
	requestTable  = "approval_request"
)

var (
	documentColumns = []string{
		"id", "parent_id", "version", "kind", "title", "content", "status", "is_current", "checksum", "author_id",
		"attachments", "revision", "submitted_at", "decided_at", "created_at", "updated_at",
	}
	requestColumns = []string{
		"id", "document_id", "approver_id", "level", "priority", "status", "is_required", "can_delegate", "deadline",
		"delegated_to", "delegated_from", "escalation_level", "signature", "score", "comments", "metadata",
		"decided_at", "created_at", "updated_at",
	}
)

type documentRow struct {
	ID          string         `db:"id"`
	ParentID    string         `db:"parent_id"`
	Version     int            `db:"version"`
	Kind        string         `db:"kind"`
	Title       string         `db:"title"`
	Content     null.JSON      `db:"content"`
	Status      string         `db:"status"`
	IsCurrent   bool           `db:"is_current"`
	Checksum    string         `db:"checksum"`
	AuthorID    string         `db:"author_id"`
	Attachments pq.StringArray `db:"attachments"`
	Revision    int            `db:"revision"`
	SubmittedAt null.Time      `db:"submitted_at"`
	DecidedAt   null.Time      `db:"decided_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r documentRow) values() map[string]interface{} {
	return map[string]interface{}{
		"id":           r.ID,
		"parent_id":    r.ParentID,
		"version":      r.Version,
		"kind":         r.Kind,
		"title":        r.Title,
		"content":      r.Content,
		"status":       r.Status,
		"is_current":   r.IsCurrent,
		"checksum":     r.Checksum,
		"author_id":    r.AuthorID,
		"attachments":  r.Attachments,
		"revision":     r.Revision,
		"submitted_at": r.SubmittedAt,
		"decided_at":   r.DecidedAt,
		"created_at":   r.CreatedAt,
		"updated_at":   r.UpdatedAt,
	}
}

type requestRow struct {
	ID              string       `db:"id"`
	DocumentID      string       `db:"document_id"`
	ApproverID      string       `db:"approver_id"`
	Level           int          `db:"level"`
	Priority        int          `db:"priority"`
	Status          string       `db:"status"`
	IsRequired      bool         `db:"is_required"`
	CanDelegate     bool         `db:"can_delegate"`
	Deadline        time.Time    `db:"deadline"`
	DelegatedTo     null.String  `db:"delegated_to"`
	DelegatedFrom   null.String  `db:"delegated_from"`
	EscalationLevel int          `db:"escalation_level"`
	Signature       null.String  `db:"signature"`
	Score           null.Float64 `db:"score"`
	Comments        string       `db:"comments"`
	Metadata        null.JSON    `db:"metadata"`
	DecidedAt       null.Time    `db:"decided_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

func (r requestRow) values() map[string]interface{} {
	return map[string]interface{}{
		"id":               r.ID,
		"document_id":      r.DocumentID,
		"approver_id":      r.ApproverID,
		"level":            r.Level,
		"priority":         r.Priority,
		"status":           r.Status,
		"is_required":      r.IsRequired,
		"can_delegate":     r.CanDelegate,
		"deadline":         r.Deadline,
		"delegated_to":     r.DelegatedTo,
		"delegated_from":   r.DelegatedFrom,
		"escalation_level": r.EscalationLevel,
		"signature":        r.Signature,
		"score":            r.Score,
		"comments":         r.Comments,
		"metadata":         r.Metadata,
		"decided_at":       r.DecidedAt,
		"created_at":       r.CreatedAt,
		"updated_at":       r.UpdatedAt,
	}
}

type approvalRepository struct {
	db *sqlx.DB
}

var _ approval.Repository = (*approvalRepository)(nil) // interface compliance check

func NewApprovalRepository(db *sqlx.DB) approval.Repository {
	return &approvalRepository{db: db}
}

func documentToRow(doc approval.Document) (documentRow, error) {
	content := doc.Content
	if content == nil {
		content = map[string]interface{}{}
	}
	j, err := jsonFrom(content)
	if err != nil {
		return documentRow{}, err
	}
	attachments := doc.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return documentRow{
		ID:          doc.ID,
		ParentID:    doc.ParentID,
		Version:     doc.Version,
		Kind:        string(doc.Kind),
		Title:       doc.Title,
		Content:     j,
		Status:      string(doc.Status),
		IsCurrent:   doc.IsCurrent,
		Checksum:    doc.Checksum,
		AuthorID:    doc.AuthorID,
		Attachments: attachments,
		Revision:    doc.Revision,
		SubmittedAt: nullTime(doc.SubmittedAt),
		DecidedAt:   nullTime(doc.DecidedAt),
		CreatedAt:   doc.CreatedAt.UTC(),
		UpdatedAt:   doc.UpdatedAt.UTC(),
	}, nil
}

func documentFromRow(r documentRow) (approval.Document, error) {
	content, err := jsonMap(r.Content)
	if err != nil {
		return approval.Document{}, err
	}
	attachments := []string(r.Attachments)
	if attachments == nil {
		attachments = []string{}
	}
	return approval.Document{
		ID:          r.ID,
		ParentID:    r.ParentID,
		Version:     r.Version,
		Kind:        approval.DocumentKind(r.Kind),
		Title:       r.Title,
		Content:     content,
		Status:      approval.DocumentStatus(r.Status),
		IsCurrent:   r.IsCurrent,
		Checksum:    r.Checksum,
		AuthorID:    r.AuthorID,
		Attachments: attachments,
		Revision:    r.Revision,
		SubmittedAt: r.SubmittedAt.Time.UTC(),
		DecidedAt:   r.DecidedAt.Time.UTC(),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}, nil
}

func requestToRow(req approval.Request) (requestRow, error) {
	meta := req.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	j, err := jsonFrom(meta)
	if err != nil {
		return requestRow{}, err
	}
	return requestRow{
		ID:              req.ID,
		DocumentID:      req.DocumentID,
		ApproverID:      req.ApproverID,
		Level:           int(req.Level),
		Priority:        req.Priority,
		Status:          string(req.Status),
		IsRequired:      req.IsRequired,
		CanDelegate:     req.CanDelegate,
		Deadline:        req.Deadline.UTC(),
		DelegatedTo:     null.NewString(req.DelegatedTo, req.DelegatedTo != ""),
		DelegatedFrom:   null.NewString(req.DelegatedFrom, req.DelegatedFrom != ""),
		EscalationLevel: int(req.EscalationLevel),
		Signature:       null.NewString(req.Signature, req.Signature != ""),
		Score:           null.Float64FromPtr(req.Score),
		Comments:        req.Comments,
		Metadata:        j,
		DecidedAt:       nullTime(req.DecidedAt),
		CreatedAt:       req.CreatedAt.UTC(),
		UpdatedAt:       req.UpdatedAt.UTC(),
	}, nil
}

func requestFromRow(r requestRow) (approval.Request, error) {
	meta, err := jsonMap(r.Metadata)
	if err != nil {
		return approval.Request{}, err
	}
	return approval.Request{
		ID:              r.ID,
		DocumentID:      r.DocumentID,
		ApproverID:      r.ApproverID,
		Level:           approval.Level(r.Level),
		Priority:        r.Priority,
		Status:          approval.RequestStatus(r.Status),
		IsRequired:      r.IsRequired,
		CanDelegate:     r.CanDelegate,
		Deadline:        r.Deadline.UTC(),
		DelegatedTo:     r.DelegatedTo.String,
		DelegatedFrom:   r.DelegatedFrom.String,
		EscalationLevel: approval.EscalationLevel(r.EscalationLevel),
		Signature:       r.Signature.String,
		Score:           r.Score.Ptr(),
		Comments:        r.Comments,
		Metadata:        meta,
		DecidedAt:       r.DecidedAt.Time.UTC(),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}, nil
}

func (repo approvalRepository) insertDocument(ctx context.Context, q queryer, doc approval.Document) (approval.Document, error) {
	doc.Revision = 1
	row, err := documentToRow(doc)
	if err != nil {
		return approval.Document{}, err
	}
	if _, err = exec(ctx, q, psql.Insert(documentTable).SetMap(row.values())); err != nil {
		if isUniqueViolation(err) {
			return approval.Document{}, errors.Wrapf(core.ErrConflict, "version %d of %s exists", doc.Version, doc.ParentID)
		}
		return approval.Document{}, errors.Wrap(err, "inserting document")
	}
	return doc, nil
}

func (repo approvalRepository) CreateDocument(ctx context.Context, doc approval.Document) (approval.Document, error) {
	return repo.insertDocument(ctx, repo.db, doc)
}

func (repo approvalRepository) CreateRevision(ctx context.Context, parentID string, build approval.RevisionFunc) (approval.Document, error) {
	var doc approval.Document
	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		var versions []int
		b := psql.Select("version").From(documentTable).Where(sq.Eq{"parent_id": parentID}).Suffix("FOR UPDATE")
		if err := selectAll(ctx, tx, &versions, b); err != nil {
			return errors.Wrap(err, "locking versions")
		}
		var last int
		for _, v := range versions {
			if v > last {
				last = v
			}
		}
		if last == 0 {
			return approval.ErrDocumentNotFound
		}

		built, err := build(last + 1)
		if err != nil {
			return err
		}
		doc, err = repo.insertDocument(ctx, tx, built)
		return err
	})
	if err != nil {
		return approval.Document{}, err
	}
	return doc, nil
}

func (repo approvalRepository) getDocument(ctx context.Context, q queryer, id string) (approval.Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return approval.Document{}, approval.ErrDocumentNotFound
	}
	var row documentRow
	if err := get(ctx, q, &row, psql.Select(documentColumns...).From(documentTable).Where(sq.Eq{"id": id})); err != nil {
		return approval.Document{}, trapNoRowsErr(err, approval.ErrDocumentNotFound, "finding document")
	}
	return documentFromRow(row)
}

func (repo approvalRepository) GetDocument(ctx context.Context, id string) (approval.Document, error) {
	return repo.getDocument(ctx, repo.db, id)
}

func (repo approvalRepository) ListDocumentVersions(ctx context.Context, parentID string) ([]approval.Document, error) {
	if _, err := uuid.Parse(parentID); err != nil {
		return []approval.Document{}, nil
	}
	var rows []documentRow
	b := psql.Select(documentColumns...).From(documentTable).Where(sq.Eq{"parent_id": parentID}).OrderBy("version ASC")
	if err := selectAll(ctx, repo.db, &rows, b); err != nil {
		return nil, errors.Wrap(err, "listing document versions")
	}
	docs := make([]approval.Document, 0, len(rows))
	for _, r := range rows {
		doc, err := documentFromRow(r)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// casDocument stores doc if its revision did not change, and bumps it.
func (repo approvalRepository) casDocument(ctx context.Context, q queryer, doc approval.Document) (approval.Document, error) {
	row, err := documentToRow(doc)
	if err != nil {
		return approval.Document{}, err
	}
	values := row.values()
	for _, col := range []string{"id", "parent_id", "version", "author_id", "created_at"} {
		delete(values, col)
	}
	values["revision"] = sq.Expr("revision + 1")

	n, err := exec(ctx, q, psql.Update(documentTable).SetMap(values).Where(sq.Eq{"id": doc.ID, "revision": doc.Revision}))
	if err != nil {
		if isUniqueViolation(err) {
			return approval.Document{}, core.ErrConflict
		}
		return approval.Document{}, errors.Wrap(err, "updating document")
	}
	if n == 0 {
		if _, err = repo.getDocument(ctx, q, doc.ID); err != nil {
			return approval.Document{}, err
		}
		return approval.Document{}, core.ErrConflict
	}
	doc.Revision++
	return doc, nil
}

func (repo approvalRepository) UpdateDocument(ctx context.Context, doc approval.Document) (approval.Document, error) {
	return repo.casDocument(ctx, repo.db, doc)
}

func (repo approvalRepository) PromoteDocument(ctx context.Context, doc approval.Document) (approval.Document, error) {
	var promoted approval.Document
	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		demote := psql.Update(documentTable).
			Set("is_current", false).
			Set("revision", sq.Expr("revision + 1")).
			Set("updated_at", doc.UpdatedAt.UTC()).
			Where(sq.Eq{"parent_id": doc.ParentID, "is_current": true}).
			Where(sq.NotEq{"id": doc.ID})
		if _, err := exec(ctx, tx, demote); err != nil {
			return errors.Wrap(err, "demoting current version")
		}

		doc.IsCurrent = true
		var err error
		promoted, err = repo.casDocument(ctx, tx, doc)
		return err
	})
	if err != nil {
		return approval.Document{}, err
	}
	return promoted, nil
}

func (repo approvalRepository) SubmitDocument(ctx context.Context, doc approval.Document, reqs []approval.Request) (approval.Document, []approval.Request, error) {
	var (
		submitted approval.Document
		created   []approval.Request
	)
	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		var err error
		if submitted, err = repo.casDocument(ctx, tx, doc); err != nil {
			return err
		}
		created, err = repo.insertRequests(ctx, tx, reqs)
		return err
	})
	if err != nil {
		return approval.Document{}, nil, err
	}
	return submitted, created, nil
}

func (repo approvalRepository) insertRequests(ctx context.Context, q queryer, reqs []approval.Request) ([]approval.Request, error) {
	if len(reqs) == 0 {
		return []approval.Request{}, nil
	}
	b := psql.Insert(requestTable).Columns(requestColumns...)
	for _, req := range reqs {
		row, err := requestToRow(req)
		if err != nil {
			return nil, err
		}
		values := row.values()
		vals := make([]interface{}, 0, len(requestColumns))
		for _, col := range requestColumns {
			vals = append(vals, values[col])
		}
		b = b.Values(vals...)
	}
	if _, err := exec(ctx, q, b); err != nil {
		return nil, errors.Wrap(err, "inserting requests")
	}
	return reqs, nil
}

func (repo approvalRepository) CreateRequests(ctx context.Context, reqs ...approval.Request) ([]approval.Request, error) {
	return repo.insertRequests(ctx, repo.db, reqs)
}

func (repo approvalRepository) getRequest(ctx context.Context, q queryer, id string) (approval.Request, error) {
	if _, err := uuid.Parse(id); err != nil {
		return approval.Request{}, approval.ErrRequestNotFound
	}
	var row requestRow
	if err := get(ctx, q, &row, psql.Select(requestColumns...).From(requestTable).Where(sq.Eq{"id": id})); err != nil {
		return approval.Request{}, trapNoRowsErr(err, approval.ErrRequestNotFound, "finding request")
	}
	return requestFromRow(row)
}

func (repo approvalRepository) GetRequest(ctx context.Context, id string) (approval.Request, error) {
	return repo.getRequest(ctx, repo.db, id)
}

// casRequest stores req if its status still is expected.
func (repo approvalRepository) casRequest(ctx context.Context, q queryer, req approval.Request, expected approval.RequestStatus) error {
	row, err := requestToRow(req)
	if err != nil {
		return err
	}
	values := row.values()
	for _, col := range []string{"id", "document_id", "level", "created_at"} {
		delete(values, col)
	}

	n, err := exec(ctx, q, psql.Update(requestTable).SetMap(values).Where(sq.Eq{"id": req.ID, "status": string(expected)}))
	if err != nil {
		return errors.Wrap(err, "updating request")
	}
	if n == 0 {
		if _, err = repo.getRequest(ctx, q, req.ID); err != nil {
			return err
		}
		return core.ErrConflict
	}
	return nil
}

func (repo approvalRepository) UpdateRequest(ctx context.Context, req approval.Request, expected approval.RequestStatus) (approval.Request, error) {
	if err := repo.casRequest(ctx, repo.db, req, expected); err != nil {
		return approval.Request{}, err
	}
	return req, nil
}

func (repo approvalRepository) ReplaceRequest(ctx context.Context, source approval.Request, expected approval.RequestStatus, successor approval.Request) (approval.Request, approval.Request, error) {
	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		if err := repo.casRequest(ctx, tx, source, expected); err != nil {
			return err
		}
		_, err := repo.insertRequests(ctx, tx, []approval.Request{successor})
		return err
	})
	if err != nil {
		return approval.Request{}, approval.Request{}, err
	}
	return source, successor, nil
}

func (repo approvalRepository) QueryRequests(ctx context.Context, filter approval.RequestFilter) ([]approval.Request, error) {
	for _, id := range []string{filter.DocumentID, filter.ApproverID} {
		if _, err := uuid.Parse(id); id != "" && err != nil {
			return []approval.Request{}, nil
		}
	}

	b := psql.Select(requestColumns...).From(requestTable)
	if filter.DocumentID != "" {
		b = b.Where(sq.Eq{"document_id": filter.DocumentID})
	}
	if filter.ApproverID != "" {
		b = b.Where(sq.Eq{"approver_id": filter.ApproverID})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		b = b.Where(sq.Eq{"status": statuses})
	}
	if !filter.DeadlineBefore.IsZero() {
		b = b.Where(sq.Lt{"deadline": filter.DeadlineBefore.UTC()})
	}
	if !filter.CreatedFrom.IsZero() {
		b = b.Where(sq.GtOrEq{"created_at": filter.CreatedFrom.UTC()})
	}
	b = b.OrderBy("level ASC", "created_at ASC", "id ASC")

	var rows []requestRow
	if err := selectAll(ctx, repo.db, &rows, b); err != nil {
		return nil, errors.Wrap(err, "querying requests")
	}
	reqs := make([]approval.Request, 0, len(rows))
	for _, r := range rows {
		req, err := requestFromRow(r)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
