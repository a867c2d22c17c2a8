package dummydb

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/approval"
)

type approvalRepository struct {
	db *approvalTables
}

var _ approval.Repository = (*approvalRepository)(nil) // interface compliance check

func NewApprovalRepository(db *DB) approval.Repository {
	return &approvalRepository{db: db.approval}
}

func (repo *approvalRepository) CreateDocument(ctx context.Context, doc approval.Document) (approval.Document, error) {
	repo.db.Lock()
	defer repo.db.Unlock()
	return repo.insertDocument(doc)
}

func (repo *approvalRepository) insertDocument(doc approval.Document) (approval.Document, error) {
	if _, ok := repo.db.documents[doc.ID]; ok {
		return approval.Document{}, errors.Errorf("duplicate document %s", doc.ID)
	}
	for _, d := range repo.db.documents {
		if d.ParentID == doc.ParentID && d.Version == doc.Version {
			return approval.Document{}, errors.Wrapf(core.ErrConflict, "version %d of %s exists", doc.Version, doc.ParentID)
		}
	}
	doc.Revision = 1
	repo.db.documents[doc.ID] = &doc
	return doc, nil
}

func (repo *approvalRepository) CreateRevision(ctx context.Context, parentID string, build approval.RevisionFunc) (approval.Document, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	var last int
	for _, d := range repo.db.documents {
		if d.ParentID == parentID && d.Version > last {
			last = d.Version
		}
	}
	if last == 0 {
		return approval.Document{}, approval.ErrDocumentNotFound
	}
	doc, err := build(last + 1)
	if err != nil {
		return approval.Document{}, err
	}
	return repo.insertDocument(doc)
}

func (repo *approvalRepository) GetDocument(ctx context.Context, id string) (approval.Document, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if doc, ok := repo.db.documents[id]; ok {
		return *doc, nil
	}
	return approval.Document{}, approval.ErrDocumentNotFound
}

func (repo *approvalRepository) ListDocumentVersions(ctx context.Context, parentID string) ([]approval.Document, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	docs := make([]approval.Document, 0)
	for _, d := range repo.db.documents {
		if d.ParentID == parentID {
			docs = append(docs, *d)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Version < docs[j].Version })
	return docs, nil
}

// cas replaces a stored document if its revision matches. Callers hold the write lock.
func (repo *approvalRepository) cas(doc approval.Document) (approval.Document, error) {
	orig, ok := repo.db.documents[doc.ID]
	if !ok {
		return approval.Document{}, approval.ErrDocumentNotFound
	}
	if orig.Revision != doc.Revision {
		return approval.Document{}, core.ErrConflict
	}
	doc.Revision++
	repo.db.documents[doc.ID] = &doc
	return doc, nil
}

func (repo *approvalRepository) UpdateDocument(ctx context.Context, doc approval.Document) (approval.Document, error) {
	repo.db.Lock()
	defer repo.db.Unlock()
	return repo.cas(doc)
}

func (repo *approvalRepository) PromoteDocument(ctx context.Context, doc approval.Document) (approval.Document, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	doc.IsCurrent = true
	doc, err := repo.cas(doc)
	if err != nil {
		return approval.Document{}, err
	}
	for id, d := range repo.db.documents {
		if d.ParentID == doc.ParentID && id != doc.ID && d.IsCurrent {
			demoted := *d
			demoted.IsCurrent = false
			demoted.UpdatedAt = doc.UpdatedAt
			demoted.Revision++
			repo.db.documents[id] = &demoted
		}
	}
	return doc, nil
}

func (repo *approvalRepository) SubmitDocument(ctx context.Context, doc approval.Document, reqs []approval.Request) (approval.Document, []approval.Request, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, req := range reqs {
		if _, ok := repo.db.requests[req.ID]; ok {
			return approval.Document{}, nil, errors.Errorf("duplicate request %s", req.ID)
		}
	}
	doc, err := repo.cas(doc)
	if err != nil {
		return approval.Document{}, nil, err
	}
	return doc, repo.insertRequests(reqs), nil
}

func (repo *approvalRepository) insertRequests(reqs []approval.Request) []approval.Request {
	created := make([]approval.Request, 0, len(reqs))
	for _, req := range reqs {
		r := req
		repo.db.requests[r.ID] = &r
		created = append(created, r)
	}
	return created
}

func (repo *approvalRepository) CreateRequests(ctx context.Context, reqs ...approval.Request) ([]approval.Request, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, req := range reqs {
		if _, ok := repo.db.documents[req.DocumentID]; !ok {
			return nil, approval.ErrDocumentNotFound
		}
		if _, ok := repo.db.requests[req.ID]; ok {
			return nil, errors.Errorf("duplicate request %s", req.ID)
		}
	}
	return repo.insertRequests(reqs), nil
}

func (repo *approvalRepository) GetRequest(ctx context.Context, id string) (approval.Request, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if req, ok := repo.db.requests[id]; ok {
		return *req, nil
	}
	return approval.Request{}, approval.ErrRequestNotFound
}

// casRequest replaces a stored request if its status matches. Callers hold the write lock.
func (repo *approvalRepository) casRequest(req approval.Request, expected approval.RequestStatus) error {
	orig, ok := repo.db.requests[req.ID]
	if !ok {
		return approval.ErrRequestNotFound
	}
	if orig.Status != expected {
		return core.ErrConflict
	}
	repo.db.requests[req.ID] = &req
	return nil
}

func (repo *approvalRepository) UpdateRequest(ctx context.Context, req approval.Request, expected approval.RequestStatus) (approval.Request, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if err := repo.casRequest(req, expected); err != nil {
		return approval.Request{}, err
	}
	return req, nil
}

func (repo *approvalRepository) ReplaceRequest(ctx context.Context, source approval.Request, expected approval.RequestStatus, successor approval.Request) (approval.Request, approval.Request, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.requests[successor.ID]; ok {
		return approval.Request{}, approval.Request{}, errors.Errorf("duplicate request %s", successor.ID)
	}
	if err := repo.casRequest(source, expected); err != nil {
		return approval.Request{}, approval.Request{}, err
	}
	repo.db.requests[successor.ID] = &successor
	return source, successor, nil
}

func (repo *approvalRepository) QueryRequests(ctx context.Context, filter approval.RequestFilter) ([]approval.Request, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	reqs := make([]approval.Request, 0)
	for _, req := range repo.db.requests {
		if matchRequest(*req, filter) {
			reqs = append(reqs, *req)
		}
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Level != reqs[j].Level {
			return reqs[i].Level < reqs[j].Level
		}
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
	return reqs, nil
}

func matchRequest(req approval.Request, filter approval.RequestFilter) bool {
	if filter.DocumentID != "" && req.DocumentID != filter.DocumentID {
		return false
	}
	if filter.ApproverID != "" && req.ApproverID != filter.ApproverID {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, st := range filter.Statuses {
			if req.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !filter.DeadlineBefore.IsZero() && !req.Deadline.Before(filter.DeadlineBefore) {
		return false
	}
	if !filter.CreatedFrom.IsZero() && req.CreatedAt.Before(filter.CreatedFrom) {
		return false
	}
	return true
}

// TamperDocument overwrites a stored document. Test helper.
func (db *DB) TamperDocument(id string, tamper func(doc *approval.Document)) bool {
	db.approval.Lock()
	defer db.approval.Unlock()

	if doc, ok := db.approval.documents[id]; ok {
		tamper(doc)
		return true
	}
	return false
}
