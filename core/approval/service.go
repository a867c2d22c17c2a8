package approval

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/user"
	"github.com/trezcool/shule/core/version"
)

var (
	// errors
	ErrDocumentNotFound = errors.New("document not found")
	ErrRequestNotFound  = errors.New("approval request not found")

	NowFunc = time.Now // mockable

	// finalizeAttempts bounds the retries of a document status change lost to a concurrent writer.
	finalizeAttempts = 3
)

type (
	// RevisionFunc builds the Document numbered next.
	RevisionFunc func(next int) (Document, error)

	Repository interface {
		CreateDocument(ctx context.Context, doc Document) (Document, error)
		// CreateRevision numbers the new Document max+1 among the versions of parentID.
		CreateRevision(ctx context.Context, parentID string, build RevisionFunc) (Document, error)
		GetDocument(ctx context.Context, id string) (Document, error)
		// ListDocumentVersions returns the versions of parentID ordered by version number.
		ListDocumentVersions(ctx context.Context, parentID string) ([]Document, error)
		// UpdateDocument stores doc if its stored revision still is doc.Revision, and bumps it.
		// It returns core.ErrConflict otherwise.
		UpdateDocument(ctx context.Context, doc Document) (Document, error)
		// PromoteDocument is UpdateDocument that also makes doc the only current version of its parent.
		PromoteDocument(ctx context.Context, doc Document) (Document, error)
		// SubmitDocument is UpdateDocument that also stores reqs, all or nothing.
		SubmitDocument(ctx context.Context, doc Document, reqs []Request) (Document, []Request, error)

		CreateRequests(ctx context.Context, reqs ...Request) ([]Request, error)
		GetRequest(ctx context.Context, id string) (Request, error)
		// UpdateRequest stores req if its stored status still is expected.
		// It returns core.ErrConflict otherwise.
		UpdateRequest(ctx context.Context, req Request, expected RequestStatus) (Request, error)
		// ReplaceRequest is UpdateRequest on source that also stores successor, all or nothing.
		ReplaceRequest(ctx context.Context, source Request, expected RequestStatus, successor Request) (Request, Request, error)
		// QueryRequests applies AND operation on available RequestFilter fields.
		// Requests are ordered by level then creation time.
		QueryRequests(ctx context.Context, filter RequestFilter) ([]Request, error)
	}

	Service struct {
		conf       *core.Config
		logger     core.Logger
		repo       Repository
		usrSvc     *user.Service
		auditSvc   *audit.Service
		versionSvc *version.Service
		resolver   ApproverResolver
		notifier   core.Notifier
		blobs      core.BlobStore
		metrics    core.Metrics
	}
)

func NewService(
	conf *core.Config,
	logger core.Logger,
	repo Repository,
	usrSvc *user.Service,
	auditSvc *audit.Service,
	versionSvc *version.Service,
	resolver ApproverResolver,
	notifier core.Notifier,
	blobs core.BlobStore,
	metrics core.Metrics,
) *Service {
	return &Service{
		conf:       conf,
		logger:     logger,
		repo:       repo,
		usrSvc:     usrSvc,
		auditSvc:   auditSvc,
		versionSvc: versionSvc,
		resolver:   resolver,
		notifier:   notifier,
		blobs:      blobs,
		metrics:    metrics,
	}
}

func now() time.Time {
	return NowFunc().UTC().Truncate(time.Microsecond)
}

// isAuthorOrAdmin reports whether rc may manage doc.
func isAuthorOrAdmin(rc core.RequestContext, doc Document) bool {
	return (!rc.IsSystem() && rc.ActorID == doc.AuthorID) || rc.HasRole(user.RoleAdmin)
}

// deny records a refused operation and returns core.ErrAuthorizationDenied.
func (svc *Service) deny(ctx context.Context, rc core.RequestContext, subject core.Subject, what string) error {
	_, err := svc.auditSvc.Log(ctx, rc, audit.Entry{
		Subject:     subject,
		Action:      audit.ActionPermissionDenied,
		Failed:      true,
		Description: what,
	})
	if err != nil {
		svc.logger.Error(fmt.Sprintf("logging denied %s: %v", what, err), err)
	}
	return errors.Wrap(core.ErrAuthorizationDenied, what)
}

// notify dispatches n. Failures are only logged.
func (svc *Service) notify(ctx context.Context, n core.Notification) {
	if err := svc.notifier.Notify(ctx, n); err != nil {
		svc.logger.Error(fmt.Sprintf("notifying %s: %v", n.Event, err), err)
	}
}

func (svc *Service) conflict(entity string, err error) error {
	if errors.Cause(err) == core.ErrConflict {
		svc.metrics.Conflict(entity)
	}
	return err
}

// CreateDocument stores the first version of a new Document, as a current draft.
func (svc *Service) CreateDocument(ctx context.Context, rc core.RequestContext, nd NewDocument) (Document, error) {
	if rc.IsSystem() || !(rc.HasRole(user.RoleTeacher) || rc.HasRole(user.RoleAdmin)) {
		return Document{}, svc.deny(ctx, rc, core.NewSubject(core.SubjectDocument, ""), "create document")
	}

	t := now()
	id := uuid.New().String()
	doc := Document{
		ID:          id,
		ParentID:    id,
		Version:     1,
		Kind:        nd.Kind,
		Title:       nd.Title,
		Content:     nd.Content,
		Status:      DocumentDraft,
		IsCurrent:   true,
		AuthorID:    rc.ActorID,
		Attachments: []string{},
		CreatedAt:   t,
		UpdatedAt:   t,
	}
	if doc.Content == nil {
		doc.Content = make(map[string]interface{})
	}
	sum, err := doc.ComputeChecksum()
	if err != nil {
		return Document{}, errors.Wrap(err, "computing checksum")
	}
	doc.Checksum = sum

	if doc, err = svc.repo.CreateDocument(ctx, doc); err != nil {
		return Document{}, errors.Wrap(err, "creating document")
	}
	if err = svc.recordCreation(ctx, rc, doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// NewRevision starts a new draft version of a decided Document.
// Blank title and nil content are inherited from the base version.
func (svc *Service) NewRevision(ctx context.Context, rc core.RequestContext, documentID, title string, content map[string]interface{}) (Document, error) {
	base, err := svc.repo.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	if !isAuthorOrAdmin(rc, base) {
		return Document{}, svc.deny(ctx, rc, base.Subject(), "revise document")
	}
	if base.Status != DocumentApproved && base.Status != DocumentRejected {
		return Document{}, errors.Wrap(core.ErrInvalidTransition, "only decided documents can be revised")
	}

	versions, err := svc.repo.ListDocumentVersions(ctx, base.ParentID)
	if err != nil {
		return Document{}, errors.Wrap(err, "listing versions")
	}
	for _, v := range versions {
		if v.Status == DocumentDraft || v.Status == DocumentReview {
			return Document{}, errors.Wrap(core.ErrInvalidTransition, fmt.Sprintf("version %d is still open", v.Version))
		}
	}

	if title = core.CleanString(title); title == "" {
		title = base.Title
	}
	if content == nil {
		content = core.CopyMap(base.Content)
	}
	attachments := make([]string, len(base.Attachments))
	copy(attachments, base.Attachments)

	doc, err := svc.repo.CreateRevision(ctx, base.ParentID, func(next int) (Document, error) {
		t := now()
		doc := Document{
			ID:          uuid.New().String(),
			ParentID:    base.ParentID,
			Version:     next,
			Kind:        base.Kind,
			Title:       title,
			Content:     content,
			Status:      DocumentDraft,
			AuthorID:    rc.ActorID,
			Attachments: attachments,
			CreatedAt:   t,
			UpdatedAt:   t,
		}
		sum, err := doc.ComputeChecksum()
		if err != nil {
			return Document{}, err
		}
		doc.Checksum = sum
		return doc, nil
	})
	if err != nil {
		return Document{}, errors.Wrap(err, "creating revision")
	}
	if err = svc.recordCreation(ctx, rc, doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// recordCreation audits a new Document version and snapshots its content.
func (svc *Service) recordCreation(ctx context.Context, rc core.RequestContext, doc Document) error {
	_, err := svc.auditSvc.Log(ctx, rc, audit.Entry{
		Subject: doc.Subject(),
		Action:  audit.ActionCreate,
		NewValues: map[string]interface{}{
			"parent_id": doc.ParentID,
			"version":   doc.Version,
			"kind":      string(doc.Kind),
			"title":     doc.Title,
			"checksum":  doc.Checksum,
		},
		Description: fmt.Sprintf("%s version %d", doc.Kind, doc.Version),
	})
	if err != nil {
		return errors.Wrap(err, "logging document creation")
	}
	return svc.snapshot(ctx, rc, doc)
}

func (svc *Service) snapshot(ctx context.Context, rc core.RequestContext, doc Document) error {
	_, err := svc.versionSvc.Create(ctx, rc, doc.ParentID, map[string]interface{}{
		"document_id": doc.ID,
		"version":     doc.Version,
		"kind":        string(doc.Kind),
		"title":       doc.Title,
		"content":     doc.Content,
		"attachments": doc.Attachments,
		"status":      string(doc.Status),
	}, version.Options{
		Type:     version.TypeAutomatic,
		Metadata: map[string]interface{}{"document_id": doc.ID, "status": string(doc.Status)},
	})
	return errors.Wrap(err, "snapshotting document")
}

func (svc *Service) GetDocument(ctx context.Context, id string) (Document, error) {
	return svc.repo.GetDocument(ctx, id)
}

func (svc *Service) ListVersions(ctx context.Context, parentID string) ([]Document, error) {
	return svc.repo.ListDocumentVersions(ctx, parentID)
}

// Archive retires a non current Document version.
func (svc *Service) Archive(ctx context.Context, rc core.RequestContext, documentID string) (Document, error) {
	doc, err := svc.repo.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	if !isAuthorOrAdmin(rc, doc) {
		return Document{}, svc.deny(ctx, rc, doc.Subject(), "archive document")
	}
	if doc.IsCurrent {
		return Document{}, errors.Wrap(core.ErrInvalidTransition, "the current version cannot be archived")
	}
	if !doc.Status.CanTransitionTo(DocumentArchived) {
		return Document{}, errors.Wrap(core.ErrInvalidTransition, fmt.Sprintf("cannot archive a %s document", doc.Status))
	}

	prev := doc.Status
	doc.Status = DocumentArchived
	doc.UpdatedAt = now()
	if doc, err = svc.repo.UpdateDocument(ctx, doc); err != nil {
		return Document{}, svc.conflict("document", err)
	}
	svc.metrics.Transition("document", string(prev), string(doc.Status))

	_, err = svc.auditSvc.Log(ctx, rc, audit.Entry{
		Subject:   doc.Subject(),
		Action:    audit.ActionUpdate,
		OldValues: map[string]interface{}{"status": string(prev)},
		NewValues: map[string]interface{}{"status": string(doc.Status)},
	})
	if err != nil {
		return Document{}, errors.Wrap(err, "logging archival")
	}
	return doc, nil
}

// AttachFile stores r as an attachment of a draft Document.
func (svc *Service) AttachFile(ctx context.Context, rc core.RequestContext, documentID, filename, contentType string, r io.Reader) (Document, error) {
	doc, err := svc.repo.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	if rc.IsSystem() || rc.ActorID != doc.AuthorID {
		return Document{}, svc.deny(ctx, rc, doc.Subject(), "attach file")
	}
	if doc.Status != DocumentDraft {
		return Document{}, errors.Wrap(core.ErrInvalidTransition, "files can only be attached to drafts")
	}
	name := path.Base(strings.ReplaceAll(core.CleanString(filename), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return Document{}, core.NewValidationError(nil, core.FieldError{Field: "file", Error: "a file name is required"})
	}

	key := path.Join("documents", doc.ParentID, doc.ID, uuid.New().String()+"-"+name)
	if err = svc.blobs.Put(ctx, key, r, contentType); err != nil {
		return Document{}, errors.Wrap(err, "storing attachment")
	}

	old := doc.Checksum
	doc.Attachments = append(append(make([]string, 0, len(doc.Attachments)+1), doc.Attachments...), key)
	doc.UpdatedAt = now()
	if doc.Checksum, err = doc.ComputeChecksum(); err != nil {
		return Document{}, errors.Wrap(err, "computing checksum")
	}
	updated, err := svc.repo.UpdateDocument(ctx, doc)
	if err != nil {
		if dErr := svc.blobs.Delete(ctx, key); dErr != nil {
			svc.logger.Error(fmt.Sprintf("removing orphan attachment %s: %v", key, dErr), dErr)
		}
		return Document{}, svc.conflict("document", err)
	}

	_, err = svc.auditSvc.Log(ctx, rc, audit.Entry{
		Subject:     updated.Subject(),
		Action:      audit.ActionUpdate,
		OldValues:   map[string]interface{}{"checksum": old},
		NewValues:   map[string]interface{}{"checksum": updated.Checksum, "attachment": key},
		Description: "file attached",
	})
	if err != nil {
		return Document{}, errors.Wrap(err, "logging attachment")
	}
	return updated, nil
}

// OpenAttachment streams an attachment of a Document. Callers must close the reader.
func (svc *Service) OpenAttachment(ctx context.Context, documentID, key string) (io.ReadCloser, error) {
	doc, err := svc.repo.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !core.StringInSlice(key, doc.Attachments) {
		return nil, core.ErrBlobNotFound
	}
	return svc.blobs.Get(ctx, key)
}

// VerifyDocument recomputes the checksum of a Document and reports a mismatch as an integrity violation.
func (svc *Service) VerifyDocument(ctx context.Context, rc core.RequestContext, id string) (bool, error) {
	doc, err := svc.repo.GetDocument(ctx, id)
	if err != nil {
		return false, err
	}
	if doc.VerifyChecksum() {
		return true, nil
	}
	if err = svc.auditSvc.ReportViolation(ctx, rc, doc.Subject(), doc.Checksum); err != nil {
		return false, err
	}
	return false, nil
}
