package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/user"
)

// Submit sends a draft Document to review and fans out one Request per approval Level.
// In sequential mode only the first Level is dispatched; the next ones follow each approval.
func (svc *Service) Submit(ctx context.Context, rc core.RequestContext, documentID string) (Document, []Request, error) {
	doc, err := svc.repo.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, nil, err
	}
	if !isAuthorOrAdmin(rc, doc) {
		return Document{}, nil, svc.deny(ctx, rc, doc.Subject(), "submit document")
	}
	if !doc.Status.CanTransitionTo(DocumentReview) {
		return Document{}, nil, errors.Wrap(core.ErrInvalidTransition, fmt.Sprintf("cannot submit a %s document", doc.Status))
	}

	levels := Levels
	if svc.conf.Approval.Sequential {
		levels = Levels[:1]
	}
	t := now()
	reqs := make([]Request, 0, len(levels))
	for _, lvl := range levels {
		req, err := svc.newRequest(ctx, doc, lvl, t)
		if err != nil {
			return Document{}, nil, err
		}
		reqs = append(reqs, req)
	}

	doc.Status = DocumentReview
	doc.SubmittedAt = t
	doc.UpdatedAt = t
	if doc.Checksum, err = doc.ComputeChecksum(); err != nil {
		return Document{}, nil, errors.Wrap(err, "computing checksum")
	}
	if doc, reqs, err = svc.repo.SubmitDocument(ctx, doc, reqs); err != nil {
		return Document{}, nil, svc.conflict("document", err)
	}
	svc.metrics.Transition("document", string(DocumentDraft), string(DocumentReview))

	approvers := make([]interface{}, 0, len(reqs))
	for _, req := range reqs {
		approvers = append(approvers, req.ApproverID)
	}
	_, err = svc.auditSvc.Log(ctx, rc, audit.Entry{
		Subject:   doc.Subject(),
		Action:    audit.ActionSubmit,
		OldValues: map[string]interface{}{"status": string(DocumentDraft)},
		NewValues: map[string]interface{}{
			"status":    string(doc.Status),
			"checksum":  doc.Checksum,
			"approvers": approvers,
		},
	})
	if err != nil {
		return Document{}, nil, errors.Wrap(err, "logging submission")
	}

	for _, req := range reqs {
		svc.notifyRequested(ctx, doc, req)
	}
	return doc, reqs, nil
}

func (svc *Service) newRequest(ctx context.Context, doc Document, lvl Level, t time.Time) (Request, error) {
	approverID, err := svc.resolver.ResolveApprover(ctx, doc, lvl)
	if err != nil {
		if errors.Cause(err) == ErrNoApprover {
			return Request{}, core.NewValidationError(err, core.FieldError{Field: "approver", Error: err.Error()})
		}
		return Request{}, errors.Wrap(err, "resolving approver")
	}
	return Request{
		ID:          uuid.New().String(),
		DocumentID:  doc.ID,
		ApproverID:  approverID,
		Level:       lvl,
		Priority:    lvl.Priority(),
		Status:      RequestPending,
		IsRequired:  true,
		CanDelegate: true,
		Deadline:    t.Add(svc.conf.Approval.SLA),
		Metadata:    map[string]interface{}{},
		CreatedAt:   t,
		UpdatedAt:   t,
	}, nil
}

func (svc *Service) notifyRequested(ctx context.Context, doc Document, req Request) {
	svc.notify(ctx, core.Notification{
		Event:      core.EventApprovalRequested,
		Recipients: []string{req.ApproverID},
		Subject:    fmt.Sprintf("Approval requested: %s", doc.Title),
		Data: map[string]interface{}{
			"request_id":       req.ID,
			"document_id":      doc.ID,
			"document_title":   doc.Title,
			"document_version": doc.Version,
			"level":            req.Level.String(),
			"deadline":         req.Deadline.Format(time.RFC1123),
		},
	})
}

// Decide applies an approver's Decision on a Request.
func (svc *Service) Decide(ctx context.Context, rc core.RequestContext, requestID string, d Decision) (Request, error) {
	switch d.Decision {
	case DecisionApprove:
		return svc.Approve(ctx, rc, requestID, d.Comments, d.Score)
	case DecisionReject:
		return svc.Reject(ctx, rc, requestID, d.Comments)
	}
	return Request{}, core.NewValidationError(nil, core.FieldError{Field: "decision", Error: "unknown decision"})
}

const errAuthorApprover = "the document author cannot approve it"

// decidable loads a Request the actor of rc may decide on, along with its Document.
func (svc *Service) decidable(ctx context.Context, rc core.RequestContext, requestID, what string) (Request, Document, error) {
	req, err := svc.repo.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, Document{}, err
	}
	if !req.Status.IsAwaiting() {
		return Request{}, Document{}, errors.Wrap(core.ErrInvalidTransition, fmt.Sprintf("request is %s", req.Status))
	}
	if rc.IsSystem() || req.ApproverID != rc.ActorID {
		return Request{}, Document{}, svc.deny(ctx, rc, req.Subject(), what)
	}
	doc, err := svc.repo.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return Request{}, Document{}, errors.Wrap(err, "getting document")
	}
	if doc.AuthorID == rc.ActorID {
		return Request{}, Document{}, svc.deny(ctx, rc, req.Subject(), what)
	}
	if doc.Status != DocumentReview {
		return Request{}, Document{}, errors.Wrap(core.ErrInvalidTransition, fmt.Sprintf("document is %s", doc.Status))
	}
	return req, doc, nil
}

// Approve records the approval of a Request by its approver.
// The Document gets approved and promoted once every required Request is approved.
func (svc *Service) Approve(ctx context.Context, rc core.RequestContext, requestID, comments string, score *float64) (Request, error) {
	req, doc, err := svc.decidable(ctx, rc, requestID, "approve request")
	if err != nil {
		return Request{}, err
	}

	prev, t := req.Status, now()
	req.Status = RequestApproved
	req.Comments = core.CleanString(comments)
	req.Score = score
	req.DecidedAt = t
	req.UpdatedAt = t
	req.Signature = Sign(svc.conf.SecretKey, req, req.Status, rc, t)
	if req, err = svc.repo.UpdateRequest(ctx, req, prev); err != nil {
		return Request{}, svc.conflict("approval_request", err)
	}
	svc.metrics.Transition("approval_request", string(prev), string(req.Status))

	newValues := map[string]interface{}{"status": string(req.Status), "signature": req.Signature}
	if score != nil {
		newValues["score"] = *score
	}
	_, err = svc.auditSvc.Log(ctx, rc, audit.Entry{
		Subject:     req.Subject(),
		Action:      audit.ActionApprove,
		OldValues:   map[string]interface{}{"status": string(prev)},
		NewValues:   newValues,
		Description: fmt.Sprintf("%s approval of document %s", req.Level, doc.ID),
	})
	if err != nil {
		return Request{}, errors.Wrap(err, "logging approval")
	}

	if _, err = svc.advance(ctx, rc, doc.ID); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Reject records the rejection of a Request by its approver.
// Rejecting a required Request rejects the Document; the other Requests are left as they are.
func (svc *Service) Reject(ctx context.Context, rc core.RequestContext, requestID, reason string) (Request, error) {
	if reason = core.CleanString(reason); reason == "" {
		return Request{}, core.NewValidationError(nil, core.FieldError{Field: "comments", Error: "a reason is required to reject"})
	}
	req, doc, err := svc.decidable(ctx, rc, requestID, "reject request")
	if err != nil {
		return Request{}, err
	}

	prev, t := req.Status, now()
	req.Status = RequestRejected
	req.Comments = reason
	req.Metadata = req.withMeta(MetaRejectionReason, reason)
	req.DecidedAt = t
	req.UpdatedAt = t
	req.Signature = Sign(svc.conf.SecretKey, req, req.Status, rc, t)
	if req, err = svc.repo.UpdateRequest(ctx, req, prev); err != nil {
		return Request{}, svc.conflict("approval_request", err)
	}
	svc.metrics.Transition("approval_request", string(prev), string(req.Status))

	_, err = svc.auditSvc.Log(ctx, rc, audit.Entry{
		Subject:     req.Subject(),
		Action:      audit.ActionReject,
		OldValues:   map[string]interface{}{"status": string(prev)},
		NewValues:   map[string]interface{}{"status": string(req.Status), "reason": reason, "signature": req.Signature},
		Description: fmt.Sprintf("%s rejection of document %s", req.Level, doc.ID),
	})
	if err != nil {
		return Request{}, errors.Wrap(err, "logging rejection")
	}

	if req.IsRequired {
		if _, err = svc.finalize(ctx, rc, doc.ID, DocumentRejected, reason); err != nil {
			return Request{}, err
		}
	}
	return req, nil
}

// advance re-evaluates a Document in review after one of its Requests got decided.
func (svc *Service) advance(ctx context.Context, rc core.RequestContext, documentID string) (Document, error) {
	doc, err := svc.repo.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, errors.Wrap(err, "getting document")
	}
	if doc.Status != DocumentReview {
		return doc, nil
	}
	reqs, err := svc.repo.QueryRequests(ctx, RequestFilter{DocumentID: doc.ID})
	if err != nil {
		return Document{}, errors.Wrap(err, "querying requests")
	}

	approved := make(map[Level]bool, len(Levels))
	for _, req := range reqs {
		if !req.IsRequired {
			continue
		}
		switch {
		case req.Status.IsAwaiting():
			return doc, nil
		case req.Status == RequestRejected:
			return svc.finalize(ctx, rc, doc.ID, DocumentRejected, req.Comments)
		case req.Status == RequestApproved:
			approved[req.Level] = true
		}
	}

	if svc.conf.Approval.Sequential {
		for _, lvl := range Levels {
			if !approved[lvl] {
				return doc, svc.dispatch(ctx, doc, lvl)
			}
		}
	}
	return svc.finalize(ctx, rc, doc.ID, DocumentApproved, "")
}

// dispatch creates the Request of the next Level in sequential mode.
func (svc *Service) dispatch(ctx context.Context, doc Document, lvl Level) error {
	req, err := svc.newRequest(ctx, doc, lvl, now())
	if err != nil {
		return err
	}
	reqs, err := svc.repo.CreateRequests(ctx, req)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	for _, req := range reqs {
		svc.notifyRequested(ctx, doc, req)
	}
	return nil
}

// finalize moves a Document in review to a decided status, retrying when a concurrent writer
// changed it meanwhile. Approved Documents become the current version of their parent.
func (svc *Service) finalize(ctx context.Context, rc core.RequestContext, documentID string, status DocumentStatus, reason string) (Document, error) {
	var (
		doc Document
		err error
	)
	for attempt := 0; attempt < finalizeAttempts; attempt++ {
		if doc, err = svc.repo.GetDocument(ctx, documentID); err != nil {
			return Document{}, errors.Wrap(err, "getting document")
		}
		if doc.Status != DocumentReview {
			return doc, nil // decided by someone else
		}

		t := now()
		doc.Status = status
		doc.DecidedAt = t
		doc.UpdatedAt = t
		if status == DocumentApproved {
			doc.IsCurrent = true
			doc, err = svc.repo.PromoteDocument(ctx, doc)
		} else {
			doc, err = svc.repo.UpdateDocument(ctx, doc)
		}
		if err == nil {
			break
		}
		if errors.Cause(err) != core.ErrConflict {
			return Document{}, errors.Wrap(err, "finalizing document")
		}
		svc.metrics.Conflict("document")
	}
	if err != nil {
		return Document{}, err
	}
	svc.metrics.Transition("document", string(DocumentReview), string(doc.Status))

	newValues := map[string]interface{}{"status": string(doc.Status), "is_current": doc.IsCurrent}
	if reason != "" {
		newValues["reason"] = reason
	}
	_, err = svc.auditSvc.Log(ctx, rc, audit.Entry{
		Subject:     doc.Subject(),
		Action:      audit.ActionUpdate,
		OldValues:   map[string]interface{}{"status": string(DocumentReview)},
		NewValues:   newValues,
		Description: fmt.Sprintf("document %s", doc.Status),
	})
	if err != nil {
		return Document{}, errors.Wrap(err, "logging decision")
	}

	svc.notify(ctx, core.Notification{
		Event:      core.EventDocumentDecided,
		Recipients: []string{doc.AuthorID},
		Subject:    fmt.Sprintf("%s was %s", doc.Title, doc.Status),
		Data: map[string]interface{}{
			"document_id":      doc.ID,
			"document_title":   doc.Title,
			"document_version": doc.Version,
			"status":           string(doc.Status),
			"reason":           reason,
		},
	})
	return doc, nil
}

// activeUser returns the active User id, or a validation error on field.
func (svc *Service) activeUser(ctx context.Context, id, field string) (user.User, error) {
	usr, err := svc.usrSvc.GetByID(ctx, id)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return user.User{}, core.NewValidationError(err, core.FieldError{Field: field, Error: "unknown user"})
		}
		return user.User{}, errors.Wrap(err, "getting user")
	}
	if !usr.IsActive {
		return user.User{}, core.NewValidationError(nil, core.FieldError{Field: field, Error: "inactive user"})
	}
	return usr, nil
}

// Delegate hands a Request over to another user.
// The source Request is closed as delegated and a pending successor is created for the delegate.
func (svc *Service) Delegate(ctx context.Context, rc core.RequestContext, requestID string, ra Reassignment) (Request, error) {
	src, doc, err := svc.decidable(ctx, rc, requestID, "delegate request")
	if err != nil {
		return Request{}, err
	}
	if !src.CanDelegate {
		return Request{}, errors.Wrap(core.ErrInvalidTransition, "request cannot be delegated")
	}
	if ra.To == src.ApproverID {
		return Request{}, core.NewValidationError(nil, core.FieldError{Field: "to", Error: "cannot delegate to yourself"})
	}
	if ra.To == doc.AuthorID {
		return Request{}, core.NewValidationError(nil, core.FieldError{Field: "to", Error: errAuthorApprover})
	}
	if _, err = svc.activeUser(ctx, ra.To, "to"); err != nil {
		return Request{}, err
	}

	prev, t := src.Status, now()
	src.Status = RequestDelegated
	src.DelegatedTo = ra.To
	src.UpdatedAt = t
	src.Metadata = src.withMeta(MetaDelegation, map[string]interface{}{
		"from":   src.ApproverID,
		"to":     ra.To,
		"reason": ra.Reason,
		"at":     t.Format(time.RFC3339Nano),
	})

	succ := Request{
		ID:              uuid.New().String(),
		DocumentID:      src.DocumentID,
		ApproverID:      ra.To,
		Level:           src.Level,
		Priority:        src.Priority,
		Status:          RequestPending,
		IsRequired:      src.IsRequired,
		CanDelegate:     false,
		Deadline:        src.Deadline,
		DelegatedFrom:   src.ID,
		EscalationLevel: src.EscalationLevel,
		Metadata: map[string]interface{}{
			MetaDelegation: map[string]interface{}{"from": src.ApproverID, "source_id": src.ID, "reason": ra.Reason},
		},
		CreatedAt: t,
		UpdatedAt: t,
	}
	if src, succ, err = svc.repo.ReplaceRequest(ctx, src, prev, succ); err != nil {
		return Request{}, svc.conflict("approval_request", err)
	}
	svc.metrics.Transition("approval_request", string(prev), string(src.Status))

	_, err = svc.auditSvc.Log(ctx, rc, audit.Entry{
		Subject:   src.Subject(),
		Action:    audit.ActionDelegate,
		OldValues: map[string]interface{}{"status": string(prev), "approver_id": src.ApproverID},
		NewValues: map[string]interface{}{
			"status":       string(src.Status),
			"delegated_to": ra.To,
			"successor_id": succ.ID,
			"reason":       ra.Reason,
		},
	})
	if err != nil {
		return Request{}, errors.Wrap(err, "logging delegation")
	}

	svc.notify(ctx, core.Notification{
		Event:      core.EventRequestDelegated,
		Recipients: []string{succ.ApproverID},
		Subject:    fmt.Sprintf("Approval delegated to you: %s", doc.Title),
		Data: map[string]interface{}{
			"request_id":     succ.ID,
			"document_id":    doc.ID,
			"document_title": doc.Title,
			"level":          succ.Level.String(),
			"deadline":       succ.Deadline.Format(time.RFC1123),
			"reason":         ra.Reason,
		},
	})
	return succ, nil
}

// maxEscalation is the highest EscalationLevel a Request may reach.
func (svc *Service) maxEscalation() EscalationLevel {
	limit := EscalationLevel(svc.conf.Approval.MaxEscalation)
	if limit <= EscalationNone || limit > MaxEscalationLevel {
		return MaxEscalationLevel
	}
	return limit
}

// Escalate reassigns an awaiting Request to a higher authority.
// Its approver, the Document author and admins may escalate.
func (svc *Service) Escalate(ctx context.Context, rc core.RequestContext, requestID string, ra Reassignment) (Request, error) {
	req, err := svc.repo.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if !req.Status.IsAwaiting() {
		return Request{}, errors.Wrap(core.ErrInvalidTransition, fmt.Sprintf("request is %s", req.Status))
	}
	doc, err := svc.repo.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return Request{}, errors.Wrap(err, "getting document")
	}
	if !(isAuthorOrAdmin(rc, doc) || (!rc.IsSystem() && rc.ActorID == req.ApproverID)) {
		return Request{}, svc.deny(ctx, rc, req.Subject(), "escalate request")
	}
	if doc.Status != DocumentReview {
		return Request{}, errors.Wrap(core.ErrInvalidTransition, fmt.Sprintf("document is %s", doc.Status))
	}
	if req.EscalationLevel >= svc.maxEscalation() {
		return Request{}, errors.Wrap(core.ErrInvalidTransition, "request reached the maximum escalation level")
	}
	if ra.To == req.ApproverID {
		return Request{}, core.NewValidationError(nil, core.FieldError{Field: "to", Error: "request is already assigned to this user"})
	}
	if ra.To == doc.AuthorID {
		return Request{}, core.NewValidationError(nil, core.FieldError{Field: "to", Error: errAuthorApprover})
	}
	if _, err = svc.activeUser(ctx, ra.To, "to"); err != nil {
		return Request{}, err
	}

	prev, prevApprover, t := req.Status, req.ApproverID, now()
	req.EscalationLevel++
	req.ApproverID = ra.To
	req.Status = RequestEscalated
	req.UpdatedAt = t
	req.Metadata = req.appendMeta(MetaEscalations, map[string]interface{}{
		"from":   prevApprover,
		"to":     ra.To,
		"by":     rc.ActorID,
		"level":  int(req.EscalationLevel),
		"reason": ra.Reason,
		"at":     t.Format(time.RFC3339Nano),
	})
	if req, err = svc.repo.UpdateRequest(ctx, req, prev); err != nil {
		return Request{}, svc.conflict("approval_request", err)
	}
	svc.metrics.Transition("approval_request", string(prev), string(req.Status))

	_, err = svc.auditSvc.Log(ctx, rc, audit.Entry{
		Subject:   req.Subject(),
		Action:    audit.ActionEscalate,
		OldValues: map[string]interface{}{"status": string(prev), "approver_id": prevApprover, "escalation_level": int(req.EscalationLevel) - 1},
		NewValues: map[string]interface{}{"status": string(req.Status), "approver_id": req.ApproverID, "escalation_level": int(req.EscalationLevel), "reason": ra.Reason},
	})
	if err != nil {
		return Request{}, errors.Wrap(err, "logging escalation")
	}

	svc.notify(ctx, core.Notification{
		Event:      core.EventRequestEscalated,
		Recipients: []string{req.ApproverID},
		Subject:    fmt.Sprintf("Approval escalated to you: %s", doc.Title),
		Data: map[string]interface{}{
			"request_id":       req.ID,
			"document_id":      doc.ID,
			"document_title":   doc.Title,
			"level":            req.Level.String(),
			"escalation_level": req.EscalationLevel.String(),
			"deadline":         req.Deadline.Format(time.RFC1123),
			"reason":           ra.Reason,
		},
	})
	return req, nil
}

// ExtendDeadline pushes back the deadline of an awaiting Request.
// The Document author and admins may extend deadlines.
func (svc *Service) ExtendDeadline(ctx context.Context, rc core.RequestContext, requestID string, de DeadlineExtension) (Request, error) {
	req, err := svc.repo.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if !req.Status.IsAwaiting() {
		return Request{}, errors.Wrap(core.ErrInvalidTransition, fmt.Sprintf("request is %s", req.Status))
	}
	doc, err := svc.repo.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return Request{}, errors.Wrap(err, "getting document")
	}
	if !isAuthorOrAdmin(rc, doc) {
		return Request{}, svc.deny(ctx, rc, req.Subject(), "extend deadline")
	}
	if doc.Status != DocumentReview {
		return Request{}, errors.Wrap(core.ErrInvalidTransition, fmt.Sprintf("document is %s", doc.Status))
	}

	t := now()
	deadline := de.Deadline.UTC().Truncate(time.Microsecond)
	if !deadline.After(t) || !deadline.After(req.Deadline) {
		return Request{}, core.NewValidationError(nil, core.FieldError{Field: "deadline", Error: "must be later than the current deadline"})
	}

	old := req.Deadline
	req.Deadline = deadline
	req.UpdatedAt = t
	req.Metadata = req.appendMeta(MetaDeadlineExtensions, map[string]interface{}{
		"from":   old.Format(time.RFC3339Nano),
		"to":     deadline.Format(time.RFC3339Nano),
		"by":     rc.ActorID,
		"reason": de.Reason,
		"at":     t.Format(time.RFC3339Nano),
	})
	if req, err = svc.repo.UpdateRequest(ctx, req, req.Status); err != nil {
		return Request{}, svc.conflict("approval_request", err)
	}

	_, err = svc.auditSvc.Log(ctx, rc, audit.Entry{
		Subject:   req.Subject(),
		Action:    audit.ActionExtendDeadline,
		OldValues: map[string]interface{}{"deadline": old.Format(time.RFC3339Nano)},
		NewValues: map[string]interface{}{"deadline": deadline.Format(time.RFC3339Nano), "reason": de.Reason},
	})
	if err != nil {
		return Request{}, errors.Wrap(err, "logging deadline extension")
	}

	svc.notify(ctx, core.Notification{
		Event:      core.EventDeadlineExtended,
		Recipients: []string{req.ApproverID},
		Subject:    fmt.Sprintf("Deadline extended: %s", doc.Title),
		Data: map[string]interface{}{
			"request_id":     req.ID,
			"document_id":    doc.ID,
			"document_title": doc.Title,
			"deadline":       deadline.Format(time.RFC1123),
			"reason":         de.Reason,
		},
	})
	return req, nil
}

func (svc *Service) GetRequest(ctx context.Context, id string) (Request, error) {
	return svc.repo.GetRequest(ctx, id)
}

func (svc *Service) ListRequests(ctx context.Context, documentID string) ([]Request, error) {
	return svc.repo.QueryRequests(ctx, RequestFilter{DocumentID: documentID})
}

// PendingFor lists the Requests awaiting a decision from approverID.
func (svc *Service) PendingFor(ctx context.Context, approverID string) ([]Request, error) {
	return svc.repo.QueryRequests(ctx, RequestFilter{ApproverID: approverID, Statuses: AwaitingStatuses})
}

// Overdue lists the awaiting Requests whose deadline passed.
func (svc *Service) Overdue(ctx context.Context) ([]Request, error) {
	return svc.repo.QueryRequests(ctx, RequestFilter{Statuses: AwaitingStatuses, DeadlineBefore: now()})
}

// Statistics summarizes the Requests created within the last windowDays days.
func (svc *Service) Statistics(ctx context.Context, windowDays int) (Statistics, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	t := now()
	reqs, err := svc.repo.QueryRequests(ctx, RequestFilter{CreatedFrom: t.AddDate(0, 0, -windowDays)})
	if err != nil {
		return Statistics{}, errors.Wrap(err, "querying requests")
	}

	stats := Statistics{
		WindowDays: windowDays,
		Total:      len(reqs),
		ByPriority: make(map[int]int),
		ByType:     make(map[DocumentKind]int),
	}
	kinds := make(map[string]DocumentKind)
	var approvalTime time.Duration
	for _, req := range reqs {
		switch req.Status {
		case RequestPending:
			stats.Pending++
		case RequestApproved:
			stats.Approved++
			approvalTime += req.DecidedAt.Sub(req.CreatedAt)
		case RequestRejected:
			stats.Rejected++
		case RequestEscalated:
			stats.Escalated++
		case RequestDelegated:
			stats.Delegated++
		}
		if req.IsOverdue(t) {
			stats.Overdue++
		}
		stats.ByPriority[req.Priority]++

		kind, ok := kinds[req.DocumentID]
		if !ok {
			doc, err := svc.repo.GetDocument(ctx, req.DocumentID)
			if err != nil {
				return Statistics{}, errors.Wrap(err, "getting document")
			}
			kind = doc.Kind
			kinds[req.DocumentID] = kind
		}
		stats.ByType[kind]++
	}
	if stats.Approved > 0 {
		stats.AvgApprovalTimeMinutes = approvalTime.Minutes() / float64(stats.Approved)
	}
	return stats, nil
}
