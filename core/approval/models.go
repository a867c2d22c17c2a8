package approval

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
)

type DocumentStatus string

const (
	DocumentDraft    DocumentStatus = "draft"
	DocumentReview   DocumentStatus = "review"
	DocumentApproved DocumentStatus = "approved"
	DocumentRejected DocumentStatus = "rejected"
	DocumentArchived DocumentStatus = "archived"
)

// documentTransitions lists the allowed status changes of a Document.
var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocumentDraft:    {DocumentReview, DocumentArchived},
	DocumentReview:   {DocumentApproved, DocumentRejected},
	DocumentApproved: {DocumentArchived},
	DocumentRejected: {DocumentArchived},
}

func (s DocumentStatus) CanTransitionTo(to DocumentStatus) bool {
	for _, st := range documentTransitions[s] {
		if st == to {
			return true
		}
	}
	return false
}

type DocumentKind string

const (
	KindExamPaper DocumentKind = "exam_paper"
	KindClassData DocumentKind = "class_data"
)

var DocumentKinds = []DocumentKind{KindExamPaper, KindClassData}

// Document is one version of an approvable document.
// All the versions of a document share the same ParentID.
type Document struct {
	ID          string                 `json:"id"`
	ParentID    string                 `json:"parent_id"`
	Version     int                    `json:"version"`
	Kind        DocumentKind           `json:"kind"`
	Title       string                 `json:"title"`
	Content     map[string]interface{} `json:"content"`
	Status      DocumentStatus         `json:"status"`
	IsCurrent   bool                   `json:"is_current"`
	Checksum    string                 `json:"checksum"`
	AuthorID    string                 `json:"author_id"`
	Attachments []string               `json:"attachments"`
	Revision    int                    `json:"-"` // optimistic lock
	SubmittedAt time.Time              `json:"submitted_at"`
	DecidedAt   time.Time              `json:"decided_at"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

type documentChecksumFields struct {
	ParentID    string                 `json:"parent_id"`
	Version     int                    `json:"version"`
	Kind        DocumentKind           `json:"kind"`
	Title       string                 `json:"title"`
	Content     map[string]interface{} `json:"content"`
	AuthorID    string                 `json:"author_id"`
	Attachments []string               `json:"attachments"`
}

// ComputeChecksum hashes the content and the identifying metadata of the Document.
// The workflow fields (status, current flag, timestamps) are not covered.
func (d Document) ComputeChecksum() (string, error) {
	attachments := d.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return core.Checksum(documentChecksumFields{
		ParentID:    d.ParentID,
		Version:     d.Version,
		Kind:        d.Kind,
		Title:       d.Title,
		Content:     d.Content,
		AuthorID:    d.AuthorID,
		Attachments: attachments,
	})
}

func (d Document) VerifyChecksum() bool {
	sum, err := d.ComputeChecksum()
	return err == nil && sum == d.Checksum
}

func (d Document) Subject() core.Subject {
	return core.NewSubject(core.SubjectDocument, d.ID)
}

// Level is an approval tier. Lower levels come first.
type Level int

const (
	LevelDepartmentHead Level = iota + 1
	LevelCoordinator
	LevelPrincipal
)

var Levels = []Level{LevelDepartmentHead, LevelCoordinator, LevelPrincipal}

func (l Level) String() string {
	switch l {
	case LevelDepartmentHead:
		return "department_head"
	case LevelCoordinator:
		return "coordinator"
	case LevelPrincipal:
		return "principal"
	}
	return "unknown"
}

// Role is the user role whose holders approve at this level.
func (l Level) Role() string {
	switch l {
	case LevelDepartmentHead:
		return user.RoleTeacherHOD
	case LevelCoordinator:
		return user.RoleTeacherCoordinator
	case LevelPrincipal:
		return user.RoleAdminPrincipal
	}
	return ""
}

// Priority: 1=high..3=low
func (l Level) Priority() int {
	return int(l)
}

type EscalationLevel int

const (
	EscalationNone EscalationLevel = iota
	EscalationSupervisor
	EscalationManager
	EscalationDirector
	EscalationBoard
)

const MaxEscalationLevel = EscalationBoard

func (e EscalationLevel) String() string {
	switch e {
	case EscalationNone:
		return "none"
	case EscalationSupervisor:
		return "supervisor"
	case EscalationManager:
		return "manager"
	case EscalationDirector:
		return "director"
	case EscalationBoard:
		return "board"
	}
	return "unknown"
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestDelegated RequestStatus = "delegated"
	RequestEscalated RequestStatus = "escalated"
)

// AwaitingStatuses are the statuses of a Request still waiting for a decision.
var AwaitingStatuses = []RequestStatus{RequestPending, RequestEscalated}

func (s RequestStatus) IsAwaiting() bool {
	return s == RequestPending || s == RequestEscalated
}

// metadata keys
const (
	MetaDelegation         = "delegation"
	MetaDeadlineExtensions = "deadline_extensions"
	MetaEscalations        = "escalations"
	MetaRejectionReason    = "rejection_reason"
)

// Request is one pending decision on a Document.
type Request struct {
	ID              string                 `json:"id"`
	DocumentID      string                 `json:"document_id"`
	ApproverID      string                 `json:"approver_id"`
	Level           Level                  `json:"level"`
	Priority        int                    `json:"priority"`
	Status          RequestStatus          `json:"status"`
	IsRequired      bool                   `json:"is_required"`
	CanDelegate     bool                   `json:"can_delegate"`
	Deadline        time.Time              `json:"deadline"`
	DelegatedTo     string                 `json:"delegated_to,omitempty"`
	DelegatedFrom   string                 `json:"delegated_from,omitempty"` // source Request ID
	EscalationLevel EscalationLevel        `json:"escalation_level"`
	Signature       string                 `json:"signature,omitempty"`
	Score           *float64               `json:"score"`
	Comments        string                 `json:"comments"`
	Metadata        map[string]interface{} `json:"metadata"`
	DecidedAt       time.Time              `json:"decided_at"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

func (r Request) IsOverdue(now time.Time) bool {
	return r.Status.IsAwaiting() && !r.Deadline.IsZero() && r.Deadline.Before(now)
}

func (r Request) Subject() core.Subject {
	return core.NewSubject(core.SubjectApprovalRequest, r.ID)
}

// withMeta returns a copy of the Request metadata with key set.
func (r Request) withMeta(key string, val interface{}) map[string]interface{} {
	meta := core.CopyMap(r.Metadata)
	if meta == nil {
		meta = make(map[string]interface{}, 1)
	}
	meta[key] = val
	return meta
}

// appendMeta appends val to the list stored under key, without mutating the current list.
func (r Request) appendMeta(key string, val interface{}) map[string]interface{} {
	var list []interface{}
	if prev, ok := r.Metadata[key].([]interface{}); ok {
		list = make([]interface{}, 0, len(prev)+1)
		list = append(list, prev...)
	}
	return r.withMeta(key, append(list, val))
}

type RequestFilter struct {
	DocumentID     string
	ApproverID     string
	Statuses       []RequestStatus
	DeadlineBefore time.Time
	CreatedFrom    time.Time
}

type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
)

// NewDocument contains information needed to create a new Document.
type NewDocument struct {
	Kind    DocumentKind           `json:"kind" validate:"required,doc_kind"`
	Title   string                 `json:"title" validate:"required,notblank,max=255"`
	Content map[string]interface{} `json:"content" validate:"required"`
}

func (nd *NewDocument) Validate(validate *validator.Validate) error {
	nd.Title = core.CleanString(nd.Title)
	return validate.Struct(nd)
}

// Decision is an approver's verdict on a Request.
type Decision struct {
	Decision DecisionKind `json:"decision" validate:"required,decision"`
	Comments string       `json:"comments" validate:"max=2000"`
	Score    *float64     `json:"score" validate:"omitempty,min=0,max=100"`
}

func (d *Decision) Validate(validate *validator.Validate) error {
	d.Comments = core.CleanString(d.Comments)
	if err := validate.Struct(d); err != nil {
		return err
	}
	if d.Decision == DecisionReject && d.Comments == "" {
		return core.NewValidationError(nil, core.FieldError{Field: "comments", Error: "a reason is required to reject"})
	}
	return nil
}

type Reassignment struct {
	To     string `json:"to" validate:"required"`
	Reason string `json:"reason" validate:"required,notblank,max=1000"`
}

func (ra *Reassignment) Validate(validate *validator.Validate) error {
	ra.To = core.CleanString(ra.To)
	ra.Reason = core.CleanString(ra.Reason)
	return validate.Struct(ra)
}

type DeadlineExtension struct {
	Deadline time.Time `json:"deadline" validate:"required"`
	Reason   string    `json:"reason" validate:"required,notblank,max=1000"`
}

func (de *DeadlineExtension) Validate(validate *validator.Validate) error {
	de.Reason = core.CleanString(de.Reason)
	return validate.Struct(de)
}

// Statistics summarizes the Requests created within a time window.
type Statistics struct {
	WindowDays             int                  `json:"window_days"`
	Total                  int                  `json:"total"`
	Pending                int                  `json:"pending"`
	Approved               int                  `json:"approved"`
	Rejected               int                  `json:"rejected"`
	Overdue                int                  `json:"overdue"`
	Escalated              int                  `json:"escalated"`
	Delegated              int                  `json:"delegated"`
	AvgApprovalTimeMinutes float64              `json:"avg_approval_time_minutes"`
	ByPriority             map[int]int          `json:"by_priority"`
	ByType                 map[DocumentKind]int `json:"by_type"`
}
