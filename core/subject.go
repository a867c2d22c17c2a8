package core

type SubjectKind string

const (
	SubjectDocument        SubjectKind = "document"
	SubjectApprovalRequest SubjectKind = "approval_request"
	SubjectDataVersion     SubjectKind = "data_version"
	SubjectAuditLog        SubjectKind = "audit_log"
	SubjectUser            SubjectKind = "user"
)

// Subject references the entity an audit entry or version is about.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

func NewSubject(kind SubjectKind, id string) Subject {
	return Subject{Kind: kind, ID: id}
}

func (s Subject) IsZero() bool {
	return s.Kind == "" && s.ID == ""
}

func (s Subject) String() string {
	return string(s.Kind) + ":" + s.ID
}
