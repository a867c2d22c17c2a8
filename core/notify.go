package core

import "context"

// notification events
const (
	EventApprovalRequested  = "approval_requested"
	EventDocumentDecided    = "document_decided"
	EventRequestDelegated   = "request_delegated"
	EventRequestEscalated   = "request_escalated"
	EventDeadlineExtended   = "deadline_extended"
	EventSuspiciousActivity = "suspicious_activity"
)

type (
	Notification struct {
		Event      string
		Recipients []string // user IDs
		Roles      []string // every active user holding one of these roles
		Subject    string
		Data       map[string]interface{}
	}

	// Notifier dispatches notifications. Callers treat failures as non fatal.
	Notifier interface {
		Notify(ctx context.Context, n Notification) error
	}
)
