package core

import "strings"

// RequestContext identifies who performs an operation and from where.
// It is passed explicitly to every workflow operation.
type RequestContext struct {
	ActorID   string   `json:"actor_id"`
	Roles     []string `json:"roles"`
	Origin    string   `json:"origin"` // client network address
	UserAgent string   `json:"user_agent"`
	SessionID string   `json:"session_id"`
}

// SystemContext is used by jobs and CLIs acting on behalf of nobody in particular.
func SystemContext(origin string) RequestContext {
	return RequestContext{Origin: origin, UserAgent: "system"}
}

func (rc RequestContext) IsSystem() bool {
	return rc.ActorID == ""
}

// HasRole reports whether any of the actor's roles starts with prefix.
func (rc RequestContext) HasRole(prefix string) bool {
	for _, role := range rc.Roles {
		if strings.HasPrefix(role, prefix) {
			return true
		}
	}
	return false
}
