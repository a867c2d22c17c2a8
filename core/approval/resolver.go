package approval

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/user"
)

var ErrNoApprover = errors.New("no approver available")

// ApproverResolver picks who approves a Document at a given Level.
type ApproverResolver interface {
	ResolveApprover(ctx context.Context, doc Document, level Level) (string, error)
}

type roleResolver struct {
	usrSvc *user.Service
}

var _ ApproverResolver = (*roleResolver)(nil)

// NewRoleResolver resolves approvers through the user role bound to each Level.
func NewRoleResolver(usrSvc *user.Service) ApproverResolver {
	return &roleResolver{usrSvc: usrSvc}
}

func (r roleResolver) ResolveApprover(ctx context.Context, doc Document, level Level) (string, error) {
	usr, err := r.usrSvc.FirstActiveWithRole(ctx, level.Role())
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return "", errors.Wrap(ErrNoApprover, fmt.Sprintf("level %s", level))
		}
		return "", errors.Wrap(err, "finding approver")
	}
	return usr.ID, nil
}
