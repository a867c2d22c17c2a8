package emailsvc

import (
	"context"
	"net/mail"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
)

// Notifier emails workflow notifications to the users they target.
// The notification event names the email template.
type Notifier struct {
	usrSvc *user.Service
	mail   core.EmailService
}

var _ core.Notifier = (*Notifier)(nil)

func NewNotifier(usrSvc *user.Service, mail core.EmailService) *Notifier {
	return &Notifier{usrSvc: usrSvc, mail: mail}
}

func (n *Notifier) Notify(ctx context.Context, notif core.Notification) error {
	recipients, err := n.recipients(ctx, notif)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}
	n.mail.SendMessages(&core.EmailMessage{
		To:           recipients,
		Subject:      notif.Subject,
		TemplateName: notif.Event,
		TemplateData: notif.Data,
	})
	return nil
}

// recipients resolves the active users with an email among the notified ones.
func (n *Notifier) recipients(ctx context.Context, notif core.Notification) ([]mail.Address, error) {
	users, err := n.usrSvc.GetByIDs(ctx, notif.Recipients...)
	if err != nil {
		return nil, errors.Wrap(err, "getting recipients")
	}
	if len(notif.Roles) > 0 {
		active := true
		holders, err := n.usrSvc.Query(ctx, &user.QueryFilter{Roles: notif.Roles, IsActive: &active}, nil)
		if err != nil {
			return nil, errors.Wrap(err, "getting role holders")
		}
		for _, usr := range holders {
			for _, role := range notif.Roles {
				if usr.HasRole(role) {
					users = append(users, usr)
					break
				}
			}
		}
	}

	seen := make(map[string]bool, len(users))
	addrs := make([]mail.Address, 0, len(users))
	for _, usr := range users {
		if !usr.IsActive || usr.Email == "" || seen[usr.ID] {
			continue
		}
		seen[usr.ID] = true
		addrs = append(addrs, mail.Address{Name: usr.Name, Address: usr.Email})
	}
	return addrs, nil
}
