package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
)

var errTampered = errors.New("tampered audit logs found")

const cliOrigin = "admin-cli"

// verifyLogs recomputes the checksum of the audit trail. Every mismatch is itself logged as a violation.
func (cli *commandLine) verifyLogs(days int) error {
	filter := new(audit.QueryFilter)
	if days > 0 {
		filter.CreatedFrom = time.Now().UTC().AddDate(0, 0, -days)
	}
	tampered, err := cli.auditSvc.VerifyAll(context.Background(), core.SystemContext(cliOrigin), filter)
	if err != nil {
		return errors.Wrap(err, "verifying audit logs")
	}
	if len(tampered) == 0 {
		fmt.Fprintln(cli.out, "audit trail intact")
		return nil
	}
	for _, id := range tampered {
		fmt.Fprintf(cli.out, "tampered: %s\n", id)
	}
	return errTampered
}

func (cli *commandLine) overdue() error {
	reqs, err := cli.approvalSvc.Overdue(context.Background())
	if err != nil {
		return errors.Wrap(err, "listing overdue requests")
	}
	if len(reqs) == 0 {
		fmt.Fprintln(cli.out, "no overdue request")
		return nil
	}

	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REQUEST\tDOCUMENT\tAPPROVER\tLEVEL\tDEADLINE")
	for _, r := range reqs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.DocumentID, r.ApproverID, r.Level, r.Deadline.Format(time.RFC3339))
	}
	return w.Flush()
}
