package reportsvc

import (
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/trezcool/shule/core/approval"
	"github.com/trezcool/shule/core/audit"
)

const (
	sheetAuditLogs  = "Audit logs"
	sheetStatistics = "Statistics"
)

var auditLogHeader = []interface{}{
	"ID", "Created at", "Actor", "Action", "Success", "Subject", "Severity", "Risk", "Indicators",
	"Suspicious", "Requires investigation", "Origin", "User agent", "Description", "Checksum",
	"Investigated at", "Investigated by", "Investigation notes",
}

// XLSX renders reports as Excel workbooks.
type XLSX struct{}

var _ audit.Exporter = XLSX{}

func NewXLSX() XLSX { return XLSX{} }

type workbook struct {
	f    *excelize.File
	bold int
}

func newWorkbook(sheet string) (*workbook, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "naming sheet")
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "creating header style")
	}
	return &workbook{f: f, bold: bold}, nil
}

func (wb *workbook) row(sheet string, n int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return err
	}
	return wb.f.SetSheetRow(sheet, cell, &values)
}

func (wb *workbook) header(sheet string, values []interface{}) error {
	if err := wb.row(sheet, 1, values); err != nil {
		return errors.Wrap(err, "writing header")
	}
	return errors.Wrap(wb.f.SetRowStyle(sheet, 1, 1, wb.bold), "styling header")
}

func (wb *workbook) writeTo(w io.Writer) error {
	defer wb.f.Close()
	return errors.Wrap(wb.f.Write(w), "writing workbook")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// WriteLogs writes one row per Log.
func (XLSX) WriteLogs(w io.Writer, logs []audit.Log) error {
	wb, err := newWorkbook(sheetAuditLogs)
	if err != nil {
		return err
	}
	if err = wb.header(sheetAuditLogs, auditLogHeader); err != nil {
		return err
	}

	for i, l := range logs {
		indicators := make([]string, 0, len(l.Indicators))
		for _, ind := range l.Indicators {
			indicators = append(indicators, string(ind))
		}
		err = wb.row(sheetAuditLogs, i+2, []interface{}{
			l.ID, formatTime(l.CreatedAt), l.ActorID, string(l.Action), l.Success, l.Subject.String(),
			string(l.Severity), string(l.RiskLevel), strings.Join(indicators, ", "),
			l.IsSuspicious, l.RequiresInvestigation, l.Origin, l.UserAgent, l.Description, l.Checksum,
			formatTime(l.InvestigatedAt), l.InvestigatedBy, l.InvestigationNotes,
		})
		if err != nil {
			return errors.Wrapf(err, "writing log %s", l.ID)
		}
	}
	return wb.writeTo(w)
}

// WriteStatistics writes the approval Statistics as a metric/value table.
func (XLSX) WriteStatistics(w io.Writer, stats approval.Statistics) error {
	wb, err := newWorkbook(sheetStatistics)
	if err != nil {
		return err
	}
	if err = wb.header(sheetStatistics, []interface{}{"Metric", "Value"}); err != nil {
		return err
	}

	rows := [][]interface{}{
		{"Window (days)", stats.WindowDays},
		{"Total", stats.Total},
		{"Pending", stats.Pending},
		{"Approved", stats.Approved},
		{"Rejected", stats.Rejected},
		{"Overdue", stats.Overdue},
		{"Escalated", stats.Escalated},
		{"Delegated", stats.Delegated},
		{"Average approval time (minutes)", stats.AvgApprovalTimeMinutes},
	}

	priorities := make([]int, 0, len(stats.ByPriority))
	for p := range stats.ByPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)
	for _, p := range priorities {
		rows = append(rows, []interface{}{"Priority " + approval.Level(p).String(), stats.ByPriority[p]})
	}

	kinds := make([]string, 0, len(stats.ByType))
	for k := range stats.ByType {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		rows = append(rows, []interface{}{"Type " + k, stats.ByType[approval.DocumentKind(k)]})
	}

	for i, r := range rows {
		if err = wb.row(sheetStatistics, i+2, r); err != nil {
			return errors.Wrap(err, "writing statistics")
		}
	}
	return wb.writeTo(w)
}
