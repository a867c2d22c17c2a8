package reportsvc

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/approval"
	"github.com/trezcool/shule/core/audit"
)

func TestXLSX_WriteLogs(t *testing.T) {
	logs := []audit.Log{
		{
			ID:         "l1",
			Subject:    core.NewSubject(core.SubjectDocument, "d1"),
			ActorID:    "u1",
			Action:     audit.ActionSubmit,
			Success:    true,
			Severity:   audit.SeverityInfo,
			RiskLevel:  audit.RiskLow,
			Indicators: []audit.Indicator{audit.IndicatorOffHours},
			CreatedAt:  time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC),
		},
		{ID: "l2", Action: audit.ActionLoginAttempt},
	}

	var buf bytes.Buffer
	require.NoError(t, NewXLSX().WriteLogs(&buf, logs))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetAuditLogs)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, "l1", rows[1][0])
	assert.Equal(t, "2024-03-01T22:00:00Z", rows[1][1])
	assert.Equal(t, "submit", rows[1][3])
	assert.Equal(t, "document:d1", rows[1][5])
	assert.Equal(t, "off_hours", rows[1][8])
	assert.Equal(t, "l2", rows[2][0])
}

func TestXLSX_WriteStatistics(t *testing.T) {
	stats := approval.Statistics{
		WindowDays: 30,
		Total:      4,
		Approved:   3,
		Rejected:   1,
		ByPriority: map[int]int{2: 1, 1: 3},
		ByType:     map[approval.DocumentKind]int{approval.KindExamPaper: 4},
	}

	var buf bytes.Buffer
	require.NoError(t, NewXLSX().WriteStatistics(&buf, stats))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetStatistics)
	require.NoError(t, err)
	require.Len(t, rows, 13)
	assert.Equal(t, []string{"Window (days)", "30"}, rows[1])
	assert.Equal(t, []string{"Priority department_head", "3"}, rows[10])
	assert.Equal(t, []string{"Priority coordinator", "1"}, rows[11])
	assert.Equal(t, []string{"Type exam_paper", "4"}, rows[12])
}
