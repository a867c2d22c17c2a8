package tests

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/shule/apps/api/echo"
	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/testutil"
)

func Test_auditApi(t *testing.T) {
	ctx := context.Background()
	a := setup(t)
	school := testutil.CreateSchool(t, a.UserRepo)
	ownerToken := getToken(t, a, school.Owner)

	var ids []string
	for _, action := range []audit.Action{audit.ActionCreate, audit.ActionUpdate, audit.ActionRead} {
		l, err := a.AuditSvc.Log(ctx, testutil.RC(school.Teacher), audit.Entry{
			Subject: core.NewSubject(core.SubjectDocument, "doc-1"),
			Action:  action,
		})
		require.NoError(t, err)
		ids = append(ids, l.ID)
	}

	a.run(t, []httpTest{
		{name: "auth required", path: "/v1/audit-logs", wantCode: http.StatusUnauthorized, wantData: marshallObj(t, errMissingToken)},
		{name: "admin required", path: "/v1/audit-logs", token: getToken(t, a, school.HOD), wantCode: http.StatusForbidden},
		{name: "unknown", path: "/v1/audit-logs/unknown", token: ownerToken, wantCode: http.StatusNotFound},
		{name: "retrieve", path: "/v1/audit-logs/" + ids[0], token: ownerToken},
		{name: "verify", method: http.MethodPost, path: "/v1/audit-logs/" + ids[0] + "/verify", token: ownerToken, wantData: []byte(`{"valid":true}`)},
		{name: "investigate (no notes)", method: http.MethodPost, path: "/v1/audit-logs/" + ids[0] + "/investigate", token: ownerToken, body: []byte(`{}`), wantCode: http.StatusBadRequest},
		{name: "investigate", method: http.MethodPost, path: "/v1/audit-logs/" + ids[0] + "/investigate", token: ownerToken, body: []byte(`{"notes":"routine check"}`)},
		{
			name: "investigate (twice)", method: http.MethodPost, path: "/v1/audit-logs/" + ids[0] + "/investigate", token: ownerToken,
			body: []byte(`{"notes":"again"}`), wantCode: http.StatusConflict,
		},
	})

	t.Run("query", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/v1/audit-logs?subject_id=doc-1&ordering=created_at", ownerToken)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var logs []audit.Log
		unmarshall(t, rec, &logs)
		require.Len(t, logs, 3)
		for i, l := range logs {
			assert.Equal(t, ids[i], l.ID)
		}

		rec = a.do(http.MethodGet, "/v1/audit-logs?action=read&subject_id=doc-1", ownerToken)
		require.Equal(t, http.StatusOK, rec.Code)
		unmarshall(t, rec, &logs)
		require.Len(t, logs, 1)
		assert.Equal(t, ids[2], logs[0].ID)
	})

	t.Run("verify all", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/v1/audit-logs/verify", ownerToken)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp echoapi.VerifyAllResponse
		unmarshall(t, rec, &resp)
		assert.Empty(t, resp.Tampered)

		require.True(t, a.DB.TamperLog(ids[1], func(l *audit.Log) { l.ActorID = school.Owner.ID }))
		rec = a.do(http.MethodPost, "/v1/audit-logs/verify", ownerToken)
		require.Equal(t, http.StatusOK, rec.Code)
		unmarshall(t, rec, &resp)
		assert.Equal(t, []string{ids[1]}, resp.Tampered)

		rec = a.do(http.MethodPost, "/v1/audit-logs/"+ids[1]+"/verify", ownerToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"valid":false}`, rec.Body.String())
	})

	t.Run("export", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/v1/audit-logs/export?subject_id=doc-1", ownerToken)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "audit-logs-")
		assert.NotZero(t, rec.Body.Len())

		logs, err := a.AuditSvc.Query(ctx, &audit.QueryFilter{ActorID: school.Owner.ID, Actions: []audit.Action{audit.ActionExport}}, nil)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.EqualValues(t, 3, logs[0].NewValues["count"])
	})
}

func Test_metrics(t *testing.T) {
	a := setup(t)
	school := testutil.CreateSchool(t, a.UserRepo)
	newExamPaper(t, a, getToken(t, a, school.Teacher))

	rec := a.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# TYPE")
}
