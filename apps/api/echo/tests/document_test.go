package tests

import (
	"bytes"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/shule/apps/api/echo"
	"github.com/trezcool/shule/core/approval"
	"github.com/trezcool/shule/testutil"
)

func newExamPaper(t *testing.T, a *app, token string) approval.Document {
	t.Helper()
	rec := a.do(http.MethodPost, "/v1/documents", token, marshallObj(t, approval.NewDocument{
		Kind:    approval.KindExamPaper,
		Title:   "Mathematics final",
		Content: map[string]interface{}{"questions": []interface{}{"2+2", "3*3"}, "duration": 90},
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var doc approval.Document
	unmarshall(t, rec, &doc)
	return doc
}

func submit(t *testing.T, a *app, token, docID string) echoapi.SubmitResponse {
	t.Helper()
	rec := a.do(http.MethodPost, "/v1/documents/"+docID+"/submit", token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp echoapi.SubmitResponse
	unmarshall(t, rec, &resp)
	return resp
}

func decide(t *testing.T, a *app, token, requestID string, d approval.Decision) *httptest.ResponseRecorder {
	t.Helper()
	return a.do(http.MethodPost, "/v1/approvals/"+requestID+"/decide", token, marshallObj(t, d))
}

func Test_documentApi_access(t *testing.T) {
	a := setup(t)
	school := testutil.CreateSchool(t, a.UserRepo)
	forbidden := marshallObj(t, httpErr{Error: "permission denied"})

	a.run(t, []httpTest{
		{name: "auth required", method: http.MethodPost, path: "/v1/documents", wantCode: http.StatusUnauthorized, wantData: marshallObj(t, errMissingToken)},
		{
			name: "staff required", method: http.MethodPost, path: "/v1/documents", token: getToken(t, a, school.Student),
			body: []byte(`{"kind":"exam_paper","title":"x","content":{}}`), wantCode: http.StatusForbidden, wantData: forbidden,
		},
		{
			name: "unknown kind", method: http.MethodPost, path: "/v1/documents", token: getToken(t, a, school.Teacher),
			body: []byte(`{"kind":"poem","title":"x","content":{}}`), wantCode: http.StatusBadRequest,
		},
		{name: "unknown document", path: "/v1/documents/unknown", token: getToken(t, a, school.Teacher), wantCode: http.StatusNotFound},
		{name: "unknown request", path: "/v1/approvals/unknown", token: getToken(t, a, school.HOD), wantCode: http.StatusNotFound},
		{name: "statistics (admin only)", path: "/v1/approvals/statistics", token: getToken(t, a, school.HOD), wantCode: http.StatusForbidden},
	})
}

func Test_documentApi_workflow(t *testing.T) {
	a := setup(t)
	school := testutil.CreateSchool(t, a.UserRepo)
	teacherToken := getToken(t, a, school.Teacher)
	tokens := map[string]string{
		school.HOD.ID:         getToken(t, a, school.HOD),
		school.Coordinator.ID: getToken(t, a, school.Coordinator),
		school.Principal.ID:   getToken(t, a, school.Principal),
	}

	doc := newExamPaper(t, a, teacherToken)
	assert.Equal(t, approval.DocumentDraft, doc.Status)
	assert.Equal(t, school.Teacher.ID, doc.AuthorID)

	rec := a.do(http.MethodPost, "/v1/documents/"+doc.ID+"/submit", getToken(t, a, school.Teacher2))
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the author submits")

	resp := submit(t, a, teacherToken, doc.ID)
	assert.Equal(t, approval.DocumentReview, resp.Document.Status)
	require.Len(t, resp.Requests, 3)

	rec = a.do(http.MethodPost, "/v1/documents/"+doc.ID+"/submit", teacherToken)
	assert.Equal(t, http.StatusConflict, rec.Code, "already submitted")

	t.Run("pending", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/v1/approvals/pending", tokens[school.HOD.ID])
		require.Equal(t, http.StatusOK, rec.Code)
		var reqs []approval.Request
		unmarshall(t, rec, &reqs)
		require.Len(t, reqs, 1)
		assert.Equal(t, doc.ID, reqs[0].DocumentID)
	})

	t.Run("decisions", func(t *testing.T) {
		for _, req := range resp.Requests {
			rec := decide(t, a, teacherToken, req.ID, approval.Decision{Decision: approval.DecisionApprove})
			assert.Equal(t, http.StatusForbidden, rec.Code, "author cannot approve")
		}

		rec := decide(t, a, tokens[resp.Requests[0].ApproverID], resp.Requests[0].ID, approval.Decision{Decision: "maybe"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		score := 88.0
		for _, req := range resp.Requests {
			rec := decide(t, a, tokens[req.ApproverID], req.ID, approval.Decision{Decision: approval.DecisionApprove, Score: &score})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var got approval.Request
			unmarshall(t, rec, &got)
			assert.Equal(t, approval.RequestApproved, got.Status)
			assert.NotEmpty(t, got.Signature)
		}

		rec = a.do(http.MethodGet, "/v1/documents/"+doc.ID, teacherToken)
		require.Equal(t, http.StatusOK, rec.Code)
		var got approval.Document
		unmarshall(t, rec, &got)
		assert.Equal(t, approval.DocumentApproved, got.Status)
		assert.True(t, got.IsCurrent)

		rec = decide(t, a, tokens[resp.Requests[0].ApproverID], resp.Requests[0].ID, approval.Decision{Decision: approval.DecisionApprove})
		assert.Equal(t, http.StatusConflict, rec.Code, "already decided")
	})

	t.Run("verify", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/v1/documents/"+doc.ID+"/verify", teacherToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"valid":true}`, rec.Body.String())

		require.True(t, a.DB.TamperDocument(doc.ID, func(d *approval.Document) { d.Title = "Leaked" }))
		rec = a.do(http.MethodGet, "/v1/documents/"+doc.ID+"/verify", teacherToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"valid":false}`, rec.Body.String())
	})

	t.Run("versions", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/v1/documents/"+doc.ID+"/versions", teacherToken)
		require.Equal(t, http.StatusOK, rec.Code)
		var docs []approval.Document
		unmarshall(t, rec, &docs)
		assert.Len(t, docs, 1)

		rec = a.do(http.MethodGet, "/v1/documents/"+doc.ID+"/requests", teacherToken)
		require.Equal(t, http.StatusOK, rec.Code)
		var reqs []approval.Request
		unmarshall(t, rec, &reqs)
		assert.Len(t, reqs, 3)
	})
}

func Test_documentApi_rejection(t *testing.T) {
	a := setup(t)
	school := testutil.CreateSchool(t, a.UserRepo)
	teacherToken := getToken(t, a, school.Teacher)
	coordToken := getToken(t, a, school.Coordinator)

	doc := newExamPaper(t, a, teacherToken)
	resp := submit(t, a, teacherToken, doc.ID)
	var coordReq approval.Request
	for _, req := range resp.Requests {
		if req.ApproverID == school.Coordinator.ID {
			coordReq = req
		}
	}
	require.NotEmpty(t, coordReq.ID)

	rec := decide(t, a, coordToken, coordReq.ID, approval.Decision{Decision: approval.DecisionReject})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"comments":"a reason is required to reject"}`, rec.Body.String())

	rec = decide(t, a, coordToken, coordReq.ID, approval.Decision{Decision: approval.DecisionReject, Comments: "question 2 is ambiguous"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodGet, "/v1/documents/"+doc.ID, teacherToken)
	var got approval.Document
	unmarshall(t, rec, &got)
	assert.Equal(t, approval.DocumentRejected, got.Status)

	t.Run("revision", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/v1/documents/"+doc.ID+"/revisions", teacherToken,
			[]byte(`{"content":{"questions":["2+2","3*3=?"],"duration":90}}`))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var rev approval.Document
		unmarshall(t, rec, &rev)
		assert.Equal(t, 2, rev.Version)
		assert.Equal(t, doc.ParentID, rev.ParentID)
		assert.Equal(t, doc.Title, rev.Title)
		assert.Equal(t, approval.DocumentDraft, rev.Status)
	})
}

func Test_approvalApi_reassignment(t *testing.T) {
	a := setup(t)
	school := testutil.CreateSchool(t, a.UserRepo)
	teacherToken := getToken(t, a, school.Teacher)
	hodToken := getToken(t, a, school.HOD)

	doc := newExamPaper(t, a, teacherToken)
	resp := submit(t, a, teacherToken, doc.ID)
	var hodReq approval.Request
	for _, req := range resp.Requests {
		if req.ApproverID == school.HOD.ID {
			hodReq = req
		}
	}
	require.NotEmpty(t, hodReq.ID)

	path := "/v1/approvals/" + hodReq.ID
	a.run(t, []httpTest{
		{name: "delegate (no reason)", method: http.MethodPost, path: path + "/delegate", token: hodToken, body: []byte(`{"to":"` + school.HOD2.ID + `"}`), wantCode: http.StatusBadRequest},
		{name: "delegate (not approver)", method: http.MethodPost, path: path + "/delegate", token: teacherToken, body: []byte(`{"to":"` + school.HOD2.ID + `","reason":"away"}`), wantCode: http.StatusForbidden},
		{
			name: "delegate (to author)", method: http.MethodPost, path: path + "/delegate", token: hodToken,
			body: []byte(`{"to":"` + school.Teacher.ID + `","reason":"away"}`), wantCode: http.StatusBadRequest,
			wantData: []byte(`{"to":"the document author cannot approve it"}`),
		},
		{
			name: "escalate (to author)", method: http.MethodPost, path: path + "/escalate", token: teacherToken,
			body: []byte(`{"to":"` + school.Teacher.ID + `","reason":"mine"}`), wantCode: http.StatusBadRequest,
		},
		{
			name: "deadline (earlier)", method: http.MethodPost, path: path + "/deadline", token: teacherToken,
			body: []byte(`{"deadline":"` + hodReq.Deadline.Add(-time.Hour).Format(time.RFC3339) + `","reason":"rush"}`), wantCode: http.StatusBadRequest,
		},
		{
			name: "deadline", method: http.MethodPost, path: path + "/deadline", token: teacherToken,
			body: []byte(`{"deadline":"` + hodReq.Deadline.Add(24*time.Hour).Format(time.RFC3339) + `","reason":"exams moved"}`),
		},
		{name: "escalate", method: http.MethodPost, path: path + "/escalate", token: teacherToken, body: []byte(`{"to":"` + school.Owner.ID + `","reason":"urgent"}`)},
	})

	rec := a.do(http.MethodGet, path, hodToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var got approval.Request
	unmarshall(t, rec, &got)
	assert.Equal(t, approval.RequestEscalated, got.Status)
	assert.Equal(t, school.Owner.ID, got.ApproverID)
	assert.EqualValues(t, 1, got.EscalationLevel)

	rec = a.do(http.MethodPost, path+"/delegate", getToken(t, a, school.Owner), []byte(`{"to":"`+school.Principal.ID+`","reason":"travelling"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var successor approval.Request
	unmarshall(t, rec, &successor)
	assert.Equal(t, school.Principal.ID, successor.ApproverID)
	assert.Equal(t, hodReq.ID, successor.DelegatedFrom)
}

func Test_documentApi_attachments(t *testing.T) {
	a := setup(t)
	school := testutil.CreateSchool(t, a.UserRepo)
	teacherToken := getToken(t, a, school.Teacher)
	doc := newExamPaper(t, a, teacherToken)

	rec := a.do(http.MethodPost, "/v1/documents/"+doc.ID+"/attachments", teacherToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "file required")

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "paper.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("1. What is 2+2?"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/documents/"+doc.ID+"/attachments", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+teacherToken)
	rec = httptest.NewRecorder()
	a.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got approval.Document
	unmarshall(t, rec, &got)
	require.Len(t, got.Attachments, 1)
	key := got.Attachments[0]
	assert.True(t, strings.HasSuffix(key, "-paper.txt"), key)
	assert.NotEqual(t, doc.Checksum, got.Checksum)

	rec = a.do(http.MethodGet, "/v1/documents/"+doc.ID+"/attachment?key="+url.QueryEscape(key), teacherToken)
	require.Equal(t, http.StatusOK, rec.Code)
	data, err := ioutil.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "1. What is 2+2?", string(data))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	rec = a.do(http.MethodGet, "/v1/documents/"+doc.ID+"/attachment?key=documents/other/file.txt", teacherToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func Test_approvalApi_reports(t *testing.T) {
	a := setup(t)
	school := testutil.CreateSchool(t, a.UserRepo)
	teacherToken := getToken(t, a, school.Teacher)
	ownerToken := getToken(t, a, school.Owner)

	doc := newExamPaper(t, a, teacherToken)
	submit(t, a, teacherToken, doc.ID)

	rec := a.do(http.MethodGet, "/v1/approvals/statistics", ownerToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats approval.Statistics
	unmarshall(t, rec, &stats)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 3, stats.ByType[approval.KindExamPaper], "requests per document kind")

	rec = a.do(http.MethodGet, "/v1/approvals/statistics?window_days=lots", ownerToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodGet, "/v1/approvals/statistics?format=xlsx&window_days=7", ownerToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "approval-statistics-7d.xlsx")
	assert.NotZero(t, rec.Body.Len())

	rec = a.do(http.MethodGet, "/v1/approvals/overdue", ownerToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}
