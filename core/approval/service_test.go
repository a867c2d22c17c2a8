package approval_test

import (
	"context"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/approval"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/testutil"
)

func newExamPaper(t *testing.T, env *testutil.Env, rc core.RequestContext) approval.Document {
	t.Helper()
	doc, err := env.ApprovalSvc.CreateDocument(context.Background(), rc, approval.NewDocument{
		Kind:    approval.KindExamPaper,
		Title:   "Mathematics final",
		Content: map[string]interface{}{"questions": []interface{}{"1+1", "2*3"}, "duration": 120},
	})
	require.NoError(t, err)
	return doc
}

func logsOf(t *testing.T, env *testutil.Env, subject core.Subject, actions ...audit.Action) []audit.Log {
	t.Helper()
	logs, err := env.AuditSvc.Query(context.Background(), &audit.QueryFilter{
		SubjectKind: subject.Kind,
		SubjectID:   subject.ID,
		Actions:     actions,
	}, []core.DBOrdering{{Field: "created_at", Ascending: true}})
	require.NoError(t, err)
	return logs
}

func TestService_CreateDocument(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t, nil)
	school := testutil.CreateSchool(t, env.UserRepo)

	t.Run("teacher creates a current draft", func(t *testing.T) {
		doc := newExamPaper(t, env, testutil.RC(school.Teacher))

		assert.Equal(t, approval.DocumentDraft, doc.Status)
		assert.Equal(t, doc.ID, doc.ParentID)
		assert.Equal(t, 1, doc.Version)
		assert.True(t, doc.IsCurrent)
		assert.Equal(t, school.Teacher.ID, doc.AuthorID)
		assert.True(t, doc.VerifyChecksum())

		logs := logsOf(t, env, doc.Subject(), audit.ActionCreate)
		require.Len(t, logs, 1)
		assert.Equal(t, school.Teacher.ID, logs[0].ActorID)
		assert.Equal(t, "10.0.0.1", logs[0].Origin)

		snap, err := env.VersionSvc.Current(ctx, doc.ParentID)
		require.NoError(t, err)
		assert.Equal(t, 1, snap.Version)
		data, err := snap.Data()
		require.NoError(t, err)
		assert.Equal(t, "Mathematics final", data["title"])
	})

	t.Run("students cannot create documents", func(t *testing.T) {
		rc := testutil.RC(school.Student)
		_, err := env.ApprovalSvc.CreateDocument(ctx, rc, approval.NewDocument{
			Kind:    approval.KindClassData,
			Title:   "Grades",
			Content: map[string]interface{}{},
		})
		assert.Equal(t, core.ErrAuthorizationDenied, errors.Cause(err))

		logs, err := env.AuditSvc.Query(ctx, &audit.QueryFilter{
			ActorID: school.Student.ID,
			Actions: []audit.Action{audit.ActionPermissionDenied},
		}, nil)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.False(t, logs[0].Success)
		assert.Equal(t, audit.SeverityWarning, logs[0].Severity)
	})

	t.Run("system cannot create documents", func(t *testing.T) {
		_, err := env.ApprovalSvc.CreateDocument(ctx, core.SystemContext("cron"), approval.NewDocument{
			Kind:  approval.KindClassData,
			Title: "Grades",
		})
		assert.Equal(t, core.ErrAuthorizationDenied, errors.Cause(err))
	})
}

func TestService_NewRevision(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t, nil)
	school := testutil.CreateSchool(t, env.UserRepo)
	rc := testutil.RC(school.Teacher)

	v1 := newExamPaper(t, env, rc)

	_, err := env.ApprovalSvc.NewRevision(ctx, rc, v1.ID, "", nil)
	assert.Equal(t, core.ErrInvalidTransition, errors.Cause(err), "drafts cannot be revised")

	approveAll(t, env, school, v1.ID)
	v1, err = env.ApprovalSvc.GetDocument(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, approval.DocumentApproved, v1.Status)
	require.True(t, v1.IsCurrent)

	_, err = env.ApprovalSvc.NewRevision(ctx, testutil.RC(school.Teacher2), v1.ID, "", nil)
	assert.Equal(t, core.ErrAuthorizationDenied, errors.Cause(err), "only the author or an admin")

	v2, err := env.ApprovalSvc.NewRevision(ctx, rc, v1.ID, "  ", map[string]interface{}{"questions": []interface{}{"3+3"}})
	require.NoError(t, err)
	assert.Equal(t, v1.ParentID, v2.ParentID)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.Title, v2.Title, "blank title inherited")
	assert.Equal(t, approval.DocumentDraft, v2.Status)
	assert.False(t, v2.IsCurrent, "drafts are not current until approved")

	_, err = env.ApprovalSvc.NewRevision(ctx, rc, v1.ID, "", nil)
	assert.Equal(t, core.ErrInvalidTransition, errors.Cause(err), "a version is still open")

	approveAll(t, env, school, v2.ID)

	versions, err := env.ApprovalSvc.ListVersions(ctx, v1.ParentID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	current := 0
	for _, v := range versions {
		if v.IsCurrent {
			current++
			assert.Equal(t, v2.ID, v.ID)
		}
	}
	assert.Equal(t, 1, current, "exactly one current version")

	t.Run("archive", func(t *testing.T) {
		_, err := env.ApprovalSvc.Archive(ctx, rc, v2.ID)
		assert.Equal(t, core.ErrInvalidTransition, errors.Cause(err), "current version")

		archived, err := env.ApprovalSvc.Archive(ctx, rc, v1.ID)
		require.NoError(t, err)
		assert.Equal(t, approval.DocumentArchived, archived.Status)

		_, err = env.ApprovalSvc.Archive(ctx, rc, v1.ID)
		assert.Equal(t, core.ErrInvalidTransition, errors.Cause(err), "already archived")
	})
}

func TestRepository_staleRevision(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t, nil)
	school := testutil.CreateSchool(t, env.UserRepo)
	doc := newExamPaper(t, env, testutil.RC(school.Teacher))

	first, second := doc, doc
	first.Title = "first writer"
	_, err := env.ApprovalRepo.UpdateDocument(ctx, first)
	require.NoError(t, err)

	second.Title = "second writer"
	_, err = env.ApprovalRepo.UpdateDocument(ctx, second)
	assert.Equal(t, core.ErrConflict, errors.Cause(err))

	stored, err := env.ApprovalSvc.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "first writer", stored.Title)
}

func TestService_attachments(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t, nil)
	school := testutil.CreateSchool(t, env.UserRepo)
	rc := testutil.RC(school.Teacher)
	doc := newExamPaper(t, env, rc)

	_, err := env.ApprovalSvc.AttachFile(ctx, testutil.RC(school.Teacher2), doc.ID, "paper.pdf", "application/pdf", strings.NewReader("x"))
	assert.Equal(t, core.ErrAuthorizationDenied, errors.Cause(err))

	_, err = env.ApprovalSvc.AttachFile(ctx, rc, doc.ID, "", "application/pdf", strings.NewReader("x"))
	assert.IsType(t, &core.ValidationError{}, errors.Cause(err))

	updated, err := env.ApprovalSvc.AttachFile(ctx, rc, doc.ID, "../../paper.pdf", "application/pdf", strings.NewReader("exam body"))
	require.NoError(t, err)
	require.Len(t, updated.Attachments, 1)
	key := updated.Attachments[0]
	assert.True(t, strings.HasPrefix(key, "documents/"+doc.ParentID+"/"+doc.ID+"/"))
	assert.True(t, strings.HasSuffix(key, "-paper.pdf"))
	assert.NotEqual(t, doc.Checksum, updated.Checksum)
	assert.True(t, updated.VerifyChecksum())

	r, err := env.ApprovalSvc.OpenAttachment(ctx, doc.ID, key)
	require.NoError(t, err)
	data, err := ioutil.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "exam body", string(data))

	_, err = env.ApprovalSvc.OpenAttachment(ctx, doc.ID, "documents/other/key")
	assert.Equal(t, core.ErrBlobNotFound, err)

	_, _, err = env.ApprovalSvc.Submit(ctx, rc, doc.ID)
	require.NoError(t, err)
	_, err = env.ApprovalSvc.AttachFile(ctx, rc, doc.ID, "late.pdf", "application/pdf", strings.NewReader("x"))
	assert.Equal(t, core.ErrInvalidTransition, errors.Cause(err), "only drafts take attachments")
}

func TestService_VerifyDocument(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t, nil)
	school := testutil.CreateSchool(t, env.UserRepo)
	rc := testutil.RC(school.Principal)
	doc := newExamPaper(t, env, testutil.RC(school.Teacher))

	ok, err := env.ApprovalSvc.VerifyDocument(ctx, rc, doc.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, logsOf(t, env, doc.Subject(), audit.ActionIntegrityViolation))

	require.True(t, env.DB.TamperDocument(doc.ID, func(d *approval.Document) {
		d.Title = "Mathematics final (leaked)"
	}))

	ok, err = env.ApprovalSvc.VerifyDocument(ctx, rc, doc.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	logs := logsOf(t, env, doc.Subject(), audit.ActionIntegrityViolation)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.SeverityCritical, logs[0].Severity)
	assert.Equal(t, doc.Checksum, logs[0].OldValues["checksum"])

	_, err = env.ApprovalSvc.VerifyDocument(ctx, rc, "unknown")
	assert.Equal(t, approval.ErrDocumentNotFound, errors.Cause(err))
}

func TestDocumentStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to approval.DocumentStatus
		want     bool
	}{
		{approval.DocumentDraft, approval.DocumentReview, true},
		{approval.DocumentDraft, approval.DocumentApproved, false},
		{approval.DocumentReview, approval.DocumentApproved, true},
		{approval.DocumentReview, approval.DocumentRejected, true},
		{approval.DocumentReview, approval.DocumentDraft, false},
		{approval.DocumentApproved, approval.DocumentReview, false},
		{approval.DocumentApproved, approval.DocumentArchived, true},
		{approval.DocumentRejected, approval.DocumentArchived, true},
		{approval.DocumentArchived, approval.DocumentDraft, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.from.CanTransitionTo(tc.to))
		})
	}
}
