package version_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/user"
	"github.com/trezcool/shule/core/version"
	"github.com/trezcool/shule/testutil"
)

func setup(t *testing.T) (*testutil.Env, core.RequestContext) {
	t.Helper()
	env := testutil.NewEnv(t, nil)
	admin := testutil.CreateUser(t, env.UserRepo, "Admin", "admin", "admin@shule.test", "", []string{user.RoleAdminOwner}, true)
	return env, testutil.RC(admin)
}

func TestService_Create(t *testing.T) {
	ctx := context.Background()
	env, rc := setup(t)

	_, err := env.VersionSvc.Create(ctx, rc, "", nil, version.Options{})
	assert.IsType(t, &core.ValidationError{}, errors.Cause(err))

	v1, err := env.VersionSvc.Create(ctx, rc, "class-2b", map[string]interface{}{"size": 30}, version.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.IsCurrent)
	assert.Equal(t, version.TypeManual, v1.Type)
	assert.Empty(t, v1.PreviousID)
	assert.Equal(t, rc.ActorID, v1.CreatedBy)
	assert.False(t, v1.IsCompressed)
	assert.True(t, v1.VerifyChecksum())

	v2, err := env.VersionSvc.Create(ctx, rc, "class-2b", map[string]interface{}{"size": 31}, version.Options{Type: version.TypeScheduled})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.ID, v2.PreviousID)

	history, err := env.VersionSvc.History(ctx, "class-2b")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].IsCurrent)
	assert.True(t, history[1].IsCurrent)

	current, err := env.VersionSvc.Current(ctx, "class-2b")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, current.ID)

	logs, err := env.AuditSvc.Query(ctx, &audit.QueryFilter{SubjectKind: core.SubjectDataVersion, Actions: []audit.Action{audit.ActionCreate}}, nil)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	_, err = env.VersionSvc.Current(ctx, "unknown")
	assert.Equal(t, version.ErrNotFound, errors.Cause(err))
}

func TestService_compression(t *testing.T) {
	ctx := context.Background()
	env, rc := setup(t)

	tests := []struct {
		name     string
		data     map[string]interface{}
		opts     version.Options
		wantComp bool
	}{
		{name: "small", data: map[string]interface{}{"a": 1}},
		{name: "forced", data: map[string]interface{}{"a": 1}, opts: version.Options{Compress: true}, wantComp: true},
		{name: "large", data: map[string]interface{}{"blob": strings.Repeat("x", version.CompressThreshold)}, wantComp: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := env.VersionSvc.Create(ctx, rc, "parent-"+tc.name, tc.data, tc.opts)
			require.NoError(t, err)
			assert.Equal(t, tc.wantComp, v.IsCompressed)
			assert.True(t, v.VerifyChecksum())

			stored, err := env.VersionSvc.Get(ctx, v.ID)
			require.NoError(t, err)
			data, err := stored.Data()
			require.NoError(t, err)
			for k := range tc.data {
				assert.Contains(t, data, k)
			}
			raw, err := stored.Raw()
			require.NoError(t, err)
			assert.Equal(t, len(raw), stored.SizeBytes)
			if tc.wantComp {
				assert.Less(t, len(stored.Snapshot), stored.SizeBytes+32)
			}
		})
	}
}

func TestService_Compare(t *testing.T) {
	ctx := context.Background()
	env, rc := setup(t)

	v1, err := env.VersionSvc.Create(ctx, rc, "exam", map[string]interface{}{
		"title":     "Physics",
		"duration":  90,
		"questions": []interface{}{"q1", "q2"},
		"room":      "B12",
	}, version.Options{})
	require.NoError(t, err)
	v2, err := env.VersionSvc.Create(ctx, rc, "exam", map[string]interface{}{
		"title":     "Physics",
		"duration":  120,
		"questions": []interface{}{"q1", "q2", "q3"},
		"proctor":   "Mr. Kabila",
	}, version.Options{})
	require.NoError(t, err)
	other, err := env.VersionSvc.Create(ctx, rc, "other", nil, version.Options{})
	require.NoError(t, err)

	diff, err := env.VersionSvc.Compare(ctx, v1.ID, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, diff.FromVersion)
	assert.Equal(t, 2, diff.ToVersion)
	assert.Equal(t, []version.Change{
		{Key: "duration", Kind: version.ChangeModified, Old: "90", New: "120"},
		{Key: "proctor", Kind: version.ChangeAdded, New: `"Mr. Kabila"`},
		{Key: "questions[2]", Kind: version.ChangeAdded, New: `"q3"`},
		{Key: "room", Kind: version.ChangeRemoved, Old: `"B12"`},
	}, diff.Changes)
	assert.Contains(t, diff.Unified, "--- version 1")
	assert.Contains(t, diff.Unified, "+++ version 2")

	same, err := env.VersionSvc.Compare(ctx, v2.ID, v2.ID)
	require.NoError(t, err)
	assert.True(t, same.IsEmpty())

	_, err = env.VersionSvc.Compare(ctx, v1.ID, other.ID)
	assert.IsType(t, &core.ValidationError{}, errors.Cause(err))

	_, err = env.VersionSvc.Compare(ctx, v1.ID, "unknown")
	assert.Equal(t, version.ErrNotFound, errors.Cause(err))
}

func TestDiffData_nulls(t *testing.T) {
	changes := version.DiffData(
		map[string]interface{}{"a": nil, "b": map[string]interface{}{"c": 1}},
		map[string]interface{}{"b": map[string]interface{}{"c": 1, "d": nil}},
	)
	assert.Empty(t, changes, "null keys count as absent")
}

func TestService_Rollback(t *testing.T) {
	ctx := context.Background()
	env, rc := setup(t)

	v1, err := env.VersionSvc.Create(ctx, rc, "grades", map[string]interface{}{"alice": 12}, version.Options{})
	require.NoError(t, err)
	v2, err := env.VersionSvc.Create(ctx, rc, "grades", map[string]interface{}{"alice": 18}, version.Options{})
	require.NoError(t, err)

	_, err = env.VersionSvc.Rollback(ctx, rc, "grades", v2.ID)
	assert.Equal(t, core.ErrInvalidTransition, errors.Cause(err), "already current")

	_, err = env.VersionSvc.Rollback(ctx, rc, "other", v1.ID)
	assert.Equal(t, version.ErrNotFound, errors.Cause(err), "wrong parent")

	v3, err := env.VersionSvc.Rollback(ctx, rc, "grades", v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)
	assert.Equal(t, version.TypeRollback, v3.Type)
	assert.True(t, v3.IsCurrent)
	assert.Equal(t, v2.ID, v3.PreviousID)
	assert.Equal(t, v2.ID, v3.Metadata[version.MetaRollbackFrom])
	assert.Equal(t, v1.ID, v3.Metadata[version.MetaRollbackTo])
	assert.True(t, v3.VerifyChecksum())

	data, err := v3.Data()
	require.NoError(t, err)
	assert.Equal(t, float64(12), data["alice"])

	history, err := env.VersionSvc.History(ctx, "grades")
	require.NoError(t, err)
	require.Len(t, history, 3, "history is never rewritten")
	current := 0
	for _, v := range history {
		if v.IsCurrent {
			current++
		}
	}
	assert.Equal(t, 1, current)

	logs, err := env.AuditSvc.Query(ctx, &audit.QueryFilter{SubjectID: v3.ID, Actions: []audit.Action{audit.ActionRollback}}, nil)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.SeverityNotice, logs[0].Severity)
}

func TestService_tampering(t *testing.T) {
	ctx := context.Background()
	env, rc := setup(t)

	v1, err := env.VersionSvc.Create(ctx, rc, "marks", map[string]interface{}{"bob": 9}, version.Options{})
	require.NoError(t, err)
	v2, err := env.VersionSvc.Create(ctx, rc, "marks", map[string]interface{}{"bob": 11}, version.Options{})
	require.NoError(t, err)

	ok, err := env.VersionSvc.Verify(ctx, rc, v1.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.True(t, env.DB.TamperVersion(v1.ID, func(v *version.DataVersion) {
		v.Snapshot = []byte(`{"bob":20}`)
	}))

	ok, err = env.VersionSvc.Verify(ctx, rc, v1.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = env.VersionSvc.Rollback(ctx, rc, "marks", v1.ID)
	assert.Equal(t, core.ErrIntegrityViolation, errors.Cause(err))

	current, err := env.VersionSvc.Current(ctx, "marks")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, current.ID, "nothing restored")

	logs, err := env.AuditSvc.Query(ctx, &audit.QueryFilter{SubjectID: v1.ID, Actions: []audit.Action{audit.ActionIntegrityViolation}}, nil)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, audit.SeverityCritical, l.Severity)
	}
}

func TestService_tamperedMetadata(t *testing.T) {
	ctx := context.Background()
	env, rc := setup(t)

	tests := []struct {
		name   string
		tamper func(v *version.DataVersion)
	}{
		{name: "type", tamper: func(v *version.DataVersion) { v.Type = version.TypeRollback }},
		{name: "metadata", tamper: func(v *version.DataVersion) { v.Metadata = map[string]interface{}{version.MetaRollbackTo: "forged"} }},
		{name: "previous", tamper: func(v *version.DataVersion) { v.PreviousID = "forged" }},
		{name: "author", tamper: func(v *version.DataVersion) { v.CreatedBy = "mallory" }},
		{name: "number", tamper: func(v *version.DataVersion) { v.Version = 7 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			parent := "marks-" + tc.name
			_, err := env.VersionSvc.Create(ctx, rc, parent, map[string]interface{}{"bob": 9}, version.Options{})
			require.NoError(t, err)
			v, err := env.VersionSvc.Create(ctx, rc, parent, map[string]interface{}{"bob": 11}, version.Options{Metadata: map[string]interface{}{"term": "1"}})
			require.NoError(t, err)

			require.True(t, env.DB.TamperVersion(v.ID, tc.tamper))
			ok, err := env.VersionSvc.Verify(ctx, rc, v.ID)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	t.Run("compression is not covered", func(t *testing.T) {
		v, err := env.VersionSvc.Create(ctx, rc, "marks-zip", map[string]interface{}{"bob": 9}, version.Options{Compress: true})
		require.NoError(t, err)
		require.True(t, v.IsCompressed)

		raw, err := v.Raw()
		require.NoError(t, err)
		plain := v
		plain.Snapshot, plain.IsCompressed = raw, false
		assert.True(t, plain.VerifyChecksum())
	})
}

func TestService_concurrentRollbacks(t *testing.T) {
	ctx := context.Background()
	env, rc := setup(t)

	v1, err := env.VersionSvc.Create(ctx, rc, "grades", map[string]interface{}{"alice": 12}, version.Options{})
	require.NoError(t, err)
	_, err = env.VersionSvc.Create(ctx, rc, "grades", map[string]interface{}{"alice": 18}, version.Options{})
	require.NoError(t, err)

	const n = 4
	results := make(chan version.DataVersion, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if _, err := env.VersionSvc.Create(ctx, rc, "grades", map[string]interface{}{"alice": 20 + i}, version.Options{}); err != nil {
					t.Error(err)
				}
				return
			}
			v, err := env.VersionSvc.Rollback(ctx, rc, "grades", v1.ID)
			if err != nil {
				t.Error(err)
				return
			}
			results <- v
		}(i)
	}
	wg.Wait()
	close(results)

	for v := range results {
		assert.Equal(t, v.PreviousID, v.Metadata[version.MetaRollbackFrom], "rolled back from the version it replaced")
		assert.True(t, v.VerifyChecksum())
	}
	history, err := env.VersionSvc.History(ctx, "grades")
	require.NoError(t, err)
	assert.Len(t, history, 2+n)
}
