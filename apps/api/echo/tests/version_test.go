package tests

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/shule/apps/api/echo"
	"github.com/trezcool/shule/core/version"
	"github.com/trezcool/shule/testutil"
)

func Test_versionApi(t *testing.T) {
	a := setup(t)
	school := testutil.CreateSchool(t, a.UserRepo)
	teacherToken := getToken(t, a, school.Teacher)
	ownerToken := getToken(t, a, school.Owner)

	create := func(data map[string]interface{}) version.DataVersion {
		t.Helper()
		rec := a.do(http.MethodPost, "/v1/versions/grades-2b", teacherToken, marshallObj(t, echoapi.NewVersionRequest{Data: data}))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var v version.DataVersion
		unmarshall(t, rec, &v)
		return v
	}
	doc := newExamPaper(t, a, teacherToken)
	v1 := create(map[string]interface{}{"alice": 12, "bob": 9})
	v2 := create(map[string]interface{}{"alice": 14, "bob": 9})
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.ID, v2.PreviousID)

	a.run(t, []httpTest{
		{name: "staff required", path: "/v1/versions/grades-2b", token: getToken(t, a, school.Student), wantCode: http.StatusForbidden},
		{name: "data required", method: http.MethodPost, path: "/v1/versions/grades-2b", token: teacherToken, body: []byte(`{}`), wantCode: http.StatusBadRequest},
		{
			name: "document parent", method: http.MethodPost, path: "/v1/versions/" + doc.ParentID, token: ownerToken,
			body: []byte(`{"data":{"title":"forged"}}`), wantCode: http.StatusBadRequest,
			wantData: []byte(`{"parent":"versions of a document cannot be written directly"}`),
		},
		{
			name: "document parent rollback", method: http.MethodPost, path: "/v1/versions/" + doc.ParentID + "/rollback", token: ownerToken,
			body: []byte(`{"target_id":"` + v1.ID + `"}`), wantCode: http.StatusBadRequest,
		},
		{name: "unknown parent", path: "/v1/versions/unknown/current", token: teacherToken, wantCode: http.StatusNotFound},
		{name: "wrong parent", path: "/v1/versions/other/" + v1.ID, token: teacherToken, wantCode: http.StatusNotFound},
		{name: "verify", method: http.MethodPost, path: "/v1/versions/grades-2b/" + v1.ID + "/verify", token: teacherToken, wantData: []byte(`{"valid":true}`)},
		{
			name: "rollback (admin only)", method: http.MethodPost, path: "/v1/versions/grades-2b/rollback", token: teacherToken,
			body: []byte(`{"target_id":"` + v1.ID + `"}`), wantCode: http.StatusForbidden,
		},
		{
			name: "rollback (current)", method: http.MethodPost, path: "/v1/versions/grades-2b/rollback", token: ownerToken,
			body: []byte(`{"target_id":"` + v2.ID + `"}`), wantCode: http.StatusConflict,
		},
	})

	t.Run("history", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/v1/versions/grades-2b", teacherToken)
		require.Equal(t, http.StatusOK, rec.Code)
		var vs []version.DataVersion
		unmarshall(t, rec, &vs)
		require.Len(t, vs, 2)
		assert.Equal(t, v1.ID, vs[0].ID)

		rec = a.do(http.MethodGet, "/v1/versions/grades-2b/"+v1.ID, teacherToken)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp echoapi.VersionResponse
		unmarshall(t, rec, &resp)
		assert.Equal(t, float64(12), resp.Data["alice"])
	})

	t.Run("compare", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/v1/versions/compare?a="+v1.ID+"&b="+v2.ID, teacherToken)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var diff version.Diff
		unmarshall(t, rec, &diff)
		assert.Equal(t, []version.Change{{Key: "alice", Kind: version.ChangeModified, Old: "12", New: "14"}}, diff.Changes)
	})

	t.Run("rollback", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/v1/versions/grades-2b/rollback", ownerToken, []byte(`{"target_id":"`+v1.ID+`"}`))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var v3 version.DataVersion
		unmarshall(t, rec, &v3)
		assert.Equal(t, 3, v3.Version)
		assert.Equal(t, version.TypeRollback, v3.Type)

		rec = a.do(http.MethodGet, "/v1/versions/grades-2b/current", teacherToken)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp echoapi.VersionResponse
		unmarshall(t, rec, &resp)
		assert.Equal(t, v3.ID, resp.ID)
		assert.Equal(t, float64(12), resp.Data["alice"])
	})
}
