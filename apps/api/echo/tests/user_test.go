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
	"github.com/trezcool/shule/core/user"
	"github.com/trezcool/shule/testutil"
)

const pwd = "Kw8#mzQ!v2pL"

func Test_userApi_login(t *testing.T) {
	a := setup(t)
	usr := testutil.CreateUser(t, a.UserRepo, "Teacher", "teacher", "teacher@shule.test", pwd, []string{user.RoleTeacher}, true)
	testutil.CreateUser(t, a.UserRepo, "Gone", "gone", "gone@shule.test", pwd, []string{user.RoleTeacher}, false)

	login := func(uname, pwd string) []byte {
		return marshallObj(t, echoapi.LoginRequest{Username: uname, Password: pwd})
	}
	failed := marshallObj(t, httpErr{Error: "authentication failed"})

	a.run(t, []httpTest{
		{name: "missing fields", method: http.MethodPost, path: "/v1/users/login", body: []byte(`{}`), wantCode: http.StatusBadRequest},
		{name: "unknown account", method: http.MethodPost, path: "/v1/users/login", body: login("nobody", pwd), wantCode: http.StatusBadRequest, wantData: failed},
		{name: "wrong password", method: http.MethodPost, path: "/v1/users/login", body: login("teacher", "nope"), wantCode: http.StatusBadRequest, wantData: failed},
		{
			name: "deactivated", method: http.MethodPost, path: "/v1/users/login", body: login("gone", pwd),
			wantCode: http.StatusForbidden, wantData: marshallObj(t, httpErr{Error: "account deactivated"}),
		},
	})

	t.Run("success", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/v1/users/login", "", login(" TEACHER@shule.test ", pwd))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp echoapi.LoginResponse
		unmarshall(t, rec, &resp)
		require.NotEmpty(t, resp.Token)

		rec = a.do(http.MethodGet, "/v1/users/me", resp.Token)
		require.Equal(t, http.StatusOK, rec.Code)
		var me user.User
		unmarshall(t, rec, &me)
		assert.Equal(t, usr.ID, me.ID)
		assert.False(t, me.LastLogin.IsZero())
	})

	t.Run("audit trail", func(t *testing.T) {
		ctx := context.Background()
		attempts, err := a.AuditSvc.Query(ctx, &audit.QueryFilter{
			SubjectKind: core.SubjectUser,
			Actions:     []audit.Action{audit.ActionLoginAttempt},
		}, nil)
		require.NoError(t, err)
		assert.Len(t, attempts, 3)
		for _, l := range attempts {
			assert.False(t, l.Success)
			assert.Equal(t, "10.0.0.1", l.Origin)
		}

		logins, err := a.AuditSvc.Query(ctx, &audit.QueryFilter{ActorID: usr.ID, Actions: []audit.Action{audit.ActionLoginSuccess}}, nil)
		require.NoError(t, err)
		require.Len(t, logins, 1)
		assert.NotEmpty(t, logins[0].SessionID)
	})

	t.Run("repeated failures", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			a.do(http.MethodPost, "/v1/users/login", "", login("teacher", "nope"))
		}
		suspicious := true
		logs, err := a.AuditSvc.Query(context.Background(), &audit.QueryFilter{ActorID: usr.ID, IsSuspicious: &suspicious}, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, logs)
	})
}

func Test_userApi_access(t *testing.T) {
	a := setup(t)
	school := testutil.CreateSchool(t, a.UserRepo)
	teacherToken := getToken(t, a, school.Teacher)
	ownerToken := getToken(t, a, school.Owner)
	forbidden := marshallObj(t, httpErr{Error: "permission denied"})

	a.run(t, []httpTest{
		{name: "home", path: "/"},
		{name: "auth required", path: "/v1/users/me", wantCode: http.StatusUnauthorized, wantData: marshallObj(t, errMissingToken)},
		{name: "bad token", path: "/v1/users/me", token: "not-a-jwt", wantCode: http.StatusUnauthorized},
		{name: "admin required", path: "/v1/users", token: teacherToken, wantCode: http.StatusForbidden, wantData: forbidden},
		{name: "roles", path: "/v1/users/roles", token: ownerToken, wantData: marshallObj(t, user.Roles)},
		{name: "own profile", path: "/v1/users/" + school.Teacher.ID, token: teacherToken},
		{name: "other profile", path: "/v1/users/" + school.Teacher2.ID, token: teacherToken, wantCode: http.StatusNotFound},
		{name: "admin sees all", path: "/v1/users/" + school.Teacher2.ID, token: ownerToken},
		{name: "self delete", method: http.MethodDelete, path: "/v1/users/" + school.Owner.ID, token: ownerToken, wantCode: http.StatusForbidden},
		{name: "delete", method: http.MethodDelete, path: "/v1/users/" + school.Teacher2.ID, token: ownerToken, wantCode: http.StatusNoContent},
		{name: "token refresh", method: http.MethodPost, path: "/v1/users/token-refresh", token: teacherToken},
	})

	t.Run("list", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/v1/users?role="+user.RoleTeacher, ownerToken)
		require.Equal(t, http.StatusOK, rec.Code)
		var users []user.User
		unmarshall(t, rec, &users)
		var ids []string
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		assert.ElementsMatch(t, []string{school.HOD.ID, school.HOD2.ID, school.Coordinator.ID, school.Teacher.ID}, ids)
	})

	t.Run("register", func(t *testing.T) {
		body := marshallObj(t, user.NewUser{
			Name: "New", Username: "newbie", Password: pwd, PasswordConfirm: pwd, Roles: []string{user.RoleTeacher},
		})
		rec := a.do(http.MethodPost, "/v1/users/register", ownerToken, body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = a.do(http.MethodPost, "/v1/users/register", ownerToken, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "username taken")
	})
}
