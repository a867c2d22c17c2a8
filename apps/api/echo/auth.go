package echoapi

import (
	"context"
	"sort"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/user"
)

const (
	contextTokenKey = "userToken"
	contextUserKey  = "user"
	contextRCKey    = "requestContext"
)

// Claims represents the authorization claims transmitted via a JWT.
// The JWT ID identifies the session and survives token refreshes.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt int64    `json:"oriat,omitempty"`
	Username     string   `json:"username,omitempty"`
	Email        string   `json:"email,omitempty"`
	IsStudent    bool     `json:"is_student,omitempty"`
	IsTeacher    bool     `json:"is_teacher,omitempty"`
	IsAdmin      bool     `json:"is_admin,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

func newJWTConfig(conf *core.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(conf.SecretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

// GetUserClaims builds the Claims of usr. A refresh passes the original claims along.
func GetUserClaims(conf *core.Config, usr user.User, orig ...Claims) *Claims {
	now := time.Now()
	nownix := now.Unix()

	oriat, session := nownix, uuid.New().String()
	if len(orig) > 0 {
		oriat, session = orig[0].OrigIssuedAt, orig[0].Id
	}

	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Id:        session,
			Issuer:    conf.AppName,
			Subject:   usr.ID,
			Audience:  "Shule",
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  nownix,
		},
		OrigIssuedAt: oriat,
		Username:     usr.Username,
		Email:        usr.Email,
		IsStudent:    usr.IsStudent(),
		IsTeacher:    usr.IsTeacher(),
		IsAdmin:      usr.IsAdmin(),
		Roles:        usr.Roles,
	}
}

// GenerateToken generates a signed JWT token string representing the user Claims.
func GenerateToken(conf *core.Config, claims *Claims) (string, error) {
	jwtConf := newJWTConfig(conf)
	token := jwt.NewWithClaims(jwt.GetSigningMethod(jwtConf.SigningMethod), claims)

	ss, err := token.SignedString(jwtConf.SigningKey)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// authenticate checks the credentials and records the attempt in the audit trail.
// Failed attempts on a known account are attributed to it so that repeated failures get flagged.
func authenticate(ctx context.Context, rc core.RequestContext, uname, pwd string, deps ServerDeps) (*Claims, error) {
	fail := func(usr user.User, reason string, err error) (*Claims, error) {
		rc.ActorID = usr.ID
		rc.Roles = usr.Roles
		_, lErr := deps.AuditSvc.Log(ctx, rc, audit.Entry{
			Subject:     core.NewSubject(core.SubjectUser, usr.ID),
			Action:      audit.ActionLoginAttempt,
			Failed:      true,
			NewValues:   map[string]interface{}{"username": uname},
			Description: reason,
		})
		if lErr != nil {
			return nil, errors.Wrap(lErr, "logging login attempt")
		}
		return nil, err
	}

	usr, err := deps.UserSvc.GetByUsernameOrEmail(ctx, uname)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return fail(user.User{}, "unknown account", errAuthenticationFailed)
		}
		return nil, errors.Wrap(err, "finding user by username or email")
	}
	if err = usr.CheckPassword(pwd); err != nil {
		return fail(usr, "wrong password", errAuthenticationFailed)
	}
	if !usr.IsActive {
		return fail(usr, "account deactivated", errAccountDeactivated)
	}

	if usr, err = deps.UserSvc.SetLastLogin(ctx, usr); err != nil {
		return nil, errors.Wrap(err, "setting lastLogin")
	}
	claims := GetUserClaims(deps.Conf, usr)

	rc.ActorID, rc.Roles, rc.SessionID = usr.ID, usr.Roles, claims.Id
	_, err = deps.AuditSvc.Log(ctx, rc, audit.Entry{
		Subject: core.NewSubject(core.SubjectUser, usr.ID),
		Action:  audit.ActionLoginSuccess,
	})
	if err != nil {
		return nil, errors.Wrap(err, "logging login")
	}
	return claims, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

func getContextUser(ctx echo.Context, svc *user.Service) (user.User, error) {
	if usr, ok := ctx.Get(contextUserKey).(user.User); ok {
		return usr, nil
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return user.User{}, errors.Wrap(err, "getting context claims")
	}

	usr, err := svc.GetByID(ctx.Request().Context(), claims.Subject)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return user.User{}, errUnauthorized
		}
		return user.User{}, errors.Wrap(err, "finding user by ID")
	}
	ctx.Set(contextUserKey, usr)
	return usr, nil
}

func contextHasAnyRole(ctx echo.Context, roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	if claims, err := getContextClaims(ctx); err == nil {
		sort.Strings(claims.Roles)
		for _, role := range roles {
			if i := sort.SearchStrings(claims.Roles, role); i < len(claims.Roles) {
				if match := claims.Roles[i]; role == match {
					return true
				}
			}
		}
	}
	return false
}

func refreshToken(ctx echo.Context, deps ServerDeps) (string, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return "", errors.Wrap(err, "getting context claims")
	}

	usr, err := getContextUser(ctx, deps.UserSvc)
	if err != nil {
		return "", errors.Wrap(err, "getting context user")
	}

	// check if user is still active
	if !usr.IsActive {
		return "", errAccountDeactivated
	}

	// check if refresh has not expired
	expTime := time.Unix(claims.OrigIssuedAt, 0).Add(deps.Conf.Server.JWTRefreshExpirationDelta)
	if time.Now().After(expTime) {
		return "", errRefreshExpired
	}

	token, err := GenerateToken(deps.Conf, GetUserClaims(deps.Conf, usr, claims))
	return token, errors.Wrap(err, "generating token")
}
