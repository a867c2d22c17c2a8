package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
)

func adminMiddleware(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.IsAdmin && contextHasAnyRole(ctx, roles) {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// requestContextMiddleware stores the core.RequestContext of an authenticated request.
func requestContextMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			rc := newRequestContext(ctx)
			rc.ActorID = claims.Subject
			rc.Roles = claims.Roles
			rc.SessionID = claims.Id
			ctx.Set(contextRCKey, rc)
			return next(ctx)
		}
	}
}

// newRequestContext captures the client metadata of an anonymous request.
func newRequestContext(ctx echo.Context) core.RequestContext {
	return core.RequestContext{
		Origin:    ctx.RealIP(),
		UserAgent: ctx.Request().UserAgent(),
	}
}

func getRequestContext(ctx echo.Context) core.RequestContext {
	if rc, ok := ctx.Get(contextRCKey).(core.RequestContext); ok {
		return rc
	}
	return newRequestContext(ctx)
}

// staffMiddleware lets teachers and admins through.
func staffMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.IsAdmin || claims.IsTeacher {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}
