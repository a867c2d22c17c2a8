package echoapi

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
)

type auditApi struct {
	deps ServerDeps
	svc  *audit.Service
}

func registerAuditAPI(g *echo.Group, authed []echo.MiddlewareFunc, deps ServerDeps) {
	api := auditApi{deps: deps, svc: deps.AuditSvc}

	ag := g.Group("/audit-logs", append(authed, adminMiddleware())...)
	ag.GET("", api.query)
	ag.GET("/export", api.export)
	ag.POST("/verify", api.verifyAll)
	ag.GET("/:id", api.retrieve)
	ag.POST("/:id/verify", api.verify)
	ag.POST("/:id/investigate", api.investigate)
}

type (
	InvestigateRequest struct {
		Notes string `json:"notes" validate:"required,notblank,max=2000"`
	}

	VerifyAllResponse struct {
		Tampered []string `json:"tampered"`
	}
)

func (api *auditApi) bindFilter(ctx echo.Context) (*audit.QueryFilter, []core.DBOrdering, error) {
	filter := new(audit.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "invalid filter")
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)
	return filter, ordering.Orderings, nil
}

func (api *auditApi) query(ctx echo.Context) error {
	filter, ordering, err := api.bindFilter(ctx)
	if err != nil {
		return err
	}
	logs, err := api.svc.Query(ctx.Request().Context(), filter, ordering)
	if err != nil {
		return errors.Wrap(err, "querying audit logs")
	}
	if logs == nil {
		logs = []audit.Log{}
	}
	return ctx.JSON(http.StatusOK, logs)
}

func (api *auditApi) export(ctx echo.Context) error {
	filter, _, err := api.bindFilter(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if _, err = api.svc.Export(ctx.Request().Context(), getRequestContext(ctx), filter, api.deps.Reports, &buf); err != nil {
		return errors.Wrap(err, "exporting audit logs")
	}
	ctx.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=audit-logs-%s.xlsx", time.Now().UTC().Format("20060102-150405")))
	return ctx.Blob(http.StatusOK, mimeXLSX, buf.Bytes())
}

func (api *auditApi) retrieve(ctx echo.Context) error {
	l, err := api.svc.Get(ctx.Request().Context(), pathParam(ctx, "id"))
	if err != nil {
		return errors.Wrap(err, "getting audit log")
	}
	return ctx.JSON(http.StatusOK, l)
}

func (api *auditApi) verify(ctx echo.Context) error {
	ok, err := api.svc.VerifyIntegrity(ctx.Request().Context(), getRequestContext(ctx), pathParam(ctx, "id"))
	if err != nil {
		return errors.Wrap(err, "verifying audit log")
	}
	return ctx.JSON(http.StatusOK, VerifyResponse{Valid: ok})
}

func (api *auditApi) verifyAll(ctx echo.Context) error {
	filter, _, err := api.bindFilter(ctx)
	if err != nil {
		return err
	}
	tampered, err := api.svc.VerifyAll(ctx.Request().Context(), getRequestContext(ctx), filter)
	if err != nil {
		return errors.Wrap(err, "verifying audit logs")
	}
	return ctx.JSON(http.StatusOK, VerifyAllResponse{Tampered: tampered})
}

func (api *auditApi) investigate(ctx echo.Context) error {
	var data InvestigateRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to InvestigateRequest")
	}
	if err := api.deps.Validate.Struct(data); err != nil {
		return err
	}

	l, err := api.svc.Investigate(ctx.Request().Context(), getRequestContext(ctx), pathParam(ctx, "id"), data.Notes)
	if err != nil {
		return errors.Wrap(err, "investigating audit log")
	}
	return ctx.JSON(http.StatusOK, l)
}
