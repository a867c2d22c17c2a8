package echoapi

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/approval"
)

const mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type approvalApi struct {
	deps ServerDeps
	svc  *approval.Service
}

func registerApprovalAPI(g *echo.Group, authed []echo.MiddlewareFunc, deps ServerDeps) {
	api := approvalApi{deps: deps, svc: deps.ApprovalSvc}

	ag := g.Group("/approvals", append(authed, staffMiddleware())...)
	ag.GET("/pending", api.pending)
	ag.GET("/overdue", api.overdue, adminMiddleware())
	ag.GET("/statistics", api.statistics, adminMiddleware())
	ag.GET("/:id", api.retrieve)
	ag.POST("/:id/decide", api.decide)
	ag.POST("/:id/delegate", api.delegate)
	ag.POST("/:id/escalate", api.escalate)
	ag.POST("/:id/deadline", api.extendDeadline)
}

func requestList(reqs []approval.Request) []approval.Request {
	if reqs == nil {
		return []approval.Request{}
	}
	return reqs
}

func (api *approvalApi) pending(ctx echo.Context) error {
	reqs, err := api.svc.PendingFor(ctx.Request().Context(), getRequestContext(ctx).ActorID)
	if err != nil {
		return errors.Wrap(err, "listing pending requests")
	}
	return ctx.JSON(http.StatusOK, requestList(reqs))
}

func (api *approvalApi) overdue(ctx echo.Context) error {
	reqs, err := api.svc.Overdue(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "listing overdue requests")
	}
	return ctx.JSON(http.StatusOK, requestList(reqs))
}

// statistics answers JSON, or an Excel workbook with format=xlsx.
func (api *approvalApi) statistics(ctx echo.Context) error {
	days, err := intQueryParam(ctx, "window_days", 0)
	if err != nil {
		return err
	}
	stats, err := api.svc.Statistics(ctx.Request().Context(), days)
	if err != nil {
		return errors.Wrap(err, "computing statistics")
	}
	if ctx.QueryParam("format") != "xlsx" {
		return ctx.JSON(http.StatusOK, stats)
	}

	var buf bytes.Buffer
	if err = api.deps.Reports.WriteStatistics(&buf, stats); err != nil {
		return errors.Wrap(err, "writing statistics report")
	}
	ctx.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=approval-statistics-%dd.xlsx", stats.WindowDays))
	return ctx.Blob(http.StatusOK, mimeXLSX, buf.Bytes())
}

func (api *approvalApi) retrieve(ctx echo.Context) error {
	req, err := api.svc.GetRequest(ctx.Request().Context(), pathParam(ctx, "id"))
	if err != nil {
		return errors.Wrap(err, "getting request")
	}
	return ctx.JSON(http.StatusOK, req)
}

func (api *approvalApi) decide(ctx echo.Context) error {
	var data approval.Decision
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Decision")
	}
	if err := data.Validate(api.deps.Validate); err != nil {
		return err
	}

	req, err := api.svc.Decide(ctx.Request().Context(), getRequestContext(ctx), pathParam(ctx, "id"), data)
	if err != nil {
		return errors.Wrap(err, "deciding request")
	}
	return ctx.JSON(http.StatusOK, req)
}

func (api *approvalApi) bindReassignment(ctx echo.Context) (approval.Reassignment, error) {
	var data approval.Reassignment
	if err := ctx.Bind(&data); err != nil {
		return data, errors.Wrap(err, "binding to Reassignment")
	}
	return data, data.Validate(api.deps.Validate)
}

func (api *approvalApi) delegate(ctx echo.Context) error {
	data, err := api.bindReassignment(ctx)
	if err != nil {
		return err
	}
	req, err := api.svc.Delegate(ctx.Request().Context(), getRequestContext(ctx), pathParam(ctx, "id"), data)
	if err != nil {
		return errors.Wrap(err, "delegating request")
	}
	return ctx.JSON(http.StatusCreated, req)
}

func (api *approvalApi) escalate(ctx echo.Context) error {
	data, err := api.bindReassignment(ctx)
	if err != nil {
		return err
	}
	req, err := api.svc.Escalate(ctx.Request().Context(), getRequestContext(ctx), pathParam(ctx, "id"), data)
	if err != nil {
		return errors.Wrap(err, "escalating request")
	}
	return ctx.JSON(http.StatusOK, req)
}

func (api *approvalApi) extendDeadline(ctx echo.Context) error {
	var data approval.DeadlineExtension
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to DeadlineExtension")
	}
	if err := data.Validate(api.deps.Validate); err != nil {
		return err
	}

	req, err := api.svc.ExtendDeadline(ctx.Request().Context(), getRequestContext(ctx), pathParam(ctx, "id"), data)
	if err != nil {
		return errors.Wrap(err, "extending deadline")
	}
	return ctx.JSON(http.StatusOK, req)
}
