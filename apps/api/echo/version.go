package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/approval"
	"github.com/trezcool/shule/core/version"
)

type versionApi struct {
	deps ServerDeps
	svc  *version.Service
}

func registerVersionAPI(g *echo.Group, authed []echo.MiddlewareFunc, deps ServerDeps) {
	api := versionApi{deps: deps, svc: deps.VersionSvc}

	vg := g.Group("/versions", append(authed, staffMiddleware())...)
	vg.GET("/compare", api.compare)
	vg.POST("/:parent", api.create)
	vg.GET("/:parent", api.history)
	vg.GET("/:parent/current", api.current)
	vg.POST("/:parent/rollback", api.rollback, adminMiddleware())
	vg.GET("/:parent/:id", api.retrieve)
	vg.POST("/:parent/:id/verify", api.verify)
}

type (
	NewVersionRequest struct {
		Data     map[string]interface{} `json:"data" validate:"required"`
		Compress bool                   `json:"compress"`
		Metadata map[string]interface{} `json:"metadata"`
	}

	RollbackRequest struct {
		TargetID string `json:"target_id" validate:"required"`
	}

	VersionResponse struct {
		version.DataVersion
		Data map[string]interface{} `json:"data"`
	}
)

// checkWritable refuses parents owned by a document: their history is only written by the approval workflow.
func (api *versionApi) checkWritable(ctx echo.Context, parent string) error {
	_, err := api.deps.ApprovalSvc.GetDocument(ctx.Request().Context(), parent)
	switch {
	case err == nil:
		return core.NewValidationError(nil, core.FieldError{Field: "parent", Error: "versions of a document cannot be written directly"})
	case errors.Cause(err) != approval.ErrDocumentNotFound:
		return errors.Wrap(err, "getting document")
	}
	return nil
}

func (api *versionApi) create(ctx echo.Context) error {
	var data NewVersionRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewVersionRequest")
	}
	if err := api.deps.Validate.Struct(data); err != nil {
		return err
	}

	parent := pathParam(ctx, "parent")
	if err := api.checkWritable(ctx, parent); err != nil {
		return err
	}

	v, err := api.svc.Create(ctx.Request().Context(), getRequestContext(ctx), parent, data.Data, version.Options{
		Type:     version.TypeManual,
		Compress: data.Compress,
		Metadata: data.Metadata,
	})
	if err != nil {
		return errors.Wrap(err, "creating version")
	}
	return ctx.JSON(http.StatusCreated, v)
}

func (api *versionApi) history(ctx echo.Context) error {
	vs, err := api.svc.History(ctx.Request().Context(), pathParam(ctx, "parent"))
	if err != nil {
		return errors.Wrap(err, "listing versions")
	}
	if vs == nil {
		vs = []version.DataVersion{}
	}
	return ctx.JSON(http.StatusOK, vs)
}

func (api *versionApi) respond(ctx echo.Context, v version.DataVersion) error {
	data, err := v.Data()
	if err != nil {
		return errors.Wrap(err, "decoding snapshot")
	}
	return ctx.JSON(http.StatusOK, VersionResponse{DataVersion: v, Data: data})
}

func (api *versionApi) current(ctx echo.Context) error {
	v, err := api.svc.Current(ctx.Request().Context(), pathParam(ctx, "parent"))
	if err != nil {
		return errors.Wrap(err, "getting current version")
	}
	return api.respond(ctx, v)
}

func (api *versionApi) retrieve(ctx echo.Context) error {
	v, err := api.svc.Get(ctx.Request().Context(), pathParam(ctx, "id"))
	if err != nil {
		return errors.Wrap(err, "getting version")
	}
	if v.ParentID != pathParam(ctx, "parent") {
		return errHttpNotFound
	}
	return api.respond(ctx, v)
}

func (api *versionApi) compare(ctx echo.Context) error {
	diff, err := api.svc.Compare(ctx.Request().Context(), ctx.QueryParam("a"), ctx.QueryParam("b"))
	if err != nil {
		return errors.Wrap(err, "comparing versions")
	}
	if diff.Changes == nil {
		diff.Changes = []version.Change{}
	}
	return ctx.JSON(http.StatusOK, diff)
}

func (api *versionApi) rollback(ctx echo.Context) error {
	var data RollbackRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RollbackRequest")
	}
	if err := api.deps.Validate.Struct(data); err != nil {
		return err
	}

	parent := pathParam(ctx, "parent")
	if err := api.checkWritable(ctx, parent); err != nil {
		return err
	}

	v, err := api.svc.Rollback(ctx.Request().Context(), getRequestContext(ctx), parent, data.TargetID)
	if err != nil {
		return errors.Wrap(err, "rolling back")
	}
	return ctx.JSON(http.StatusCreated, v)
}

func (api *versionApi) verify(ctx echo.Context) error {
	v, err := api.svc.Get(ctx.Request().Context(), pathParam(ctx, "id"))
	if err != nil {
		return errors.Wrap(err, "getting version")
	}
	if v.ParentID != pathParam(ctx, "parent") {
		return errHttpNotFound
	}
	ok, err := api.svc.Verify(ctx.Request().Context(), getRequestContext(ctx), v.ID)
	if err != nil {
		return errors.Wrap(err, "verifying version")
	}
	return ctx.JSON(http.StatusOK, VerifyResponse{Valid: ok})
}
