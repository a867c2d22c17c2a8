package echoapi

import (
	"io"
	"mime"
	"net/http"
	"path"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/approval"
)

type documentApi struct {
	deps ServerDeps
	svc  *approval.Service
}

func registerDocumentAPI(g *echo.Group, authed []echo.MiddlewareFunc, deps ServerDeps) {
	api := documentApi{deps: deps, svc: deps.ApprovalSvc}

	dg := g.Group("/documents", append(authed, staffMiddleware())...)
	dg.POST("", api.create)
	dg.GET("/:id", api.retrieve)
	dg.GET("/:id/versions", api.versions)
	dg.GET("/:id/requests", api.requests)
	dg.GET("/:id/verify", api.verify)
	dg.GET("/:id/attachment", api.download)
	dg.POST("/:id/submit", api.submit)
	dg.POST("/:id/revisions", api.revise)
	dg.POST("/:id/archive", api.archive)
	dg.POST("/:id/attachments", api.attach)
}

type (
	RevisionRequest struct {
		Title   string                 `json:"title" validate:"max=255"`
		Content map[string]interface{} `json:"content"`
	}

	SubmitResponse struct {
		Document approval.Document  `json:"document"`
		Requests []approval.Request `json:"requests"`
	}

	VerifyResponse struct {
		Valid bool `json:"valid"`
	}
)

func (api *documentApi) create(ctx echo.Context) error {
	var data approval.NewDocument
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewDocument")
	}
	if err := data.Validate(api.deps.Validate); err != nil {
		return err
	}

	doc, err := api.svc.CreateDocument(ctx.Request().Context(), getRequestContext(ctx), data)
	if err != nil {
		return errors.Wrap(err, "creating document")
	}
	return ctx.JSON(http.StatusCreated, doc)
}

func (api *documentApi) retrieve(ctx echo.Context) error {
	doc, err := api.svc.GetDocument(ctx.Request().Context(), pathParam(ctx, "id"))
	if err != nil {
		return errors.Wrap(err, "getting document")
	}
	return ctx.JSON(http.StatusOK, doc)
}

func (api *documentApi) versions(ctx echo.Context) error {
	doc, err := api.svc.GetDocument(ctx.Request().Context(), pathParam(ctx, "id"))
	if err != nil {
		return errors.Wrap(err, "getting document")
	}
	docs, err := api.svc.ListVersions(ctx.Request().Context(), doc.ParentID)
	if err != nil {
		return errors.Wrap(err, "listing document versions")
	}
	if docs == nil {
		docs = []approval.Document{}
	}
	return ctx.JSON(http.StatusOK, docs)
}

func (api *documentApi) requests(ctx echo.Context) error {
	reqs, err := api.svc.ListRequests(ctx.Request().Context(), pathParam(ctx, "id"))
	if err != nil {
		return errors.Wrap(err, "listing requests")
	}
	if reqs == nil {
		reqs = []approval.Request{}
	}
	return ctx.JSON(http.StatusOK, reqs)
}

func (api *documentApi) verify(ctx echo.Context) error {
	ok, err := api.svc.VerifyDocument(ctx.Request().Context(), getRequestContext(ctx), pathParam(ctx, "id"))
	if err != nil {
		return errors.Wrap(err, "verifying document")
	}
	return ctx.JSON(http.StatusOK, VerifyResponse{Valid: ok})
}

func (api *documentApi) submit(ctx echo.Context) error {
	doc, reqs, err := api.svc.Submit(ctx.Request().Context(), getRequestContext(ctx), pathParam(ctx, "id"))
	if err != nil {
		return errors.Wrap(err, "submitting document")
	}
	return ctx.JSON(http.StatusOK, SubmitResponse{Document: doc, Requests: reqs})
}

func (api *documentApi) revise(ctx echo.Context) error {
	var data RevisionRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RevisionRequest")
	}
	if err := api.deps.Validate.Struct(data); err != nil {
		return err
	}

	doc, err := api.svc.NewRevision(ctx.Request().Context(), getRequestContext(ctx), pathParam(ctx, "id"), data.Title, data.Content)
	if err != nil {
		return errors.Wrap(err, "revising document")
	}
	return ctx.JSON(http.StatusCreated, doc)
}

func (api *documentApi) archive(ctx echo.Context) error {
	doc, err := api.svc.Archive(ctx.Request().Context(), getRequestContext(ctx), pathParam(ctx, "id"))
	if err != nil {
		return errors.Wrap(err, "archiving document")
	}
	return ctx.JSON(http.StatusOK, doc)
}

func (api *documentApi) attach(ctx echo.Context) error {
	fh, err := ctx.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "a multipart file field named \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return errors.Wrap(err, "opening uploaded file")
	}
	defer f.Close()

	doc, err := api.svc.AttachFile(
		ctx.Request().Context(),
		getRequestContext(ctx),
		pathParam(ctx, "id"),
		fh.Filename,
		fh.Header.Get(echo.HeaderContentType),
		f,
	)
	if err != nil {
		return errors.Wrap(err, "attaching file")
	}
	return ctx.JSON(http.StatusOK, doc)
}

// download streams the attachment named by the key query parameter.
func (api *documentApi) download(ctx echo.Context) error {
	key := ctx.QueryParam("key")
	rc, err := api.svc.OpenAttachment(ctx.Request().Context(), pathParam(ctx, "id"), key)
	if err != nil {
		return errors.Wrap(err, "opening attachment")
	}
	defer rc.Close()

	ct := mime.TypeByExtension(path.Ext(key))
	if ct == "" {
		ct = echo.MIMEOctetStream
	}
	ctx.Response().Header().Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(key)}))
	return ctx.Stream(http.StatusOK, ct, io.Reader(rc))
}
