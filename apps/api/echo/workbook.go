package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/daftari/core"
	"github.com/trezcool/daftari/core/user"
	"github.com/trezcool/daftari/core/workbook"
)

type workbookApi struct {
	conf        *core.Config
	svc         workbook.Service
	distributor *workbook.Distributor
	usrSvc      user.Service
	validate    *validator.Validate
	translator  ut.Translator
}

func registerWorkbookAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := workbookApi{
		conf:        deps.Conf,
		svc:         deps.WorkbookSvc,
		distributor: deps.Distributor,
		usrSvc:      deps.UserSvc,
		validate:    deps.Validate,
		translator:  deps.Translator,
	}

	wg := g.Group("/workbooks", jwt)
	wg.POST("", api.createWorkbook, staffMiddleware())
	wg.GET("", api.queryWorkbooks)
	wg.GET("/:id", api.retrieveWorkbook)
	wg.GET("/:id/distribution", api.distributionStatus, staffMiddleware())
	wg.POST("/:id/distribute", api.distribute, staffMiddleware())

	sg := g.Group("/sheets", jwt)
	sg.POST("", api.createSheet)
	sg.GET("", api.querySheets)

	sdg := sg.Group("/:id", api.sheetObjectMiddleware)
	sdg.GET("", api.retrieveSheet)
	sdg.DELETE("", api.destroySheet)
	sdg.PATCH("/marks", api.setMarks)
	sdg.POST("/expand", api.expandSheet)
	sdg.POST("/chapters", api.createChapter)
	sdg.GET("/chapters", api.queryChapters)
	sdg.GET("/chapters/:chapterID/view", api.chapterView)

	cg := g.Group("/chapters", jwt)
	cg.PATCH("/:id", api.renameChapter)
	cg.PATCH("/:id/notes", api.editChapterNotes)
	cg.DELETE("/:id", api.destroyChapter)
}

// sheetObjectMiddleware loads the sheet and ensures the caller owns it or is
// staff.
func (api *workbookApi) sheetObjectMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		claims, err := getContextClaims(ctx)
		if err != nil {
			return errors.Wrap(err, "getting context claims")
		}

		sheet, err := api.svc.GetSheet(ctx.Request().Context(), ctx.Param("id"))
		if err != nil {
			if errors.Cause(err) == workbook.ErrSheetNotFound {
				return errHttpNotFound
			}
			return errors.Wrap(err, "finding sheet by ID")
		}
		if sheet.OwnerID != claims.Subject && !claims.IsStaff {
			return errHttpNotFound
		}
		ctx.Set("sheet", sheet)
		return next(ctx)
	}
}

func getContextSheet(ctx echo.Context) (workbook.GradeSheet, error) {
	if sheet, ok := ctx.Get("sheet").(workbook.GradeSheet); ok {
		return sheet, nil
	}
	return workbook.GradeSheet{}, errors.New("sheet object not found in echo.Context")
}

// Workbook handlers

func (api *workbookApi) createWorkbook(ctx echo.Context) error {
	var data workbook.NewWorkbook
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewWorkbook")
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	if data.AuthorID == "" {
		data.AuthorID = claims.Subject
	}

	if err := data.Validate(api.validate); err != nil {
		return err
	}

	wb, tmpl, err := api.svc.CreateWorkbook(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating workbook")
	}
	return ctx.JSON(http.StatusCreated, WorkbookResponse{Workbook: wb, TemplateSheet: tmpl})
}

func (api *workbookApi) queryWorkbooks(ctx echo.Context) error {
	wbs, err := api.svc.QueryWorkbooks(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "querying workbooks")
	}
	if wbs == nil {
		wbs = []workbook.Workbook{}
	}
	return ctx.JSON(http.StatusOK, wbs)
}

func (api *workbookApi) retrieveWorkbook(ctx echo.Context) error {
	wb, err := api.svc.GetWorkbook(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == workbook.ErrWorkbookNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "finding workbook by ID")
	}
	return ctx.JSON(http.StatusOK, wb)
}

func (api *workbookApi) distributionStatus(ctx echo.Context) error {
	var query DistributionStatusRequest
	if err := ctx.Bind(&query); err != nil {
		return errors.Wrap(err, "binding to DistributionStatusRequest")
	}

	already, notYet, err := api.distributor.Status(ctx.Request().Context(), ctx.Param("id"), query.TargetIDs)
	if err != nil {
		return errors.Wrap(err, "checking distribution status")
	}
	return ctx.JSON(http.StatusOK, DistributionStatusResponse{Already: already, NotYet: notYet})
}

func (api *workbookApi) distribute(ctx echo.Context) error {
	var data DistributeRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to DistributeRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	report, err := api.distributor.Distribute(ctx.Request().Context(), ctx.Param("id"), data.TargetIDs, data.Overwrite)
	if err != nil {
		if _, ok := errors.Cause(err).(*workbook.PartialDistributionError); ok {
			// some targets failed; report the partial outcome
			return ctx.JSON(http.StatusMultiStatus, newDistributionResponse(report))
		}
		switch errors.Cause(err) {
		case workbook.ErrWorkbookNotFound:
			return errHttpNotFound
		case workbook.ErrTemplateNotFound:
			return echo.NewHTTPError(http.StatusConflict, workbook.ErrTemplateNotFound.Error())
		}
		return errors.Wrap(err, "distributing workbook")
	}
	return ctx.JSON(http.StatusOK, newDistributionResponse(report))
}

// GradeSheet handlers

func (api *workbookApi) createSheet(ctx echo.Context) error {
	var data workbook.NewSheet
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSheet")
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	if data.OwnerID == "" {
		data.OwnerID = claims.Subject
	}
	if data.OwnerID != claims.Subject && !claims.IsStaff {
		return errHttpForbidden
	}

	if err := data.Validate(api.validate); err != nil {
		return err
	}

	sheet, err := api.svc.CreateSheet(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating sheet")
	}
	return ctx.JSON(http.StatusCreated, sheet)
}

func (api *workbookApi) querySheets(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var query SheetQueryRequest
	if err := ctx.Bind(&query); err != nil {
		return errors.Wrap(err, "binding to SheetQueryRequest")
	}

	filter := workbook.SheetFilter{OwnerID: query.OwnerID, WorkbookID: query.WorkbookID}
	if !claims.IsStaff {
		// non-staff only see their own sheets
		filter.OwnerID = claims.Subject
	}

	sheets, err := api.svc.QuerySheets(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying sheets")
	}
	if sheets == nil {
		sheets = []workbook.GradeSheet{}
	}
	return ctx.JSON(http.StatusOK, sheets)
}

func (api *workbookApi) retrieveSheet(ctx echo.Context) error {
	sheet, err := getContextSheet(ctx)
	if err != nil {
		return err
	}

	chapters, err := api.svc.QueryChapters(ctx.Request().Context(), sheet.ID)
	if err != nil {
		return errors.Wrap(err, "querying chapters")
	}
	if chapters == nil {
		chapters = []workbook.Chapter{}
	}

	resp := SheetDetailResponse{GradeSheet: sheet, Chapters: chapters}
	if def, ok := api.svc.DefaultChapter(chapters); ok {
		resp.DefaultChapterID = def.ID
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (api *workbookApi) destroySheet(ctx echo.Context) error {
	sheet, err := getContextSheet(ctx)
	if err != nil {
		return err
	}
	if err := api.svc.DeleteSheet(ctx.Request().Context(), sheet.ID); err != nil {
		return errors.Wrap(err, "deleting sheet")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *workbookApi) setMarks(ctx echo.Context) error {
	sheet, err := getContextSheet(ctx)
	if err != nil {
		return err
	}

	var data MarkRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to MarkRequest")
	}

	switch {
	case data.Idx != nil:
		mark := workbook.Mark(data.Mark)
		if data.Cycle {
			if *data.Idx < 0 || *data.Idx >= sheet.ProblemCount {
				return core.NewValidationError(nil, core.FieldError{Field: "idx", Error: "problem index out of range"})
			}
			mark = workbook.CycleMark(sheet.Marks[*data.Idx])
		}
		if err := api.svc.SetMark(&sheet, *data.Idx, mark); err != nil {
			return err
		}
	case data.LoIdx != nil && data.HiIdx != nil:
		if err := api.svc.BulkSetMarks(&sheet, *data.LoIdx, *data.HiIdx, workbook.Mark(data.Mark)); err != nil {
			return err
		}
	default:
		return core.NewValidationError(nil, core.FieldError{Field: "idx", Error: "one of idx or (lo_idx, hi_idx) is required"})
	}

	return ctx.JSON(http.StatusOK, sheet)
}

func (api *workbookApi) expandSheet(ctx echo.Context) error {
	sheet, err := getContextSheet(ctx)
	if err != nil {
		return err
	}

	var data ExpandRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ExpandRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	if err := api.svc.Expand(ctx.Request().Context(), &sheet, data.Total); err != nil {
		return errors.Wrap(err, "expanding sheet")
	}
	return ctx.JSON(http.StatusOK, sheet)
}

// Chapter handlers

func (api *workbookApi) createChapter(ctx echo.Context) error {
	sheet, err := getContextSheet(ctx)
	if err != nil {
		return err
	}

	var data workbook.NewChapter
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewChapter")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ch, err := api.svc.CreateChapter(ctx.Request().Context(), &sheet, data)
	if err != nil {
		return errors.Wrap(err, "creating chapter")
	}
	return ctx.JSON(http.StatusCreated, ChapterResponse{Chapter: ch, Sheet: sheet})
}

func (api *workbookApi) queryChapters(ctx echo.Context) error {
	sheet, err := getContextSheet(ctx)
	if err != nil {
		return err
	}

	chapters, err := api.svc.QueryChapters(ctx.Request().Context(), sheet.ID)
	if err != nil {
		return errors.Wrap(err, "querying chapters")
	}
	if chapters == nil {
		chapters = []workbook.Chapter{}
	}
	return ctx.JSON(http.StatusOK, chapters)
}

func (api *workbookApi) chapterView(ctx echo.Context) error {
	sheet, err := getContextSheet(ctx)
	if err != nil {
		return err
	}

	ch, err := api.svc.GetChapter(ctx.Request().Context(), ctx.Param("chapterID"))
	if err != nil || ch.GradeID != sheet.ID {
		if err == nil || errors.Cause(err) == workbook.ErrChapterNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "finding chapter by ID")
	}

	mode := workbook.FilterMode(ctx.QueryParam("mode"))
	if mode == "" {
		mode = workbook.FilterAll
	}
	if !mode.IsValid() {
		return core.NewValidationError(nil, core.FieldError{Field: "mode", Error: "invalid filter mode"})
	}

	lo, hi := ch.EffectiveRange(sheet.ProblemCount)
	indices := workbook.FilterView(ch, &sheet, mode)
	if indices == nil {
		indices = []int{}
	}
	return ctx.JSON(http.StatusOK, ChapterViewResponse{
		ChapterID: ch.ID,
		Mode:      mode,
		LoIdx:     lo,
		HiIdx:     hi,
		Indices:   indices,
	})
}

func (api *workbookApi) renameChapter(ctx echo.Context) error {
	ch, err := api.loadChapter(ctx)
	if err != nil {
		return err
	}

	var data RenameChapterRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RenameChapterRequest")
	}

	ch, err = api.svc.RenameChapter(ctx.Request().Context(), ch.ID, data.Title)
	if err != nil {
		return errors.Wrap(err, "renaming chapter")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *workbookApi) editChapterNotes(ctx echo.Context) error {
	ch, err := api.loadChapter(ctx)
	if err != nil {
		return err
	}

	var data workbook.ChapterNotes
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ChapterNotes")
	}

	api.svc.EditChapterNotes(&ch, data)
	return ctx.JSON(http.StatusOK, ch)
}

func (api *workbookApi) destroyChapter(ctx echo.Context) error {
	ch, err := api.loadChapter(ctx)
	if err != nil {
		return err
	}
	if err := api.svc.DeleteChapter(ctx.Request().Context(), ch.ID); err != nil {
		return errors.Wrap(err, "deleting chapter")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// loadChapter fetches the chapter and checks the caller can touch its sheet.
func (api *workbookApi) loadChapter(ctx echo.Context) (workbook.Chapter, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return workbook.Chapter{}, errors.Wrap(err, "getting context claims")
	}

	ch, err := api.svc.GetChapter(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == workbook.ErrChapterNotFound {
			return workbook.Chapter{}, errHttpNotFound
		}
		return workbook.Chapter{}, errors.Wrap(err, "finding chapter by ID")
	}

	sheet, err := api.svc.GetSheet(ctx.Request().Context(), ch.GradeID)
	if err != nil {
		return workbook.Chapter{}, errors.Wrap(err, "finding chapter's sheet")
	}
	if sheet.OwnerID != claims.Subject && !claims.IsStaff {
		return workbook.Chapter{}, errHttpNotFound
	}
	return ch, nil
}

// Bindings

type (
	WorkbookResponse struct {
		Workbook      workbook.Workbook   `json:"workbook"`
		TemplateSheet workbook.GradeSheet `json:"template_sheet"`
	}

	SheetQueryRequest struct {
		OwnerID    string `query:"owner_id"`
		WorkbookID string `query:"workbook_id"`
	}

	SheetDetailResponse struct {
		workbook.GradeSheet
		Chapters         []workbook.Chapter `json:"chapters"`
		DefaultChapterID string             `json:"default_chapter_id,omitempty"`
	}

	MarkRequest struct {
		Idx   *int   `json:"idx"`
		LoIdx *int   `json:"lo_idx"`
		HiIdx *int   `json:"hi_idx"`
		Mark  string `json:"mark"`
		Cycle bool   `json:"cycle"` // single-click toggle; Mark is ignored
	}

	ExpandRequest struct {
		Total int `json:"total" validate:"required,min=1"`
	}

	ChapterResponse struct {
		Chapter workbook.Chapter    `json:"chapter"`
		Sheet   workbook.GradeSheet `json:"sheet"`
	}

	ChapterViewResponse struct {
		ChapterID string              `json:"chapter_id"`
		Mode      workbook.FilterMode `json:"mode"`
		LoIdx     int                 `json:"lo_idx"`
		HiIdx     int                 `json:"hi_idx"`
		Indices   []int               `json:"indices"`
	}

	RenameChapterRequest struct {
		Title null.String `json:"title"`
	}

	DistributionStatusRequest struct {
		TargetIDs []string `query:"id"`
	}

	DistributionStatusResponse struct {
		Already []string `json:"already"`
		NotYet  []string `json:"not_yet"`
	}

	DistributeRequest struct {
		TargetIDs []string `json:"target_ids" validate:"required,min=1"`
		Overwrite bool     `json:"overwrite"`
	}

	DistributionResponse struct {
		WorkbookID string          `json:"workbook_id"`
		Created    []string        `json:"created"`
		Replaced   []string        `json:"replaced"`
		Skipped    []string        `json:"skipped"`
		Failures   []FailureDetail `json:"failures"`
	}

	FailureDetail struct {
		OwnerID string `json:"owner_id"`
		Error   string `json:"error"`
	}
)

func newDistributionResponse(report workbook.DistributionReport) DistributionResponse {
	resp := DistributionResponse{
		WorkbookID: report.WorkbookID,
		Created:    report.Created,
		Replaced:   report.Replaced,
		Skipped:    report.Skipped,
		Failures:   []FailureDetail{},
	}
	if resp.Created == nil {
		resp.Created = []string{}
	}
	if resp.Replaced == nil {
		resp.Replaced = []string{}
	}
	if resp.Skipped == nil {
		resp.Skipped = []string{}
	}
	for _, f := range report.Failures {
		resp.Failures = append(resp.Failures, FailureDetail{OwnerID: f.OwnerID, Error: f.Err.Error()})
	}
	return resp
}
