package server

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mercatorhq/mercator/internal/pipeline"
)

// RunsHandler drives pipeline runs over HTTP: it accepts analysis requests,
// executes them asynchronously and serves their state back.
type RunsHandler struct {
	store      pipeline.Store
	orch       *pipeline.Orchestrator
	runTimeout time.Duration
	logger     *log.Logger

	// inflight tracks runs currently executing in this process, so a
	// resume cannot start a second executor for the same run.
	inflight sync.Map
}

// NewRunsHandler constructs a RunsHandler.
func NewRunsHandler(st pipeline.Store, orch *pipeline.Orchestrator, runTimeout time.Duration, logger *log.Logger) *RunsHandler {
	if runTimeout <= 0 {
		runTimeout = 15 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RUNS] ", log.LstdFlags)
	}
	return &RunsHandler{store: st, orch: orch, runTimeout: runTimeout, logger: logger}
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("", h.start)
	g.GET("", h.list)
	g.GET("/:id", h.status)
	g.POST("/:id/resume", h.resume)
	g.GET("/:id/report", h.report)
	g.GET("/:id/errors", h.errors)
}

// start accepts a new analysis run and executes it in the background.
//
//	@Summary	Start analysis run
//	@Tags		runs
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		StartRunRequest	true	"Analysis inputs"
//	@Success	202		{object}	IDResponse		"Run accepted"
//	@Failure	400		{object}	HTTPError
//	@Router		/api/runs [post]
func (h *RunsHandler) start(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Segment = strings.TrimSpace(req.Segment)
	req.Product = strings.TrimSpace(req.Product)
	if req.Segment == "" || req.Product == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "segment and product are required")
	}
	if req.Price < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "price cannot be negative")
	}

	run := pipeline.NewRun(pipeline.RunParams{
		Segment:  req.Segment,
		Product:  req.Product,
		Audience: strings.TrimSpace(req.Audience),
		Price:    req.Price,
		Query:    strings.TrimSpace(req.Query),
		Extra:    budgetExtra(req),
	})
	h.launch(run)
	return c.JSON(http.StatusAccepted, IDResponse{ID: run.ID})
}

// budgetExtra folds explicit budget overrides into the opaque extra params
// the provider factory reads.
func budgetExtra(req StartRunRequest) map[string]interface{} {
	extra := req.Extra
	if req.MaxCostUSD == nil && req.MaxTokens == nil {
		return extra
	}
	if extra == nil {
		extra = map[string]interface{}{}
	}
	if req.MaxCostUSD != nil {
		extra["max_cost_usd"] = *req.MaxCostUSD
	}
	if req.MaxTokens != nil {
		extra["max_tokens"] = float64(*req.MaxTokens)
	}
	return extra
}

// launch executes the run in the background with its own deadline. The HTTP
// request context is deliberately not used: the caller already got a 202.
func (h *RunsHandler) launch(run pipeline.Run) {
	h.inflight.Store(run.ID, struct{}{})
	go func() {
		defer h.inflight.Delete(run.ID)
		ctx, cancel := context.WithTimeout(context.Background(), h.runTimeout)
		defer cancel()
		if _, err := h.orch.Execute(ctx, run); err != nil {
			h.logger.Printf("run %s did not complete: %v", run.ID, err)
		}
	}()
}

// resume restarts an interrupted run from its last checkpoint.
//
//	@Summary	Resume run
//	@Tags		runs
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string			true	"Run ID"
//	@Param		payload	body		ResumeRunRequest	false	"Resume options"
//	@Success	202		{object}	IDResponse	"Resume accepted"
//	@Failure	404		{object}	HTTPError
//	@Failure	409		{object}	HTTPError
//	@Router		/api/runs/{id}/resume [post]
func (h *RunsHandler) resume(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")
	run, ok, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if _, busy := h.inflight.Load(runID); busy {
		return echo.NewHTTPError(http.StatusConflict, "run is executing")
	}

	var req ResumeRunRequest
	if err := c.Bind(&req); err != nil && c.Request().ContentLength > 0 {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if run.Status.Terminal() && !req.Force {
		return echo.NewHTTPError(http.StatusConflict, "run already finished; set force to re-execute")
	}

	run.Force = req.Force
	h.launch(run)
	return c.JSON(http.StatusAccepted, IDResponse{ID: run.ID})
}

// list returns recent runs, newest first.
//
//	@Summary	List runs
//	@Tags		runs
//	@Param		limit	query	int	false	"Maximum runs to return (default 50)"
//	@Produce	json
//	@Success	200	{array}	pipeline.Run
//	@Router		/api/runs [get]
func (h *RunsHandler) list(c echo.Context) error {
	limit := 50
	if val := strings.TrimSpace(c.QueryParam("limit")); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := h.store.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if runs == nil {
		runs = []pipeline.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

// status returns the run and the settled state of each of its stages.
//
//	@Summary	Run status
//	@Tags		runs
//	@Param		id	path	string	true	"Run ID"
//	@Produce	json
//	@Success	200	{object}	RunStatusResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/runs/{id} [get]
func (h *RunsHandler) status(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")
	run, ok, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	results, err := h.store.ListStageResults(ctx, runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := RunStatusResponse{
		ID:         run.ID,
		Params:     run.Params,
		Status:     string(run.Status),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Stages:     make([]StageStatusItem, 0, len(results)),
	}
	for _, res := range results {
		resp.Stages = append(resp.Stages, StageStatusItem{
			StageID:      res.StageID,
			Status:       string(res.Status),
			ErrorSummary: res.ErrorSummary,
			ProducedAt:   res.ProducedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// report returns the consolidated report once the run has settled.
//
//	@Summary	Consolidated report
//	@Tags		runs
//	@Param		id	path	string	true	"Run ID"
//	@Produce	json
//	@Success	200	{object}	pipeline.ConsolidatedReport
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError	"Run still executing"
//	@Router		/api/runs/{id}/report [get]
func (h *RunsHandler) report(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")
	run, ok, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if !run.Status.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "run is still executing")
	}
	report, ok, err := h.store.GetReport(ctx, runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no report for run")
	}
	return c.JSON(http.StatusOK, report)
}

// errors returns the append-only error log of a run.
//
//	@Summary	Run error records
//	@Tags		runs
//	@Param		id	path	string	true	"Run ID"
//	@Produce	json
//	@Success	200	{array}	pipeline.ErrorRecord
//	@Failure	404	{object}	HTTPError
//	@Router		/api/runs/{id}/errors [get]
func (h *RunsHandler) errors(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")
	if _, ok, err := h.store.GetRun(ctx, runID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	records, err := h.store.ListErrors(ctx, runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if records == nil {
		records = []pipeline.ErrorRecord{}
	}
	return c.JSON(http.StatusOK, records)
}
