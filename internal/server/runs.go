package server

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/blakegallagher1/gpc-cres/internal/agent"
	"github.com/blakegallagher1/gpc-cres/internal/runner"
	"github.com/blakegallagher1/gpc-cres/internal/runtime"
	"github.com/blakegallagher1/gpc-cres/internal/store"
	"github.com/blakegallagher1/gpc-cres/internal/telemetry"
)

// RunsHandler exposes run execution, approval resume and run lookup.
type RunsHandler struct {
	store  *store.Store
	engine *runner.Engine
	logger *log.Logger
}

// NewRunsHandler builds the runs handler.
func NewRunsHandler(st *store.Store, engine *runner.Engine, logger *log.Logger) *RunsHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[RUNS] ", log.LstdFlags)
	}
	return &RunsHandler{store: st, engine: engine, logger: logger}
}

// Register binds the runs routes behind auth.
func (h *RunsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("/:id/execute", h.execute)
	g.POST("/:id/approvals", h.approve)
	g.GET("/:id", h.get)
}

type executeRunRequest struct {
	OrgID          string          `json:"org_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	RunType        string          `json:"run_type,omitempty"`
	MaxTurns       int             `json:"max_turns,omitempty"`
	Messages       []agent.Message `json:"messages"`
}

type runResponse struct {
	RunID            string                 `json:"run_id"`
	Status           string                 `json:"status"`
	Deduplicated     bool                   `json:"deduplicated,omitempty"`
	Output           *runner.OutputEnvelope `json:"output,omitempty"`
	PendingApprovals int                    `json:"pending_approvals,omitempty"`
}

func (h *RunsHandler) execute(c echo.Context) error {
	runID := strings.TrimSpace(c.Param("id"))
	var req executeRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	orgID := req.OrgID
	if orgID == "" {
		if org, ok := runtime.OrgFromContext(c.Request().Context()); ok {
			orgID = org
		}
	}
	userID, _ := runtime.SubjectFromContext(c.Request().Context())

	started := time.Now()
	outcome, err := h.engine.ExecuteRun(c.Request().Context(), runner.Request{
		RunID:          runID,
		OrgID:          orgID,
		UserID:         userID,
		ConversationID: req.ConversationID,
		CorrelationID:  req.CorrelationID,
		RunType:        req.RunType,
		MaxTurns:       req.MaxTurns,
		Messages:       req.Messages,
	})
	if err != nil {
		return toHTTPError(err)
	}
	telemetry.ObserveRun(outcome.Status, started)
	return c.JSON(http.StatusOK, toRunResponse(outcome))
}

type approvalRequest struct {
	ToolCallID string `json:"tool_call_id"`
	Approve    bool   `json:"approve"`
}

func (h *RunsHandler) approve(c echo.Context) error {
	runID := strings.TrimSpace(c.Param("id"))
	var req approvalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	outcome, err := h.engine.ResumeToolApproval(c.Request().Context(), runID, agent.ApprovalDecision{
		ToolCallID: req.ToolCallID,
		Approve:    req.Approve,
	})
	if err != nil {
		return toHTTPError(err)
	}
	decision := "deny"
	if req.Approve {
		decision = "approve"
	}
	telemetry.ApprovalDecisions.WithLabelValues(decision).Inc()
	return c.JSON(http.StatusOK, toRunResponse(outcome))
}

func (h *RunsHandler) get(c echo.Context) error {
	runID := strings.TrimSpace(c.Param("id"))
	run, found, err := h.store.GetRun(c.Request().Context(), runID)
	if err != nil {
		return toHTTPError(err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	resp := map[string]interface{}{
		"run_id":     run.ID,
		"org_id":     run.OrgID,
		"status":     run.Status,
		"started_at": run.StartedAt,
	}
	if run.FinishedAt != nil {
		resp["finished_at"] = run.FinishedAt
	}
	if len(run.Output) > 0 {
		resp["output"] = run.Output
	}
	return c.JSON(http.StatusOK, resp)
}

func toRunResponse(outcome runner.Outcome) runResponse {
	return runResponse{
		RunID:            outcome.RunID,
		Status:           outcome.Status,
		Deduplicated:     outcome.Deduplicated,
		Output:           outcome.Output,
		PendingApprovals: len(outcome.PendingApprovals),
	}
}

// toHTTPError maps engine and store errors onto HTTP statuses.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, runner.ErrApprovalItemNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, runner.ErrRunNotResumable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, runner.ErrDuplicateExecution):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, runner.ErrLeaseUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	msg := err.Error()
	if strings.Contains(msg, "required") || strings.Contains(msg, "must be") {
		return echo.NewHTTPError(http.StatusBadRequest, msg)
	}
	if strings.Contains(msg, "not found") {
		return echo.NewHTTPError(http.StatusNotFound, msg)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, msg)
}
