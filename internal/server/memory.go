package server

import (
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/blakegallagher1/gpc-cres/internal/memory/autofeed"
	"github.com/blakegallagher1/gpc-cres/internal/memory/reward"
	"github.com/blakegallagher1/gpc-cres/internal/retrieval"
	"github.com/blakegallagher1/gpc-cres/internal/runtime"
	"github.com/blakegallagher1/gpc-cres/internal/telemetry"
)

// MemoryHandler exposes hybrid retrieval, reward feedback and manual feed.
type MemoryHandler struct {
	retrieval *retrieval.Service
	rewards   *reward.Service
	autofeed  *autofeed.Orchestrator
	logger    *log.Logger
}

// NewMemoryHandler builds the memory handler.
func NewMemoryHandler(rt *retrieval.Service, rewards *reward.Service, feed *autofeed.Orchestrator, logger *log.Logger) *MemoryHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)
	}
	return &MemoryHandler{retrieval: rt, rewards: rewards, autofeed: feed, logger: logger}
}

// Register binds the memory routes behind auth.
func (h *MemoryHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("/search", h.search)
	g.POST("/episodes/:id/reward", h.applyReward)
	g.POST("/runs/:id/feed", h.feedRun)
}

type searchRequest struct {
	Query        string `json:"query"`
	SubjectScope string `json:"subject_scope,omitempty"`
}

type searchResponse struct {
	Query   string             `json:"query"`
	Results []retrieval.Result `json:"results"`
}

func (h *MemoryHandler) search(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	results, err := h.retrieval.Search(c.Request().Context(), req.Query, req.SubjectScope)
	if err != nil {
		return toHTTPError(err)
	}
	telemetry.RetrievalQueries.Inc()
	return c.JSON(http.StatusOK, searchResponse{Query: req.Query, Results: results})
}

type rewardRequest struct {
	UserScore int     `json:"user_score"`
	AutoScore float64 `json:"auto_score"`
}

type rewardResponse struct {
	EpisodeID string  `json:"episode_id"`
	Composite float64 `json:"composite"`
	Outcome   string  `json:"outcome"`
}

func (h *MemoryHandler) applyReward(c echo.Context) error {
	episodeID := strings.TrimSpace(c.Param("id"))
	var req rewardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	applied, err := h.rewards.Apply(c.Request().Context(), episodeID, req.UserScore, req.AutoScore)
	if err != nil {
		return toHTTPError(err)
	}
	telemetry.RewardSignals.WithLabelValues(applied.Outcome).Inc()
	return c.JSON(http.StatusOK, rewardResponse{
		EpisodeID: episodeID,
		Composite: applied.Composite,
		Outcome:   applied.Outcome,
	})
}

type feedResponse struct {
	RunID              string   `json:"run_id"`
	Enabled            bool     `json:"enabled"`
	EpisodeID          string   `json:"episode_id,omitempty"`
	Summary            string   `json:"summary,omitempty"`
	EpisodeCreated     bool     `json:"episode_created"`
	ReflectionSuccess  bool     `json:"reflection_success"`
	RewardWriteSuccess bool     `json:"reward_write_success"`
	Errors             []string `json:"errors,omitempty"`
}

func (h *MemoryHandler) feedRun(c echo.Context) error {
	runID := strings.TrimSpace(c.Param("id"))
	result := h.autofeed.Feed(c.Request().Context(), runID)
	return c.JSON(http.StatusOK, feedResponse{
		RunID:              runID,
		Enabled:            result.Enabled,
		EpisodeID:          result.EpisodeID,
		Summary:            result.Summary,
		EpisodeCreated:     result.EpisodeCreated,
		ReflectionSuccess:  result.ReflectionSuccess,
		RewardWriteSuccess: result.RewardWriteSuccess,
		Errors:             result.Errors,
	})
}
