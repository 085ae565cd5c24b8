// Package autofeed chains episode creation, reflection and the initial
// reward write after a run finalizes. It is the only caller allowed to fan
// one run out across the memory pipeline.
package autofeed

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/blakegallagher1/gpc-cres/internal/memory/reflect"
	"github.com/blakegallagher1/gpc-cres/internal/memory/reward"
	"github.com/blakegallagher1/gpc-cres/internal/store"
)

// EpisodeCreator materializes the episode for a finalized run.
type EpisodeCreator interface {
	CreateEpisodeFromRun(ctx context.Context, runID string) (store.Episode, bool, error)
}

// Reflector distills a stored episode into embeddings and graph facts.
type Reflector interface {
	Reflect(ctx context.Context, ep store.Episode) (reflect.Result, error)
}

// RewardApplier appends a reward signal and reclassifies the episode outcome.
type RewardApplier interface {
	Apply(ctx context.Context, episodeID string, userScore int, autoScore float64) (reward.Applied, error)
}

// Result reports what one autofeed pass did. Stage failures land in Errors;
// a pass never surfaces a Go error to its caller.
type Result struct {
	Enabled            bool
	RunID              string
	EpisodeID          string
	Summary            string
	EpisodeCreated     bool
	ReflectionSuccess  bool
	RewardWriteSuccess bool
	Reflection         *reflect.Result
	Errors             []string
}

// Orchestrator drives the memory pipeline for finalized runs.
type Orchestrator struct {
	episodes  EpisodeCreator
	reflector Reflector
	rewards   RewardApplier
	logger    *log.Logger
	enabled   bool
}

// NewOrchestrator builds the autofeed orchestrator. With enabled=false every
// pass is a no-op that reports itself disabled; test environments run this
// way unless a suite opts in.
func NewOrchestrator(episodes EpisodeCreator, reflector Reflector, rewards RewardApplier, enabled bool, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[AUTOFEED] ", log.LstdFlags)
	}
	return &Orchestrator{episodes: episodes, reflector: reflector, rewards: rewards, logger: logger, enabled: enabled}
}

// Feed runs the pipeline for one finalized run. Episode creation is the only
// hard gate: its failure aborts the pass and is reported in Errors.
// Reflection and the reward write then run independently so one failing
// never blocks the other.
func (o *Orchestrator) Feed(ctx context.Context, runID string) Result {
	result := Result{Enabled: o.enabled, RunID: runID}
	if !o.enabled {
		return result
	}

	ep, created, err := o.episodes.CreateEpisodeFromRun(ctx, runID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("create episode: %v", err))
		o.logger.Printf("run %s: episode creation failed: %v", runID, err)
		return result
	}
	result.EpisodeID = ep.ID
	result.Summary = ep.Summary
	result.EpisodeCreated = created

	if o.reflector != nil {
		reflection, err := o.reflector.Reflect(ctx, ep)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reflect: %v", err))
			o.logger.Printf("run %s: reflection failed: %v", runID, err)
		} else {
			result.ReflectionSuccess = true
			result.Reflection = &reflection
		}
	}

	if o.rewards != nil {
		userScore, autoScore := seedScores(ep)
		if _, err := o.rewards.Apply(ctx, ep.ID, userScore, autoScore); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reward: %v", err))
			o.logger.Printf("run %s: reward write failed: %v", runID, err)
		} else {
			result.RewardWriteSuccess = true
		}
	}
	return result
}

// seedScores derives the initial reward from the episode's own confidence.
// Human feedback later overwrites it through the reward endpoint.
func seedScores(ep store.Episode) (int, float64) {
	conf := 0.0
	if ep.Confidence != nil {
		conf = *ep.Confidence
	}
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	return int(math.Round(conf * 5)), conf
}

// FeedRun adapts Feed to the execution engine's feeder hook. Stage failures
// come back as one aggregated error so the engine can log them; the engine
// never lets them change the run outcome.
func (o *Orchestrator) FeedRun(ctx context.Context, runID string) error {
	result := o.Feed(ctx, runID)
	if !result.Enabled {
		return nil
	}
	o.logger.Printf("run %s fed: episode=%s created=%t reflection=%t reward=%t stageErrors=%d",
		runID, result.EpisodeID, result.EpisodeCreated, result.ReflectionSuccess, result.RewardWriteSuccess, len(result.Errors))
	if len(result.Errors) > 0 {
		return fmt.Errorf("autofeed run %s: %s", runID, strings.Join(result.Errors, "; "))
	}
	return nil
}
