package autofeed

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blakegallagher1/gpc-cres/internal/memory/reflect"
	"github.com/blakegallagher1/gpc-cres/internal/memory/reward"
	"github.com/blakegallagher1/gpc-cres/internal/store"
)

type stubEpisodes struct {
	episode store.Episode
	created bool
	err     error
	calls   int
}

func (s *stubEpisodes) CreateEpisodeFromRun(context.Context, string) (store.Episode, bool, error) {
	s.calls++
	return s.episode, s.created, s.err
}

type stubReflector struct {
	result reflect.Result
	err    error
	calls  int
}

func (s *stubReflector) Reflect(context.Context, store.Episode) (reflect.Result, error) {
	s.calls++
	return s.result, s.err
}

type stubRewards struct {
	err       error
	calls     int
	userScore int
	autoScore float64
}

func (s *stubRewards) Apply(_ context.Context, _ string, userScore int, autoScore float64) (reward.Applied, error) {
	s.calls++
	s.userScore = userScore
	s.autoScore = autoScore
	if s.err != nil {
		return reward.Applied{}, s.err
	}
	return reward.Applied{Composite: reward.Composite(userScore, autoScore)}, nil
}

func episodeWithConfidence(conf float64) store.Episode {
	return store.Episode{ID: "ep-1", RunID: "run-1", Summary: "parcel pencils", Confidence: &conf}
}

func TestFeedDisabledIsNoOp(t *testing.T) {
	eps := &stubEpisodes{}
	rewards := &stubRewards{}
	o := NewOrchestrator(eps, &stubReflector{}, rewards, false, nil)

	result := o.Feed(context.Background(), "run-1")
	require.False(t, result.Enabled)
	require.Zero(t, eps.calls)
	require.Zero(t, rewards.calls)

	require.NoError(t, o.FeedRun(context.Background(), "run-1"))
}

func TestFeedEpisodeFailureAbortsAndIsReported(t *testing.T) {
	eps := &stubEpisodes{err: fmt.Errorf("run not terminal")}
	refl := &stubReflector{}
	rewards := &stubRewards{}
	o := NewOrchestrator(eps, refl, rewards, true, nil)

	result := o.Feed(context.Background(), "run-1")
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "create episode")
	require.Zero(t, refl.calls, "reflection must not run without an episode")
	require.Zero(t, rewards.calls, "reward must not run without an episode")
}

func TestFeedReflectionFailureDoesNotBlockReward(t *testing.T) {
	eps := &stubEpisodes{episode: episodeWithConfidence(0.8), created: true}
	refl := &stubReflector{err: fmt.Errorf("embedder down")}
	rewards := &stubRewards{}
	o := NewOrchestrator(eps, refl, rewards, true, nil)

	result := o.Feed(context.Background(), "run-1")
	require.Equal(t, "ep-1", result.EpisodeID)
	require.True(t, result.EpisodeCreated)
	require.False(t, result.ReflectionSuccess)
	require.True(t, result.RewardWriteSuccess)
	require.Equal(t, 1, rewards.calls)
	require.Len(t, result.Errors, 1)
	require.Nil(t, result.Reflection)
}

func TestFeedRewardFailureDoesNotBlockReflection(t *testing.T) {
	eps := &stubEpisodes{episode: episodeWithConfidence(0.8), created: true}
	refl := &stubReflector{result: reflect.Result{EmbeddingID: "emb-1"}}
	rewards := &stubRewards{err: fmt.Errorf("episode row locked")}
	o := NewOrchestrator(eps, refl, rewards, true, nil)

	result := o.Feed(context.Background(), "run-1")
	require.True(t, result.ReflectionSuccess)
	require.False(t, result.RewardWriteSuccess)
	require.NotNil(t, result.Reflection)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "reward")
}

func TestFeedFullPipeline(t *testing.T) {
	eps := &stubEpisodes{episode: episodeWithConfidence(0.8), created: true}
	refl := &stubReflector{result: reflect.Result{EmbeddingID: "emb-1"}}
	rewards := &stubRewards{}
	o := NewOrchestrator(eps, refl, rewards, true, nil)

	result := o.Feed(context.Background(), "run-1")
	require.True(t, result.ReflectionSuccess)
	require.True(t, result.RewardWriteSuccess)
	require.Equal(t, "parcel pencils", result.Summary)
	require.Empty(t, result.Errors)

	// Seed reward comes from the episode's own confidence.
	require.Equal(t, 4, rewards.userScore)
	require.InDelta(t, 0.8, rewards.autoScore, 1e-9)
}

func TestFeedExistingEpisodeStillReflectsAndRewards(t *testing.T) {
	eps := &stubEpisodes{episode: episodeWithConfidence(0.6), created: false}
	refl := &stubReflector{}
	rewards := &stubRewards{}
	o := NewOrchestrator(eps, refl, rewards, true, nil)

	result := o.Feed(context.Background(), "run-1")
	require.False(t, result.EpisodeCreated)
	require.Equal(t, 1, refl.calls)
	require.Equal(t, 1, rewards.calls)
}

func TestFeedRunAggregatesStageErrors(t *testing.T) {
	eps := &stubEpisodes{episode: episodeWithConfidence(0.8), created: true}
	refl := &stubReflector{err: fmt.Errorf("embedder down")}
	o := NewOrchestrator(eps, refl, &stubRewards{}, true, nil)

	err := o.FeedRun(context.Background(), "run-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "reflect")
}

func TestSeedScoresClamp(t *testing.T) {
	userScore, autoScore := seedScores(store.Episode{})
	require.Zero(t, userScore)
	require.Zero(t, autoScore)

	over := 1.7
	userScore, autoScore = seedScores(store.Episode{Confidence: &over})
	require.Equal(t, 5, userScore)
	require.InDelta(t, 1.0, autoScore, 1e-9)
}
