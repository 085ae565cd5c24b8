// Package retrieval fuses semantic, sparse and graph search over the memory
// store into one ranked result list.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blakegallagher1/gpc-cres/internal/store"
)

// Source tags for ranked results.
const (
	SourceSemantic = "semantic"
	SourceSparse   = "sparse"
	SourceGraph    = "graph"
)

// Fusion weights. They intentionally sum to 1.23; the final clamp absorbs the
// excess and downstream ranking depends on the resulting compression, so do
// not normalize them.
const (
	weightSemantic   = 0.45
	weightSparse     = 0.35
	weightGraph      = 0.2
	weightRecency    = 0.15
	weightConfidence = 0.08

	graphConfidenceWeight = 0.75
	graphEdgeBoost        = 0.08

	recencyHalfLifeHours = 24 * 7
)

// Result is one ranked retrieval candidate. Results are transient; they live
// only for the duration of a single query.
type Result struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	Text          string    `json:"text"`
	SemanticScore float64   `json:"semantic_score"`
	SparseScore   float64   `json:"sparse_score"`
	GraphScore    float64   `json:"graph_score"`
	Confidence    float64   `json:"confidence"`
	FusedScore    float64   `json:"fused_score"`
	CreatedAt     time.Time `json:"created_at"`
}

// Embedder vectorizes query text for the semantic source.
type Embedder interface {
	Embed(ctx context.Context, input []string) ([][]float32, error)
}

type searchStore interface {
	HasVectorCapability(ctx context.Context) bool
	HasTrigramCapability(ctx context.Context) bool
	SearchSemantic(ctx context.Context, vector []float32, limit int) ([]store.SemanticHit, error)
	SearchSparse(ctx context.Context, query string, limit int) ([]store.SparseHit, error)
	SearchGraph(ctx context.Context, query, subjectScope string, limit int) ([]store.GraphHit, error)
}

// Service runs the three sources concurrently and fuses their hits.
type Service struct {
	store    searchStore
	embedder Embedder
	topK     int
	logger   *log.Logger
	now      func() time.Time
}

// NewService builds the retrieval service.
func NewService(st searchStore, embedder Embedder, topK int, logger *log.Logger) *Service {
	if topK <= 0 {
		topK = 20
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags)
	}
	return &Service{store: st, embedder: embedder, topK: topK, logger: logger, now: time.Now}
}

// Search returns the top results for a query, optionally constrained to an
// exact graph subject. Missing search capabilities degrade to empty source
// results; any other source error propagates.
func (s *Service) Search(ctx context.Context, query, subjectScope string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query required")
	}

	var (
		mu       sync.Mutex
		semantic []store.SemanticHit
		sparse   []store.SparseHit
		graph    []store.GraphHit
	)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if !s.store.HasVectorCapability(gctx) {
			return nil
		}
		vectors, err := s.embedder.Embed(gctx, []string{query})
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		if len(vectors) == 0 {
			return nil
		}
		hits, err := s.store.SearchSemantic(gctx, vectors[0], s.topK)
		if err != nil {
			if store.IsVectorUnavailable(err) {
				return nil
			}
			return fmt.Errorf("semantic search: %w", err)
		}
		mu.Lock()
		semantic = hits
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		if !s.store.HasTrigramCapability(gctx) {
			return nil
		}
		hits, err := s.store.SearchSparse(gctx, query, s.topK)
		if err != nil {
			if store.IsTrigramUnavailable(err) {
				return nil
			}
			return fmt.Errorf("sparse search: %w", err)
		}
		mu.Lock()
		sparse = hits
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		hits, err := s.store.SearchGraph(gctx, query, subjectScope, s.topK)
		if err != nil {
			return fmt.Errorf("graph search: %w", err)
		}
		mu.Lock()
		graph = hits
		mu.Unlock()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s.fuse(semantic, sparse, graph), nil
}

func (s *Service) fuse(semantic []store.SemanticHit, sparse []store.SparseHit, graph []store.GraphHit) []Result {
	merged := make(map[string]*Result)

	upsert := func(id, source, text string, confidence float64, createdAt time.Time) *Result {
		if r, ok := merged[id]; ok {
			if confidence > r.Confidence {
				r.Confidence = confidence
			}
			return r
		}
		r := &Result{ID: id, Source: source, Text: text, Confidence: confidence, CreatedAt: createdAt}
		merged[id] = r
		return r
	}

	for _, h := range semantic {
		r := upsert(h.ID, SourceSemantic, h.Content, h.Confidence, h.CreatedAt)
		if h.Score > r.SemanticScore {
			r.SemanticScore = h.Score
		}
	}
	for _, h := range sparse {
		r := upsert(h.ID, SourceSparse, h.Content, h.Confidence, h.CreatedAt)
		if h.Score > r.SparseScore {
			r.SparseScore = h.Score
		}
	}
	for _, h := range graph {
		text := fmt.Sprintf("%s %s %s", h.Subject, h.Predicate, h.Object)
		score := h.Confidence * graphConfidenceWeight
		if h.HasEdge {
			score += graphEdgeBoost
		}
		r := upsert(h.ID, SourceGraph, text, h.Confidence, h.CreatedAt)
		if score > r.GraphScore {
			r.GraphScore = score
		}
	}

	now := s.now()
	results := make([]Result, 0, len(merged))
	for _, r := range merged {
		r.FusedScore = FuseScore(r.SemanticScore, r.SparseScore, r.GraphScore, RecencyScore(now, r.CreatedAt), r.Confidence)
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].FusedScore == results[j].FusedScore {
			return results[i].ID < results[j].ID
		}
		return results[i].FusedScore > results[j].FusedScore
	})
	if len(results) > s.topK {
		results = results[:s.topK]
	}
	return results
}

// RecencyScore is an exponential decay with a one-week characteristic time.
func RecencyScore(now, createdAt time.Time) float64 {
	ageHours := now.Sub(createdAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return math.Exp(-ageHours / recencyHalfLifeHours)
}

// FuseScore combines per-source sub-scores into the final ranking score.
func FuseScore(semantic, sparse, graph, recency, confidence float64) float64 {
	score := semantic*weightSemantic +
		sparse*weightSparse +
		graph*weightGraph +
		recency*weightRecency +
		confidence*weightConfidence
	return Clamp01(score)
}

// Clamp01 bounds a score to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
