package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

// KnowledgeEmbeddingRecord is a vectorized representation of an episode's
// summary/content. The dense pgvector column is preferred; when the vector
// type is unavailable the vector lands in the sparse float-array fallback
// column instead.
type KnowledgeEmbeddingRecord struct {
	ID           string
	EpisodeID    string
	Content      string
	Vector       []float32
	UsedFallback bool
	Metadata     map[string]interface{}
	CreatedAt    time.Time
}

// SemanticHit is one vector-search retrieval candidate.
type SemanticHit struct {
	ID         string
	EpisodeID  string
	Content    string
	Score      float64
	Confidence float64
	CreatedAt  time.Time
}

// SparseHit is one trigram-search retrieval candidate.
type SparseHit struct {
	ID         string
	EpisodeID  string
	Content    string
	Score      float64
	Confidence float64
	CreatedAt  time.Time
}

type capabilityProbe struct {
	once      sync.Once
	available bool
}

// vectorUnavailableMarkers are the Postgres error fragments that indicate the
// pgvector type/operator is missing rather than a real query failure.
var vectorUnavailableMarkers = []string{
	`type "vector" does not exist`,
	"operator does not exist",
	"operator class",
	"undefined function",
	"could not open extension",
}

// trigramUnavailableMarkers indicate pg_trgm is not installed.
var trigramUnavailableMarkers = []string{
	"function similarity",
	"undefined function",
	"operator does not exist",
	"could not open extension",
}

func matchesAny(err error, markers []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		if strings.Contains(msg, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// IsVectorUnavailable reports whether err stems from missing pgvector support.
func IsVectorUnavailable(err error) bool { return matchesAny(err, vectorUnavailableMarkers) }

// IsTrigramUnavailable reports whether err stems from missing pg_trgm support.
func IsTrigramUnavailable(err error) bool { return matchesAny(err, trigramUnavailableMarkers) }

// HasVectorCapability probes for pgvector once per process and caches the result.
func (s *Store) HasVectorCapability(ctx context.Context) bool {
	s.vectorProbe.once.Do(func() {
		var out string
		err := s.DB.QueryRowContext(ctx, `SELECT '[1,0]'::vector::text`).Scan(&out)
		s.vectorProbe.available = err == nil
	})
	return s.vectorProbe.available
}

// HasTrigramCapability probes for pg_trgm once per process and caches the result.
func (s *Store) HasTrigramCapability(ctx context.Context) bool {
	s.trigramProbe.once.Do(func() {
		var out float64
		err := s.DB.QueryRowContext(ctx, `SELECT similarity('probe','probe')`).Scan(&out)
		s.trigramProbe.available = err == nil
	})
	return s.trigramProbe.available
}

// InsertKnowledgeEmbedding stores an embedding, preferring the dense vector
// column and degrading to the sparse float-array column when the vector type
// is unavailable.
func (s *Store) InsertKnowledgeEmbedding(ctx context.Context, rec KnowledgeEmbeddingRecord) (KnowledgeEmbeddingRecord, error) {
	if rec.EpisodeID == "" {
		return KnowledgeEmbeddingRecord{}, fmt.Errorf("episode_id required")
	}
	if len(rec.Vector) == 0 {
		return KnowledgeEmbeddingRecord{}, fmt.Errorf("embedding vector required")
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return KnowledgeEmbeddingRecord{}, fmt.Errorf("marshal metadata: %w", err)
	}

	vectorLiteral, err := encodeVectorLiteral(rec.Vector)
	if err != nil {
		return KnowledgeEmbeddingRecord{}, err
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO knowledge_embeddings (episode_id, content, embedding, metadata)
VALUES ($1,$2,$3::vector,$4)
RETURNING id, created_at
`, rec.EpisodeID, rec.Content, vectorLiteral, metaBytes)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err == nil {
		return rec, nil
	} else if !IsVectorUnavailable(err) {
		return KnowledgeEmbeddingRecord{}, err
	}

	fallback := make([]float64, len(rec.Vector))
	for i, f := range rec.Vector {
		fallback[i] = float64(f)
	}
	row = s.DB.QueryRowContext(ctx, `
INSERT INTO knowledge_embeddings (episode_id, content, embedding_fallback, metadata)
VALUES ($1,$2,$3,$4)
RETURNING id, created_at
`, rec.EpisodeID, rec.Content, pq.Array(fallback), metaBytes)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return KnowledgeEmbeddingRecord{}, err
	}
	rec.UsedFallback = true
	return rec, nil
}

// SearchSemantic returns the closest knowledge embeddings for the supplied
// vector, scored as 1 - cosine distance.
func (s *Store) SearchSemantic(ctx context.Context, vector []float32, limit int) ([]SemanticHit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if limit <= 0 {
		limit = 20
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT k.id, k.episode_id, k.content, 1 - (k.embedding <=> $1::vector) AS score,
  COALESCE(e.confidence, 0), k.created_at
FROM knowledge_embeddings k
LEFT JOIN episodes e ON e.id = k.episode_id
WHERE k.embedding IS NOT NULL
ORDER BY k.embedding <=> $1::vector
LIMIT $2
`, vecLiteral, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SemanticHit
	for rows.Next() {
		var h SemanticHit
		if err := rows.Scan(&h.ID, &h.EpisodeID, &h.Content, &h.Score, &h.Confidence, &h.CreatedAt); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchSparse returns trigram similarity matches over embedding content.
func (s *Store) SearchSparse(ctx context.Context, query string, limit int) ([]SparseHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query required")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT k.id, k.episode_id, k.content, similarity(k.content, $1) AS score,
  COALESCE(e.confidence, 0), k.created_at
FROM knowledge_embeddings k
LEFT JOIN episodes e ON e.id = k.episode_id
WHERE k.content % $1
ORDER BY score DESC
LIMIT $2
`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SparseHit
	for rows.Next() {
		var h SparseHit
		if err := rows.Scan(&h.ID, &h.EpisodeID, &h.Content, &h.Score, &h.Confidence, &h.CreatedAt); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
