package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// GraphEvent is a subject/predicate/object triple extracted from an episode.
// Rows are immutable once created.
type GraphEvent struct {
	ID           string
	Subject      string
	Predicate    string
	Object       string
	Confidence   float64
	EvidenceHash string
	EpisodeID    string
	CreatedAt    time.Time
}

// TemporalEdge orders two graph events within the owning episode.
type TemporalEdge struct {
	ID        string
	FromEvent string
	ToEvent   string
	Relation  string
	EpisodeID string
	CreatedAt time.Time
}

// GraphHit is one graph-source retrieval candidate.
type GraphHit struct {
	ID         string
	Subject    string
	Predicate  string
	Object     string
	Confidence float64
	HasEdge    bool
	CreatedAt  time.Time
}

// InsertGraphEvent persists a knowledge-graph triple.
func (s *Store) InsertGraphEvent(ctx context.Context, ev GraphEvent) (GraphEvent, error) {
	if strings.TrimSpace(ev.Subject) == "" {
		return GraphEvent{}, fmt.Errorf("subject required")
	}
	if strings.TrimSpace(ev.Predicate) == "" {
		return GraphEvent{}, fmt.Errorf("predicate required")
	}
	if strings.TrimSpace(ev.Object) == "" {
		return GraphEvent{}, fmt.Errorf("object required")
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO kg_events (subject, predicate, object, confidence, evidence_hash, episode_id)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id, created_at
`, ev.Subject, ev.Predicate, ev.Object, ev.Confidence, nullableString(ev.EvidenceHash), nullableString(ev.EpisodeID))
	if err := row.Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return GraphEvent{}, err
	}
	return ev, nil
}

// InsertTemporalEdge persists an ordering edge between two graph events.
// Both endpoints must belong to the same reflection pass; the episode scope
// on the edge records that ownership.
func (s *Store) InsertTemporalEdge(ctx context.Context, edge TemporalEdge) (TemporalEdge, error) {
	if edge.FromEvent == "" || edge.ToEvent == "" {
		return TemporalEdge{}, fmt.Errorf("from_event and to_event required")
	}
	if edge.EpisodeID == "" {
		return TemporalEdge{}, fmt.Errorf("episode_id required")
	}
	if edge.Relation == "" {
		edge.Relation = "precedes"
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO kg_temporal_edges (from_event, to_event, relation, episode_id)
VALUES ($1,$2,$3,$4)
RETURNING id, created_at
`, edge.FromEvent, edge.ToEvent, edge.Relation, edge.EpisodeID)
	if err := row.Scan(&edge.ID, &edge.CreatedAt); err != nil {
		return TemporalEdge{}, err
	}
	return edge, nil
}

// SearchGraph matches triples by substring across subject/predicate/object
// plus an exact subject match, reporting whether each hit participates in a
// temporal edge so the caller can apply its adjacency boost.
func (s *Store) SearchGraph(ctx context.Context, query, subjectScope string, limit int) ([]GraphHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query required")
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	rows, err := s.DB.QueryContext(ctx, `
SELECT e.id, e.subject, e.predicate, e.object, e.confidence, e.created_at,
  EXISTS (
    SELECT 1 FROM kg_temporal_edges t
    WHERE t.from_event = e.id OR t.to_event = e.id
  ) AS has_edge
FROM kg_events e
WHERE (e.subject ILIKE $1 OR e.predicate ILIKE $1 OR e.object ILIKE $1 OR e.subject = $2)
  AND ($3 = '' OR e.subject = $3)
ORDER BY e.created_at DESC
LIMIT $4
`, pattern, query, subjectScope, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []GraphHit
	for rows.Next() {
		var h GraphHit
		if err := rows.Scan(&h.ID, &h.Subject, &h.Predicate, &h.Object, &h.Confidence, &h.CreatedAt, &h.HasEdge); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
