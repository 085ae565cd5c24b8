// Package reflect distills a freshly stored episode into retrievable
// knowledge: a semantic embedding plus knowledge-graph triples with temporal
// ordering edges.
package reflect

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/blakegallagher1/gpc-cres/internal/retrieval"
	"github.com/blakegallagher1/gpc-cres/internal/store"
)

// LowConfidenceTicket marks episodes whose confidence falls below the review
// threshold; operators triage these before the memory is trusted.
const LowConfidenceTicket = "LOW_CONFIDENCE_TICKET"

// DefaultLowConfidenceThreshold is the confidence floor below which a
// reflection raises a review ticket.
const DefaultLowConfidenceThreshold = 0.45

const (
	heuristicTripleConfidence = 0.25
	defaultTripleConfidence   = 0.45
)

// Triple is one extracted subject/predicate/object fact.
type Triple struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// TripleExtractor pulls structured facts out of an episode summary. Usually
// backed by the LLM provider; extraction failure degrades to the heuristic.
type TripleExtractor interface {
	ExtractTriples(ctx context.Context, text string) ([]Triple, error)
}

type reflectStore interface {
	InsertKnowledgeEmbedding(ctx context.Context, rec store.KnowledgeEmbeddingRecord) (store.KnowledgeEmbeddingRecord, error)
	InsertGraphEvent(ctx context.Context, ev store.GraphEvent) (store.GraphEvent, error)
	InsertTemporalEdge(ctx context.Context, edge store.TemporalEdge) (store.TemporalEdge, error)
}

// Result reports what one reflection pass produced.
type Result struct {
	EmbeddingID       string
	EmbeddingFallback bool
	Events            []store.GraphEvent
	Edges             []store.TemporalEdge
	Tickets           []string
}

// Engine runs reflection passes over episodes.
type Engine struct {
	store              reflectStore
	embedder           retrieval.Embedder
	extractor          TripleExtractor
	logger             *log.Logger
	lowConfidenceFloor float64
}

// NewEngine builds the reflection engine. The extractor may be nil; the
// heuristic then handles all extraction.
func NewEngine(st reflectStore, embedder retrieval.Embedder, extractor TripleExtractor, lowConfidenceFloor float64, logger *log.Logger) (*Engine, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder required")
	}
	if lowConfidenceFloor <= 0 {
		lowConfidenceFloor = DefaultLowConfidenceThreshold
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[REFLECT] ", log.LstdFlags)
	}
	return &Engine{store: st, embedder: embedder, extractor: extractor, logger: logger, lowConfidenceFloor: lowConfidenceFloor}, nil
}

// Reflect embeds the episode and extracts its knowledge triples. Triples are
// chained with sequential temporal edges in extraction order.
func (e *Engine) Reflect(ctx context.Context, ep store.Episode) (Result, error) {
	if ep.ID == "" {
		return Result{}, fmt.Errorf("episode id required")
	}
	content := strings.TrimSpace(ep.AgentIntent + ": " + ep.Summary)

	var result Result

	vectors, err := e.embedder.Embed(ctx, []string{content})
	if err != nil {
		return Result{}, fmt.Errorf("embed episode %s: %w", ep.ID, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return Result{}, fmt.Errorf("embedder returned no vector for episode %s", ep.ID)
	}
	rec, err := e.store.InsertKnowledgeEmbedding(ctx, store.KnowledgeEmbeddingRecord{
		EpisodeID: ep.ID,
		Content:   content,
		Vector:    vectors[0],
		Metadata: map[string]interface{}{
			"agent_intent": ep.AgentIntent,
			"run_id":       ep.RunID,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("store embedding for episode %s: %w", ep.ID, err)
	}
	result.EmbeddingID = rec.ID
	result.EmbeddingFallback = rec.UsedFallback
	if rec.UsedFallback {
		e.logger.Printf("episode %s embedded via sparse fallback column", ep.ID)
	}

	triples := e.extract(ctx, ep)
	events := make([]store.GraphEvent, 0, len(triples))
	for _, t := range triples {
		ev, err := e.store.InsertGraphEvent(ctx, store.GraphEvent{
			Subject:      t.Subject,
			Predicate:    t.Predicate,
			Object:       t.Object,
			Confidence:   retrieval.Clamp01(t.Confidence),
			EvidenceHash: ep.EvidenceHash,
			EpisodeID:    ep.ID,
		})
		if err != nil {
			return Result{}, fmt.Errorf("store triple for episode %s: %w", ep.ID, err)
		}
		events = append(events, ev)
	}
	result.Events = events

	// Extraction order is narrative order; chain adjacent events.
	for i := 1; i < len(events); i++ {
		edge, err := e.store.InsertTemporalEdge(ctx, store.TemporalEdge{
			FromEvent: events[i-1].ID,
			ToEvent:   events[i].ID,
			EpisodeID: ep.ID,
		})
		if err != nil {
			return Result{}, fmt.Errorf("store temporal edge for episode %s: %w", ep.ID, err)
		}
		result.Edges = append(result.Edges, edge)
	}

	// Low-confidence episodes raise a review ticket as a graph event so it
	// is visible to retrieval, not just to the logs.
	if ep.Confidence != nil && *ep.Confidence < e.lowConfidenceFloor {
		ticketEv, err := e.store.InsertGraphEvent(ctx, store.GraphEvent{
			Subject:      LowConfidenceTicket,
			Predicate:    "flags_episode",
			Object:       ep.ID,
			Confidence:   retrieval.Clamp01(*ep.Confidence),
			EvidenceHash: ep.EvidenceHash,
			EpisodeID:    ep.ID,
		})
		if err != nil {
			return Result{}, fmt.Errorf("store review ticket for episode %s: %w", ep.ID, err)
		}
		result.Events = append(result.Events, ticketEv)
		ticket := fmt.Sprintf("%s episode=%s confidence=%.2f", LowConfidenceTicket, ep.ID, *ep.Confidence)
		result.Tickets = append(result.Tickets, ticket)
		e.logger.Printf("%s", ticket)
	}
	return result, nil
}

// extract prefers an explicit knowledgeTriples array in the episode's model
// outputs, then the configured extractor, then the three-token heuristic.
// Duplicates are dropped either way.
func (e *Engine) extract(ctx context.Context, ep store.Episode) []Triple {
	if triples := explicitTriples(ep.ModelOutputs); len(triples) > 0 {
		return dedupeTriples(triples)
	}

	text := extractionText(ep)
	var triples []Triple
	if e.extractor != nil {
		extracted, err := e.extractor.ExtractTriples(ctx, text)
		if err != nil {
			e.logger.Printf("triple extraction failed, using heuristic: %v", err)
		} else {
			for _, t := range extracted {
				if t.Subject == "" || t.Predicate == "" || t.Object == "" {
					continue
				}
				if t.Confidence == 0 {
					t.Confidence = defaultTripleConfidence
				}
				triples = append(triples, t)
			}
		}
	}
	if len(triples) == 0 {
		triples = heuristicTriples(text)
	}
	return dedupeTriples(triples)
}

// extractionText is the intent plus summary plus the serialized model output.
func extractionText(ep store.Episode) string {
	var b strings.Builder
	b.WriteString(ep.AgentIntent)
	b.WriteString(": ")
	b.WriteString(ep.Summary)
	if len(ep.ModelOutputs) > 0 {
		b.WriteString("\n")
		b.Write(ep.ModelOutputs)
	}
	return strings.TrimSpace(b.String())
}

// explicitTriples pulls a knowledgeTriples array out of the model outputs
// when the model produced one.
func explicitTriples(outputs json.RawMessage) []Triple {
	if len(outputs) == 0 {
		return nil
	}
	arr := gjson.GetBytes(outputs, "knowledgeTriples")
	if !arr.Exists() {
		arr = gjson.GetBytes(outputs, "knowledge_triples")
	}
	if !arr.IsArray() {
		return nil
	}
	var triples []Triple
	arr.ForEach(func(_, item gjson.Result) bool {
		t := Triple{
			Subject:    item.Get("subject").String(),
			Predicate:  item.Get("predicate").String(),
			Object:     item.Get("object").String(),
			Confidence: item.Get("confidence").Float(),
		}
		if t.Subject == "" || t.Predicate == "" || t.Object == "" {
			return true
		}
		if t.Confidence == 0 {
			t.Confidence = defaultTripleConfidence
		}
		triples = append(triples, t)
		return true
	})
	return triples
}

var tripleToken = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_-]+`)

// heuristicTriples chops each sentence into word triples. Crude, but it keeps
// the graph populated when the extractor is down.
func heuristicTriples(text string) []Triple {
	var triples []Triple
	for _, sentence := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == ';' || r == '\n'
	}) {
		words := tripleToken.FindAllString(sentence, -1)
		for i := 0; i+2 < len(words); i += 3 {
			triples = append(triples, Triple{
				Subject:    words[i],
				Predicate:  strings.ToLower(words[i+1]),
				Object:     words[i+2],
				Confidence: heuristicTripleConfidence,
			})
		}
	}
	return triples
}

func dedupeTriples(triples []Triple) []Triple {
	seen := make(map[string]struct{}, len(triples))
	out := triples[:0]
	for _, t := range triples {
		key := strings.ToLower(t.Subject + "|" + t.Predicate + "|" + t.Object)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
