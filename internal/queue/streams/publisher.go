package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/blakegallagher1/gpc-cres/internal/runner"
)

// Publisher appends run-event envelopes to a Redis stream.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// PublishOption configures Redis XADD behaviour.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox sets an approximate max length for the stream.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// NewPublisher creates a Publisher writing to the named stream. maxLen <= 0
// leaves the stream unbounded.
func NewPublisher(client *redis.Client, stream string, maxLen int64) *Publisher {
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

// PublishEnvelope appends one envelope to the stream.
func (p *Publisher) PublishEnvelope(ctx context.Context, envelope Envelope, opts ...PublishOption) (string, error) {
	if p.stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	raw, err := envelope.Marshal()
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	if p.maxLen > 0 {
		WithMaxLenApprox(p.maxLen)(args)
	}
	for _, opt := range opts {
		opt(args)
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Publish adapts the execution engine's event sink: each normalized event is
// wrapped in an envelope and appended to the stream.
func (p *Publisher) Publish(ctx context.Context, runID string, ev runner.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.PublishEnvelope(ctx, Envelope{
		RunID:     runID,
		EventKind: string(ev.Kind),
		Data:      data,
	})
	return err
}
