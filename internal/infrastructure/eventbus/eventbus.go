// Package eventbus implements the Event Bus (C5) on Redis Streams via
// redis/go-redis/v9: append-only, at-least-once publish of the metering and
// progress events the Execution Engine emits.
package eventbus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/smilemakc/wfcore/internal/domain"
)

const (
	meteringStream = "wfcore:events:metering"
	progressStream = "wfcore:events:progress"
	// approxMaxLen bounds stream growth; Redis trims with MAXLEN ~ rather
	// than an exact count, which is cheap and good enough for a rolling
	// event-replay window.
	approxMaxLen = 100_000
)

// EventBus is the C5 adapter.
type EventBus struct {
	client *redis.Client
	source string
}

// NewEventBus wires the Event Bus to a Redis client. source identifies this
// core's deployment in every published envelope (e.g. "wfcore-worker-prod").
func NewEventBus(client *redis.Client, source string) *EventBus {
	return &EventBus{client: client, source: source}
}

var _ domain.EventBus = (*EventBus)(nil)

// PublishMetering appends a MeteringEvent envelope to the metering stream.
func (b *EventBus) PublishMetering(ctx context.Context, ev domain.MeteringEvent) error {
	envelope := domain.NewMeteringEnvelope(b.source, ev)
	return b.publish(ctx, meteringStream, envelope)
}

// PublishProgress appends a ProgressEvent envelope to the progress stream.
func (b *EventBus) PublishProgress(ctx context.Context, ev domain.ProgressEvent) error {
	envelope := domain.NewProgressEnvelope(b.source, ev)
	return b.publish(ctx, progressStream, envelope)
}

func (b *EventBus) publish(ctx context.Context, stream string, envelope domain.EventEnvelope) error {
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: approxMaxLen,
		Approx: true,
		Values: map[string]any{"envelope": encoded},
	}).Err()
}

// Close releases the underlying Redis client.
func (b *EventBus) Close() error {
	return b.client.Close()
}
