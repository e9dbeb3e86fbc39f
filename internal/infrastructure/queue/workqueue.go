// Package queue implements the Work Queue (C4) on Kafka via segmentio/kafka-go.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smilemakc/wfcore/internal/domain"
)

const (
	headerDedupID      = "dedup-id"
	headerNotBeforeMs  = "not-before-ms"
	headerDeliveryTry  = "delivery-try"
	dedupWindow        = 10 * time.Minute
	poisonThreshold    = 5
)

// WorkQueue is the C4 adapter: a Kafka topic partitioned by tenantId (so
// per-tenant message order is preserved), with header-based deduplication,
// delayed delivery, and dead-letter routing after a poison threshold.
type WorkQueue struct {
	writer     *kafka.Writer
	dlqWriter  *kafka.Writer
	reader     *kafka.Reader
	brokers    []string
	topic      string

	mu   sync.Mutex
	seen map[string]time.Time // dedupID -> first-seen, for the in-process dedup window
}

// NewWorkQueue connects a producer/consumer pair to topic on brokers, plus a
// writer for the topic's dead-letter companion ("<topic>.dlq").
func NewWorkQueue(brokers []string, topic, consumerGroup string) *WorkQueue {
	return &WorkQueue{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // hashes on Message.Key, i.e. tenantId
			RequiredAcks: kafka.RequireAll,
		},
		dlqWriter: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic + ".dlq",
			RequiredAcks: kafka.RequireAll,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: consumerGroup,
		}),
		brokers: brokers,
		topic:   topic,
		seen:    make(map[string]time.Time),
	}
}

var _ domain.WorkQueue = (*WorkQueue)(nil)

// Enqueue publishes msg keyed by its tenantId, carrying dedupID and an
// optional not-before delay in message headers.
func (q *WorkQueue) Enqueue(ctx context.Context, msg domain.WorkQueueMessage, dedupID string, delay int64) error {
	if dedupID == "" {
		dedupID = msg.RunID
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	headers := []kafka.Header{
		{Key: headerDedupID, Value: []byte(dedupID)},
		{Key: headerDeliveryTry, Value: []byte("0")},
	}
	if delay > 0 {
		notBefore := time.Now().Add(time.Duration(delay) * time.Millisecond).UnixMilli()
		headers = append(headers, kafka.Header{Key: headerNotBeforeMs, Value: []byte(strconv.FormatInt(notBefore, 10))})
	}

	return q.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.TenantID),
		Value:   value,
		Headers: headers,
	})
}

// Consume reads messages until ctx is cancelled, honoring each message's
// not-before delay, deduplicating by dedupID within dedupWindow, and routing
// to the dead-letter topic once a message has failed poisonThreshold times.
func (q *WorkQueue) Consume(ctx context.Context, handle func(context.Context, domain.WorkQueueMessage) error) error {
	for {
		kmsg, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if q.shouldSkipDuplicate(kmsg) {
			_ = q.reader.CommitMessages(ctx, kmsg)
			continue
		}
		q.waitForNotBefore(ctx, kmsg)

		var msg domain.WorkQueueMessage
		if err := json.Unmarshal(kmsg.Value, &msg); err != nil {
			// Malformed message: dead-letter it immediately, no retry.
			_ = q.deadLetter(ctx, kmsg)
			_ = q.reader.CommitMessages(ctx, kmsg)
			continue
		}

		if err := handle(ctx, msg); err != nil {
			if q.deliveryTry(kmsg)+1 >= poisonThreshold {
				_ = q.deadLetter(ctx, kmsg)
			} else {
				// Kafka has no NACK; redelivery is a republish with the try
				// counter incremented, since the original offset is about to
				// be committed away. The dedup id is released first so the
				// republished copy is not skipped as a duplicate.
				q.mu.Lock()
				delete(q.seen, headerValue(kmsg, headerDedupID))
				q.mu.Unlock()
				_ = q.requeue(ctx, kmsg)
			}
			_ = q.reader.CommitMessages(ctx, kmsg)
			continue
		}

		_ = q.reader.CommitMessages(ctx, kmsg)
	}
}

// Close releases both writers, the dead-letter writer, and the reader.
func (q *WorkQueue) Close() error {
	_ = q.writer.Close()
	_ = q.dlqWriter.Close()
	return q.reader.Close()
}

func (q *WorkQueue) shouldSkipDuplicate(kmsg kafka.Message) bool {
	dedupID := headerValue(kmsg, headerDedupID)
	if dedupID == "" {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for id, seenAt := range q.seen {
		if now.Sub(seenAt) > dedupWindow {
			delete(q.seen, id)
		}
	}
	if _, ok := q.seen[dedupID]; ok {
		return true
	}
	q.seen[dedupID] = now
	return false
}

func (q *WorkQueue) waitForNotBefore(ctx context.Context, kmsg kafka.Message) {
	raw := headerValue(kmsg, headerNotBeforeMs)
	if raw == "" {
		return
	}
	notBeforeMs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	wait := time.Until(time.UnixMilli(notBeforeMs))
	if wait <= 0 {
		return
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

func (q *WorkQueue) deliveryTry(kmsg kafka.Message) int {
	raw := headerValue(kmsg, headerDeliveryTry)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func (q *WorkQueue) requeue(ctx context.Context, kmsg kafka.Message) error {
	headers := make([]kafka.Header, 0, len(kmsg.Headers))
	nextTry := strconv.Itoa(q.deliveryTry(kmsg) + 1)
	for _, h := range kmsg.Headers {
		if h.Key == headerDeliveryTry {
			headers = append(headers, kafka.Header{Key: headerDeliveryTry, Value: []byte(nextTry)})
			continue
		}
		headers = append(headers, h)
	}
	return q.writer.WriteMessages(ctx, kafka.Message{Key: kmsg.Key, Value: kmsg.Value, Headers: headers})
}

func (q *WorkQueue) deadLetter(ctx context.Context, kmsg kafka.Message) error {
	return q.dlqWriter.WriteMessages(ctx, kafka.Message{
		Key:     kmsg.Key,
		Value:   kmsg.Value,
		Headers: kmsg.Headers,
	})
}

func headerValue(kmsg kafka.Message, key string) string {
	for _, h := range kmsg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
