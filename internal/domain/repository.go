package domain

import "context"

// RunStore is the C1 contract: a durable key/value store of run records,
// keyed by runId. Insert is conditional on absence (idempotency); Update is
// conditional on the caller's expected prior status (compare-and-swap).
type RunStore interface {
	// Insert creates a run iff no record with this RunID already exists.
	// Returns (existing, true, nil) when a prior record was found instead of
	// inserting, so callers can implement the idempotent-submit contract
	// without a separate read.
	Insert(ctx context.Context, run *Run) (existing *Run, alreadyExisted bool, err error)

	// CompareAndUpdate applies mutate to the stored run iff its current
	// status equals expectedStatus, then persists the result. Returns a
	// non-nil error when the expected status does not match (the Postgres
	// adapter returns an *errors.StateError).
	CompareAndUpdate(ctx context.Context, runID string, expectedStatus RunStatus, mutate func(*Run)) (*Run, error)

	// Get retrieves a run by id.
	Get(ctx context.Context, runID string) (*Run, error)

	// SweepExpired deletes runs whose RetentionDeadline is before now and
	// returns the count removed.
	SweepExpired(ctx context.Context, now int64) (int, error)
}

// NodeExecutionStore is the C2 contract: per-node records keyed by
// (runId, nodeId).
type NodeExecutionStore interface {
	// Upsert creates or fully replaces the node execution record.
	Upsert(ctx context.Context, ne *NodeExecution) error

	// Get retrieves the record for (runID, nodeID); returns nil, nil if absent.
	Get(ctx context.Context, runID, nodeID string) (*NodeExecution, error)

	// ListByRun returns every node execution recorded for runID.
	ListByRun(ctx context.Context, runID string) ([]*NodeExecution, error)

	// IncrementRetryCount atomically increments the stored retry counter and
	// returns the new value.
	IncrementRetryCount(ctx context.Context, runID, nodeID string) (int, error)

	// SweepExpired deletes node executions whose own retention window,
	// counted from the record's startedAt, has passed and returns the count
	// removed. The owning run's retention deadline is not consulted.
	SweepExpired(ctx context.Context, now int64) (int, error)
}

// WorkflowRepository is the C3 contract: a read-only, cache-fronted store of
// workflow graph definitions, keyed by (workflowId, version), with a
// "latest" lookup when version is empty.
type WorkflowRepository interface {
	// Get retrieves the graph for (workflowID, version). An empty version
	// resolves to the latest version of workflowID.
	Get(ctx context.Context, workflowID, version string) (*WorkflowGraph, error)
}

// WorkQueueMessage is the wire shape enqueued to the Work Queue, identical
// to the submit request body plus delivery attributes.
type WorkQueueMessage struct {
	RunID         string         `json:"runId"`
	WorkflowID    string         `json:"workflowId"`
	TenantID      string         `json:"tenantId"`
	StartNodeID   string         `json:"startNodeId,omitempty"`
	Payload       map[string]any `json:"payload"`
	RetryAttempt  bool           `json:"retryAttempt,omitempty"`
}

// WorkQueue is the C4 contract: FIFO, per-tenant-ordered, at-least-once
// delivery with deduplication by runId and optional delayed delivery.
type WorkQueue interface {
	// Enqueue publishes msg with deduplication id = msg.RunID (or the
	// caller-supplied dedupID for intentional re-enqueues) and group id =
	// msg.TenantID, delayed by delay if non-zero.
	Enqueue(ctx context.Context, msg WorkQueueMessage, dedupID string, delay int64) error

	// Consume delivers messages to handle until ctx is cancelled. handle
	// returning a nil error acknowledges the message; a non-nil error
	// leaves it for redelivery, subject to the poison threshold and
	// dead-letter routing.
	Consume(ctx context.Context, handle func(context.Context, WorkQueueMessage) error) error

	// Close releases the queue's underlying connection.
	Close() error
}

// EventBus is the C5 contract: append-only, best-effort, at-least-once
// publish of structured events.
type EventBus interface {
	PublishMetering(ctx context.Context, ev MeteringEvent) error
	PublishProgress(ctx context.Context, ev ProgressEvent) error
	Close() error
}
