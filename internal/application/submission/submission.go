// Package submission implements the Submission API: the single idempotent
// entry point that turns a run request into a queued, billable Run.
package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smilemakc/wfcore/internal/domain"
	"github.com/smilemakc/wfcore/internal/domain/errors"
)

// MaxPayloadBytes bounds the size of a submitted run's payload.
const MaxPayloadBytes = 256 * 1024

// RetentionPeriod is how long a run's record survives before the retention
// sweep removes it, counted from submission (the run's creation time), not
// from the run reaching a terminal state.
const RetentionPeriod = 30 * 24 * time.Hour

// Request is the Submission API's input: runId must be a well-formed UUID;
// workflowId and tenantId must be non-empty.
type Request struct {
	RunID       string
	WorkflowID  string
	TenantID    string
	StartNodeID string
	Payload     map[string]any
}

// API is the Submission API: idempotent run creation, queue publication,
// and enqueue metering, backed by the Run Store and Work Queue.
type API struct {
	Runs   domain.RunStore
	Queue  domain.WorkQueue
	Events domain.EventBus
	Log    zerolog.Logger

	// maxRetries bounds the internal retry of the enqueue step before a
	// gateway-class error surfaces to the caller. The task_enqueued event is
	// published once, without retry; a publish failure is logged, not returned.
	maxRetries int
}

// NewAPI wires the Submission API over its store, queue, and event bus dependencies.
func NewAPI(runs domain.RunStore, queue domain.WorkQueue, events domain.EventBus, log zerolog.Logger) *API {
	return &API{Runs: runs, Queue: queue, Events: events, Log: log, maxRetries: 3}
}

// Submit runs the Submission API algorithm: validate, idempotency-check,
// insert, enqueue, emit task_enqueued, return the view.
func (a *API) Submit(ctx context.Context, req Request) (domain.RunStatusView, error) {
	if err := a.validate(req); err != nil {
		return domain.RunStatusView{}, err
	}

	now := time.Now().UTC()
	run := domain.NewQueuedRun(req.RunID, req.WorkflowID, req.TenantID, req.StartNodeID, req.Payload, now, RetentionPeriod)

	existing, alreadyExisted, err := a.Runs.Insert(ctx, run)
	if err != nil {
		return domain.RunStatusView{}, errors.NewExecutionError(req.WorkflowID, req.RunID, "", errors.CodeInternal, "failed to persist run", err, true, errors.CategoryInternal)
	}
	if alreadyExisted {
		// Idempotent resubmit: don't re-enqueue, don't re-emit metering.
		return existing.View(), nil
	}

	msg := domain.WorkQueueMessage{
		RunID:       req.RunID,
		WorkflowID:  req.WorkflowID,
		TenantID:    req.TenantID,
		StartNodeID: req.StartNodeID,
		Payload:     req.Payload,
	}

	var enqueueErr error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if enqueueErr = a.Queue.Enqueue(ctx, msg, req.RunID, 0); enqueueErr == nil {
			break
		}
		a.Log.Warn().Err(enqueueErr).Str("runId", req.RunID).Int("attempt", attempt+1).Msg("enqueue attempt failed, retrying")
	}
	if enqueueErr != nil {
		// The Run record remains QUEUED; a future resubmit with the same
		// runId will observe it and can be reconciled by a janitor.
		return domain.RunStatusView{}, errors.NewExecutionError(req.WorkflowID, req.RunID, "", errors.CodeInternal, "failed to enqueue run after retries", enqueueErr, true, errors.CategoryInternal)
	}

	a.publishEnqueued(ctx, run, req)

	return run.View(), nil
}

func (a *API) validate(req Request) error {
	if _, err := uuid.Parse(req.RunID); err != nil {
		return errors.NewValidationError("runId", errors.CodeValidationFailed, "runId must be a well-formed UUID")
	}
	if req.WorkflowID == "" {
		return errors.NewValidationError("workflowId", errors.CodeValidationFailed, "workflowId is required")
	}
	if req.TenantID == "" {
		return errors.NewValidationError("tenantId", errors.CodeValidationFailed, "tenantId is required")
	}
	if req.Payload != nil {
		encoded, err := json.Marshal(req.Payload)
		if err != nil {
			return errors.NewValidationError("payload", errors.CodeValidationFailed, "payload is not serializable")
		}
		if len(encoded) > MaxPayloadBytes {
			return errors.NewValidationError("payload", errors.CodeValidationFailed, fmt.Sprintf("payload exceeds %d bytes", MaxPayloadBytes))
		}
	}
	return nil
}

func (a *API) publishEnqueued(ctx context.Context, run *domain.Run, req Request) {
	if a.Events == nil {
		return
	}
	payloadSize := 0
	if encoded, err := json.Marshal(req.Payload); err == nil {
		payloadSize = len(encoded)
	}
	ev := domain.MeteringEvent{
		EventType:  domain.EventTaskEnqueued,
		TenantID:   run.TenantID,
		WorkflowID: run.WorkflowID,
		RunID:      run.RunID,
		Timestamp:  time.Now().UTC(),
		Metadata: map[string]any{
			"payloadSizeBytes":  payloadSize,
			"hasStartNodeId":    req.StartNodeID != "",
		},
	}
	if err := a.Events.PublishMetering(ctx, ev); err != nil {
		a.Log.Warn().Err(err).Str("runId", run.RunID).Msg("failed to publish task_enqueued event")
	}
}
