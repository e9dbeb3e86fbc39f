package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smilemakc/wfcore/internal/domain"
	"github.com/smilemakc/wfcore/internal/domain/errors"
	"github.com/smilemakc/wfcore/internal/infrastructure/monitoring"
)

// Engine is the C7 Execution Engine worker: it dequeues one message per
// runId, loads and validates the graph, traverses it level by level
// (bounded by the graph's maxConcurrentNodes), dispatches nodes to the
// Node Executor, records state in C1/C2, and publishes C5 events.
type Engine struct {
	Runs        domain.RunStore
	NodeExecs   domain.NodeExecutionStore
	Workflows   domain.WorkflowRepository
	Events      domain.EventBus
	Builder     *GraphBuilder
	Dispatcher  *Dispatcher
	Conditions  *ConditionEvaluator
	Rollback    *RollbackExecutor
	Observer    monitoring.ExecutionObserver
	EventSource string
	Log         zerolog.Logger
}

// NewEngine wires the Execution Engine from its stores, workflow repository,
// event bus, and dispatcher. The Observer is a *monitoring.Tracer by default; callers can
// swap in an *monitoring.ObserverManager to fan out to more than one sink.
func NewEngine(runs domain.RunStore, nodeExecs domain.NodeExecutionStore, workflows domain.WorkflowRepository, events domain.EventBus, dispatcher *Dispatcher, eventSource string, log zerolog.Logger) *Engine {
	return &Engine{
		Runs:        runs,
		NodeExecs:   nodeExecs,
		Workflows:   workflows,
		Events:      events,
		Builder:     NewGraphBuilder(),
		Dispatcher:  dispatcher,
		Conditions:  NewConditionEvaluator(true),
		Rollback:    NewRollbackExecutor(dispatcher),
		Observer:    monitoring.NewTracer(),
		EventSource: eventSource,
		Log:         log,
	}
}

// HandleMessage is the per-message algorithm the worker loop calls for
// every dequeued WorkQueueMessage.
func (e *Engine) HandleMessage(ctx context.Context, msg domain.WorkQueueMessage) error {
	now := time.Now().UTC()
	log := e.Log.With().Str("runId", msg.RunID).Str("workflowId", msg.WorkflowID).Logger()

	run, err := e.Runs.CompareAndUpdate(ctx, msg.RunID, domain.RunStatusQueued, func(r *domain.Run) {
		r.TransitionToRunning(now)
	})
	if err != nil {
		// Most commonly: the run is no longer QUEUED (already running, or a
		// prior redelivery already finished it). That's the ordering
		// guarantee working as intended; ack the message without reprocessing.
		log.Warn().Err(err).Msg("run not in QUEUED state, skipping redelivered message")
		return nil
	}

	if e.Observer != nil {
		e.Observer.OnRunStarted(msg.RunID, msg.WorkflowID, msg.TenantID)
	}
	e.publishMetering(ctx, domain.EventTaskStarted, run, nil)

	graph, err := e.Workflows.Get(ctx, msg.WorkflowID, "")
	if err != nil {
		return e.fail(ctx, run, &domain.ErrorInfo{
			Code: errors.CodeWorkflowNotFound, Message: err.Error(), Retryable: false, Category: string(errors.CategoryValidation),
		})
	}

	plan, err := e.Builder.Build(graph)
	if err != nil {
		return e.fail(ctx, run, &domain.ErrorInfo{
			Code: errors.CodeValidationFailed, Message: err.Error(), Retryable: false, Category: string(errors.CategoryValidation),
		})
	}

	startNodeID := msg.StartNodeID
	if startNodeID == "" {
		startNodeID = graph.StartNode().ID()
	}

	execCtx := domain.NewExecutionContext(msg.RunID, msg.WorkflowID, msg.TenantID, msg.Payload, nil, nil, now, graph.Config().MaxExecutionTimeMs)

	trav := newTraversal(e, execCtx, graph, plan, log)
	if err := trav.run(ctx, startNodeID); err != nil {
		if graph.Config().EnableRollback {
			e.Rollback.Run(ctx, execCtx, graph, trav.executedOrder())
		}
		var errInfo *domain.ErrorInfo
		if ei, ok := err.(*stepError); ok {
			errInfo = ei.info
		} else {
			errInfo = &domain.ErrorInfo{Code: errors.CodeInternal, Message: err.Error(), Retryable: false, Category: string(errors.CategoryInternal)}
		}
		return e.fail(ctx, run, errInfo)
	}

	return e.succeed(ctx, run)
}

func (e *Engine) fail(ctx context.Context, run *domain.Run, errInfo *domain.ErrorInfo) error {
	now := time.Now().UTC()
	updated, err := e.Runs.CompareAndUpdate(ctx, run.RunID, domain.RunStatusRunning, func(r *domain.Run) {
		r.Fail(now, errInfo)
	})
	if err != nil {
		updated = run
		updated.Fail(now, errInfo)
	}
	if e.Observer != nil {
		e.Observer.OnRunFailed(run.RunID, fmt.Errorf("%s: %s", errInfo.Code, errInfo.Message), now.Sub(run.StartedAt))
	}
	e.publishMetering(ctx, domain.EventTaskFailed, updated, map[string]any{"error": errInfo})
	return nil
}

func (e *Engine) succeed(ctx context.Context, run *domain.Run) error {
	now := time.Now().UTC()
	updated, err := e.Runs.CompareAndUpdate(ctx, run.RunID, domain.RunStatusRunning, func(r *domain.Run) {
		r.Complete(now)
	})
	if err != nil {
		updated = run
		updated.Complete(now)
	}
	if e.Observer != nil {
		e.Observer.OnRunCompleted(run.RunID, now.Sub(run.StartedAt))
	}
	e.publishMetering(ctx, domain.EventTaskCompleted, updated, nil)
	return nil
}

func (e *Engine) publishMetering(ctx context.Context, evType domain.MeteringEventType, run *domain.Run, metadata map[string]any) {
	if e.Events == nil {
		return
	}
	ev := domain.MeteringEvent{
		EventType:  evType,
		TenantID:   run.TenantID,
		WorkflowID: run.WorkflowID,
		RunID:      run.RunID,
		Timestamp:  time.Now().UTC(),
		Metadata:   metadata,
	}
	if err := e.Events.PublishMetering(ctx, ev); err != nil {
		e.Log.Warn().Err(err).Str("runId", run.RunID).Msg("failed to publish metering event")
	}
}

func (e *Engine) publishProgress(ctx context.Context, evType domain.ProgressEventType, execCtx *domain.ExecutionContext, nodeID string, progress domain.Progress) {
	if e.Events == nil {
		return
	}
	ev := domain.ProgressEvent{
		EventType:  evType,
		TenantID:   execCtx.TenantID,
		WorkflowID: execCtx.WorkflowID,
		RunID:      execCtx.RunID,
		NodeID:     nodeID,
		Progress:   progress,
		Timestamp:  time.Now().UTC(),
	}
	if err := e.Events.PublishProgress(ctx, ev); err != nil {
		e.Log.Warn().Err(err).Str("runId", execCtx.RunID).Str("nodeId", nodeID).Msg("failed to publish progress event")
	}
}

// stepError carries the structured error a failed node attaches to the run.
type stepError struct {
	nodeID string
	info   *domain.ErrorInfo
}

func (e *stepError) Error() string { return fmt.Sprintf("node %s: %s", e.nodeID, e.info.Message) }

// traversal holds the per-run mutable state shared across the bounded-
// concurrency node dispatch: which nodes are reachable, which have run, and
// each node's recorded output.
type traversal struct {
	engine  *Engine
	execCtx *domain.ExecutionContext
	graph   *domain.WorkflowGraph
	plan    *ExecutionPlan
	log     zerolog.Logger

	mu        sync.Mutex
	reachable map[string]bool
	executed  map[string]bool
	order     []string
}

func newTraversal(e *Engine, execCtx *domain.ExecutionContext, graph *domain.WorkflowGraph, plan *ExecutionPlan, log zerolog.Logger) *traversal {
	return &traversal{
		engine:    e,
		execCtx:   execCtx,
		graph:     graph,
		plan:      plan,
		log:       log,
		reachable: make(map[string]bool),
		executed:  make(map[string]bool),
	}
}

// run walks the plan's parallel groups in order, dispatching every
// reachable, not-yet-executed node in a group concurrently (bounded by
// config.maxConcurrentNodes), and gating descent into each node's
// successors on its outgoing edge conditions.
func (t *traversal) run(ctx context.Context, startNodeID string) error {
	t.reachable[startNodeID] = true
	maxConcurrent := t.graph.Config().MaxConcurrentNodes
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	for _, group := range t.plan.ParallelGroups {
		runnable := make([]string, 0, len(group))
		t.mu.Lock()
		for _, id := range group {
			if t.reachable[id] && !t.executed[id] {
				runnable = append(runnable, id)
			}
		}
		t.mu.Unlock()
		if len(runnable) == 0 {
			continue
		}

		sem := make(chan struct{}, maxConcurrent)
		var wg sync.WaitGroup
		errs := make(chan error, len(runnable))

		for _, nodeID := range runnable {
			wg.Add(1)
			sem <- struct{}{}
			go func(nodeID string) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := t.executeNode(ctx, nodeID); err != nil {
					errs <- err
				}
			}(nodeID)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			return err // first failure stops the run, per the default "stop" error strategy
		}
	}

	t.recordSkipped(ctx)
	return nil
}

func (t *traversal) executedOrder() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.order...)
}

// executeNode runs one node's retry loop, records its NodeExecution, emits
// progress events, and opens its outgoing edges whose condition is met.
func (t *traversal) executeNode(ctx context.Context, nodeID string) error {
	node := t.graph.NodeByID(nodeID)
	input := t.gatherInput(nodeID)

	t.engine.publishProgress(ctx, domain.EventNodeStarted, t.execCtx, nodeID, t.progress(nodeID))

	policy := RetryPolicyFor(node)
	budget := NewRetryBudget(policy)

	var output map[string]any
	var lastErr error
	var lastErrInfo *domain.ErrorInfo

	for !budget.Exhausted() {
		attempt, delay := budget.NextAttempt()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &stepError{nodeID: nodeID, info: &domain.ErrorInfo{Code: errors.CodeTimeout, Message: "run cancelled during retry delay", Retryable: true, Category: string(errors.CategoryTimeout), StepID: nodeID}}
			}
		}

		if t.engine.Observer != nil {
			t.engine.Observer.OnNodeStarted(t.execCtx.RunID, nodeID, string(node.Kind()), attempt)
		}

		ne := domain.NewNodeExecution(t.execCtx.RunID, nodeID, input, time.Now().UTC())
		ne.RetryCount = attempt - 1
		ne.Start(time.Now().UTC())
		_ = t.engine.NodeExecs.Upsert(ctx, ne)

		attemptStart := time.Now()
		if t.execCtx.IsExpired(time.Now().UTC()) {
			lastErrInfo = &domain.ErrorInfo{Code: errors.CodeTimeout, Message: "run exceeded its execution deadline", Retryable: true, Category: string(errors.CategoryTimeout), StepID: nodeID}
			lastErr = fmt.Errorf(lastErrInfo.Message)
		} else {
			out, execErr := t.engine.Dispatcher.Dispatch(ctx, t.execCtx, node, input)
			wallClock := time.Since(attemptStart).Milliseconds()

			if execErr == nil {
				ne.Succeed(time.Now().UTC(), out, wallClock, &domain.ResourceUsage{WallClockMs: wallClock})
				_ = t.engine.NodeExecs.Upsert(ctx, ne)
				output = out
				if t.engine.Observer != nil {
					t.engine.Observer.OnNodeCompleted(t.execCtx.RunID, nodeID, time.Since(attemptStart))
				}
				break
			}

			lastErrInfo = toErrorInfo(execErr, nodeID)
			lastErr = execErr
			ne.Fail(time.Now().UTC(), lastErrInfo, wallClock)
			_ = t.engine.NodeExecs.Upsert(ctx, ne)
		}

		if t.engine.Observer != nil {
			t.engine.Observer.OnNodeFailed(t.execCtx.RunID, nodeID, lastErr, time.Since(attemptStart), lastErrInfo.Retryable)
		}

		if !lastErrInfo.Retryable {
			break
		}
		if _, err := t.engine.NodeExecs.IncrementRetryCount(ctx, t.execCtx.RunID, nodeID); err != nil {
			t.log.Warn().Err(err).Str("nodeId", nodeID).Msg("failed to persist retry counter")
		}
	}

	if output == nil {
		t.engine.publishProgress(ctx, domain.EventNodeFailed, t.execCtx, nodeID, t.progress(nodeID))
		if lastErrInfo == nil {
			lastErrInfo = &domain.ErrorInfo{Code: errors.CodeInternal, Message: lastErr.Error(), Category: string(errors.CategoryInternal), StepID: nodeID}
		}
		return &stepError{nodeID: nodeID, info: lastErrInfo}
	}

	t.mu.Lock()
	t.executed[nodeID] = true
	t.order = append(t.order, nodeID)
	t.mu.Unlock()
	t.execCtx.RecordOutput(nodeID, output)
	t.engine.publishProgress(ctx, domain.EventNodeCompleted, t.execCtx, nodeID, t.progress(nodeID))

	if node.Kind() == domain.NodeKindEnd {
		return nil
	}

	for _, edge := range t.graph.OutgoingEdges(nodeID) {
		taken, warning, err := t.engine.Conditions.EvaluateEdge(edge, output, t.execCtx.Variables())
		if err != nil {
			t.log.Warn().Err(err).Str("edgeId", edge.ID()).Msg("edge evaluation error, treating as not taken")
			continue
		}
		if warning != "" {
			t.log.Warn().Str("edgeId", edge.ID()).Msg(warning)
		}
		if taken {
			t.mu.Lock()
			t.reachable[edge.ToNodeID()] = true
			t.mu.Unlock()
		}
	}

	return nil
}

// gatherInput merges the outputs of nodeID's predecessors (or the run
// payload, for the START node) into the map passed to the Node Executor.
func (t *traversal) gatherInput(nodeID string) map[string]any {
	incoming := t.graph.IncomingEdges(nodeID)
	if len(incoming) == 0 {
		return t.execCtx.Payload
	}
	merged := make(map[string]any)
	for _, edge := range incoming {
		if out, ok := t.execCtx.Output(edge.FromNodeID()); ok {
			for k, v := range out {
				merged[k] = v
			}
		}
	}
	return merged
}

func (t *traversal) progress(nodeID string) domain.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.Progress{
		CompletedNodes: len(t.executed),
		TotalNodes:     t.plan.TotalTasks,
		CurrentNode:    nodeID,
	}
}

// recordSkipped writes a SKIPPED NodeExecution for every node the graph
// declares but traversal never reached, matching the "conditional edge
// gated the other branch out" scenario.
func (t *traversal) recordSkipped(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, node := range t.graph.Nodes() {
		if t.executed[node.ID()] || t.reachable[node.ID()] {
			continue
		}
		ne := domain.NewNodeExecution(t.execCtx.RunID, node.ID(), nil, time.Now().UTC())
		ne.Skip(time.Now().UTC(), "no incoming edge condition was satisfied")
		_ = t.engine.NodeExecs.Upsert(ctx, ne)
	}
}

func toErrorInfo(err error, nodeID string) *domain.ErrorInfo {
	if execErr, ok := err.(*errors.ExecutionError); ok {
		return &domain.ErrorInfo{
			Code: execErr.Code, Message: execErr.Message, Retryable: execErr.Retryable,
			Category: string(execErr.Category), StepID: nodeID,
		}
	}
	return &domain.ErrorInfo{Code: errors.CodeInternal, Message: err.Error(), Retryable: false, Category: string(errors.CategoryInternal), StepID: nodeID}
}
