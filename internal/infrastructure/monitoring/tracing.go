package monitoring

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer is an ExecutionObserver that opens one OpenTelemetry span per run
// and one child span per node attempt. The teacher carries otel/otel-trace
// as a dependency but never calls Tracer.Start; this is that wiring.
type Tracer struct {
	tracer oteltrace.Tracer

	mu    sync.Mutex
	runs  map[string]runSpan
	nodes map[string]oteltrace.Span
}

type runSpan struct {
	ctx  context.Context
	span oteltrace.Span
}

// NewTracer builds a Tracer against the global otel TracerProvider, under
// the instrumentation name "wfcore/executor".
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer("wfcore/executor"),
		runs:   make(map[string]runSpan),
		nodes:  make(map[string]oteltrace.Span),
	}
}

var _ ExecutionObserver = (*Tracer)(nil)

func (t *Tracer) OnRunStarted(runID, workflowID, tenantID string) {
	ctx, span := t.tracer.Start(context.Background(), "workflow.run",
		oteltrace.WithAttributes(
			attribute.String("wfcore.run_id", runID),
			attribute.String("wfcore.workflow_id", workflowID),
			attribute.String("wfcore.tenant_id", tenantID),
		))
	t.mu.Lock()
	t.runs[runID] = runSpan{ctx: ctx, span: span}
	t.mu.Unlock()
}

func (t *Tracer) OnRunCompleted(runID string, _ time.Duration) {
	t.endRun(runID, nil)
}

func (t *Tracer) OnRunFailed(runID string, err error, _ time.Duration) {
	t.endRun(runID, err)
}

func (t *Tracer) endRun(runID string, err error) {
	t.mu.Lock()
	rs, ok := t.runs[runID]
	delete(t.runs, runID)
	t.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		rs.span.RecordError(err)
		rs.span.SetStatus(codes.Error, err.Error())
	}
	rs.span.End()
}

func (t *Tracer) OnNodeStarted(runID, nodeID, nodeKind string, attempt int) {
	t.mu.Lock()
	rs, ok := t.runs[runID]
	t.mu.Unlock()

	parent := context.Background()
	if ok {
		parent = rs.ctx
	}

	_, span := t.tracer.Start(parent, "workflow.node",
		oteltrace.WithAttributes(
			attribute.String("wfcore.node_id", nodeID),
			attribute.String("wfcore.node_kind", nodeKind),
			attribute.Int("wfcore.attempt", attempt),
		))

	t.mu.Lock()
	t.nodes[nodeKey(runID, nodeID)] = span
	t.mu.Unlock()
}

func (t *Tracer) OnNodeCompleted(runID, nodeID string, _ time.Duration) {
	t.endNode(runID, nodeID, nil)
}

func (t *Tracer) OnNodeFailed(runID, nodeID string, err error, _ time.Duration, _ bool) {
	t.endNode(runID, nodeID, err)
}

func (t *Tracer) endNode(runID, nodeID string, err error) {
	key := nodeKey(runID, nodeID)
	t.mu.Lock()
	span, ok := t.nodes[key]
	delete(t.nodes, key)
	t.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func nodeKey(runID, nodeID string) string {
	return runID + "/" + nodeID
}
