package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingObserver struct {
	runsStarted   []string
	runsCompleted []string
	runsFailed    []string
	nodesStarted  []string
}

func (r *recordingObserver) OnRunStarted(runID, workflowID, tenantID string) {
	r.runsStarted = append(r.runsStarted, runID)
}
func (r *recordingObserver) OnRunCompleted(runID string, duration time.Duration) {
	r.runsCompleted = append(r.runsCompleted, runID)
}
func (r *recordingObserver) OnRunFailed(runID string, err error, duration time.Duration) {
	r.runsFailed = append(r.runsFailed, runID)
}
func (r *recordingObserver) OnNodeStarted(runID, nodeID, nodeKind string, attempt int) {
	r.nodesStarted = append(r.nodesStarted, nodeID)
}
func (r *recordingObserver) OnNodeCompleted(runID, nodeID string, duration time.Duration) {}
func (r *recordingObserver) OnNodeFailed(runID, nodeID string, err error, duration time.Duration, retryable bool) {
}

func TestObserverManager_FansOutToEveryObserver(t *testing.T) {
	a := &recordingObserver{}
	b := &recordingObserver{}
	mgr := NewObserverManager()
	mgr.Add(a)
	mgr.Add(b)

	mgr.OnRunStarted("run-1", "wf-1", "tenant-1")
	mgr.OnNodeStarted("run-1", "node-1", "DELAY", 1)
	mgr.OnRunFailed("run-1", errors.New("boom"), time.Second)

	assert.Equal(t, []string{"run-1"}, a.runsStarted)
	assert.Equal(t, []string{"run-1"}, b.runsStarted)
	assert.Equal(t, []string{"node-1"}, a.nodesStarted)
	assert.Equal(t, []string{"run-1"}, a.runsFailed)
}

func TestTracer_ImplementsExecutionObserver(t *testing.T) {
	tracer := NewTracer()
	tracer.OnRunStarted("run-1", "wf-1", "tenant-1")
	tracer.OnNodeStarted("run-1", "node-1", "DELAY", 1)
	tracer.OnNodeCompleted("run-1", "node-1", time.Millisecond)
	tracer.OnRunCompleted("run-1", time.Millisecond)

	// Completing a run that was never started (e.g. a previously-failed
	// lookup) must be a safe no-op, not a panic.
	assert.NotPanics(t, func() {
		tracer.OnRunCompleted("unknown-run", time.Millisecond)
	})
}
