package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/wfcore/internal/domain"
)

type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]*domain.Run
}

func newFakeRunStore(seed *domain.Run) *fakeRunStore {
	s := &fakeRunStore{runs: make(map[string]*domain.Run)}
	s.runs[seed.RunID] = seed
	return s
}

func (s *fakeRunStore) Insert(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.RunID]; ok {
		return existing, true, nil
	}
	s.runs[run.RunID] = run
	return run, false, nil
}

func (s *fakeRunStore) CompareAndUpdate(ctx context.Context, runID string, expected domain.RunStatus, mutate func(*domain.Run)) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.Status != expected {
		return nil, errors.New("precondition failed")
	}
	mutate(run)
	return run, nil
}

func (s *fakeRunStore) Get(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, errors.New("not found")
	}
	return run, nil
}

func (s *fakeRunStore) SweepExpired(ctx context.Context, now int64) (int, error) { return 0, nil }

type fakeNodeExecStore struct {
	mu         sync.Mutex
	records    map[string]*domain.NodeExecution
	retryIncrs map[string]int
}

func newFakeNodeExecStore() *fakeNodeExecStore {
	return &fakeNodeExecStore{
		records:    make(map[string]*domain.NodeExecution),
		retryIncrs: make(map[string]int),
	}
}

func key(runID, nodeID string) string { return runID + "/" + nodeID }

func (s *fakeNodeExecStore) Upsert(ctx context.Context, ne *domain.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ne
	s.records[key(ne.RunID, ne.NodeID)] = &cp
	return nil
}

func (s *fakeNodeExecStore) Get(ctx context.Context, runID, nodeID string) (*domain.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key(runID, nodeID)], nil
}

func (s *fakeNodeExecStore) ListByRun(ctx context.Context, runID string) ([]*domain.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.NodeExecution, 0)
	for _, ne := range s.records {
		if ne.RunID == runID {
			out = append(out, ne)
		}
	}
	return out, nil
}

func (s *fakeNodeExecStore) IncrementRetryCount(ctx context.Context, runID, nodeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryIncrs[key(runID, nodeID)]++
	return s.retryIncrs[key(runID, nodeID)], nil
}

func (s *fakeNodeExecStore) SweepExpired(ctx context.Context, now int64) (int, error) { return 0, nil }

type fakeWorkflowRepo struct {
	graph *domain.WorkflowGraph
}

func (r *fakeWorkflowRepo) Get(ctx context.Context, workflowID, version string) (*domain.WorkflowGraph, error) {
	if r.graph == nil || r.graph.WorkflowID() != workflowID {
		return nil, errors.New("workflow not found")
	}
	return r.graph, nil
}

type fakeEngineEventBus struct {
	mu     sync.Mutex
	events []string
}

func (b *fakeEngineEventBus) PublishMetering(ctx context.Context, ev domain.MeteringEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "metering:"+string(ev.EventType))
	return nil
}

func (b *fakeEngineEventBus) PublishProgress(ctx context.Context, ev domain.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "progress:"+string(ev.EventType)+":"+ev.NodeID)
	return nil
}

func (b *fakeEngineEventBus) Close() error { return nil }

func (b *fakeEngineEventBus) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.events...)
}

func newTestEngine(graph *domain.WorkflowGraph, run *domain.Run) (*Engine, *fakeRunStore, *fakeNodeExecStore, *fakeEngineEventBus) {
	runs := newFakeRunStore(run)
	nodeExecs := newFakeNodeExecStore()
	events := &fakeEngineEventBus{}
	engine := NewEngine(runs, nodeExecs, &fakeWorkflowRepo{graph: graph}, events, NewDispatcher(nil), "wfcore-test", zerolog.Nop())
	return engine, runs, nodeExecs, events
}

// S1: a linear start -> delay -> end graph runs to completion, with
// task_started preceding every node_* progress event and the terminal
// metering event last.
func TestHandleMessage_Linear_SucceedsInOrder(t *testing.T) {
	graph := linearGraph()
	run := domain.NewQueuedRun("run-1", "wf-1", "tenant-1", "", nil, time.Now().UTC(), 30*24*time.Hour)
	engine, runs, nodeExecs, events := newTestEngine(graph, run)

	err := engine.HandleMessage(context.Background(), domain.WorkQueueMessage{
		RunID: "run-1", WorkflowID: "wf-1", TenantID: "tenant-1",
	})
	require.NoError(t, err)

	stored, err := runs.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, stored.Status)

	for _, nodeID := range []string{"start", "a", "end"} {
		ne, err := nodeExecs.Get(context.Background(), "run-1", nodeID)
		require.NoError(t, err)
		require.NotNil(t, ne)
		assert.Equal(t, domain.NodeExecStatusSuccess, ne.Status)
	}

	seq := events.snapshot()
	require.NotEmpty(t, seq)
	assert.Equal(t, "metering:task_started", seq[0], "task_started must precede every node_* event")
	for _, e := range seq[1:] {
		assert.NotEqual(t, "metering:task_started", e)
	}
	assert.Equal(t, "metering:task_completed", seq[len(seq)-1], "the terminal metering event must be last")
}

// S2: a node that fails twice with a retryable error succeeds on its third
// attempt; the persisted NodeExecution carries the final retryCount.
func TestHandleMessage_RetryThenSucceed(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	nodes := []*domain.Node{
		domain.NewNode("start", domain.NodeKindStart, "start", nil),
		domain.NewNode("a", domain.NodeKindAPICall, "a", map[string]any{
			"url": server.URL,
			"retryConfig": map[string]any{
				"maxAttempts": 3,
				"backoff":     "fixed",
				"delayMs":     1,
			},
		}),
		domain.NewNode("end", domain.NodeKindEnd, "end", nil),
	}
	edges := []*domain.Edge{
		domain.NewEdge("e1", "start", "a", domain.EdgeConditionAlways, ""),
		domain.NewEdge("e2", "a", "end", domain.EdgeConditionAlways, ""),
	}
	graph := domain.NewWorkflowGraph("wf-retry", "v1", "tenant-1", nodes, edges, domain.DefaultGraphConfig())
	run := domain.NewQueuedRun("run-2", "wf-retry", "tenant-1", "", nil, time.Now().UTC(), 30*24*time.Hour)
	engine, runs, nodeExecs, _ := newTestEngine(graph, run)

	err := engine.HandleMessage(context.Background(), domain.WorkQueueMessage{
		RunID: "run-2", WorkflowID: "wf-retry", TenantID: "tenant-1",
	})
	require.NoError(t, err)

	stored, err := runs.Get(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, stored.Status)

	ne, err := nodeExecs.Get(context.Background(), "run-2", "a")
	require.NoError(t, err)
	require.NotNil(t, ne)
	assert.Equal(t, domain.NodeExecStatusSuccess, ne.Status)
	assert.Equal(t, 2, ne.RetryCount)
	assert.Equal(t, 3, attempts)
}

// S3: a non-retryable 4xx response fails the node on its first attempt with
// no retry, and the run transitions to FAILED carrying the failing step id.
func TestHandleMessage_NonRetryableFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	nodes := []*domain.Node{
		domain.NewNode("start", domain.NodeKindStart, "start", nil),
		domain.NewNode("a", domain.NodeKindAPICall, "a", map[string]any{"url": server.URL}),
		domain.NewNode("end", domain.NodeKindEnd, "end", nil),
	}
	edges := []*domain.Edge{
		domain.NewEdge("e1", "start", "a", domain.EdgeConditionAlways, ""),
		domain.NewEdge("e2", "a", "end", domain.EdgeConditionAlways, ""),
	}
	graph := domain.NewWorkflowGraph("wf-fail", "v1", "tenant-1", nodes, edges, domain.DefaultGraphConfig())
	run := domain.NewQueuedRun("run-3", "wf-fail", "tenant-1", "", nil, time.Now().UTC(), 30*24*time.Hour)
	engine, runs, nodeExecs, _ := newTestEngine(graph, run)

	err := engine.HandleMessage(context.Background(), domain.WorkQueueMessage{
		RunID: "run-3", WorkflowID: "wf-fail", TenantID: "tenant-1",
	})
	require.NoError(t, err) // HandleMessage acks the message even when the run fails

	stored, err := runs.Get(context.Background(), "run-3")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "a", stored.Error.StepID)

	ne, err := nodeExecs.Get(context.Background(), "run-3", "a")
	require.NoError(t, err)
	require.NotNil(t, ne)
	assert.Equal(t, domain.NodeExecStatusFailed, ne.Status)
	assert.Equal(t, 0, ne.RetryCount)
}

// S4: a conditional branch that never matches is recorded SKIPPED, while the
// branch whose condition matches executes normally.
func TestHandleMessage_ConditionalBranchSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	nodes := []*domain.Node{
		domain.NewNode("start", domain.NodeKindStart, "start", nil),
		domain.NewNode("a", domain.NodeKindAPICall, "a", map[string]any{"url": server.URL}),
		domain.NewNode("b", domain.NodeKindDelay, "b", nil),
		domain.NewNode("end", domain.NodeKindEnd, "end", nil),
	}
	edges := []*domain.Edge{
		domain.NewEdge("e1", "start", "a", domain.EdgeConditionAlways, ""),
		domain.NewEdge("e2", "a", "b", domain.EdgeConditionFailure, ""),
		domain.NewEdge("e3", "a", "end", domain.EdgeConditionSuccess, ""),
		domain.NewEdge("e4", "b", "end", domain.EdgeConditionAlways, ""),
	}
	graph := domain.NewWorkflowGraph("wf-cond", "v1", "tenant-1", nodes, edges, domain.DefaultGraphConfig())
	run := domain.NewQueuedRun("run-4", "wf-cond", "tenant-1", "", nil, time.Now().UTC(), 30*24*time.Hour)
	engine, runs, nodeExecs, _ := newTestEngine(graph, run)

	err := engine.HandleMessage(context.Background(), domain.WorkQueueMessage{
		RunID: "run-4", WorkflowID: "wf-cond", TenantID: "tenant-1",
	})
	require.NoError(t, err)

	stored, err := runs.Get(context.Background(), "run-4")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, stored.Status)

	skipped, err := nodeExecs.Get(context.Background(), "run-4", "b")
	require.NoError(t, err)
	require.NotNil(t, skipped)
	assert.Equal(t, domain.NodeExecStatusSkipped, skipped.Status)

	completed, err := nodeExecs.Get(context.Background(), "run-4", "end")
	require.NoError(t, err)
	require.NotNil(t, completed)
	assert.Equal(t, domain.NodeExecStatusSuccess, completed.Status)
}

// Redelivery of a message for a run that already left QUEUED (e.g. already
// RUNNING or already terminal) must not start a second execution or re-run a
// node that already succeeded.
func TestHandleMessage_RedeliveryOfNonQueuedRunIsANoop(t *testing.T) {
	graph := linearGraph()
	run := domain.NewQueuedRun("run-5", "wf-1", "tenant-1", "", nil, time.Now().UTC(), 30*24*time.Hour)
	run.Status = domain.RunStatusSuccess
	now := time.Now().UTC()
	run.FinishedAt = &now

	engine, runs, nodeExecs, events := newTestEngine(graph, run)

	err := engine.HandleMessage(context.Background(), domain.WorkQueueMessage{
		RunID: "run-5", WorkflowID: "wf-1", TenantID: "tenant-1",
	})
	require.NoError(t, err)

	stored, err := runs.Get(context.Background(), "run-5")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, stored.Status, "redelivery must not reopen a terminal run")

	list, err := nodeExecs.ListByRun(context.Background(), "run-5")
	require.NoError(t, err)
	assert.Empty(t, list, "a redelivered message for a non-QUEUED run must not execute any node")

	assert.Empty(t, events.snapshot(), "redelivery of a non-QUEUED run must not publish any event")
}
