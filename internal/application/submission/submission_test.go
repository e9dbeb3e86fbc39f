package submission

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/wfcore/internal/domain"
	domainerrors "github.com/smilemakc/wfcore/internal/domain/errors"
)

type fakeRunStore struct {
	runs map[string]*domain.Run
}

func newFakeRunStore() *fakeRunStore { return &fakeRunStore{runs: make(map[string]*domain.Run)} }

func (s *fakeRunStore) Insert(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	if existing, ok := s.runs[run.RunID]; ok {
		return existing, true, nil
	}
	s.runs[run.RunID] = run
	return run, false, nil
}

func (s *fakeRunStore) CompareAndUpdate(ctx context.Context, runID string, expected domain.RunStatus, mutate func(*domain.Run)) (*domain.Run, error) {
	run, ok := s.runs[runID]
	if !ok || run.Status != expected {
		return nil, errors.New("precondition failed")
	}
	mutate(run)
	return run, nil
}

func (s *fakeRunStore) Get(ctx context.Context, runID string) (*domain.Run, error) {
	run, ok := s.runs[runID]
	if !ok {
		return nil, errors.New("not found")
	}
	return run, nil
}

func (s *fakeRunStore) SweepExpired(ctx context.Context, now int64) (int, error) { return 0, nil }

type fakeWorkQueue struct {
	enqueued  []domain.WorkQueueMessage
	failTimes int
}

func (q *fakeWorkQueue) Enqueue(ctx context.Context, msg domain.WorkQueueMessage, dedupID string, delay int64) error {
	if q.failTimes > 0 {
		q.failTimes--
		return errors.New("transient enqueue failure")
	}
	q.enqueued = append(q.enqueued, msg)
	return nil
}
func (q *fakeWorkQueue) Consume(ctx context.Context, handle func(context.Context, domain.WorkQueueMessage) error) error {
	return nil
}
func (q *fakeWorkQueue) Close() error { return nil }

type fakeEventBus struct {
	metering []domain.MeteringEvent
}

func (b *fakeEventBus) PublishMetering(ctx context.Context, ev domain.MeteringEvent) error {
	b.metering = append(b.metering, ev)
	return nil
}
func (b *fakeEventBus) PublishProgress(ctx context.Context, ev domain.ProgressEvent) error { return nil }
func (b *fakeEventBus) Close() error                                                       { return nil }

func newTestAPI() (*API, *fakeRunStore, *fakeWorkQueue, *fakeEventBus) {
	runs := newFakeRunStore()
	queue := &fakeWorkQueue{}
	events := &fakeEventBus{}
	return NewAPI(runs, queue, events, zerolog.Nop()), runs, queue, events
}

func TestSubmit_HappyPath(t *testing.T) {
	api, _, queue, events := newTestAPI()
	req := Request{
		RunID:      uuid.NewString(),
		WorkflowID: "wf-1",
		TenantID:   "tenant-1",
		Payload:    map[string]any{"foo": "bar"},
	}

	view, err := api.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusQueued, view.Status)
	assert.Len(t, queue.enqueued, 1)
	assert.Equal(t, req.RunID, queue.enqueued[0].RunID)
	assert.Len(t, events.metering, 1)
	assert.Equal(t, domain.EventTaskEnqueued, events.metering[0].EventType)
}

func TestSubmit_IdempotentResubmitDoesNotReenqueue(t *testing.T) {
	api, _, queue, events := newTestAPI()
	req := Request{RunID: uuid.NewString(), WorkflowID: "wf-1", TenantID: "tenant-1"}

	first, err := api.Submit(context.Background(), req)
	require.NoError(t, err)

	second, err := api.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.RunID, second.RunID)
	assert.Len(t, queue.enqueued, 1, "resubmitting an existing runId must not re-enqueue")
	assert.Len(t, events.metering, 1, "resubmitting an existing runId must not re-emit task_enqueued")
}

func TestSubmit_RejectsMalformedRunID(t *testing.T) {
	api, _, _, _ := newTestAPI()
	_, err := api.Submit(context.Background(), Request{RunID: "not-a-uuid", WorkflowID: "wf-1", TenantID: "tenant-1"})
	assert.Error(t, err)
}

func TestSubmit_RejectsMissingWorkflowID(t *testing.T) {
	api, _, _, _ := newTestAPI()
	_, err := api.Submit(context.Background(), Request{RunID: uuid.NewString(), TenantID: "tenant-1"})
	assert.Error(t, err)
}

func TestSubmit_RejectsOversizedPayload(t *testing.T) {
	api, _, _, _ := newTestAPI()
	huge := make(map[string]any, 1)
	huge["blob"] = make([]byte, MaxPayloadBytes+1)
	_, err := api.Submit(context.Background(), Request{
		RunID: uuid.NewString(), WorkflowID: "wf-1", TenantID: "tenant-1", Payload: huge,
	})
	assert.Error(t, err)
}

func TestSubmit_RetriesEnqueueBeforeFailing(t *testing.T) {
	api, _, queue, _ := newTestAPI()
	queue.failTimes = 2 // fails twice, succeeds on the third attempt (maxRetries=3)

	view, err := api.Submit(context.Background(), Request{RunID: uuid.NewString(), WorkflowID: "wf-1", TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusQueued, view.Status)
	assert.Len(t, queue.enqueued, 1)
}

func TestSubmit_EnqueueExhaustionIsGatewayError(t *testing.T) {
	api, runs, queue, _ := newTestAPI()
	queue.failTimes = 99

	req := Request{RunID: uuid.NewString(), WorkflowID: "wf-1", TenantID: "tenant-1"}
	_, err := api.Submit(context.Background(), req)
	assert.Error(t, err)
	var validationErr *domainerrors.ValidationError
	assert.False(t, errors.As(err, &validationErr), "enqueue exhaustion must not surface as a validation error")

	// The run record must still exist as QUEUED for future reconciliation.
	stored, getErr := runs.Get(context.Background(), req.RunID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.RunStatusQueued, stored.Status)
}
