package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"github.com/smilemakc/wfcore/internal/domain"
)

// defaultNodeExecutionRetention is the per-node record retention window per
// spec §6: 7 days, independent of and shorter than the owning run's 30-day
// retention.
const defaultNodeExecutionRetention = 7 * 24 * time.Hour

// NodeExecutionStore is the C2 Postgres adapter. Upsert fully replaces the
// (runId, nodeId) record; IncrementRetryCount applies an atomic store-level
// ADD rather than a read-modify-write round trip.
type NodeExecutionStore struct {
	db        *DB
	retention time.Duration
}

// NewNodeExecutionStore builds the Node-Execution Store over an open
// connection. retention governs how long a node's own record survives after
// its startedAt, independent of its run's retention; zero falls back to the
// spec default of 7 days.
func NewNodeExecutionStore(db *DB, retention time.Duration) *NodeExecutionStore {
	if retention <= 0 {
		retention = defaultNodeExecutionRetention
	}
	return &NodeExecutionStore{db: db, retention: retention}
}

var _ domain.NodeExecutionStore = (*NodeExecutionStore)(nil)

// Upsert creates or fully replaces the (runID, nodeID) record.
func (s *NodeExecutionStore) Upsert(ctx context.Context, ne *domain.NodeExecution) error {
	model, err := nodeExecModelFromDomain(ne)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().Model(model).
		On("CONFLICT (run_id, node_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("started_at = EXCLUDED.started_at").
		Set("finished_at = EXCLUDED.finished_at").
		Set("input = EXCLUDED.input").
		Set("output = EXCLUDED.output").
		Set("error = EXCLUDED.error").
		Set("retry_count = EXCLUDED.retry_count").
		Set("execution_time_ms = EXCLUDED.execution_time_ms").
		Set("resource_usage = EXCLUDED.resource_usage").
		Exec(ctx)
	return err
}

// Get retrieves the record for (runID, nodeID); returns nil, nil if absent.
func (s *NodeExecutionStore) Get(ctx context.Context, runID, nodeID string) (*domain.NodeExecution, error) {
	var model NodeExecutionModel
	err := s.db.NewSelect().Model(&model).Where("run_id = ? AND node_id = ?", runID, nodeID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.toDomain()
}

// ListByRun returns every node execution recorded for runID, in startedAt order.
func (s *NodeExecutionStore) ListByRun(ctx context.Context, runID string) ([]*domain.NodeExecution, error) {
	var models []NodeExecutionModel
	if err := s.db.NewSelect().Model(&models).Where("run_id = ?", runID).Order("started_at ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*domain.NodeExecution, 0, len(models))
	for i := range models {
		ne, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ne)
	}
	return out, nil
}

// IncrementRetryCount atomically increments retry_count and returns the new value.
func (s *NodeExecutionStore) IncrementRetryCount(ctx context.Context, runID, nodeID string) (int, error) {
	var newCount int
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().Model((*NodeExecutionModel)(nil)).
			Set("retry_count = retry_count + 1").
			Where("run_id = ? AND node_id = ?", runID, nodeID).
			Exec(ctx)
		if err != nil {
			return err
		}
		return tx.NewSelect().Model((*NodeExecutionModel)(nil)).
			Column("retry_count").
			Where("run_id = ? AND node_id = ?", runID, nodeID).
			Scan(ctx, &newCount)
	})
	return newCount, err
}

// SweepExpired deletes node executions whose own startedAt has passed this
// store's retention window, regardless of whether the owning run record
// itself is still within its (longer) retention window.
func (s *NodeExecutionStore) SweepExpired(ctx context.Context, now int64) (int, error) {
	cutoff := time.Unix(now, 0).UTC().Add(-s.retention)
	res, err := s.db.NewDelete().
		Model((*NodeExecutionModel)(nil)).
		Where("started_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}
