package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"github.com/smilemakc/wfcore/internal/domain"
	domainerrors "github.com/smilemakc/wfcore/internal/domain/errors"
)

// RunStore is the C1 Postgres adapter. Insert uses ON CONFLICT DO NOTHING to
// implement the conditional-insert-guarded-by-absence contract;
// CompareAndUpdate wraps a SELECT ... FOR UPDATE in a transaction to
// implement the compare-and-swap contract.
type RunStore struct {
	db *DB
}

// NewRunStore builds the Run Store over an open connection.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

var _ domain.RunStore = (*RunStore)(nil)

// Insert creates run iff no record with its RunID exists yet. On conflict,
// it reads back and returns the existing record instead of inserting,
// matching the Submission API's idempotent-submit contract.
func (s *RunStore) Insert(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	model, err := runModelFromDomain(run)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.NewInsert().Model(model).On("CONFLICT (run_id) DO NOTHING").Exec(ctx)
	if err != nil {
		return nil, false, err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return run, false, nil
	}

	existing, err := s.Get(ctx, run.RunID)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

// CompareAndUpdate locks the row, verifies its stored status equals
// expectedStatus, applies mutate in Go, and writes the result back — all in
// one transaction, implementing the store-level compare-and-swap.
func (s *RunStore) CompareAndUpdate(ctx context.Context, runID string, expectedStatus domain.RunStatus, mutate func(*domain.Run)) (*domain.Run, error) {
	var updated *domain.Run

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var model RunModel
		if err := tx.NewSelect().Model(&model).Where("run_id = ?", runID).For("UPDATE").Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domainerrors.NewStateError(runID, "run not found", err)
			}
			return err
		}
		if domain.RunStatus(model.Status) != expectedStatus {
			return domainerrors.NewStateError(runID, "run status precondition failed: expected "+string(expectedStatus)+", found "+model.Status, nil)
		}

		run, err := model.toDomain()
		if err != nil {
			return err
		}
		mutate(run)

		newModel, err := runModelFromDomain(run)
		if err != nil {
			return err
		}
		if _, err := tx.NewUpdate().Model(newModel).Where("run_id = ?", runID).Exec(ctx); err != nil {
			return err
		}
		updated = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Get retrieves a run by id.
func (s *RunStore) Get(ctx context.Context, runID string) (*domain.Run, error) {
	var model RunModel
	if err := s.db.NewSelect().Model(&model).Where("run_id = ?", runID).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.NewStateError(runID, "run not found", err)
		}
		return nil, err
	}
	return model.toDomain()
}

// SweepExpired deletes every run whose retention deadline has passed.
func (s *RunStore) SweepExpired(ctx context.Context, now int64) (int, error) {
	cutoff := time.Unix(now, 0).UTC()
	res, err := s.db.NewDelete().Model((*RunModel)(nil)).Where("retention_deadline < ?", cutoff).Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}
