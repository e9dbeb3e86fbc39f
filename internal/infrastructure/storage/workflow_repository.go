package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/smilemakc/wfcore/internal/domain"
	domainerrors "github.com/smilemakc/wfcore/internal/domain/errors"
	"github.com/smilemakc/wfcore/pkg/workflow"
)

// WorkflowRepository is the C3 Postgres adapter. Graph definitions are
// immutable once published, so each worker keeps an unbounded in-memory
// cache keyed by (workflowId, version). Get never evicts entries; only Put,
// in the same process, drops the entries for the version it writes and for
// the workflow's latest lookup.
type WorkflowRepository struct {
	db *DB

	mu    sync.RWMutex
	cache map[string]*domain.WorkflowGraph
}

// NewWorkflowRepository builds the Workflow Repository over an open connection.
func NewWorkflowRepository(db *DB) *WorkflowRepository {
	return &WorkflowRepository{
		db:    db,
		cache: make(map[string]*domain.WorkflowGraph),
	}
}

var _ domain.WorkflowRepository = (*WorkflowRepository)(nil)

// Get retrieves the graph for (workflowID, version). An empty version
// resolves to the row flagged is_latest.
func (r *WorkflowRepository) Get(ctx context.Context, workflowID, version string) (*domain.WorkflowGraph, error) {
	key := cacheKey(workflowID, version)

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var model WorkflowGraphModel
	q := r.db.NewSelect().Model(&model).Where("workflow_id = ?", workflowID)
	if version == "" {
		q = q.Where("is_latest = TRUE")
	} else {
		q = q.Where("version = ?", version)
	}

	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.NewExecutionError(workflowID, "", "", domainerrors.CodeWorkflowNotFound, "workflow graph not found", err, false, domainerrors.CategoryValidation)
		}
		return nil, err
	}

	var def workflow.Definition
	if err := json.Unmarshal(model.Definition, &def); err != nil {
		return nil, err
	}
	graph := def.ToDomain()

	r.mu.Lock()
	r.cache[cacheKey(model.WorkflowID, model.Version)] = graph
	if model.IsLatest {
		r.cache[cacheKey(model.WorkflowID, "")] = graph
	}
	r.mu.Unlock()

	return graph, nil
}

// Put publishes a new graph version, flagging it latest and clearing the
// "" (latest) and exact-version cache entries so the next Get re-reads it.
// This is the Workflow Repository's write path, used by deployment tooling
// rather than the Execution Engine, which only ever reads.
func (r *WorkflowRepository) Put(ctx context.Context, def workflow.Definition) error {
	encoded, err := json.Marshal(def)
	if err != nil {
		return err
	}

	model := &WorkflowGraphModel{
		WorkflowID: def.WorkflowID,
		Version:    def.Version,
		TenantID:   def.TenantID,
		Definition: encoded,
		IsLatest:   true,
		CreatedAt:  time.Now().UTC(),
	}

	if _, err := r.db.NewUpdate().Model((*WorkflowGraphModel)(nil)).
		Set("is_latest = FALSE").
		Where("workflow_id = ? AND is_latest = TRUE", def.WorkflowID).
		Exec(ctx); err != nil {
		return err
	}
	if _, err := r.db.NewInsert().Model(model).
		On("CONFLICT (workflow_id, version) DO UPDATE").
		Set("definition = EXCLUDED.definition").
		Set("is_latest = EXCLUDED.is_latest").
		Exec(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.cache, cacheKey(def.WorkflowID, ""))
	delete(r.cache, cacheKey(def.WorkflowID, def.Version))
	r.mu.Unlock()

	return nil
}

func cacheKey(workflowID, version string) string {
	return workflowID + "@" + version
}
