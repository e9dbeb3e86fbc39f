// Package storage implements the Run Store (C1), Node-Execution Store (C2),
// and Workflow Repository (C3) on Postgres via uptrace/bun.
package storage

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"

	"github.com/smilemakc/wfcore/internal/domain"
)

// RunModel is the C1 row shape: one record per runId.
type RunModel struct {
	bun.BaseModel `bun:"table:runs,alias:r"`

	RunID             string     `bun:"run_id,pk"`
	WorkflowID        string     `bun:"workflow_id,notnull"`
	TenantID          string     `bun:"tenant_id,notnull"`
	Status            string     `bun:"status,notnull"`
	StartedAt         time.Time  `bun:"started_at,notnull"`
	FinishedAt        *time.Time `bun:"finished_at"`
	StartNodeID       string     `bun:"start_node_id"`
	Payload           []byte     `bun:"payload,type:jsonb"`
	Error             []byte     `bun:"error,type:jsonb"`
	CreatedAt         time.Time  `bun:"created_at,notnull"`
	UpdatedAt         time.Time  `bun:"updated_at,notnull"`
	RetentionDeadline time.Time  `bun:"retention_deadline,notnull"`
}

func runModelFromDomain(r *domain.Run) (*RunModel, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, err
	}
	var errJSON []byte
	if r.Error != nil {
		errJSON, err = json.Marshal(r.Error)
		if err != nil {
			return nil, err
		}
	}
	return &RunModel{
		RunID:             r.RunID,
		WorkflowID:        r.WorkflowID,
		TenantID:          r.TenantID,
		Status:            string(r.Status),
		StartedAt:         r.StartedAt,
		FinishedAt:        r.FinishedAt,
		StartNodeID:       r.StartNodeID,
		Payload:           payload,
		Error:             errJSON,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		RetentionDeadline: r.RetentionDeadline,
	}, nil
}

func (m *RunModel) toDomain() (*domain.Run, error) {
	var payload map[string]any
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, err
		}
	}
	var errInfo *domain.ErrorInfo
	if len(m.Error) > 0 {
		errInfo = &domain.ErrorInfo{}
		if err := json.Unmarshal(m.Error, errInfo); err != nil {
			return nil, err
		}
	}
	return &domain.Run{
		RunID:             m.RunID,
		WorkflowID:        m.WorkflowID,
		TenantID:          m.TenantID,
		Status:            domain.RunStatus(m.Status),
		StartedAt:         m.StartedAt,
		FinishedAt:        m.FinishedAt,
		StartNodeID:       m.StartNodeID,
		Payload:           payload,
		Error:             errInfo,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		RetentionDeadline: m.RetentionDeadline,
	}, nil
}

// NodeExecutionModel is the C2 row shape: one record per (runId, nodeId).
type NodeExecutionModel struct {
	bun.BaseModel `bun:"table:node_executions,alias:ne"`

	RunID           string     `bun:"run_id,pk"`
	NodeID          string     `bun:"node_id,pk"`
	Status          string     `bun:"status,notnull"`
	StartedAt       time.Time  `bun:"started_at,notnull"`
	FinishedAt      *time.Time `bun:"finished_at"`
	Input           []byte     `bun:"input,type:jsonb"`
	Output          []byte     `bun:"output,type:jsonb"`
	Error           []byte     `bun:"error,type:jsonb"`
	RetryCount      int        `bun:"retry_count,notnull"`
	ExecutionTimeMs *int64     `bun:"execution_time_ms"`
	ResourceUsage   []byte     `bun:"resource_usage,type:jsonb"`
}

func nodeExecModelFromDomain(ne *domain.NodeExecution) (*NodeExecutionModel, error) {
	input, err := json.Marshal(ne.Input)
	if err != nil {
		return nil, err
	}
	var output, errJSON, usage []byte
	if ne.Output != nil {
		if output, err = json.Marshal(ne.Output); err != nil {
			return nil, err
		}
	}
	if ne.Error != nil {
		if errJSON, err = json.Marshal(ne.Error); err != nil {
			return nil, err
		}
	}
	if ne.ResourceUsage != nil {
		if usage, err = json.Marshal(ne.ResourceUsage); err != nil {
			return nil, err
		}
	}
	return &NodeExecutionModel{
		RunID:           ne.RunID,
		NodeID:          ne.NodeID,
		Status:          string(ne.Status),
		StartedAt:       ne.StartedAt,
		FinishedAt:      ne.FinishedAt,
		Input:           input,
		Output:          output,
		Error:           errJSON,
		RetryCount:      ne.RetryCount,
		ExecutionTimeMs: ne.ExecutionTimeMs,
		ResourceUsage:   usage,
	}, nil
}

func (m *NodeExecutionModel) toDomain() (*domain.NodeExecution, error) {
	var input, output map[string]any
	if len(m.Input) > 0 {
		if err := json.Unmarshal(m.Input, &input); err != nil {
			return nil, err
		}
	}
	if len(m.Output) > 0 {
		if err := json.Unmarshal(m.Output, &output); err != nil {
			return nil, err
		}
	}
	var errInfo *domain.ErrorInfo
	if len(m.Error) > 0 {
		errInfo = &domain.ErrorInfo{}
		if err := json.Unmarshal(m.Error, errInfo); err != nil {
			return nil, err
		}
	}
	var usage *domain.ResourceUsage
	if len(m.ResourceUsage) > 0 {
		usage = &domain.ResourceUsage{}
		if err := json.Unmarshal(m.ResourceUsage, usage); err != nil {
			return nil, err
		}
	}
	return &domain.NodeExecution{
		RunID:           m.RunID,
		NodeID:          m.NodeID,
		Status:          domain.NodeExecStatus(m.Status),
		StartedAt:       m.StartedAt,
		FinishedAt:      m.FinishedAt,
		Input:           input,
		Output:          output,
		Error:           errInfo,
		RetryCount:      m.RetryCount,
		ExecutionTimeMs: m.ExecutionTimeMs,
		ResourceUsage:   usage,
	}, nil
}

// WorkflowGraphModel is the C3 row shape: an immutable graph definition
// keyed by (workflow_id, version), stored as its wire Definition.
type WorkflowGraphModel struct {
	bun.BaseModel `bun:"table:workflow_graphs,alias:wg"`

	WorkflowID string    `bun:"workflow_id,pk"`
	Version    string    `bun:"version,pk"`
	TenantID   string    `bun:"tenant_id,notnull"`
	Definition []byte    `bun:"definition,type:jsonb,notnull"`
	IsLatest   bool      `bun:"is_latest,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}
