package domain

import "time"

// ResourceUsage captures the lightweight metering data attached to a node
// execution attempt: wall-clock time and heap delta.
type ResourceUsage struct {
	WallClockMs  int64 `json:"wallClockMs"`
	HeapDeltaKB  int64 `json:"heapDeltaKb"`
}

// NodeExecution is the per-(runId,nodeId) record tracking one node's
// execution across retries. At most one record exists per (runId, nodeId);
// retryCount is monotonically non-decreasing; a terminal status always
// implies finishedAt is set.
type NodeExecution struct {
	RunID           string         `json:"runId"`
	NodeID          string         `json:"nodeId"`
	Status          NodeExecStatus `json:"status"`
	StartedAt       time.Time      `json:"startedAt"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty"`
	Input           map[string]any `json:"input"`
	Output          map[string]any `json:"output,omitempty"`
	Error           *ErrorInfo     `json:"error,omitempty"`
	RetryCount      int            `json:"retryCount"`
	ExecutionTimeMs *int64         `json:"executionTimeMs,omitempty"`
	ResourceUsage   *ResourceUsage `json:"resourceUsage,omitempty"`
}

// NewNodeExecution creates the record for a node's first attempt, in
// PENDING status, as the engine is about to dispatch it.
func NewNodeExecution(runID, nodeID string, input map[string]any, now time.Time) *NodeExecution {
	if input == nil {
		input = make(map[string]any)
	}
	return &NodeExecution{
		RunID:     runID,
		NodeID:    nodeID,
		Status:    NodeExecStatusPending,
		StartedAt: now,
		Input:     input,
	}
}

// Start transitions the record to RUNNING, refreshing startedAt for the
// current attempt.
func (ne *NodeExecution) Start(now time.Time) {
	ne.Status = NodeExecStatusRunning
	ne.StartedAt = now
	ne.FinishedAt = nil
}

// Succeed transitions the record to SUCCESS with output and timing.
func (ne *NodeExecution) Succeed(now time.Time, output map[string]any, executionTimeMs int64, usage *ResourceUsage) {
	ne.Status = NodeExecStatusSuccess
	ne.FinishedAt = &now
	ne.Output = output
	ne.ExecutionTimeMs = &executionTimeMs
	ne.ResourceUsage = usage
	ne.Error = nil
}

// Fail transitions the record to FAILED with the terminal error.
func (ne *NodeExecution) Fail(now time.Time, errInfo *ErrorInfo, executionTimeMs int64) {
	ne.Status = NodeExecStatusFailed
	ne.FinishedAt = &now
	ne.Error = errInfo
	ne.ExecutionTimeMs = &executionTimeMs
}

// Skip transitions the record to SKIPPED, e.g. when a gating edge condition
// never became true.
func (ne *NodeExecution) Skip(now time.Time, reason string) {
	ne.Status = NodeExecStatusSkipped
	ne.FinishedAt = &now
	ne.Error = &ErrorInfo{Code: "SKIPPED", Message: reason, Retryable: false, Category: "validation"}
}

// Retrying transitions the record back toward RUNNING for the next attempt
// and increments the monotonic retry counter. The store-level increment is
// applied separately as an atomic ADD by the NodeExecutionStore; this method
// updates the in-memory mirror used by the engine during the same attempt.
func (ne *NodeExecution) Retrying(now time.Time) {
	ne.Status = NodeExecStatusRetrying
	ne.RetryCount++
	ne.FinishedAt = nil
}
