package domain

import "time"

// Run is one execution instance of a workflow. The Submission API owns its
// creation; the Execution Engine owns every subsequent transition. Terminal
// statuses never transition further.
type Run struct {
	RunID             string         `json:"runId"`
	WorkflowID        string         `json:"workflowId"`
	TenantID          string         `json:"tenantId"`
	Status            RunStatus      `json:"status"`
	StartedAt         time.Time      `json:"startedAt"`
	FinishedAt        *time.Time     `json:"finishedAt,omitempty"`
	StartNodeID       string         `json:"startNodeId,omitempty"`
	Payload           map[string]any `json:"payload"`
	Error             *ErrorInfo     `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
	RetentionDeadline time.Time      `json:"retentionDeadline"`
}

// NewQueuedRun builds a freshly queued run per the Submission API algorithm
// (§4.1): status QUEUED, startedAt = now, retentionDeadline = now + retention.
func NewQueuedRun(runID, workflowID, tenantID, startNodeID string, payload map[string]any, now time.Time, retention time.Duration) *Run {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Run{
		RunID:             runID,
		WorkflowID:        workflowID,
		TenantID:          tenantID,
		Status:            RunStatusQueued,
		StartedAt:         now,
		StartNodeID:       startNodeID,
		Payload:           payload,
		CreatedAt:         now,
		UpdatedAt:         now,
		RetentionDeadline: now.Add(retention),
	}
}

// TransitionToRunning moves a QUEUED run to RUNNING. Callers use this only
// after a conditional store update has confirmed the prior status.
func (r *Run) TransitionToRunning(now time.Time) {
	r.Status = RunStatusRunning
	r.UpdatedAt = now
}

// Complete marks the run SUCCESS, setting finishedAt. Terminal: no further
// mutation is valid after this call.
func (r *Run) Complete(now time.Time) {
	r.Status = RunStatusSuccess
	r.FinishedAt = &now
	r.UpdatedAt = now
}

// Fail marks the run FAILED with the given error, setting finishedAt.
func (r *Run) Fail(now time.Time, errInfo *ErrorInfo) {
	r.Status = RunStatusFailed
	r.FinishedAt = &now
	r.Error = errInfo
	r.UpdatedAt = now
}

// RunStatusView is the wire shape returned by the Submission API, identical
// on first submit and on idempotent resubmit.
type RunStatusView struct {
	RunID      string     `json:"runId"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// View projects a Run to its external RunStatusView.
func (r *Run) View() RunStatusView {
	return RunStatusView{
		RunID:      r.RunID,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Error:      r.Error,
	}
}
