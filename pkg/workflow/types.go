// Package workflow provides the wire/YAML definition format for workflow
// graphs and a builder for constructing them programmatically, independent
// of any particular storage backend.
package workflow

// RetryDef is the wire shape of a node's per-attempt retry policy.
type RetryDef struct {
	MaxAttempts int    `json:"maxAttempts" yaml:"maxAttempts"`
	Backoff     string `json:"backoff" yaml:"backoff"` // fixed | linear | exponential
	DelayMs     int64  `json:"delayMs" yaml:"delayMs"`
}

// NodeDef is the wire shape of a single graph node.
type NodeDef struct {
	ID     string         `json:"id" yaml:"id"`
	Type   string         `json:"type" yaml:"type"`
	Name   string         `json:"name" yaml:"name"`
	Config map[string]any `json:"config" yaml:"config"`
	Retry  *RetryDef      `json:"retry" yaml:"retry"`
}

// EdgeDef is the wire shape of a single graph edge.
type EdgeDef struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition" yaml:"condition"` // success | failure | always | expression
	Expr      string `json:"expr" yaml:"expr"`            // used only when Condition == "expression"
}

// ConfigDef is the wire shape of a graph's execution configuration block.
type ConfigDef struct {
	MaxExecutionTimeMs int64  `json:"maxExecutionTimeMs" yaml:"maxExecutionTimeMs"`
	MaxConcurrentNodes int    `json:"maxConcurrentNodes" yaml:"maxConcurrentNodes"`
	ErrorStrategy      string `json:"errorStrategy" yaml:"errorStrategy"`
	EnableRollback     bool   `json:"enableRollback" yaml:"enableRollback"`
	AuditLevel         string `json:"auditLevel" yaml:"auditLevel"`
}

// Definition is the declarative, serializable shape of a workflow graph —
// the format the Workflow Repository hydrates into a domain.WorkflowGraph.
type Definition struct {
	WorkflowID string    `json:"workflowId" yaml:"workflowId"`
	Version    string    `json:"version" yaml:"version"`
	TenantID   string    `json:"tenantId" yaml:"tenantId"`
	Nodes      []NodeDef `json:"nodes" yaml:"nodes"`
	Edges      []EdgeDef `json:"edges" yaml:"edges"`
	Config     ConfigDef `json:"config" yaml:"config"`
}
