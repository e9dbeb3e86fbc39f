package domain

// GraphConfig is the per-workflow execution configuration referenced by the
// Execution Engine and Graph Builder.
type GraphConfig struct {
	MaxExecutionTimeMs int64         `json:"maxExecutionTimeMs"`
	MaxConcurrentNodes int           `json:"maxConcurrentNodes"`
	ErrorStrategy      ErrorStrategy `json:"errorStrategy"`
	EnableRollback     bool          `json:"enableRollback"`
	AuditLevel         string        `json:"auditLevel"`
}

// DefaultGraphConfig mirrors the defaults a workflow gets when its config
// block omits a field.
func DefaultGraphConfig() GraphConfig {
	return GraphConfig{
		MaxExecutionTimeMs: 30_000,
		MaxConcurrentNodes: 4,
		ErrorStrategy:      ErrorStrategyStop,
		AuditLevel:         "standard",
	}
}

// WorkflowGraph is the read-only definition of a workflow: its nodes, edges,
// and execution configuration, keyed by (workflowId, version). It carries no
// execution state; Run and NodeExecution own that separately.
type WorkflowGraph struct {
	workflowID string
	version    string
	tenantID   string
	nodes      []*Node
	edges      []*Edge
	config     GraphConfig
}

// NewWorkflowGraph constructs a graph definition from its nodes and edges.
func NewWorkflowGraph(workflowID, version, tenantID string, nodes []*Node, edges []*Edge, config GraphConfig) *WorkflowGraph {
	return &WorkflowGraph{
		workflowID: workflowID,
		version:    version,
		tenantID:   tenantID,
		nodes:      nodes,
		edges:      edges,
		config:     config,
	}
}

func (g *WorkflowGraph) WorkflowID() string  { return g.workflowID }
func (g *WorkflowGraph) Version() string     { return g.version }
func (g *WorkflowGraph) TenantID() string    { return g.tenantID }
func (g *WorkflowGraph) Nodes() []*Node      { return g.nodes }
func (g *WorkflowGraph) Edges() []*Edge      { return g.edges }
func (g *WorkflowGraph) Config() GraphConfig { return g.config }

// NodeByID returns the node with the given id, or nil if absent.
func (g *WorkflowGraph) NodeByID(id string) *Node {
	for _, n := range g.nodes {
		if n.ID() == id {
			return n
		}
	}
	return nil
}

// OutgoingEdges returns edges whose FromNodeID equals nodeID.
func (g *WorkflowGraph) OutgoingEdges(nodeID string) []*Edge {
	out := make([]*Edge, 0)
	for _, e := range g.edges {
		if e.FromNodeID() == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns edges whose ToNodeID equals nodeID.
func (g *WorkflowGraph) IncomingEdges(nodeID string) []*Edge {
	in := make([]*Edge, 0)
	for _, e := range g.edges {
		if e.ToNodeID() == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// StartNode returns the graph's single START node, or nil if none exists
// (validation is expected to have already rejected that case).
func (g *WorkflowGraph) StartNode() *Node {
	for _, n := range g.nodes {
		if n.Kind() == NodeKindStart {
			return n
		}
	}
	return nil
}
