package workflow

import (
	"strconv"

	"github.com/smilemakc/wfcore/internal/domain"
)

// DefinitionBuilder assembles a Definition fluently, mirroring the shape
// test fixtures and seed scripts construct graphs in.
type DefinitionBuilder struct {
	d Definition
}

func NewDefinitionBuilder() *DefinitionBuilder { return &DefinitionBuilder{d: Definition{}} }

func (b *DefinitionBuilder) WorkflowID(id string) *DefinitionBuilder { b.d.WorkflowID = id; return b }
func (b *DefinitionBuilder) Version(v string) *DefinitionBuilder    { b.d.Version = v; return b }
func (b *DefinitionBuilder) TenantID(id string) *DefinitionBuilder  { b.d.TenantID = id; return b }
func (b *DefinitionBuilder) Config(c ConfigDef) *DefinitionBuilder  { b.d.Config = c; return b }

func (b *DefinitionBuilder) AddNode(n NodeDef) *DefinitionBuilder {
	b.d.Nodes = append(b.d.Nodes, n)
	return b
}

func (b *DefinitionBuilder) AddEdge(e EdgeDef) *DefinitionBuilder {
	b.d.Edges = append(b.d.Edges, e)
	return b
}

func (b *DefinitionBuilder) Build() Definition { return b.d }

// NodeDefBuilder assembles a single NodeDef fluently.
type NodeDefBuilder struct{ n NodeDef }

func NewNodeDefBuilder() *NodeDefBuilder                { return &NodeDefBuilder{} }
func (b *NodeDefBuilder) ID(id string) *NodeDefBuilder   { b.n.ID = id; return b }
func (b *NodeDefBuilder) Type(t string) *NodeDefBuilder  { b.n.Type = t; return b }
func (b *NodeDefBuilder) Name(n string) *NodeDefBuilder  { b.n.Name = n; return b }
func (b *NodeDefBuilder) Retry(max int, backoff string, delayMs int64) *NodeDefBuilder {
	b.n.Retry = &RetryDef{MaxAttempts: max, Backoff: backoff, DelayMs: delayMs}
	return b
}
func (b *NodeDefBuilder) ConfigKV(k string, v any) *NodeDefBuilder {
	if b.n.Config == nil {
		b.n.Config = map[string]any{}
	}
	b.n.Config[k] = v
	return b
}
func (b *NodeDefBuilder) Build() NodeDef { return b.n }

// EdgeDefBuilder assembles a single EdgeDef fluently.
type EdgeDefBuilder struct{ e EdgeDef }

func NewEdgeDefBuilder() *EdgeDefBuilder                 { return &EdgeDefBuilder{} }
func (b *EdgeDefBuilder) From(id string) *EdgeDefBuilder { b.e.From = id; return b }
func (b *EdgeDefBuilder) To(id string) *EdgeDefBuilder   { b.e.To = id; return b }
func (b *EdgeDefBuilder) Condition(kind string) *EdgeDefBuilder {
	b.e.Condition = kind
	return b
}
func (b *EdgeDefBuilder) Expr(expr string) *EdgeDefBuilder { b.e.Expr = expr; return b }
func (b *EdgeDefBuilder) Build() EdgeDef                   { return b.e }

// ToDomain converts the wire Definition into the in-memory graph the Graph
// Builder and Execution Engine operate on.
func (d Definition) ToDomain() *domain.WorkflowGraph {
	nodes := make([]*domain.Node, 0, len(d.Nodes))
	for _, nd := range d.Nodes {
		cfg := nd.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		if nd.Retry != nil {
			cfg["retryConfig"] = map[string]any{
				"maxAttempts": nd.Retry.MaxAttempts,
				"backoff":     nd.Retry.Backoff,
				"delayMs":     nd.Retry.DelayMs,
			}
		}
		nodes = append(nodes, domain.NewNode(nd.ID, domain.NodeKind(nd.Type), nd.Name, cfg))
	}

	edges := make([]*domain.Edge, 0, len(d.Edges))
	for i, ed := range d.Edges {
		kind := domain.EdgeConditionKind(ed.Condition)
		if kind == "" {
			kind = domain.EdgeConditionAlways
		}
		edges = append(edges, domain.NewEdge(edgeID(d.WorkflowID, i), ed.From, ed.To, kind, ed.Expr))
	}

	cfg := domain.GraphConfig{
		MaxExecutionTimeMs: d.Config.MaxExecutionTimeMs,
		MaxConcurrentNodes: d.Config.MaxConcurrentNodes,
		ErrorStrategy:      domain.ErrorStrategy(d.Config.ErrorStrategy),
		EnableRollback:     d.Config.EnableRollback,
		AuditLevel:         d.Config.AuditLevel,
	}
	if cfg.MaxExecutionTimeMs == 0 {
		cfg.MaxExecutionTimeMs = domain.DefaultGraphConfig().MaxExecutionTimeMs
	}
	if cfg.MaxConcurrentNodes == 0 {
		cfg.MaxConcurrentNodes = domain.DefaultGraphConfig().MaxConcurrentNodes
	}
	if cfg.ErrorStrategy == "" {
		cfg.ErrorStrategy = domain.DefaultGraphConfig().ErrorStrategy
	}

	return domain.NewWorkflowGraph(d.WorkflowID, d.Version, d.TenantID, nodes, edges, cfg)
}

func edgeID(workflowID string, index int) string {
	return workflowID + "-edge-" + strconv.Itoa(index)
}
