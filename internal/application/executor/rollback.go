package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/smilemakc/wfcore/internal/domain"
)

// compensator runs the compensating action for one node kind. The default,
// used by every kind without a registered compensator, is a no-op: most
// node bodies in this core (DELAY, CONDITION, DATA_TRANSFORM, template
// rendering) have nothing to undo.
type compensator func(ctx context.Context, execCtx *domain.ExecutionContext, node *domain.Node, output map[string]any) error

// RollbackExecutor runs compensating actions for a failed run's already-
// executed nodes, in reverse topological order, best-effort: a compensator
// failure is logged but never changes the run's terminal FAILED status.
type RollbackExecutor struct {
	dispatcher    *Dispatcher
	compensators  map[domain.NodeKind]compensator
}

// NewRollbackExecutor wires the compensating actions this core knows how to
// run. USER_PROVISION, LICENSE_ASSIGN, and WEBHOOK get a logged,
// audit-only acknowledgement, since actually reversing those calls requires
// the provider's own API; every other kind has no compensator.
func NewRollbackExecutor(dispatcher *Dispatcher) *RollbackExecutor {
	r := &RollbackExecutor{
		dispatcher:   dispatcher,
		compensators: make(map[domain.NodeKind]compensator),
	}

	r.compensators[domain.NodeKindUserProvision] = auditOnlyCompensator("reversing user provisioning requires a deprovision call against the same provider")
	r.compensators[domain.NodeKindLicenseAssign] = auditOnlyCompensator("reversing a license assignment requires a revoke call against the same provider")
	r.compensators[domain.NodeKindWebhook] = auditOnlyCompensator("a delivered webhook cannot be recalled; compensation is advisory only")

	return r
}

func auditOnlyCompensator(reason string) compensator {
	return func(_ context.Context, execCtx *domain.ExecutionContext, node *domain.Node, _ map[string]any) error {
		log.Info().Str("runId", execCtx.RunID).Str("nodeId", node.ID()).Str("nodeKind", node.Kind().String()).Msg(reason)
		return nil
	}
}

// Run walks executedOrder in reverse and invokes each node's compensator, if
// one is registered. Nodes without a registered compensator are skipped
// silently; everything else emits an audit log line regardless of outcome.
func (r *RollbackExecutor) Run(ctx context.Context, execCtx *domain.ExecutionContext, graph *domain.WorkflowGraph, executedOrder []string) {
	for i := len(executedOrder) - 1; i >= 0; i-- {
		nodeID := executedOrder[i]
		node := graph.NodeByID(nodeID)
		if node == nil {
			continue
		}
		comp, ok := r.compensators[node.Kind()]
		if !ok {
			continue
		}

		output, _ := execCtx.Output(nodeID)
		start := time.Now()
		err := comp(ctx, execCtx, node, output)
		entry := log.Info().Str("runId", execCtx.RunID).Str("nodeId", nodeID).Dur("durationMs", time.Since(start))
		if err != nil {
			log.Warn().Err(err).Str("runId", execCtx.RunID).Str("nodeId", nodeID).Msg("rollback compensator failed, continuing best-effort")
			continue
		}
		entry.Msg("rollback compensator completed")
	}
}
