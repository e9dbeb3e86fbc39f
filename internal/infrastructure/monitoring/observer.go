// Package monitoring adapts Execution Engine lifecycle notifications into
// observability sinks — currently distributed tracing, generalized from the
// teacher's callback-oriented monitoring package to the run/node model this
// core actually executes.
package monitoring

import (
	"sync"
	"time"
)

// ExecutionObserver receives run and node lifecycle notifications from the
// Execution Engine. A nil *Engine.Observer is valid and simply means no one
// is watching.
type ExecutionObserver interface {
	OnRunStarted(runID, workflowID, tenantID string)
	OnRunCompleted(runID string, duration time.Duration)
	OnRunFailed(runID string, err error, duration time.Duration)

	OnNodeStarted(runID, nodeID, nodeKind string, attempt int)
	OnNodeCompleted(runID, nodeID string, duration time.Duration)
	OnNodeFailed(runID, nodeID string, err error, duration time.Duration, retryable bool)
}

// ObserverManager fans every notification out to a set of observers and is
// itself an ExecutionObserver, so the engine only ever needs to hold one.
type ObserverManager struct {
	mu        sync.RWMutex
	observers []ExecutionObserver
}

// NewObserverManager builds an empty fan-out observer.
func NewObserverManager() *ObserverManager {
	return &ObserverManager{}
}

// Add registers an observer. Safe to call after notifications have started.
func (om *ObserverManager) Add(o ExecutionObserver) {
	om.mu.Lock()
	defer om.mu.Unlock()
	om.observers = append(om.observers, o)
}

var _ ExecutionObserver = (*ObserverManager)(nil)

func (om *ObserverManager) snapshot() []ExecutionObserver {
	om.mu.RLock()
	defer om.mu.RUnlock()
	return append([]ExecutionObserver{}, om.observers...)
}

func (om *ObserverManager) OnRunStarted(runID, workflowID, tenantID string) {
	for _, o := range om.snapshot() {
		o.OnRunStarted(runID, workflowID, tenantID)
	}
}

func (om *ObserverManager) OnRunCompleted(runID string, duration time.Duration) {
	for _, o := range om.snapshot() {
		o.OnRunCompleted(runID, duration)
	}
}

func (om *ObserverManager) OnRunFailed(runID string, err error, duration time.Duration) {
	for _, o := range om.snapshot() {
		o.OnRunFailed(runID, err, duration)
	}
}

func (om *ObserverManager) OnNodeStarted(runID, nodeID, nodeKind string, attempt int) {
	for _, o := range om.snapshot() {
		o.OnNodeStarted(runID, nodeID, nodeKind, attempt)
	}
}

func (om *ObserverManager) OnNodeCompleted(runID, nodeID string, duration time.Duration) {
	for _, o := range om.snapshot() {
		o.OnNodeCompleted(runID, nodeID, duration)
	}
}

func (om *ObserverManager) OnNodeFailed(runID, nodeID string, err error, duration time.Duration, retryable bool) {
	for _, o := range om.snapshot() {
		o.OnNodeFailed(runID, nodeID, err, duration, retryable)
	}
}
