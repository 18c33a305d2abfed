package lifecycle

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// OperationGate serializes lifecycle-mutating operations system-wide.
// At most one gated operation runs at a time; concurrent callers of the
// same operation coalesce onto a single execution and all receive its
// result, while callers of different operations queue behind the mutex.
//
// The gate is injected into the supervisor and pipeline as a first-class
// component rather than living as ambient global state.
type OperationGate struct {
	mu     sync.Mutex
	group  singleflight.Group
	logger *zap.Logger
}

// NewOperationGate creates a gate.
func NewOperationGate(logger *zap.Logger) *OperationGate {
	return &OperationGate{logger: logger}
}

// Do runs fn under the gate. Callers that arrive while an identically
// named operation is in flight share its outcome instead of re-running it.
func (g *OperationGate) Do(name string, fn func() error) error {
	_, err, shared := g.group.Do(name, func() (interface{}, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		return nil, fn()
	})
	if shared {
		g.logger.Debug("operation coalesced with in-flight execution",
			zap.String("operation", name))
	}
	return err
}
