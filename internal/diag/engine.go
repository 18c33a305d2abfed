// Package diag classifies engine failures from exit events and log
// output, and drives automatic recovery from the zombie-capture mode.
package diag

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/remapd/remapd/internal/domain"
)

const (
	// zombieExitCode together with a connection-refused message against
	// the virtual input driver identifies zombie capture: the process
	// is alive (or just died) but stopped remapping keys.
	zombieExitCode = 6

	// connRefusedPattern is the driver connection failure as the engine
	// logs it.
	connRefusedPattern = "connect_failed asio.system:61"

	// defaultFailureThreshold is how many consecutive connectionFailed
	// log events trigger recovery without waiting for a process exit.
	defaultFailureThreshold = 3

	// ringCap bounds the in-memory diagnostic history.
	ringCap = 100
)

// EngineStarter is the supervisor's validated start path, re-driven by
// recovery.
type EngineStarter interface {
	Start(ctx context.Context) error
}

// Engine consumes process-exit events and streamed log text, classifies
// known failure signatures, and autonomously runs the bounded recovery
// sequence for zombie capture. This is the only place in the system
// that recovers without a caller asking it to.
type Engine struct {
	pm      domain.ProcessManager
	svc     domain.ServiceManager
	starter EngineStarter
	journal domain.Journal
	logger  *zap.Logger

	mu                  sync.Mutex
	ring                []domain.Diagnostic
	consecutiveFailures int

	recovering atomic.Bool

	failureThreshold int
	releaseSettle    time.Duration
	daemonSettle     time.Duration
}

// NewEngine creates a diagnostics engine.
func NewEngine(pm domain.ProcessManager, svc domain.ServiceManager, starter EngineStarter, journal domain.Journal, logger *zap.Logger) *Engine {
	return &Engine{
		pm:               pm,
		svc:              svc,
		starter:          starter,
		journal:          journal,
		logger:           logger,
		failureThreshold: defaultFailureThreshold,
		releaseSettle:    1 * time.Second,
		daemonSettle:     2 * time.Second,
	}
}

// HandleExit classifies a process-exit event and triggers recovery for
// the zombie-capture signature.
func (e *Engine) HandleExit(ctx context.Context, ev domain.ExitEvent) {
	if ev.ExitCode == zombieExitCode && strings.Contains(ev.RecentOutput, connRefusedPattern) {
		e.record(ctx, domain.Diagnostic{
			Kind:       domain.DiagZombieCapture,
			Message:    fmt.Sprintf("engine exited with code %d after losing the virtual input driver", ev.ExitCode),
			Suggestion: "automatic recovery in progress",
			CanAutoFix: true,
			Detail:     lastLines(ev.RecentOutput, 5),
		})
		e.runRecovery(ctx)
		return
	}

	e.record(ctx, domain.Diagnostic{
		Kind:       domain.DiagStartFailed,
		Message:    fmt.Sprintf("engine exited with code %d", ev.ExitCode),
		Suggestion: "check the engine log for details",
		Detail:     lastLines(ev.RecentOutput, 5),
	})
}

// HandleLogLine classifies one streamed log line. Repeated consecutive
// driver connection failures past the threshold trigger the same
// recovery path as a zombie exit, without waiting for the process to die.
func (e *Engine) HandleLogLine(ctx context.Context, line string) {
	switch {
	case strings.Contains(line, connRefusedPattern):
		e.mu.Lock()
		e.consecutiveFailures++
		failures := e.consecutiveFailures
		triggered := failures >= e.failureThreshold
		if triggered {
			e.consecutiveFailures = 0
		}
		e.mu.Unlock()

		e.record(ctx, domain.Diagnostic{
			Kind:    domain.DiagConnectionFailed,
			Message: fmt.Sprintf("driver connection failed (%d consecutive)", failures),
			Detail:  strings.TrimSpace(line),
		})
		if triggered {
			e.record(ctx, domain.Diagnostic{
				Kind:       domain.DiagZombieCapture,
				Message:    "engine lost the virtual input driver and is not recovering on its own",
				Suggestion: "automatic recovery in progress",
				CanAutoFix: true,
			})
			e.runRecovery(ctx)
		}

	case strings.Contains(line, "driver_connected") || strings.Contains(line, "connected to driver"):
		e.mu.Lock()
		hadFailures := e.consecutiveFailures > 0
		e.consecutiveFailures = 0
		e.mu.Unlock()
		if hadFailures {
			e.record(ctx, domain.Diagnostic{
				Kind:    domain.DiagConnected,
				Message: "driver connection re-established",
			})
		}
	}
}

// ClearFailures resets the consecutive-failure counter; called after a
// successful apply.
func (e *Engine) ClearFailures() {
	e.mu.Lock()
	e.consecutiveFailures = 0
	e.mu.Unlock()
}

// runRecovery executes the bounded zombie-capture recovery sequence:
// kill every engine process, wait for device release, restart the
// virtual-device daemon, wait again, then a validated engine start.
// A CAS guard keeps overlapping triggers down to one execution.
func (e *Engine) runRecovery(ctx context.Context) {
	if !e.recovering.CompareAndSwap(false, true) {
		e.logger.Debug("recovery already in progress, skipping")
		return
	}
	defer e.recovering.Store(false)

	e.logger.Warn("starting zombie-capture recovery")
	e.record(ctx, domain.Diagnostic{
		Kind:    domain.DiagRecoveryStarted,
		Message: "zombie-capture recovery: killing engine processes",
	})

	pids, err := e.pm.FindByName("kanata")
	if err != nil {
		e.logger.Warn("could not enumerate engine processes", zap.Error(err))
	}
	for _, pid := range pids {
		if err := e.pm.Kill(pid); err != nil {
			e.logger.Warn("failed to kill engine process", zap.Int("pid", pid), zap.Error(err))
		}
	}

	e.sleep(ctx, e.releaseSettle)

	if err := e.svc.KickstartVirtualHID(); err != nil {
		e.logger.Error("failed to restart virtual input daemon", zap.Error(err))
		e.record(ctx, domain.Diagnostic{
			Kind:       domain.DiagRecoveryFailed,
			Message:    fmt.Sprintf("virtual input daemon restart failed: %v", err),
			Suggestion: "restart the Karabiner VirtualHIDDevice daemon manually",
		})
		return
	}

	e.sleep(ctx, e.daemonSettle)

	if err := e.starter.Start(ctx); err != nil {
		e.record(ctx, domain.Diagnostic{
			Kind:       domain.DiagRecoveryFailed,
			Message:    fmt.Sprintf("engine start after recovery failed: %v", err),
			Suggestion: "run `remapd repair`",
			CanAutoFix: true,
		})
		return
	}

	e.record(ctx, domain.Diagnostic{
		Kind:    domain.DiagRecoveryCompleted,
		Message: "zombie-capture recovery completed; engine restarted",
	})
	e.logger.Info("zombie-capture recovery completed")
}

// Recent returns up to n diagnostics from the in-memory ring, newest
// first.
func (e *Engine) Recent(n int) []domain.Diagnostic {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n > len(e.ring) {
		n = len(e.ring)
	}
	out := make([]domain.Diagnostic, 0, n)
	for i := len(e.ring) - 1; i >= len(e.ring)-n; i-- {
		out = append(out, e.ring[i])
	}
	return out
}

// record appends to the capped ring and the journal.
func (e *Engine) record(ctx context.Context, d domain.Diagnostic) {
	d.Timestamp = time.Now()

	e.mu.Lock()
	e.ring = append(e.ring, d)
	if len(e.ring) > ringCap {
		e.ring = e.ring[len(e.ring)-ringCap:]
	}
	e.mu.Unlock()

	if e.journal != nil {
		if err := e.journal.Append(ctx, d); err != nil {
			e.logger.Warn("journal append failed", zap.Error(err))
		}
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func lastLines(text string, n int) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
