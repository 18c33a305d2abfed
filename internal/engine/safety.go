package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remapd/remapd/internal/domain"
)

const (
	// defaultWindow is how far back attempts count toward storm and
	// flap detection.
	defaultWindow = 60 * time.Second

	// defaultMaxAttempts is the storm threshold within the window.
	defaultMaxAttempts = 5
)

type reloadAttempt struct {
	at        time.Time
	succeeded bool
	daemonPID int
}

// SafetyMonitor implements domain.SafetyMonitor with a rolling window of
// reload attempts. Advisory only: callers refuse the reload when
// IsSafe is false and surface Reason.
type SafetyMonitor struct {
	mu          sync.Mutex
	window      time.Duration
	maxAttempts int
	attempts    []reloadAttempt
	lastRestart time.Time
	logger      *zap.Logger
	now         func() time.Time
}

// NewSafetyMonitor creates a monitor with the default window and storm
// threshold.
func NewSafetyMonitor(logger *zap.Logger) *SafetyMonitor {
	return &SafetyMonitor{
		window:      defaultWindow,
		maxAttempts: defaultMaxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// CheckReloadSafety gates a reload attempt. Unsafe when attempts inside
// the window already hit the storm threshold, or when the daemon PID
// changed since the last successful reload without an intervening
// restart - the signature of a crash-looping engine.
func (m *SafetyMonitor) CheckReloadSafety(currentPID int) domain.SafetySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prune()

	if len(m.attempts) >= m.maxAttempts {
		reason := fmt.Sprintf("%d reload attempts in the last %s; refusing to add more load",
			len(m.attempts), m.window)
		m.logger.Warn("reload storm detected", zap.Int("attempts", len(m.attempts)))
		return domain.SafetySnapshot{IsSafe: false, Reason: reason}
	}

	if last := m.lastSuccess(); last != nil {
		if currentPID != 0 && last.daemonPID != 0 && currentPID != last.daemonPID &&
			m.lastRestart.Before(last.at) {
			reason := fmt.Sprintf("daemon PID changed unexpectedly (%d -> %d) since the last successful reload; engine looks unstable",
				last.daemonPID, currentPID)
			m.logger.Warn("daemon identity flap detected",
				zap.Int("previous_pid", last.daemonPID),
				zap.Int("current_pid", currentPID))
			return domain.SafetySnapshot{IsSafe: false, Reason: reason}
		}
	}

	return domain.SafetySnapshot{IsSafe: true}
}

// RecordReloadAttempt appends to the rolling history.
func (m *SafetyMonitor) RecordReloadAttempt(succeeded bool, daemonPID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts = append(m.attempts, reloadAttempt{
		at:        m.now(),
		succeeded: succeeded,
		daemonPID: daemonPID,
	})
	m.prune()
}

// RecordRestart marks an explicit restart so the next PID change is
// expected.
func (m *SafetyMonitor) RecordRestart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRestart = m.now()
}

// prune drops attempts older than the window. Caller holds the lock.
func (m *SafetyMonitor) prune() {
	cutoff := m.now().Add(-m.window)
	kept := m.attempts[:0]
	for _, a := range m.attempts {
		if a.at.After(cutoff) {
			kept = append(kept, a)
		}
	}
	m.attempts = kept
}

// lastSuccess returns the most recent successful attempt in the window,
// or nil. Caller holds the lock.
func (m *SafetyMonitor) lastSuccess() *reloadAttempt {
	for i := len(m.attempts) - 1; i >= 0; i-- {
		if m.attempts[i].succeeded {
			return &m.attempts[i]
		}
	}
	return nil
}

// WindowSize reports how many attempts are currently inside the window.
// Used by the inspect command.
func (m *SafetyMonitor) WindowSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	return len(m.attempts)
}

var _ domain.SafetyMonitor = (*SafetyMonitor)(nil)
