// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// KeyMapping is a single input -> output key remap.
// Identity is ID; Input uniqueness across the active set is enforced by
// the configuration pipeline (last write wins).
type KeyMapping struct {
	ID     string
	Input  string
	Output string
}

// SnapshotSource records where a configuration snapshot came from.
type SnapshotSource string

const (
	SourceUser     SnapshotSource = "user"
	SourceSystem   SnapshotSource = "system"
	SourceBackup   SnapshotSource = "backup"
	SourceTemplate SnapshotSource = "template"
)

// ConfigurationSnapshot is an immutable view of the engine configuration.
// A new snapshot replaces the old one; snapshots are never mutated in place.
type ConfigurationSnapshot struct {
	Mappings      []KeyMapping
	GeneratedText string
	Validation    ValidationResult
	CreatedAt     time.Time
	ModifiedAt    time.Time
	Source        SnapshotSource
}

// Severity classifies a validation issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
)

// ValidationIssue is a single finding from config validation.
type ValidationIssue struct {
	Message    string
	Severity   Severity
	Suggestion string
}

// ValidationResult is the outcome of a lint pass over config text.
// Produced synchronously; never persisted.
type ValidationResult struct {
	IsValid     bool
	Errors      []ValidationIssue
	Warnings    []ValidationIssue
	Suggestions []string
}

// HasBlockingErrors reports whether any error is critical.
func (r ValidationResult) HasBlockingErrors() bool {
	for _, issue := range r.Errors {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// BackupRecord describes one backup file on disk.
type BackupRecord struct {
	FileName  string
	FullPath  string
	CreatedAt time.Time
	SizeBytes int64
}

// ReloadOutcome is the result of a single reload attempt against the
// engine's TCP server. Consumed immediately; only the safety monitor
// retains derived history.
type ReloadOutcome struct {
	Success      bool
	TimedOut     bool
	ResponseText string
	ErrorMessage string
	Protocol     string
}

// SafetySnapshot is the safety monitor's advisory verdict for a reload.
type SafetySnapshot struct {
	IsSafe bool
	Reason string
}

// ProcessStatus reports whether the supervised engine service is running.
type ProcessStatus struct {
	IsRunning bool
	PID       int
}

// DiagnosticKind classifies a diagnostic record.
type DiagnosticKind string

const (
	DiagConfigInvalid     DiagnosticKind = "config_invalid"
	DiagConflictDetected  DiagnosticKind = "conflicting_process"
	DiagStartFailed       DiagnosticKind = "start_failed"
	DiagZombieCapture     DiagnosticKind = "zombie_capture"
	DiagConnectionFailed  DiagnosticKind = "connection_failed"
	DiagConnected         DiagnosticKind = "connected"
	DiagRecoveryStarted   DiagnosticKind = "recovery_started"
	DiagRecoveryCompleted DiagnosticKind = "recovery_completed"
	DiagRecoveryFailed    DiagnosticKind = "recovery_failed"
	DiagReloadFailed      DiagnosticKind = "reload_failed"
	DiagVersionTooOld     DiagnosticKind = "engine_version_old"
)

// Diagnostic is a classified failure (or recovery) record with a
// human-readable suggested action.
type Diagnostic struct {
	Timestamp  time.Time
	Kind       DiagnosticKind
	Message    string
	Suggestion string
	CanAutoFix bool
	Detail     string
}

// ApplyResult is the outcome of one configuration-apply pipeline run.
// RolledBack is true only when a reload failure caused the pre-change
// backup to be restored.
type ApplyResult struct {
	Success     bool
	RolledBack  bool
	Err         error
	Diagnostics []Diagnostic
}

// ExitEvent is a structured engine process-exit notification.
type ExitEvent struct {
	ExitCode     int
	RecentOutput string
}

// PermissionSnapshot is a read-only view of the OS permissions the
// engine needs. Permission checking itself lives outside the core.
type PermissionSnapshot struct {
	InputMonitoringReady bool
	AccessibilityReady   bool
}

// Ready reports whether every required permission is granted.
func (p PermissionSnapshot) Ready() bool {
	return p.InputMonitoringReady && p.AccessibilityReady
}
