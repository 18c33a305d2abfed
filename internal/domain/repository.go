package domain

import "context"

// ConfigStore owns the on-disk engine config file and its backups.
// Implementation: internal/config (atomic write-then-verify, timestamped
// backup files).
type ConfigStore interface {
	// Validate lints config text. Not a full grammar parser.
	Validate(text string) ValidationResult

	// Load reads and parses the config file.
	// Returns ErrConfigNotFound if the file is absent.
	Load() (*ConfigurationSnapshot, error)

	// Save writes a snapshot atomically, then re-validates the bytes on
	// disk. Fails with *InvalidConfigurationError before writing if the
	// snapshot has blocking errors, or ErrSaveVerificationFailed after.
	Save(snapshot *ConfigurationSnapshot) error

	// Backup copies the current file to a timestamped path.
	// No-op success (nil, nil) when no file exists yet.
	Backup() (*BackupRecord, error)

	// Restore copies a backup's content back over the config file.
	Restore(record *BackupRecord) error

	// ListBackups returns backup records, newest first.
	ListBackups() ([]BackupRecord, error)

	// Path returns the config file path.
	Path() string
}

// ReloadClient owns the TCP session to the running engine.
type ReloadClient interface {
	// Reload sends the reload command and accumulates the response.
	// Exactly one outcome is delivered per call, bounded by the protocol
	// timeout.
	Reload(ctx context.Context) ReloadOutcome

	// CheckServerStatus performs a lightweight reachability probe
	// without mutating engine state.
	CheckServerStatus(ctx context.Context) bool
}

// SafetyMonitor gates reload attempts based on recent history.
// Advisory: callers must honor IsSafe == false.
type SafetyMonitor interface {
	// CheckReloadSafety inspects the rolling attempt window for reload
	// storms and unexpected daemon PID changes.
	CheckReloadSafety(currentPID int) SafetySnapshot

	// RecordReloadAttempt appends to the rolling history.
	RecordReloadAttempt(succeeded bool, daemonPID int)

	// RecordRestart marks an explicit restart, so the next PID change is
	// expected rather than treated as identity flapping.
	RecordRestart()
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// ServiceManager abstracts the OS-level privileged service layer.
// Implementation: launchd (plist install, bootstrap/bootout, kickstart).
type ServiceManager interface {
	// StartService asks the service manager to start the engine.
	StartService() error

	// StopService asks the service manager to stop the engine.
	StopService() error

	// KickstartService force-restarts the engine service.
	KickstartService() error

	// ServiceStatus reports whether the engine service is running.
	ServiceStatus() (ProcessStatus, error)

	// KickstartVirtualHID restarts the virtual input device daemon the
	// engine depends on.
	KickstartVirtualHID() error
}

// PermissionOracle exposes a read-only snapshot of required OS
// permissions. Checking logic lives outside the core.
type PermissionOracle interface {
	CurrentSnapshot() PermissionSnapshot
}

// Journal persists diagnostics across daemon restarts.
// Implementation: local SQLite database.
type Journal interface {
	Append(ctx context.Context, d Diagnostic) error
	Recent(ctx context.Context, limit int) ([]Diagnostic, error)
	Close() error
}
