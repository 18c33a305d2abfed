// Package usecase contains application business logic: the process
// supervisor and the configuration-apply pipeline.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remapd/remapd/internal/domain"
	"github.com/remapd/remapd/internal/lifecycle"
)

const (
	// enginePattern matches the supervised engine's process name.
	enginePattern = "kanata"

	// conflictPattern is the known competing process that holds
	// exclusive access to input devices.
	conflictPattern = "karabiner_grabber"
)

// ServiceInstaller is the subset of launchd plumbing the supervisor
// drives during install.
type ServiceInstaller interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	NeedsUpdate() bool
}

// VersionChecker probes the engine binary version.
type VersionChecker interface {
	Check() (version string, ok bool, err error)
}

// Supervisor starts, stops and restarts the engine through the service
// manager. Every lifecycle-mutating operation runs under the shared
// OperationGate: concurrent identical calls coalesce, different
// operations queue.
type Supervisor struct {
	gate      *lifecycle.OperationGate
	machine   *lifecycle.Machine
	svc       domain.ServiceManager
	installer ServiceInstaller
	pm        domain.ProcessManager
	client    domain.ReloadClient
	store     domain.ConfigStore
	perms     domain.PermissionOracle
	safety    domain.SafetyMonitor
	version   VersionChecker
	journal   domain.Journal
	logger    *zap.Logger

	mu            sync.Mutex
	registeredPID int

	pollInterval time.Duration
	pollTimeout  time.Duration
	stopSettle   time.Duration
}

// SupervisorDeps bundles construction dependencies.
type SupervisorDeps struct {
	Gate      *lifecycle.OperationGate
	Machine   *lifecycle.Machine
	Service   domain.ServiceManager
	Installer ServiceInstaller
	Processes domain.ProcessManager
	Client    domain.ReloadClient
	Store     domain.ConfigStore
	Perms     domain.PermissionOracle
	Safety    domain.SafetyMonitor
	Version   VersionChecker
	Journal   domain.Journal
	Logger    *zap.Logger
}

// NewSupervisor creates a supervisor.
func NewSupervisor(deps SupervisorDeps) *Supervisor {
	return &Supervisor{
		gate:         deps.Gate,
		machine:      deps.Machine,
		svc:          deps.Service,
		installer:    deps.Installer,
		pm:           deps.Processes,
		client:       deps.Client,
		store:        deps.Store,
		perms:        deps.Perms,
		safety:       deps.Safety,
		version:      deps.Version,
		journal:      deps.Journal,
		logger:       deps.Logger,
		pollInterval: 500 * time.Millisecond,
		pollTimeout:  8 * time.Second,
		stopSettle:   500 * time.Millisecond,
	}
}

// RegisteredPID returns the engine PID the supervisor currently owns,
// or 0.
func (s *Supervisor) RegisteredPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registeredPID
}

func (s *Supervisor) registerPID(pid int) {
	s.mu.Lock()
	s.registeredPID = pid
	s.mu.Unlock()
}

// Initialize drives the machine through the requirements check. Safe to
// call repeatedly; a machine already past initialization is left alone.
func (s *Supervisor) Initialize(ctx context.Context) error {
	return s.gate.Do("initialize", func() error {
		if s.machine.Current() != lifecycle.StateUninitialized {
			return nil
		}
		if _, err := s.machine.Fire(lifecycle.EventInitialize); err != nil {
			return err
		}
		if _, err := s.machine.Fire(lifecycle.EventCheckRequirements); err != nil {
			return err
		}

		missing := s.checkRequirements(ctx)
		if len(missing) == 0 {
			if _, err := s.machine.Fire(lifecycle.EventRequirementsPassed); err != nil {
				return err
			}
			s.adoptRunningEngine(ctx)
			return nil
		}

		if _, err := s.machine.Fire(lifecycle.EventRequirementsNotMet); err != nil {
			return err
		}
		return fmt.Errorf("requirements not met: %v", missing)
	})
}

// adoptRunningEngine syncs a fresh machine with an engine that is
// already up and healthy, so stop and restart act on it. An unhealthy
// engine is left for Start's kickstart path.
func (s *Supervisor) adoptRunningEngine(ctx context.Context) {
	status, err := s.svc.ServiceStatus()
	if err != nil || !status.IsRunning {
		return
	}
	if !s.client.CheckServerStatus(ctx) {
		return
	}
	s.registerPID(status.PID)
	if _, err := s.machine.Fire(lifecycle.EventStartEngine); err != nil {
		return
	}
	if _, err := s.machine.Fire(lifecycle.EventEngineStarted); err != nil {
		return
	}
	s.logger.Debug("adopted already-running engine", zap.Int("pid", status.PID))
}

// checkRequirements returns a list of unmet requirements.
func (s *Supervisor) checkRequirements(ctx context.Context) []string {
	var missing []string

	if s.installer != nil && !s.installer.IsInstalled() {
		missing = append(missing, "engine service not installed")
	}
	if !s.perms.CurrentSnapshot().Ready() {
		missing = append(missing, "required OS permissions not granted")
	}
	if _, err := s.store.Load(); err != nil && !errors.Is(err, domain.ErrConfigNotFound) {
		missing = append(missing, fmt.Sprintf("config unreadable: %v", err))
	}
	return missing
}

// Install installs the engine service plist and bootstraps it. An
// installed service whose plist is already current is left untouched;
// a stale one (engine path, config path or port changed) is rewritten.
func (s *Supervisor) Install(ctx context.Context) error {
	return s.gate.Do("install", func() error {
		if s.installer == nil {
			return errors.New("no installer configured")
		}

		// The machine only tracks install from the requirements states;
		// a refresh of an already-installed service runs outside it.
		_, err := s.machine.Fire(lifecycle.EventBeginInstall)
		tracking := err == nil
		if err != nil {
			var invalid *lifecycle.InvalidTransitionError
			if !errors.As(err, &invalid) {
				return err
			}
		}

		if s.installer.IsInstalled() && !s.installer.NeedsUpdate() {
			s.logger.Debug("engine service already installed and current")
			if tracking {
				_, err := s.machine.Fire(lifecycle.EventInstallCompleted)
				return err
			}
			return nil
		}

		if err := s.installer.Install(); err != nil {
			if tracking {
				_, _ = s.machine.Fire(lifecycle.EventInstallFailed)
			}
			return fmt.Errorf("install engine service: %w", err)
		}
		if tracking {
			_, err := s.machine.Fire(lifecycle.EventInstallCompleted)
			return err
		}
		return nil
	})
}

// Start brings the engine up. Concurrent callers coalesce onto one
// execution; all observe the same result.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.gate.Do("start", func() error {
		return s.startLocked(ctx)
	})
}

// startLocked runs the full start sequence. Caller holds the gate.
func (s *Supervisor) startLocked(ctx context.Context) error {
	if s.machine.Current() == lifecycle.StateRunning {
		s.logger.Debug("start requested while already running")
		return nil
	}
	if _, err := s.machine.Fire(lifecycle.EventStartEngine); err != nil {
		return err
	}

	fail := func(err error) error {
		_, _ = s.machine.Fire(lifecycle.EventEngineFailed)
		return err
	}

	// Pre-flight: the config must validate before we hand it to the
	// engine, or a bad apply leaves the keyboard dead on restart.
	snapshot, err := s.store.Load()
	if err != nil {
		if errors.Is(err, domain.ErrConfigNotFound) {
			diag := s.record(ctx, domain.Diagnostic{
				Kind:       domain.DiagStartFailed,
				Message:    "engine config file is missing",
				Suggestion: "run `remapd repair` to write a default config",
				CanAutoFix: true,
			})
			return fail(&domain.ProcessStartFailedError{Reason: "config file missing", Diagnostic: diag})
		}
		return fail(&domain.ProcessStartFailedError{Reason: err.Error()})
	}
	if snapshot.Validation.HasBlockingErrors() {
		diag := s.record(ctx, domain.Diagnostic{
			Kind:       domain.DiagConfigInvalid,
			Message:    "engine config has blocking validation errors",
			Suggestion: "run `remapd repair` to reset to a safe default config",
			CanAutoFix: true,
			Detail:     (&domain.InvalidConfigurationError{Issues: snapshot.Validation.Errors}).Error(),
		})
		return fail(&domain.ProcessStartFailedError{Reason: "config invalid", Diagnostic: diag})
	}

	if err := s.resolveConflictsLocked(ctx); err != nil {
		diag := s.record(ctx, domain.Diagnostic{
			Kind:       domain.DiagConflictDetected,
			Message:    err.Error(),
			Suggestion: "quit Karabiner-Elements or remove its grabber daemon",
			CanAutoFix: false,
		})
		return fail(&domain.ProcessStartFailedError{Reason: err.Error(), Diagnostic: diag})
	}

	s.checkEngineVersion(ctx)

	status, err := s.svc.ServiceStatus()
	if err != nil {
		return fail(&domain.ProcessStartFailedError{Reason: fmt.Sprintf("service status: %v", err)})
	}

	if status.IsRunning {
		// Already running: only kickstart when the health probe says the
		// engine is unresponsive, so a healthy engine is left alone.
		if s.client.CheckServerStatus(ctx) {
			s.logger.Info("engine already running and healthy", zap.Int("pid", status.PID))
			s.registerPID(status.PID)
			_, err := s.machine.Fire(lifecycle.EventEngineStarted)
			return err
		}
		s.logger.Warn("engine running but unresponsive, kickstarting", zap.Int("pid", status.PID))
		if err := s.svc.KickstartService(); err != nil {
			return fail(&domain.ProcessStartFailedError{Reason: fmt.Sprintf("kickstart: %v", err)})
		}
	} else {
		if err := s.svc.StartService(); err != nil {
			diag := s.record(ctx, domain.Diagnostic{
				Kind:       domain.DiagStartFailed,
				Message:    fmt.Sprintf("service manager failed to start the engine: %v", err),
				Suggestion: "run `remapd install` to (re)install the engine service",
				CanAutoFix: false,
			})
			return fail(&domain.ProcessStartFailedError{Reason: err.Error(), Diagnostic: diag})
		}
	}

	pid, err := s.pollForPID(ctx)
	if err != nil {
		return fail(err)
	}

	s.registerPID(pid)
	s.safety.RecordRestart()
	if _, err := s.machine.Fire(lifecycle.EventEngineStarted); err != nil {
		return err
	}
	s.logger.Info("engine started", zap.Int("pid", pid))

	s.VerifyNoConflicts(ctx)
	return nil
}

// pollForPID waits briefly for the service manager to report a running
// PID. launchd's print output can lag the process table (a stale pid
// for a job that already died), so the PID is cross-checked against the
// process manager before it counts as ready.
func (s *Supervisor) pollForPID(ctx context.Context) (int, error) {
	deadline := time.Now().Add(s.pollTimeout)
	for {
		status, err := s.svc.ServiceStatus()
		if err == nil && status.IsRunning && status.PID > 0 && s.pm.IsRunning(status.PID) {
			return status.PID, nil
		}
		if time.Now().After(deadline) {
			return 0, domain.ErrHealthCheckFailed
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// Stop brings the engine down.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.gate.Do("stop", func() error {
		return s.stopLocked(ctx)
	})
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	if s.machine.Current() == lifecycle.StateStopped {
		return nil
	}
	if _, err := s.machine.Fire(lifecycle.EventStopEngine); err != nil {
		return err
	}

	if err := s.svc.StopService(); err != nil {
		_, _ = s.machine.Fire(lifecycle.EventEngineFailed)
		return fmt.Errorf("stop engine service: %w", err)
	}

	deadline := time.Now().Add(s.pollTimeout)
	for {
		status, err := s.svc.ServiceStatus()
		if err == nil && !status.IsRunning {
			break
		}
		if time.Now().After(deadline) {
			_, _ = s.machine.Fire(lifecycle.EventEngineFailed)
			return domain.ErrHealthCheckFailed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}

	s.registerPID(0)
	_, err := s.machine.Fire(lifecycle.EventEngineStopped)
	s.logger.Info("engine stopped")
	return err
}

// Restart stops then starts the engine as one gated operation.
func (s *Supervisor) Restart(ctx context.Context) error {
	return s.gate.Do("restart", func() error {
		if _, err := s.machine.Fire(lifecycle.EventRestartEngine); err != nil {
			return err
		}
		s.safety.RecordRestart()

		if err := s.svc.StopService(); err != nil {
			s.logger.Warn("stop during restart failed", zap.Error(err))
		}
		time.Sleep(s.stopSettle)

		if err := s.svc.StartService(); err != nil {
			_, _ = s.machine.Fire(lifecycle.EventEngineFailed)
			return &domain.ProcessStartFailedError{Reason: fmt.Sprintf("restart: %v", err)}
		}

		pid, err := s.pollForPID(ctx)
		if err != nil {
			_, _ = s.machine.Fire(lifecycle.EventEngineFailed)
			return err
		}
		s.registerPID(pid)
		_, err = s.machine.Fire(lifecycle.EventEngineStarted)
		s.logger.Info("engine restarted", zap.Int("pid", pid))
		return err
	})
}

// Status reports the service manager's view of the engine. Read-only
// and idempotent, but still serialized behind the gate so it never
// interleaves with a mutating operation.
func (s *Supervisor) Status(ctx context.Context) (domain.ProcessStatus, error) {
	var status domain.ProcessStatus
	err := s.gate.Do("status", func() error {
		var err error
		status, err = s.svc.ServiceStatus()
		return err
	})
	return status, err
}

// ResolveConflicts terminates known competing input-grabbing processes.
func (s *Supervisor) ResolveConflicts(ctx context.Context) error {
	return s.gate.Do("resolveConflicts", func() error {
		return s.resolveConflictsLocked(ctx)
	})
}

func (s *Supervisor) resolveConflictsLocked(ctx context.Context) error {
	pids, err := s.pm.FindByName(conflictPattern)
	if err != nil {
		return fmt.Errorf("scan for conflicting processes: %w", err)
	}
	for _, pid := range pids {
		s.logger.Info("terminating conflicting process",
			zap.String("name", conflictPattern),
			zap.Int("pid", pid))
		if err := s.pm.Kill(pid); err != nil {
			return &domain.ConflictingProcessError{
				Detail: fmt.Sprintf("%s (pid %d) could not be terminated: %v", conflictPattern, pid, err),
			}
		}
	}

	// A second engine instance not owned by us also counts as a conflict.
	enginePIDs, err := s.pm.FindByName(enginePattern)
	if err != nil {
		return nil
	}
	owned := s.RegisteredPID()
	for _, pid := range enginePIDs {
		if pid == owned {
			continue
		}
		s.logger.Info("terminating unmanaged engine instance", zap.Int("pid", pid))
		if err := s.pm.Kill(pid); err != nil {
			return &domain.ConflictingProcessError{
				Detail: fmt.Sprintf("unmanaged %s (pid %d) could not be terminated: %v", enginePattern, pid, err),
			}
		}
	}
	return nil
}

// VerifyNoConflicts is the post-start sanity check: it logs and records
// a diagnostic if a competing process reappeared, but does not fail the
// start.
func (s *Supervisor) VerifyNoConflicts(ctx context.Context) {
	pids, err := s.pm.FindByName(conflictPattern)
	if err != nil || len(pids) == 0 {
		return
	}
	s.logger.Warn("conflicting process present after start",
		zap.String("name", conflictPattern),
		zap.Ints("pids", pids))
	s.record(ctx, domain.Diagnostic{
		Kind:       domain.DiagConflictDetected,
		Message:    fmt.Sprintf("%s reappeared after engine start", conflictPattern),
		Suggestion: "disable Karabiner-Elements' grabber or it will steal the keyboard",
		CanAutoFix: true,
	})
}

// checkEngineVersion is warning-only: an old engine still starts, the
// reload protocol just may not work.
func (s *Supervisor) checkEngineVersion(ctx context.Context) {
	if s.version == nil {
		return
	}
	detected, ok, err := s.version.Check()
	if err != nil {
		s.logger.Debug("engine version probe failed", zap.Error(err))
		return
	}
	if !ok {
		s.logger.Warn("engine older than supported minimum", zap.String("version", detected))
		s.record(ctx, domain.Diagnostic{
			Kind:       domain.DiagVersionTooOld,
			Message:    fmt.Sprintf("engine version %s is older than the supported minimum", detected),
			Suggestion: "upgrade the engine binary; live reload may be unavailable",
			CanAutoFix: false,
		})
	}
}

// record stamps, journals and returns a diagnostic.
func (s *Supervisor) record(ctx context.Context, d domain.Diagnostic) *domain.Diagnostic {
	d.Timestamp = time.Now()
	if s.journal != nil {
		if err := s.journal.Append(ctx, d); err != nil {
			s.logger.Warn("journal append failed", zap.Error(err))
		}
	}
	return &d
}
