// Package main is the CLI entry point for remapd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/remapd/remapd/internal/config"
	"github.com/remapd/remapd/internal/diag"
	"github.com/remapd/remapd/internal/domain"
	"github.com/remapd/remapd/internal/engine"
	"github.com/remapd/remapd/internal/infra"
	"github.com/remapd/remapd/internal/lifecycle"
	"github.com/remapd/remapd/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "remapd",
	Short: "Supervisor for the kanata keyboard-remapping engine",
	Long: `remapd supervises the kanata keyboard-remapping engine: it installs
and runs the engine as a launchd service, applies mapping changes with
backup and rollback, hot-reloads configuration over the engine's TCP
port, and recovers automatically when the engine silently stops
processing input.`,
	Version: Version,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check engine status",
	Long:  `Shows whether the engine service is running and reachable. Exit code 0 when running and healthy, 1 otherwise.`,
	RunE:  runStatus,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the engine launchd service",
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop the engine and remove its launchd service",
	RunE:  runUninstall,
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Reset to a safe default configuration and restart the engine",
	RunE:  runRepair,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show lifecycle state, reload-safety window and recent diagnostics",
	RunE:  runInspect,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the engine",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the engine",
	RunE:  runStop,
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the engine",
	RunE:  runRestart,
}

var mapCmd = &cobra.Command{
	Use:   "map <input> <output>",
	Short: "Add one key mapping and hot-reload the engine",
	Args:  cobra.ExactArgs(2),
	RunE:  runMap,
}

// Hidden supervise command - the long-running loop launched at login.
var superviseCmd = &cobra.Command{
	Use:    "supervise",
	Hidden: true,
	RunE:   runSupervise,
}

var inspectLimit int

func init() {
	inspectCmd.Flags().IntVar(&inspectLimit, "limit", 20, "How many diagnostics to show")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(mapCmd)
	rootCmd.AddCommand(superviseCmd)
}

// components wires the core together for one command invocation.
type components struct {
	settings   config.Settings
	logger     *zap.Logger
	machine    *lifecycle.Machine
	store      *config.Store
	client     *engine.Client
	safety     *engine.SafetyMonitor
	launchd    *infra.LaunchdManager
	journal    *infra.SQLiteJournal
	supervisor *usecase.Supervisor
	pipeline   *usecase.Pipeline
}

func buildComponents(ctx context.Context, logger *zap.Logger) (*components, error) {
	settings, err := config.LoadSettings(config.SettingsPath())
	if err != nil {
		return nil, err
	}

	machine := lifecycle.NewMachine(logger)
	gate := lifecycle.NewOperationGate(logger)
	store := config.NewStore(settings.ConfigPath, settings.BackupDir, logger)
	client := engine.NewClient(settings.TCPPort, logger)
	safety := engine.NewSafetyMonitor(logger)
	pm := infra.NewProcessManager()
	perms := infra.NewPermissionCache()
	launchd := infra.NewLaunchdManager(settings.EnginePath, settings.ConfigPath, settings.TCPPort, settings.EngineLogPath, logger)
	probe := infra.NewVersionProbe(settings.EnginePath, settings.MinEngineVersion)

	journal, err := infra.OpenJournal(ctx, settings.JournalPath)
	if err != nil {
		// The journal is diagnostics plumbing; the core still works
		// without it.
		logger.Warn("diagnostics journal unavailable", zap.Error(err))
		journal = nil
	}

	var journalIface domain.Journal
	if journal != nil {
		journalIface = journal
	}

	supervisor := usecase.NewSupervisor(usecase.SupervisorDeps{
		Gate:      gate,
		Machine:   machine,
		Service:   launchd,
		Installer: launchd,
		Processes: pm,
		Client:    client,
		Store:     store,
		Perms:     perms,
		Safety:    safety,
		Version:   probe,
		Journal:   journalIface,
		Logger:    logger,
	})

	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Store:      store,
		Client:     client,
		Safety:     safety,
		Perms:      perms,
		Machine:    machine,
		Journal:    journalIface,
		CurrentPID: supervisor.RegisteredPID,
		Logger:     logger,
	})

	return &components{
		settings:   settings,
		logger:     logger,
		machine:    machine,
		store:      store,
		client:     client,
		safety:     safety,
		launchd:    launchd,
		journal:    journal,
		supervisor: supervisor,
		pipeline:   pipeline,
	}, nil
}

func (c *components) close() {
	if c.journal != nil {
		_ = c.journal.Close()
	}
	_ = c.logger.Sync()
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := buildComponents(ctx, newLogger(false))
	if err != nil {
		return err
	}
	defer c.close()

	status, err := c.supervisor.Status(ctx)
	if err != nil {
		return fmt.Errorf("query service status: %w", err)
	}

	fmt.Println("\n=== remapd Status ===")
	if status.IsRunning {
		fmt.Printf("Engine: RUNNING (pid %d)\n", status.PID)
	} else {
		fmt.Println("Engine: NOT RUNNING")
	}

	reachable := c.client.CheckServerStatus(ctx)
	if reachable {
		fmt.Printf("Reload port: reachable (127.0.0.1:%d)\n", c.settings.TCPPort)
	} else {
		fmt.Println("Reload port: unreachable")
	}

	if c.launchd.IsInstalled() {
		fmt.Println("Service: installed")
	} else {
		fmt.Println("Service: not installed (run `remapd install`)")
	}
	fmt.Printf("Config: %s\n", c.store.Path())
	fmt.Println("=====================")

	if !status.IsRunning || !reachable {
		return fmt.Errorf("engine not ready")
	}
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := buildComponents(ctx, newLogger(false))
	if err != nil {
		return err
	}
	defer c.close()

	// Initialize leaves the machine in requirementsFailed when the
	// service is missing - exactly the state install proceeds from.
	_ = c.supervisor.Initialize(ctx)

	if err := ensureDefaultConfig(ctx, c); err != nil {
		return err
	}
	if err := c.supervisor.Install(ctx); err != nil {
		return err
	}
	fmt.Printf("Installed engine service (%s)\n", c.launchd.PlistPath())

	if err := c.supervisor.Start(ctx); err != nil {
		return err
	}
	fmt.Println("Engine started.")
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := buildComponents(ctx, newLogger(false))
	if err != nil {
		return err
	}
	defer c.close()

	_ = c.supervisor.Initialize(ctx)
	_ = c.supervisor.Stop(ctx)

	if err := c.launchd.Uninstall(); err != nil {
		return err
	}
	fmt.Println("Engine service removed. Config and backups were kept.")
	return nil
}

func runRepair(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := buildComponents(ctx, newLogger(false))
	if err != nil {
		return err
	}
	defer c.close()

	_ = c.supervisor.Initialize(ctx)

	fmt.Println("Resetting to default configuration...")
	result := c.pipeline.Apply(ctx, usecase.ConfigEditCommand{Reset: true})
	if !result.Success {
		// The engine may be down entirely; the write still happened, so
		// a restart can pick it up.
		c.logger.Warn("reload during repair failed, restarting engine", zap.Error(result.Err))
	}

	if err := c.supervisor.Restart(ctx); err != nil {
		if err2 := c.supervisor.Start(ctx); err2 != nil {
			return fmt.Errorf("engine did not come back after repair: %w", err2)
		}
	}
	fmt.Println("Repair complete: default config written, engine restarted.")
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := buildComponents(ctx, newLogger(false))
	if err != nil {
		return err
	}
	defer c.close()

	fmt.Println("\n=== remapd Inspect ===")
	fmt.Printf("Lifecycle state: %s\n", c.machine.Current())
	fmt.Printf("Reload attempts in safety window: %d\n", c.safety.WindowSize())

	backups, err := c.store.ListBackups()
	if err == nil {
		fmt.Printf("Backups on disk: %d\n", len(backups))
	}

	if c.journal == nil {
		fmt.Println("Diagnostics journal: unavailable")
		fmt.Println("======================")
		return nil
	}

	diags, err := c.journal.Recent(ctx, inspectLimit)
	if err != nil {
		return err
	}
	fmt.Printf("\nRecent diagnostics (%d):\n", len(diags))
	for _, d := range diags {
		fmt.Printf("  [%s] %s: %s\n", d.Timestamp.Format("2006-01-02 15:04:05"), d.Kind, d.Message)
		if d.Suggestion != "" {
			fmt.Printf("      -> %s\n", d.Suggestion)
		}
	}
	fmt.Println("======================")
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	return withSupervisor(cmd, func(ctx context.Context, c *components) error {
		if err := c.supervisor.Start(ctx); err != nil {
			return err
		}
		fmt.Printf("Engine started (pid %d)\n", c.supervisor.RegisteredPID())
		return nil
	})
}

func runStop(cmd *cobra.Command, args []string) error {
	return withSupervisor(cmd, func(ctx context.Context, c *components) error {
		if err := c.supervisor.Stop(ctx); err != nil {
			return err
		}
		fmt.Println("Engine stopped.")
		return nil
	})
}

func runRestart(cmd *cobra.Command, args []string) error {
	return withSupervisor(cmd, func(ctx context.Context, c *components) error {
		err := c.supervisor.Restart(ctx)
		var invalid *lifecycle.InvalidTransitionError
		if errors.As(err, &invalid) {
			// Not running; a plain start is the restart.
			err = c.supervisor.Start(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Engine restarted (pid %d)\n", c.supervisor.RegisteredPID())
		return nil
	})
}

func runMap(cmd *cobra.Command, args []string) error {
	return withSupervisor(cmd, func(ctx context.Context, c *components) error {
		result := c.pipeline.Apply(ctx, usecase.ConfigEditCommand{
			Add: []domain.KeyMapping{{Input: args[0], Output: args[1]}},
		})
		if !result.Success {
			if result.RolledBack {
				fmt.Println("Reload failed; previous configuration was restored.")
			}
			return result.Err
		}
		fmt.Printf("Mapped %s -> %s\n", args[0], args[1])
		return nil
	})
}

// withSupervisor builds components, runs initialize, then fn.
func withSupervisor(cmd *cobra.Command, fn func(context.Context, *components) error) error {
	ctx := cmd.Context()
	c, err := buildComponents(ctx, newLogger(false))
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.supervisor.Initialize(ctx); err != nil {
		return err
	}
	return fn(ctx, c)
}

// runSupervise is the long-running loop: start the engine, then watch
// the config file and follow the engine log until signaled.
func runSupervise(cmd *cobra.Command, args []string) error {
	logger := newLogger(true)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	c, err := buildComponents(ctx, logger)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.supervisor.Initialize(ctx); err != nil {
		logger.Warn("initialization incomplete", zap.Error(err))
	}
	if err := c.supervisor.Start(ctx); err != nil {
		logger.Error("engine start failed, supervise loop continues", zap.Error(err))
	}

	var journalIface domain.Journal
	if c.journal != nil {
		journalIface = c.journal
	}
	pm := infra.NewProcessManager()
	diagEngine := diag.NewEngine(pm, c.launchd, supervisorStarter{c.supervisor}, journalIface, logger)
	follower := diag.NewFollower(c.settings.EngineLogPath, diagEngine, logger)
	exitWatcher := diag.NewExitWatcher(c.launchd, c.launchd, c.settings.EngineLogPath, diagEngine, logger)

	watcher := config.NewWatcher(c.settings.ConfigPath, func() {
		logger.Info("external config edit detected, reloading engine")
		result := c.pipeline.Apply(ctx, usecase.ConfigEditCommand{})
		if result.Success {
			diagEngine.ClearFailures()
		}
	}, logger)

	// The pipeline must suppress the watcher around its own writes.
	c.pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Store:      c.store,
		Client:     c.client,
		Safety:     c.safety,
		Perms:      infra.NewPermissionCache(),
		Machine:    c.machine,
		Journal:    journalIface,
		Suppress:   watcher.SuppressNext,
		CurrentPID: c.supervisor.RegisteredPID,
		Logger:     logger,
	})

	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("config watcher exited", zap.Error(err))
		}
	}()
	go func() {
		if err := exitWatcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("exit watcher exited", zap.Error(err))
		}
	}()

	logger.Info("supervise loop running",
		zap.Int("pid", pm.GetCurrentPID()),
		zap.String("config", c.settings.ConfigPath),
		zap.Int("tcp_port", c.settings.TCPPort))

	err = follower.Run(ctx)

	// Leave a trace of what this session saw before the journal closes.
	for _, d := range diagEngine.Recent(5) {
		logger.Info("session diagnostic",
			zap.String("kind", string(d.Kind)),
			zap.String("message", d.Message),
			zap.Time("at", d.Timestamp))
	}

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// supervisorStarter adapts the supervisor to the diagnostics engine's
// starter contract.
type supervisorStarter struct {
	s *usecase.Supervisor
}

func (a supervisorStarter) Start(ctx context.Context) error {
	return a.s.Start(ctx)
}

// ensureDefaultConfig writes a minimal valid config when none exists.
func ensureDefaultConfig(ctx context.Context, c *components) error {
	if _, err := c.store.Load(); err == nil {
		return nil
	}
	result := c.pipeline.Apply(ctx, usecase.ConfigEditCommand{Reset: true})
	if result.Err != nil {
		// The engine is not installed yet; a refused reload is expected
		// here, a validation or write failure is not.
		var reloadErr *domain.ReloadFailedError
		if !errors.As(result.Err, &reloadErr) && !errors.Is(result.Err, domain.ErrReadinessTimeout) {
			return result.Err
		}
	}
	return nil
}

func newLogger(daemonMode bool) *zap.Logger {
	if !daemonMode {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		logger, err := cfg.Build()
		if err != nil {
			logger, _ = zap.NewProduction()
		}
		return logger
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"/var/tmp/remapd.log"}
	cfg.ErrorOutputPaths = []string{"/var/tmp/remapd.error.log"}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}
