package infra

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/remapd/remapd/internal/domain"
)

// EngineLabel is the LaunchDaemon label for the supervised engine.
const EngineLabel = "com.remapd.kanata"

// vhidLabel is the virtual input device daemon the engine connects to.
const vhidLabel = "org.pqrs.service.daemon.Karabiner-VirtualHIDDevice-Daemon"

const plistDir = "/Library/LaunchDaemons"

// LaunchDaemon plist for the engine. RunAtLoad is off: remapd decides
// when the engine runs.
const enginePlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.EnginePath}}</string>
        <string>--cfg</string>
        <string>{{.ConfigPath}}</string>
        <string>--port</string>
        <string>{{.TCPPort}}</string>
    </array>

    <key>RunAtLoad</key>
    <false/>

    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>

    <key>StandardErrorPath</key>
    <string>{{.LogPath}}</string>

    <key>ProcessType</key>
    <string>Interactive</string>

    <key>ThrottleInterval</key>
    <integer>5</integer>
</dict>
</plist>`

type plistConfig struct {
	Label      string
	EnginePath string
	ConfigPath string
	TCPPort    int
	LogPath    string
}

var (
	launchdPIDPattern  = regexp.MustCompile(`\bpid = (\d+)`)
	launchdExitPattern = regexp.MustCompile(`last exit code = (\d+)`)
)

// LaunchdManager implements domain.ServiceManager with launchctl against
// the system domain. It also installs/removes the engine's plist.
type LaunchdManager struct {
	label     string
	plistPath string
	config    plistConfig
	logger    *zap.Logger
	runner    CommandRunner
}

// CommandRunner abstracts launchctl invocation for tests.
type CommandRunner interface {
	Run(name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}

// NewLaunchdManager creates a launchd service manager for the engine.
func NewLaunchdManager(enginePath, configPath string, tcpPort int, logPath string, logger *zap.Logger) *LaunchdManager {
	return &LaunchdManager{
		label:     EngineLabel,
		plistPath: filepath.Join(plistDir, EngineLabel+".plist"),
		config: plistConfig{
			Label:      EngineLabel,
			EnginePath: enginePath,
			ConfigPath: configPath,
			TCPPort:    tcpPort,
			LogPath:    logPath,
		},
		logger: logger,
		runner: execRunner{},
	}
}

// NewLaunchdManagerWithRunner creates a manager with a custom command
// runner (for testing).
func NewLaunchdManagerWithRunner(runner CommandRunner, logger *zap.Logger) *LaunchdManager {
	m := NewLaunchdManager("/usr/local/bin/kanata", "", 5829, "/var/tmp/remapd-engine.log", logger)
	m.runner = runner
	return m
}

// generatePlistContent renders the engine plist.
func (m *LaunchdManager) generatePlistContent() ([]byte, error) {
	tmpl, err := template.New("plist").Parse(enginePlistTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plist template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, m.config); err != nil {
		return nil, fmt.Errorf("failed to execute plist template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the plist and bootstraps it into the system domain.
func (m *LaunchdManager) Install() error {
	content, err := m.generatePlistContent()
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.plistPath, content, 0644); err != nil {
		return err
	}
	// Already-bootstrapped is fine after a reinstall.
	if out, err := m.runner.Run("launchctl", "bootstrap", "system", m.plistPath); err != nil &&
		!strings.Contains(out, "already bootstrapped") {
		return fmt.Errorf("launchctl bootstrap: %v: %s", err, strings.TrimSpace(out))
	}
	m.logger.Info("engine service installed", zap.String("plist", m.plistPath))
	return nil
}

// Uninstall removes the service from launchd and deletes the plist.
func (m *LaunchdManager) Uninstall() error {
	_, _ = m.runner.Run("launchctl", "bootout", "system/"+m.label)
	if err := os.Remove(m.plistPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	m.logger.Info("engine service uninstalled")
	return nil
}

// IsInstalled checks whether the plist exists.
func (m *LaunchdManager) IsInstalled() bool {
	_, err := os.Stat(m.plistPath)
	return err == nil
}

// NeedsUpdate checks if the plist on disk differs from what we would
// render now (engine path, config path, or port changed).
func (m *LaunchdManager) NeedsUpdate() bool {
	if !m.IsInstalled() {
		return false
	}
	current, err := os.ReadFile(m.plistPath)
	if err != nil {
		return true
	}
	expected, err := m.generatePlistContent()
	if err != nil {
		return true
	}
	return !bytes.Equal(current, expected)
}

// StartService kickstarts the engine service. The service must be
// installed; launchd reports "No such process" otherwise.
func (m *LaunchdManager) StartService() error {
	out, err := m.runner.Run("launchctl", "kickstart", "system/"+m.label)
	if err != nil {
		return fmt.Errorf("launchctl kickstart: %v: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// StopService stops the engine without unloading the service.
func (m *LaunchdManager) StopService() error {
	out, err := m.runner.Run("launchctl", "kill", "SIGTERM", "system/"+m.label)
	if err != nil && !strings.Contains(out, "No such process") {
		return fmt.Errorf("launchctl kill: %v: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// KickstartService force-restarts the engine service.
func (m *LaunchdManager) KickstartService() error {
	out, err := m.runner.Run("launchctl", "kickstart", "-k", "system/"+m.label)
	if err != nil {
		return fmt.Errorf("launchctl kickstart -k: %v: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// ServiceStatus parses `launchctl print` for the service's pid and state.
func (m *LaunchdManager) ServiceStatus() (domain.ProcessStatus, error) {
	out, err := m.runner.Run("launchctl", "print", "system/"+m.label)
	if err != nil {
		if strings.Contains(out, "Could not find service") || strings.Contains(out, "No such process") {
			return domain.ProcessStatus{IsRunning: false}, nil
		}
		return domain.ProcessStatus{}, fmt.Errorf("launchctl print: %v: %s", err, strings.TrimSpace(out))
	}

	status := domain.ProcessStatus{
		IsRunning: strings.Contains(out, "state = running"),
	}
	if match := launchdPIDPattern.FindStringSubmatch(out); match != nil {
		if pid, err := strconv.Atoi(match[1]); err == nil {
			status.PID = pid
		}
	}
	// launchd sometimes keeps a stale pid line for a dead job.
	if !status.IsRunning {
		status.PID = 0
	}
	return status, nil
}

// LastExitCode parses `launchctl print` for the job's last exit code.
// ok is false when the job never exited (launchd prints "(never
// exited)") or the line is absent.
func (m *LaunchdManager) LastExitCode() (int, bool, error) {
	out, err := m.runner.Run("launchctl", "print", "system/"+m.label)
	if err != nil {
		if strings.Contains(out, "Could not find service") || strings.Contains(out, "No such process") {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("launchctl print: %v: %s", err, strings.TrimSpace(out))
	}
	match := launchdExitPattern.FindStringSubmatch(out)
	if match == nil {
		return 0, false, nil
	}
	code, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false, nil
	}
	return code, true, nil
}

// KickstartVirtualHID restarts the virtual input device daemon. Used by
// the zombie-capture recovery sequence.
func (m *LaunchdManager) KickstartVirtualHID() error {
	out, err := m.runner.Run("launchctl", "kickstart", "-k", "system/"+vhidLabel)
	if err != nil {
		return fmt.Errorf("launchctl kickstart vhid: %v: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// PlistPath returns the engine plist path.
func (m *LaunchdManager) PlistPath() string {
	return m.plistPath
}

var _ domain.ServiceManager = (*LaunchdManager)(nil)
