package usecase

import (
	"context"
	"sync"

	"github.com/remapd/remapd/internal/config"
	"github.com/remapd/remapd/internal/domain"
)

// mockStore implements domain.ConfigStore in memory.
type mockStore struct {
	mu sync.Mutex

	content    string   // current "on disk" config text
	hasFile    bool
	backups    map[string]string
	backupSeq  int
	saveErr    error
	backupErr  error
	loadErr    error
	validateFn func(string) domain.ValidationResult

	savedTexts   []string
	restoredFrom []string

	// parse cache so Load returns stable mapping IDs per content
	parsedFor string
	parsed    []domain.KeyMapping
}

func newMockStore() *mockStore {
	return &mockStore{backups: make(map[string]string)}
}

func (m *mockStore) seed(text string) {
	m.content = text
	m.hasFile = true
}

func (m *mockStore) Validate(text string) domain.ValidationResult {
	if m.validateFn != nil {
		return m.validateFn(text)
	}
	return config.Validate(text)
}

func (m *mockStore) Load() (*domain.ConfigurationSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if !m.hasFile {
		return nil, domain.ErrConfigNotFound
	}
	if m.parsedFor != m.content {
		m.parsed = config.ParseMappings(m.content)
		m.parsedFor = m.content
	}
	return &domain.ConfigurationSnapshot{
		Mappings:      m.parsed,
		GeneratedText: m.content,
		Validation:    m.Validate(m.content),
		Source:        domain.SourceUser,
	}, nil
}

func (m *mockStore) Save(snapshot *domain.ConfigurationSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if snapshot.Validation.HasBlockingErrors() {
		return &domain.InvalidConfigurationError{Issues: snapshot.Validation.Errors}
	}
	m.content = snapshot.GeneratedText
	m.hasFile = true
	m.savedTexts = append(m.savedTexts, snapshot.GeneratedText)
	return nil
}

func (m *mockStore) Backup() (*domain.BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backupErr != nil {
		return nil, m.backupErr
	}
	if !m.hasFile {
		return nil, nil
	}
	m.backupSeq++
	name := "backup-" + string(rune('a'+m.backupSeq-1)) + ".kbd"
	m.backups[name] = m.content
	return &domain.BackupRecord{FileName: name, FullPath: name, SizeBytes: int64(len(m.content))}, nil
}

func (m *mockStore) Restore(record *domain.BackupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = m.backups[record.FileName]
	m.restoredFrom = append(m.restoredFrom, record.FileName)
	return nil
}

func (m *mockStore) ListBackups() ([]domain.BackupRecord, error) { return nil, nil }
func (m *mockStore) Path() string                                { return "mock.kbd" }

// mockClient implements domain.ReloadClient.
type mockClient struct {
	mu       sync.Mutex
	outcome  domain.ReloadOutcome
	healthy  bool
	reloads  int
	probes   int
}

func (m *mockClient) Reload(ctx context.Context) domain.ReloadOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads++
	return m.outcome
}

func (m *mockClient) CheckServerStatus(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes++
	return m.healthy
}

// mockSafety implements domain.SafetyMonitor.
type mockSafety struct {
	mu       sync.Mutex
	snapshot domain.SafetySnapshot
	attempts []bool
	restarts int
}

func newMockSafety() *mockSafety {
	return &mockSafety{snapshot: domain.SafetySnapshot{IsSafe: true}}
}

func (m *mockSafety) CheckReloadSafety(currentPID int) domain.SafetySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

func (m *mockSafety) RecordReloadAttempt(succeeded bool, daemonPID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, succeeded)
}

func (m *mockSafety) RecordRestart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts++
}

// mockPerms implements domain.PermissionOracle.
type mockPerms struct {
	snapshot domain.PermissionSnapshot
}

func newMockPerms() *mockPerms {
	return &mockPerms{snapshot: domain.PermissionSnapshot{
		InputMonitoringReady: true,
		AccessibilityReady:   true,
	}}
}

func (m *mockPerms) CurrentSnapshot() domain.PermissionSnapshot { return m.snapshot }

// mockService implements domain.ServiceManager. StartService flips the
// reported status to running; a block channel lets tests hold a start
// in flight.
type mockService struct {
	mu sync.Mutex

	status     domain.ProcessStatus
	statusErr  error
	startErr   error
	stopErr    error
	blockStart chan struct{}

	starts     int
	stops      int
	kickstarts int
	vhidKicks  int
}

func (m *mockService) StartService() error {
	if m.blockStart != nil {
		<-m.blockStart
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	if m.startErr != nil {
		return m.startErr
	}
	m.status = domain.ProcessStatus{IsRunning: true, PID: 4242}
	return nil
}

func (m *mockService) StopService() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if m.stopErr != nil {
		return m.stopErr
	}
	m.status = domain.ProcessStatus{}
	return nil
}

func (m *mockService) KickstartService() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kickstarts++
	m.status = domain.ProcessStatus{IsRunning: true, PID: m.status.PID + 1}
	return nil
}

func (m *mockService) ServiceStatus() (domain.ProcessStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.statusErr
}

func (m *mockService) KickstartVirtualHID() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vhidKicks++
	return nil
}

// mockInstaller implements ServiceInstaller.
type mockInstaller struct {
	installed   bool
	needsUpdate bool
	installErr  error
	installs    int
}

func (m *mockInstaller) Install() error {
	m.installs++
	if m.installErr != nil {
		return m.installErr
	}
	m.installed = true
	m.needsUpdate = false
	return nil
}

func (m *mockInstaller) Uninstall() error  { m.installed = false; return nil }
func (m *mockInstaller) IsInstalled() bool { return m.installed }
func (m *mockInstaller) NeedsUpdate() bool { return m.needsUpdate }

// mockProcessManager implements domain.ProcessManager.
type mockProcessManager struct {
	mu         sync.Mutex
	found      map[string][]int
	dead       map[int]bool
	findErr    error
	killErr    error
	killedPIDs []int
}

func (m *mockProcessManager) FindByName(pattern string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.found[pattern], nil
}

func (m *mockProcessManager) Kill(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.killErr != nil {
		return m.killErr
	}
	m.killedPIDs = append(m.killedPIDs, pid)
	// A killed pid is no longer found.
	for pattern, pids := range m.found {
		kept := pids[:0]
		for _, p := range pids {
			if p != pid {
				kept = append(kept, p)
			}
		}
		m.found[pattern] = kept
	}
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.dead[pid]
}

func (m *mockProcessManager) GetCurrentPID() int { return 1 }

// mockJournal implements domain.Journal in memory.
type mockJournal struct {
	mu      sync.Mutex
	entries []domain.Diagnostic
}

func (m *mockJournal) Append(ctx context.Context, d domain.Diagnostic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, d)
	return nil
}

func (m *mockJournal) Recent(ctx context.Context, limit int) ([]domain.Diagnostic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]domain.Diagnostic, limit)
	copy(out, m.entries[len(m.entries)-limit:])
	return out, nil
}

func (m *mockJournal) Close() error { return nil }
