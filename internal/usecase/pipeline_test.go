package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/remapd/remapd/internal/config"
	"github.com/remapd/remapd/internal/domain"
	"github.com/remapd/remapd/internal/lifecycle"
)

type pipelineFixture struct {
	store   *mockStore
	client  *mockClient
	safety  *mockSafety
	perms   *mockPerms
	journal *mockJournal
	machine *lifecycle.Machine
	pipe    *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		store:   newMockStore(),
		client:  &mockClient{outcome: domain.ReloadOutcome{Success: true}, healthy: true},
		safety:  newMockSafety(),
		perms:   newMockPerms(),
		journal: &mockJournal{},
		machine: lifecycle.NewMachine(zap.NewNop()),
	}
	f.pipe = NewPipeline(PipelineDeps{
		Store:   f.store,
		Client:  f.client,
		Safety:  f.safety,
		Perms:   f.perms,
		Machine: f.machine,
		Journal: f.journal,
		Logger:  zap.NewNop(),
	})
	return f
}

func TestPipelineApplySuccess(t *testing.T) {
	f := newPipelineFixture(t)

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
	})

	require.True(t, result.Success)
	assert.False(t, result.RolledBack)
	assert.NoError(t, result.Err)
	assert.Equal(t, 1, f.client.reloads)

	// The written config carries the mapping.
	mappings := config.ParseMappings(f.store.content)
	require.Len(t, mappings, 1)
	assert.Equal(t, "caps", mappings[0].Input)
	assert.Equal(t, "esc", mappings[0].Output)

	// Blank IDs are filled in before writing.
	assert.NotEmpty(t, mappings[0].ID)

	// The attempt was recorded as a success.
	require.Len(t, f.safety.attempts, 1)
	assert.True(t, f.safety.attempts[0])
}

func TestPipelineApplyMergesWithExisting(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.seed(config.GenerateText([]domain.KeyMapping{
		{ID: "first", Input: "caps", Output: "esc"},
	}))

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Add: []domain.KeyMapping{{Input: "tab", Output: "lmet"}},
	})

	require.True(t, result.Success)
	mappings := config.ParseMappings(f.store.content)
	require.Len(t, mappings, 2)
	assert.Equal(t, "caps", mappings[0].Input)
	assert.Equal(t, "tab", mappings[1].Input)
}

func TestPipelineReloadTimeoutRollsBack(t *testing.T) {
	f := newPipelineFixture(t)
	original := config.GenerateText([]domain.KeyMapping{
		{ID: "keep", Input: "caps", Output: "esc"},
	})
	f.store.seed(original)
	f.client.outcome = domain.ReloadOutcome{TimedOut: true}

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Add: []domain.KeyMapping{{Input: "tab", Output: "lmet"}},
	})

	require.False(t, result.Success)
	assert.True(t, result.RolledBack)
	assert.ErrorIs(t, result.Err, domain.ErrReadinessTimeout)

	// The file on disk is byte-for-byte the pre-change content.
	assert.Equal(t, original, f.store.content)
	require.Len(t, f.store.restoredFrom, 1)

	// The failed attempt still lands in the safety history.
	require.Len(t, f.safety.attempts, 1)
	assert.False(t, f.safety.attempts[0])
}

func TestPipelineReloadErrorRollsBackWithReason(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.seed(config.GenerateText([]domain.KeyMapping{
		{ID: "keep", Input: "caps", Output: "esc"},
	}))
	f.client.outcome = domain.ReloadOutcome{
		Success:      false,
		ErrorMessage: "invalid key name: capslok",
	}

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Add: []domain.KeyMapping{{Input: "tab", Output: "lmet"}},
	})

	require.False(t, result.Success)
	assert.True(t, result.RolledBack)

	var reloadErr *domain.ReloadFailedError
	require.ErrorAs(t, result.Err, &reloadErr)
	assert.Contains(t, reloadErr.Reason, "capslok")
}

func TestPipelineNoBackupMeansNoRollback(t *testing.T) {
	// First-ever apply: no prior file exists, so a reload failure cannot
	// claim a rollback happened.
	f := newPipelineFixture(t)
	f.client.outcome = domain.ReloadOutcome{TimedOut: true}

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
	})

	require.False(t, result.Success)
	assert.False(t, result.RolledBack)
	assert.Empty(t, f.store.restoredFrom)
}

func TestPipelinePreWriteValidationFailureWritesNothing(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.validateFn = func(string) domain.ValidationResult {
		return domain.ValidationResult{
			IsValid: false,
			Errors: []domain.ValidationIssue{
				{Severity: domain.SeverityCritical, Message: "missing required section: defsrc"},
			},
		}
	}

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
	})

	require.False(t, result.Success)
	assert.False(t, result.RolledBack)

	var preWrite *domain.PreWriteValidationError
	assert.ErrorAs(t, result.Err, &preWrite)

	// Nothing reached disk and the engine was never contacted.
	assert.Empty(t, f.store.savedTexts)
	assert.Zero(t, f.client.reloads)

	// The diagnostic is classified as a config problem.
	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, domain.DiagConfigInvalid, f.journal.entries[0].Kind)
}

func TestPipelineSaveVerificationFailureIsNotRolledBack(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.saveErr = domain.ErrSaveVerificationFailed

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
	})

	require.False(t, result.Success)
	assert.False(t, result.RolledBack)

	var postWrite *domain.PostWriteValidationError
	assert.ErrorAs(t, result.Err, &postWrite)
	assert.Zero(t, f.client.reloads)
}

func TestPipelineUnsafeReloadIsBlocked(t *testing.T) {
	f := newPipelineFixture(t)
	f.safety.snapshot = domain.SafetySnapshot{
		IsSafe: false,
		Reason: "too many reload attempts in the last minute",
	}

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
	})

	require.False(t, result.Success)
	assert.False(t, result.RolledBack)

	var reloadErr *domain.ReloadFailedError
	require.ErrorAs(t, result.Err, &reloadErr)
	assert.Contains(t, reloadErr.Reason, "too many reload attempts")

	// The engine is never contacted, but the config stays written.
	assert.Zero(t, f.client.reloads)
	assert.Len(t, f.store.savedTexts, 1)
}

func TestPipelineMissingPermissionsSkipsReload(t *testing.T) {
	f := newPipelineFixture(t)
	f.perms.snapshot = domain.PermissionSnapshot{InputMonitoringReady: true}

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
	})

	require.False(t, result.Success)
	assert.Zero(t, f.client.reloads)
	assert.Len(t, f.store.savedTexts, 1)
}

func TestPipelineRemoveByID(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.seed(config.GenerateText([]domain.KeyMapping{
		{ID: "a", Input: "caps", Output: "esc"},
		{ID: "b", Input: "tab", Output: "lmet"},
	}))

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		RemoveIDs: []string{f.mappingIDFor(t, "caps")},
	})

	require.True(t, result.Success)
	mappings := config.ParseMappings(f.store.content)
	require.Len(t, mappings, 1)
	assert.Equal(t, "tab", mappings[0].Input)
}

// mappingIDFor looks up the parsed ID of a mapping by input key. Parsed
// mappings get fresh IDs, so removal tests have to go through Load.
func (f *pipelineFixture) mappingIDFor(t *testing.T, input string) string {
	t.Helper()
	snapshot, err := f.store.Load()
	require.NoError(t, err)
	for _, m := range snapshot.Mappings {
		if m.Input == input {
			return m.ID
		}
	}
	t.Fatalf("no mapping with input %q", input)
	return ""
}

func TestPipelineResetDiscardsExisting(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.seed(config.GenerateText([]domain.KeyMapping{
		{ID: "a", Input: "caps", Output: "esc"},
	}))

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Reset: true,
		Add:   []domain.KeyMapping{{Input: "tab", Output: "lmet"}},
	})

	require.True(t, result.Success)
	mappings := config.ParseMappings(f.store.content)
	require.Len(t, mappings, 1)
	assert.Equal(t, "tab", mappings[0].Input)
}

func TestPipelineTracksMachineWhileRunning(t *testing.T) {
	f := newPipelineFixture(t)
	driveToRunning(t, f.machine)

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
	})

	require.True(t, result.Success)
	assert.Equal(t, lifecycle.StateRunning, f.machine.Current())
}

func TestPipelineFailureLandsInConfigurationError(t *testing.T) {
	f := newPipelineFixture(t)
	driveToRunning(t, f.machine)
	f.client.outcome = domain.ReloadOutcome{TimedOut: true}

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
	})

	require.False(t, result.Success)
	assert.Equal(t, lifecycle.StateConfigurationError, f.machine.Current())
}

func TestPipelineAppliesWhileStopped(t *testing.T) {
	// No machine transition is available before the engine ever starts;
	// the apply must still go through.
	f := newPipelineFixture(t)

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
	})

	require.True(t, result.Success)
	assert.Equal(t, lifecycle.StateUninitialized, f.machine.Current())
}

func TestPipelineBackupFailureAborts(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.seed(config.GenerateText([]domain.KeyMapping{
		{ID: "a", Input: "caps", Output: "esc"},
	}))
	f.store.backupErr = &domain.BackupFailedError{Cause: errors.New("disk full")}

	result := f.pipe.Apply(context.Background(), ConfigEditCommand{
		Add: []domain.KeyMapping{{Input: "tab", Output: "lmet"}},
	})

	require.False(t, result.Success)
	var backupErr *domain.BackupFailedError
	assert.ErrorAs(t, result.Err, &backupErr)
	assert.Len(t, f.store.savedTexts, 0)
}

// driveToRunning walks the machine to the running state.
func driveToRunning(t *testing.T, m *lifecycle.Machine) {
	t.Helper()
	for _, e := range []lifecycle.Event{
		lifecycle.EventInitialize,
		lifecycle.EventCheckRequirements,
		lifecycle.EventRequirementsPassed,
		lifecycle.EventStartEngine,
		lifecycle.EventEngineStarted,
	} {
		_, err := m.Fire(e)
		require.NoError(t, err)
	}
}
