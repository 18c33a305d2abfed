package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remapd/remapd/internal/config"
	"github.com/remapd/remapd/internal/domain"
	"github.com/remapd/remapd/internal/lifecycle"
)

// ConfigEditCommand describes one requested change to the mapping set.
// Reset discards everything first; removals apply before additions.
type ConfigEditCommand struct {
	Reset     bool
	RemoveIDs []string
	Add       []domain.KeyMapping
}

// Pipeline orchestrates "apply a configuration change safely": validate,
// back up, write, verify, gate on the safety monitor, reload, and roll
// back if the reload fails. This is the single place that decides
// whether the user's mapping actually took effect.
type Pipeline struct {
	mu sync.Mutex // single-flight per config path

	store      domain.ConfigStore
	client     domain.ReloadClient
	safety     domain.SafetyMonitor
	perms      domain.PermissionOracle
	machine    *lifecycle.Machine
	journal    domain.Journal
	suppress   func() // watcher self-write suppression, optional
	currentPID func() int
	logger     *zap.Logger
}

// PipelineDeps bundles construction dependencies. Suppress and
// CurrentPID may be nil.
type PipelineDeps struct {
	Store      domain.ConfigStore
	Client     domain.ReloadClient
	Safety     domain.SafetyMonitor
	Perms      domain.PermissionOracle
	Machine    *lifecycle.Machine
	Journal    domain.Journal
	Suppress   func()
	CurrentPID func() int
	Logger     *zap.Logger
}

// NewPipeline creates a configuration pipeline.
func NewPipeline(deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		store:      deps.Store,
		client:     deps.Client,
		safety:     deps.Safety,
		perms:      deps.Perms,
		machine:    deps.Machine,
		journal:    deps.Journal,
		suppress:   deps.Suppress,
		currentPID: deps.CurrentPID,
		logger:     deps.Logger,
	}
	if p.suppress == nil {
		p.suppress = func() {}
	}
	if p.currentPID == nil {
		p.currentPID = func() int { return 0 }
	}
	return p
}

// Apply runs the full pipeline for one edit command.
func (p *Pipeline) Apply(ctx context.Context, cmd ConfigEditCommand) domain.ApplyResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	// The machine only tracks config changes while the engine runs;
	// an invalid transition here just means we're applying while stopped.
	configuring := p.fireIgnoringInvalid(lifecycle.EventConfigurationChanged)

	result := p.apply(ctx, cmd)

	if configuring {
		if result.Success {
			p.fireIgnoringInvalid(lifecycle.EventConfigurationApplied)
		} else {
			p.fireIgnoringInvalid(lifecycle.EventConfigurationFailed)
		}
	}
	return result
}

func (p *Pipeline) apply(ctx context.Context, cmd ConfigEditCommand) domain.ApplyResult {
	// Step 1: compute the new mapping set.
	mappings, err := p.mergedMappings(cmd)
	if err != nil {
		return p.failed(ctx, err, false)
	}

	// Step 2: generate config text.
	text := config.GenerateText(mappings)

	// Step 3: validate before anything touches disk.
	validation := p.store.Validate(text)
	if validation.HasBlockingErrors() {
		return p.failed(ctx, &domain.PreWriteValidationError{Issues: validation.Errors}, false)
	}

	// Step 4: back up the current file.
	backup, err := p.store.Backup()
	if err != nil {
		return p.failed(ctx, err, false)
	}

	// Step 5: write the new file. Suppress our own change notification.
	now := time.Now()
	snapshot := &domain.ConfigurationSnapshot{
		Mappings:      mappings,
		GeneratedText: text,
		Validation:    validation,
		CreatedAt:     now,
		ModifiedAt:    now,
		Source:        domain.SourceUser,
	}
	p.suppress()
	if err := p.store.Save(snapshot); err != nil {
		// Step 6: a write-then-verify failure is reported but not rolled
		// back; the bytes on disk match intent.
		if errors.Is(err, domain.ErrSaveVerificationFailed) {
			return p.failed(ctx, &domain.PostWriteValidationError{Issues: validation.Errors}, false)
		}
		return p.failed(ctx, err, false)
	}

	// Step 7: consult the safety monitor (and the permission snapshot)
	// before touching the engine.
	if !p.perms.CurrentSnapshot().Ready() {
		return p.failed(ctx, &domain.ReloadFailedError{
			Reason: "required OS permissions missing; reload skipped, config written",
		}, false)
	}
	pid := p.currentPID()
	if safe := p.safety.CheckReloadSafety(pid); !safe.IsSafe {
		return p.failed(ctx, &domain.ReloadFailedError{Reason: safe.Reason}, false)
	}

	// Step 8: issue the reload.
	outcome := p.client.Reload(ctx)
	p.safety.RecordReloadAttempt(outcome.Success, pid)

	if outcome.Success {
		p.logger.Info("configuration applied",
			zap.Int("mappings", len(mappings)),
			zap.String("protocol", outcome.Protocol))
		return domain.ApplyResult{Success: true}
	}

	// Step 9: the engine rejected (or never confirmed) the new config;
	// restore the pre-change backup so the keyboard keeps working.
	rolledBack := p.rollback(backup)

	if outcome.TimedOut {
		return p.failed(ctx, domain.ErrReadinessTimeout, rolledBack)
	}
	return p.failed(ctx, &domain.ReloadFailedError{Reason: outcome.ErrorMessage}, rolledBack)
}

// mergedMappings applies the edit command to the current on-disk state.
func (p *Pipeline) mergedMappings(cmd ConfigEditCommand) ([]domain.KeyMapping, error) {
	var current []domain.KeyMapping
	if !cmd.Reset {
		snapshot, err := p.store.Load()
		if err != nil && !errors.Is(err, domain.ErrConfigNotFound) {
			return nil, fmt.Errorf("load current config: %w", err)
		}
		if snapshot != nil {
			current = snapshot.Mappings
		}
	}

	if len(cmd.RemoveIDs) > 0 {
		remove := make(map[string]bool, len(cmd.RemoveIDs))
		for _, id := range cmd.RemoveIDs {
			remove[id] = true
		}
		kept := current[:0]
		for _, m := range current {
			if !remove[m.ID] {
				kept = append(kept, m)
			}
		}
		current = kept
	}

	additions := make([]domain.KeyMapping, len(cmd.Add))
	copy(additions, cmd.Add)
	for i := range additions {
		if additions[i].ID == "" {
			additions[i].ID = uuid.NewString()
		}
	}

	return config.MergeMappings(current, additions), nil
}

// rollback restores the pre-change backup. A nil backup means no file
// existed before this apply; there is nothing to restore.
func (p *Pipeline) rollback(backup *domain.BackupRecord) bool {
	if backup == nil {
		return false
	}
	p.suppress()
	if err := p.store.Restore(backup); err != nil {
		p.logger.Error("rollback failed; on-disk config may not match the running engine",
			zap.Error(err))
		return false
	}
	p.logger.Warn("reload failed; restored pre-change backup",
		zap.String("backup", backup.FileName))
	return true
}

// failed builds a failure result, journaling a diagnostic for it.
func (p *Pipeline) failed(ctx context.Context, err error, rolledBack bool) domain.ApplyResult {
	d := domain.Diagnostic{
		Timestamp:  time.Now(),
		Kind:       domain.DiagReloadFailed,
		Message:    err.Error(),
		Suggestion: "check `remapd inspect` for recent engine diagnostics",
	}
	var invalid *domain.PreWriteValidationError
	if errors.As(err, &invalid) {
		d.Kind = domain.DiagConfigInvalid
		d.Suggestion = "fix the reported validation errors and retry"
	}
	if p.journal != nil {
		if jerr := p.journal.Append(ctx, d); jerr != nil {
			p.logger.Warn("journal append failed", zap.Error(jerr))
		}
	}

	p.logger.Warn("configuration apply failed",
		zap.Bool("rolled_back", rolledBack),
		zap.Error(err))
	return domain.ApplyResult{
		Success:     false,
		RolledBack:  rolledBack,
		Err:         err,
		Diagnostics: []domain.Diagnostic{d},
	}
}

// fireIgnoringInvalid fires a machine event, treating an out-of-table
// event as "not tracking right now" rather than an error. Returns true
// when the transition happened.
func (p *Pipeline) fireIgnoringInvalid(event lifecycle.Event) bool {
	if p.machine == nil {
		return false
	}
	_, err := p.machine.Fire(event)
	if err != nil {
		var invalid *lifecycle.InvalidTransitionError
		if errors.As(err, &invalid) {
			return false
		}
	}
	return err == nil
}
