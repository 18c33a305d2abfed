package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remapd/remapd/internal/domain"
)

const backupTimeFormat = "20060102-150405.000"

// Store implements domain.ConfigStore over a single config file and a
// backups directory. The store is the only writer of the file; the
// pipeline provides the single-flight discipline.
type Store struct {
	path      string
	backupDir string
	logger    *zap.Logger
}

// NewStore creates a config store.
func NewStore(path, backupDir string, logger *zap.Logger) *Store {
	return &Store{path: path, backupDir: backupDir, logger: logger}
}

// Path returns the config file path.
func (s *Store) Path() string {
	return s.path
}

// Validate lints config text.
func (s *Store) Validate(text string) domain.ValidationResult {
	return Validate(text)
}

// Load reads and parses the config file into a snapshot.
func (s *Store) Load() (*domain.ConfigurationSnapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrConfigNotFound
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	text := string(data)
	info, _ := os.Stat(s.path)
	snapshot := &domain.ConfigurationSnapshot{
		Mappings:      ParseMappings(text),
		GeneratedText: text,
		Validation:    Validate(text),
		CreatedAt:     time.Now(),
		Source:        domain.SourceUser,
	}
	if info != nil {
		snapshot.ModifiedAt = info.ModTime()
	}
	return snapshot, nil
}

// Save writes a snapshot atomically (temp file + rename in the target
// directory), then re-reads and validates the bytes on disk.
func (s *Store) Save(snapshot *domain.ConfigurationSnapshot) error {
	if snapshot.Validation.HasBlockingErrors() {
		return &domain.InvalidConfigurationError{Issues: snapshot.Validation.Errors}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := atomicWrite(s.path, []byte(snapshot.GeneratedText)); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	written, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSaveVerificationFailed, err)
	}
	if verify := Validate(string(written)); verify.HasBlockingErrors() {
		return domain.ErrSaveVerificationFailed
	}

	s.logger.Info("config saved",
		zap.String("path", s.path),
		zap.Int("mappings", len(snapshot.Mappings)))
	return nil
}

// Backup copies the current config to a timestamped file under the
// backups directory. No file yet means nothing to back up: (nil, nil).
func (s *Store) Backup() (*domain.BackupRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &domain.BackupFailedError{Cause: err}
	}

	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return nil, &domain.BackupFailedError{Cause: err}
	}

	now := time.Now()
	name := fmt.Sprintf("mappings-%s.kbd", now.Format(backupTimeFormat))
	fullPath := filepath.Join(s.backupDir, name)
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return nil, &domain.BackupFailedError{Cause: err}
	}

	s.logger.Debug("config backed up", zap.String("backup", fullPath))
	return &domain.BackupRecord{
		FileName:  name,
		FullPath:  fullPath,
		CreatedAt: now,
		SizeBytes: int64(len(data)),
	}, nil
}

// Restore writes a backup's content back over the config file.
func (s *Store) Restore(record *domain.BackupRecord) error {
	data, err := os.ReadFile(record.FullPath)
	if err != nil {
		return fmt.Errorf("read backup %s: %w", record.FileName, err)
	}
	if err := atomicWrite(s.path, data); err != nil {
		return fmt.Errorf("restore backup %s: %w", record.FileName, err)
	}
	s.logger.Info("config restored from backup", zap.String("backup", record.FileName))
	return nil
}

// ListBackups returns backup records, newest first.
func (s *Store) ListBackups() ([]domain.BackupRecord, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var records []domain.BackupRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".kbd") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		records = append(records, domain.BackupRecord{
			FileName:  entry.Name(),
			FullPath:  filepath.Join(s.backupDir, entry.Name()),
			CreatedAt: info.ModTime(),
			SizeBytes: info.Size(),
		})
	}
	sort.Slice(records, func(i, j int) bool {
		// Filenames embed the creation time at millisecond precision;
		// mod times on some filesystems are coarser.
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].FileName > records[j].FileName
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// ParseMappings zips the defsrc and first deflayer token lists into
// mappings. Unmatched tail tokens are dropped; the validator flags the
// broken configs this would matter for.
func ParseMappings(text string) []domain.KeyMapping {
	inputs := sectionTokens(text, "(defsrc")
	outputs := sectionTokens(text, "(deflayer")
	if len(outputs) > 0 {
		// First deflayer token is the layer name.
		outputs = outputs[1:]
	}

	n := len(inputs)
	if len(outputs) < n {
		n = len(outputs)
	}
	mappings := make([]domain.KeyMapping, 0, n)
	for i := 0; i < n; i++ {
		mappings = append(mappings, domain.KeyMapping{
			ID:     uuid.NewString(),
			Input:  inputs[i],
			Output: outputs[i],
		})
	}
	return mappings
}

// sectionTokens returns the whitespace-separated tokens inside the first
// paren-balanced section starting at marker, comments stripped.
func sectionTokens(text, marker string) []string {
	start := strings.Index(text, marker)
	if start < 0 {
		return nil
	}
	body := text[start+len(marker):]

	depth := 1
	end := -1
	for i, r := range body {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return nil
	}

	var tokens []string
	for _, line := range strings.Split(body[:end], "\n") {
		if idx := strings.Index(line, ";;"); idx >= 0 {
			line = line[:idx]
		}
		tokens = append(tokens, strings.Fields(line)...)
	}
	return tokens
}

// atomicWrite writes via a temp file in the target directory followed by
// a rename, so readers never observe a partial file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".remapd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Chmod(tmpPath, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}

var _ domain.ConfigStore = (*Store)(nil)
