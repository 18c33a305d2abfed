package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for failures that carry no parameters.
var (
	// ErrConfigNotFound is returned when the config file is absent.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrSaveVerificationFailed is returned when re-validating the bytes
	// just written to disk fails. Protects against partial writes.
	ErrSaveVerificationFailed = errors.New("saved config failed verification")

	// ErrReadinessTimeout is returned when the engine did not confirm a
	// reload within the protocol deadline.
	ErrReadinessTimeout = errors.New("engine did not become ready before timeout")

	// ErrHealthCheckFailed is returned when the engine service started
	// but never reported a PID.
	ErrHealthCheckFailed = errors.New("engine health check failed")
)

// InvalidConfigurationError carries the blocking validation issues that
// prevented a save.
type InvalidConfigurationError struct {
	Issues []ValidationIssue
}

func (e *InvalidConfigurationError) Error() string {
	return "invalid configuration: " + joinIssues(e.Issues)
}

// BackupFailedError wraps an I/O failure while creating a backup.
type BackupFailedError struct {
	Cause error
}

func (e *BackupFailedError) Error() string {
	return fmt.Sprintf("backup failed: %v", e.Cause)
}

func (e *BackupFailedError) Unwrap() error { return e.Cause }

// PreWriteValidationError aborts the pipeline before anything touches disk.
type PreWriteValidationError struct {
	Issues []ValidationIssue
}

func (e *PreWriteValidationError) Error() string {
	return "pre-write validation failed: " + joinIssues(e.Issues)
}

// PostWriteValidationError means the file on disk does not validate even
// though it was just written. The write is not rolled back: the content
// matches intent, the validator is what disagrees.
type PostWriteValidationError struct {
	Issues []ValidationIssue
}

func (e *PostWriteValidationError) Error() string {
	return "post-write validation failed: " + joinIssues(e.Issues)
}

// ReloadFailedError carries the engine's (or the safety monitor's) reason
// for a refused or failed reload.
type ReloadFailedError struct {
	Reason string
}

func (e *ReloadFailedError) Error() string {
	return "reload failed: " + e.Reason
}

// ProcessStartFailedError reports a failed engine start together with a
// diagnostic the caller can surface.
type ProcessStartFailedError struct {
	Reason     string
	Diagnostic *Diagnostic
}

func (e *ProcessStartFailedError) Error() string {
	return "engine start failed: " + e.Reason
}

// ConflictingProcessError reports a competing input-grabbing process that
// could not be resolved.
type ConflictingProcessError struct {
	Detail string
}

func (e *ConflictingProcessError) Error() string {
	return "conflicting process: " + e.Detail
}

func joinIssues(issues []ValidationIssue) string {
	if len(issues) == 0 {
		return "no details"
	}
	msgs := make([]string, len(issues))
	for i, issue := range issues {
		msgs[i] = issue.Message
	}
	return strings.Join(msgs, "; ")
}
