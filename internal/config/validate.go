package config

import (
	"strings"

	"github.com/remapd/remapd/internal/domain"
)

// requiredSections are the top-level declarations every engine config
// must carry. Missing any is a critical error.
var requiredSections = []struct {
	marker     string
	name       string
	suggestion string
}{
	{"(defcfg", "defcfg", "add a (defcfg ...) block with the safety flags"},
	{"(defsrc", "defsrc", "add a (defsrc ...) block listing the physical keys"},
	{"(deflayer", "deflayer", "add a (deflayer ...) block listing the mapped outputs"},
}

// safetyFlags keep a broken config from locking the keyboard. Missing
// flags are warnings, not blockers.
var safetyFlags = []struct {
	marker     string
	suggestion string
}{
	{"process-unmapped-keys", "set process-unmapped-keys so unmapped keys pass through"},
	{"danger-enable-cmd", "set danger-enable-cmd no to disable shell-out from the config"},
}

// Validate lints engine config text: required sections, count-balanced
// brackets and parens, and the two safety flags. This is deliberately
// not a grammar parser; the engine itself is the final authority.
func Validate(text string) domain.ValidationResult {
	result := domain.ValidationResult{IsValid: true}

	for _, section := range requiredSections {
		if !strings.Contains(text, section.marker) {
			result.Errors = append(result.Errors, domain.ValidationIssue{
				Message:    "missing required section " + section.name,
				Severity:   domain.SeverityCritical,
				Suggestion: section.suggestion,
			})
		}
	}

	if open, close := strings.Count(text, "("), strings.Count(text, ")"); open != close {
		result.Errors = append(result.Errors, domain.ValidationIssue{
			Message:    "unbalanced parentheses",
			Severity:   domain.SeverityCritical,
			Suggestion: "check that every ( has a matching )",
		})
	}
	if open, close := strings.Count(text, "["), strings.Count(text, "]"); open != close {
		result.Errors = append(result.Errors, domain.ValidationIssue{
			Message:    "unbalanced brackets",
			Severity:   domain.SeverityCritical,
			Suggestion: "check that every [ has a matching ]",
		})
	}

	for _, flag := range safetyFlags {
		if !strings.Contains(text, flag.marker) {
			result.Warnings = append(result.Warnings, domain.ValidationIssue{
				Message:    "missing safety flag " + flag.marker,
				Severity:   domain.SeverityWarning,
				Suggestion: flag.suggestion,
			})
		}
	}

	if result.HasBlockingErrors() {
		result.IsValid = false
		result.Suggestions = append(result.Suggestions,
			"fix the critical errors before applying; the engine would reject this config")
	}
	return result
}
