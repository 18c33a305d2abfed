package infra

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var versionPattern = regexp.MustCompile(`v?(\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?)`)

// VersionProbe checks the installed engine binary's version against a
// minimum. Old engines predate the TCP reload protocol.
type VersionProbe struct {
	enginePath string
	minimum    *semver.Version
	runner     CommandRunner
}

// NewVersionProbe creates a probe. An unparseable minimum disables the
// check rather than blocking startup.
func NewVersionProbe(enginePath, minimum string) *VersionProbe {
	min, err := semver.NewVersion(minimum)
	if err != nil {
		min = nil
	}
	return &VersionProbe{enginePath: enginePath, minimum: min, runner: execRunner{}}
}

// NewVersionProbeWithRunner creates a probe with a custom command runner
// (for testing).
func NewVersionProbeWithRunner(enginePath, minimum string, runner CommandRunner) *VersionProbe {
	p := NewVersionProbe(enginePath, minimum)
	p.runner = runner
	return p
}

// Check runs `<engine> --version` and compares the result against the
// minimum. Returns the detected version string and whether it satisfies
// the floor.
func (p *VersionProbe) Check() (string, bool, error) {
	out, err := p.runner.Run(p.enginePath, "--version")
	if err != nil {
		return "", false, fmt.Errorf("probe engine version: %w", err)
	}

	match := versionPattern.FindStringSubmatch(strings.TrimSpace(out))
	if match == nil {
		return "", false, fmt.Errorf("unrecognized version output: %q", strings.TrimSpace(out))
	}

	detected, err := semver.NewVersion(match[1])
	if err != nil {
		return match[1], false, fmt.Errorf("parse engine version %q: %w", match[1], err)
	}
	if p.minimum == nil {
		return detected.String(), true, nil
	}
	return detected.String(), !detected.LessThan(p.minimum), nil
}
