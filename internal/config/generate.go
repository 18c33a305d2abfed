// Package config implements the engine config store: text generation,
// lint validation, atomic save with write-then-verify, backups, and the
// file watcher. It also loads remapd's own settings file.
package config

import (
	"fmt"
	"strings"

	"github.com/remapd/remapd/internal/domain"
)

const generatedHeader = ";; Generated by remapd. Edits are overwritten on the next apply."

// GenerateText renders a mapping set as engine config text: a defcfg
// block carrying the safety flags, then parallel token lists in defsrc
// and deflayer. Mapping order is preserved; input dedup happens upstream
// in the pipeline.
func GenerateText(mappings []domain.KeyMapping) string {
	var b strings.Builder
	b.WriteString(generatedHeader)
	b.WriteString("\n\n(defcfg\n  process-unmapped-keys no\n  danger-enable-cmd no\n)\n\n")

	inputs := make([]string, len(mappings))
	outputs := make([]string, len(mappings))
	for i, m := range mappings {
		inputs[i] = m.Input
		outputs[i] = m.Output
	}

	b.WriteString("(defsrc\n")
	writeTokenLine(&b, inputs)
	b.WriteString(")\n\n(deflayer base\n")
	writeTokenLine(&b, outputs)
	b.WriteString(")\n")
	return b.String()
}

func writeTokenLine(b *strings.Builder, tokens []string) {
	if len(tokens) == 0 {
		return
	}
	fmt.Fprintf(b, "  %s\n", strings.Join(tokens, " "))
}

// MergeMappings applies last-write-wins input dedup while preserving the
// first occurrence's position. The returned slice is a new allocation.
func MergeMappings(current []domain.KeyMapping, additions []domain.KeyMapping) []domain.KeyMapping {
	merged := make([]domain.KeyMapping, 0, len(current)+len(additions))
	index := make(map[string]int)

	for _, m := range current {
		if i, ok := index[m.Input]; ok {
			merged[i] = m
			continue
		}
		index[m.Input] = len(merged)
		merged = append(merged, m)
	}
	for _, m := range additions {
		if i, ok := index[m.Input]; ok {
			merged[i] = m
			continue
		}
		index[m.Input] = len(merged)
		merged = append(merged, m)
	}
	return merged
}
