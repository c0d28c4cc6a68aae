package planner

import (
	"fmt"
	"strings"

	"github.com/openloom/loom/pkg/memory"
	"github.com/openloom/loom/pkg/models"
)

// ClassifyMemoryLevel maps a memory plan to a level: L1 when at least one
// step came from an exact phrase match, L2 when any steps exist at all, L3
// otherwise. A nil plan is L3.
func ClassifyMemoryLevel(plan *memory.Plan) models.MemoryLevel {
	if plan == nil {
		return models.MemoryLevelL3
	}
	for _, step := range plan.Steps {
		if step.Source == memory.SourcePhrase && step.PhraseID != "" {
			return models.MemoryLevelL1
		}
	}
	if len(plan.Steps) > 0 {
		return models.MemoryLevelL2
	}
	return models.MemoryLevelL3
}

// FormatMemoryContext renders a memory plan into the context block embedded
// in the decomposition prompt: one line per step prefixed with its source
// tag, workflow guide lines indented underneath, preferences at the tail.
// An empty plan yields an empty string.
func FormatMemoryContext(plan *memory.Plan) string {
	if plan == nil || (len(plan.Steps) == 0 && len(plan.Preferences) == 0) {
		return ""
	}

	var b strings.Builder
	for _, step := range plan.Steps {
		fmt.Fprintf(&b, "[%s] %s\n", step.Source, step.Content)
		if step.WorkflowGuide != "" {
			for _, line := range strings.Split(step.WorkflowGuide, "\n") {
				b.WriteString("    ")
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
	}
	if len(plan.Preferences) > 0 {
		b.WriteString("Preferences:\n")
		for _, p := range plan.Preferences {
			b.WriteString("- ")
			b.WriteString(p)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
