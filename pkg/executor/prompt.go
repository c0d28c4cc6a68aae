package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openloom/loom/pkg/models"
)

// largeResultThreshold: dependency results longer than this are written to
// the workspace and referenced by filename instead of inlined.
const largeResultThreshold = 2000

const replanTrailer = `## If The Task Is Too Large
If you discover mid-way that this task is larger than one agent should handle,
call split_and_handoff with a summary of what you completed and a list of
follow-up subtasks for the remaining work. Do not grind through an oversized
task yourself. Call review_context first if you need the full dependency
results again.`

// buildPrompt assembles the subtask prompt: browser-state block, the task
// itself, the historical workflow reference, dependency results (inline or
// as workspace file references), the workspace listing, and the replan
// trailer.
func (e *Executor) buildPrompt(s *models.Subtask, sessionID string) string {
	var b strings.Builder

	if s.AgentType == models.AgentTypeBrowser && sessionID != "" {
		fmt.Fprintf(&b, "## Browser State\nA browser session (%s) is already open — ", sessionID)
		b.WriteString("continue in the current page and do not re-navigate unless the task requires a different site.\n\n")
	}

	b.WriteString("## Your Task\n")
	b.WriteString(s.Content)
	b.WriteString("\n")

	if s.WorkflowGuide != "" {
		b.WriteString("\n## Reference: Historical Workflow\n")
		b.WriteString(s.WorkflowGuide)
		b.WriteString("\nUse this as background only. Do not execute steps beyond your assigned task.\n")
	}

	if deps := e.dependencyResults(s); deps != "" {
		b.WriteString("\n## Results From Prerequisite Subtasks\n")
		b.WriteString(deps)
	}

	if listing := e.workspaceListing(); listing != "" {
		b.WriteString("\n## Workspace Files\n")
		b.WriteString(listing)
	}

	if notes := e.operatorNotes(); notes != "" {
		b.WriteString("\n## Operator Notes\n")
		b.WriteString(notes)
	}

	b.WriteString("\n")
	b.WriteString(replanTrailer)
	return b.String()
}

// dependencyResults renders each dependency's result. Large results are
// spilled to {depID}_result.md in the workspace with a read hint.
func (e *Executor) dependencyResults(s *models.Subtask) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var b strings.Builder
	for _, depID := range s.DependsOn {
		dep, ok := e.byID[depID]
		if !ok || dep.State != models.SubtaskDone || dep.Result == "" {
			continue
		}
		if len(dep.Result) > largeResultThreshold {
			name := depID + "_result.md"
			path := filepath.Join(e.cfg.Workspace, name)
			if err := os.WriteFile(path, []byte(dep.Result), 0o644); err != nil {
				e.log.Warn("Failed to spill dependency result, inlining instead",
					"dep_id", depID, "error", err)
				fmt.Fprintf(&b, "### Subtask %s\n%s\n", depID, dep.Result)
				continue
			}
			fmt.Fprintf(&b, "### Subtask %s\nThe full result is in the workspace file %s — read it before starting.\n", depID, name)
		} else {
			fmt.Fprintf(&b, "### Subtask %s\n%s\n", depID, dep.Result)
		}
	}
	return b.String()
}

// operatorNotes renders messages injected mid-execution by the orchestrator.
func (e *Executor) operatorNotes() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var b strings.Builder
	for _, note := range e.notes {
		b.WriteString("- ")
		b.WriteString(note)
		b.WriteString("\n")
	}
	return b.String()
}

// workspaceListing enumerates workspace files as "name (size KB)" lines.
func (e *Executor) workspaceListing() string {
	if e.cfg.Workspace == "" {
		return ""
	}
	entries, err := os.ReadDir(e.cfg.Workspace)
	if err != nil {
		return ""
	}

	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s (%.1f KB)\n", entry.Name(), float64(info.Size())/1024)
	}
	return b.String()
}
