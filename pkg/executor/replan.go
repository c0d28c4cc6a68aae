package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openloom/loom/pkg/bus"
	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/planner"
	"github.com/openloom/loom/pkg/tool"
)

// ReplanSubtasks replaces every PENDING subtask with the new set. RUNNING and
// terminal subtasks are kept. Validation happens atomically against the
// scheduler: no new id may collide with a kept id, and every dependency of a
// new subtask must resolve within kept ∪ new.
func (e *Executor) ReplanSubtasks(ctx context.Context, newSubtasks []*models.Subtask) (*ReplanResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var kept []*models.Subtask
	removed := 0
	keptIDs := make(map[string]bool)
	for _, s := range e.subtasks {
		if s.State == models.SubtaskPending {
			removed++
			continue
		}
		kept = append(kept, s)
		keptIDs[s.ID] = true
	}

	valid := make(map[string]bool, len(keptIDs)+len(newSubtasks))
	for id := range keptIDs {
		valid[id] = true
	}
	for _, s := range newSubtasks {
		if keptIDs[s.ID] {
			return nil, fmt.Errorf("replan: subtask id '%s' collides with a kept subtask", s.ID)
		}
		if valid[s.ID] {
			return nil, fmt.Errorf("replan: duplicate subtask id '%s'", s.ID)
		}
		valid[s.ID] = true
	}
	for _, s := range newSubtasks {
		for _, dep := range s.DependsOn {
			if !valid[dep] {
				return nil, fmt.Errorf("replan: subtask '%s' depends on unknown id '%s'", s.ID, dep)
			}
		}
	}

	for _, s := range newSubtasks {
		if s.State == "" {
			s.State = models.SubtaskPending
		}
	}

	e.subtasks = append(kept, newSubtasks...)
	e.byID = make(map[string]*models.Subtask, len(e.subtasks))
	for _, s := range e.subtasks {
		e.byID[s.ID] = s
	}
	e.persistLocked(ctx, models.TaskRunning)

	result := &ReplanResult{
		RemovedCount: removed,
		AddedCount:   len(newSubtasks),
	}
	for _, s := range kept {
		result.KeptIDs = append(result.KeptIDs, s.ID)
	}
	e.cfg.Bus.Emit(bus.New(bus.ActionTaskReplanned,
		"removed", removed, "added", len(newSubtasks), "kept", result.KeptIDs))
	e.log.Info("Task replanned", "removed", removed, "added", len(newSubtasks))
	return result, nil
}

// AddSubtasks inserts subtasks immediately after parentID (or at the tail
// when parentID is empty), skipping over dynamic siblings already inserted
// under the same parent.
func (e *Executor) AddSubtasks(ctx context.Context, newSubtasks []*models.Subtask, parentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range newSubtasks {
		if _, exists := e.byID[s.ID]; exists {
			return fmt.Errorf("add subtasks: id '%s' already exists", s.ID)
		}
		if s.State == "" {
			s.State = models.SubtaskPending
		}
	}

	at := len(e.subtasks)
	if parentID != "" {
		for i, s := range e.subtasks {
			if s.ID == parentID {
				at = i + 1
				// Skip past dynamic siblings so repeated hand-offs append
				// in insertion order.
				for at < len(e.subtasks) && strings.HasPrefix(e.subtasks[at].ID, parentID+"_dyn_") {
					at++
				}
				break
			}
		}
	}

	e.subtasks = append(e.subtasks[:at], append(newSubtasks, e.subtasks[at:]...)...)
	for _, s := range newSubtasks {
		e.byID[s.ID] = s
	}
	e.persistLocked(ctx, models.TaskRunning)

	ids := make([]string, len(newSubtasks))
	for i, s := range newSubtasks {
		ids[i] = s.ID
	}
	e.cfg.Bus.Emit(bus.New(bus.ActionDynamicTasksAdded,
		"subtask_ids", ids, "parent_id", parentID))
	e.log.Info("Dynamic subtasks added", "count", len(ids), "parent_id", parentID)
	return nil
}

// removeDynamic deletes subtasks inserted under the given parent. Called
// before a retry so a repeated split_and_handoff cannot duplicate them.
func (e *Executor) removeDynamic(ctx context.Context, parentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prefix := parentID + "_dyn_"
	kept := e.subtasks[:0]
	removed := 0
	for _, s := range e.subtasks {
		if strings.HasPrefix(s.ID, prefix) {
			delete(e.byID, s.ID)
			removed++
			continue
		}
		kept = append(kept, s)
	}
	if removed == 0 {
		return
	}
	e.subtasks = kept
	e.persistLocked(ctx, models.TaskRunning)
	e.log.Info("Removed dynamic subtasks before retry", "parent_id", parentID, "count", removed)
}

// handoffState holds the summary stored by split_and_handoff; when set it
// overrides the subtask's extracted result text.
type handoffState struct {
	mu      sync.Mutex
	summary string
}

func (h *handoffState) set(s string) {
	h.mu.Lock()
	h.summary = s
	h.mu.Unlock()
}

func (h *handoffState) get() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.summary
}

// replanTools builds the per-subtask meta tools merged into every agent's
// palette: split_and_handoff and review_context.
func (e *Executor) replanTools(s *models.Subtask, handoff *handoffState) []tool.Tool {
	split := &tool.Func{
		ToolName:        "split_and_handoff",
		ToolLabel:       "Split and hand off",
		ToolDescription: "Hand the remaining work off as new subtasks when the current task is too large. Provide a summary of what you completed and the follow-up subtasks.",
		ToolParameters: tool.ObjectSchema(map[string]any{
			"summary": map[string]any{
				"type":        "string",
				"description": "What you completed so far; becomes this subtask's result.",
			},
			"subtasks": map[string]any{
				"type":        "array",
				"description": "Follow-up subtasks for the remaining work.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content":    map[string]any{"type": "string"},
						"agent_type": map[string]any{"type": "string"},
					},
					"required": []string{"content"},
				},
			},
		}, "summary", "subtasks"),
		Run: func(ctx context.Context, toolCallID string, params map[string]any) (*tool.Result, error) {
			summary := tool.StringParam(params, "summary")
			items, _ := params["subtasks"].([]any)
			if summary == "" || len(items) == 0 {
				return tool.ErrorResult("split_and_handoff requires a summary and at least one follow-up subtask"), nil
			}

			newSubtasks := make([]*models.Subtask, 0, len(items))
			for i, item := range items {
				fields, _ := item.(map[string]any)
				content := tool.StringParam(fields, "content")
				if content == "" {
					return tool.ErrorResult(fmt.Sprintf("subtask %d has no content", i+1)), nil
				}
				agentType := models.AgentType(tool.StringParam(fields, "agent_type"))
				if !agentType.Valid() {
					agentType = planner.InferAgentType(content)
				}
				newSubtasks = append(newSubtasks, &models.Subtask{
					ID:          fmt.Sprintf("%s_dyn_%d", s.ID, i+1),
					Content:     content,
					AgentType:   agentType,
					DependsOn:   []string{s.ID},
					MemoryLevel: s.MemoryLevel,
					State:       models.SubtaskPending,
				})
			}

			if err := e.AddSubtasks(ctx, newSubtasks, s.ID); err != nil {
				return tool.ErrorResult(err.Error()), nil
			}
			handoff.set(summary)
			return tool.TextResult(fmt.Sprintf(
				"Handed off %d follow-up subtask(s). Finish your turn now; your summary is recorded as the result.",
				len(newSubtasks))), nil
		},
	}

	review := &tool.Func{
		ToolName:        "review_context",
		ToolLabel:       "Review context",
		ToolDescription: "Re-read the full, untruncated results of this subtask's dependencies and the current workspace file listing.",
		ToolParameters:  tool.ObjectSchema(map[string]any{}),
		Run: func(ctx context.Context, toolCallID string, params map[string]any) (*tool.Result, error) {
			var b strings.Builder
			e.mu.Lock()
			for _, depID := range s.DependsOn {
				if dep, ok := e.byID[depID]; ok && dep.Result != "" {
					fmt.Fprintf(&b, "### Subtask %s\n%s\n\n", depID, dep.Result)
				}
			}
			e.mu.Unlock()
			if listing := e.workspaceListing(); listing != "" {
				b.WriteString("### Workspace Files\n")
				b.WriteString(listing)
			}
			if b.Len() == 0 {
				return tool.TextResult("No dependency results or workspace files available."), nil
			}
			return tool.TextResult(b.String()), nil
		},
	}

	return []tool.Tool{split, review}
}
