package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/planner"
	"github.com/openloom/loom/pkg/tool"
	"github.com/openloom/loom/pkg/tool/builtin"
)

// metaTools builds the five orchestration tools plus the two session-bound
// builtins (ask_human, attach_file). They live here because their state
// (delegation context, executor handles, snapshot store, the human-response
// channel) is the session's.
func (s *Session) metaTools() []tool.Tool {
	return []tool.Tool{
		s.decomposeTaskTool(),
		s.resumeTaskTool(),
		s.injectMessageTool(),
		s.cancelTaskTool(),
		s.replanTaskTool(),
		builtin.AskHuman(s, s.cfg.Bus),
		builtin.AttachFile(s, s.cfg.Workspace),
	}
}

// decomposeTaskTool records the delegation request and then aborts the
// current model turn so the model cannot invoke further tools; the session
// treats that abort as benign and spawns the executor after the turn.
func (s *Session) decomposeTaskTool() tool.Tool {
	return &tool.Func{
		ToolName:        "decompose_task",
		ToolLabel:       "Delegate task",
		ToolDescription: "Delegate a multi-step task to the background workforce. The task is decomposed into subtasks and executed by specialised agents. Pass resume_task_id to continue a previously interrupted task instead of planning anew.",
		ToolParameters: tool.ObjectSchema(map[string]any{
			"task_description": map[string]any{
				"type":        "string",
				"description": "Self-contained description of the whole task.",
			},
			"folder_name": map[string]any{
				"type":        "string",
				"description": "Short workspace folder name for the task's files.",
			},
			"resume_task_id": map[string]any{
				"type":        "string",
				"description": "Snapshot id of an interrupted task to resume; skips planning.",
			},
		}, "task_description"),
		Run: func(ctx context.Context, toolCallID string, params map[string]any) (*tool.Result, error) {
			task := tool.StringParam(params, "task_description")
			resumeID := tool.StringParam(params, "resume_task_id")
			if task == "" && resumeID == "" {
				return tool.ErrorResult("task_description is required"), nil
			}

			s.setDelegation(&delegation{
				Task:     task,
				Folder:   tool.StringParam(params, "folder_name"),
				ResumeID: resumeID,
			})
			// Stop the model from queuing more work this turn.
			s.abortCurrentTurn()
			return tool.TextResult("Delegation accepted. The task will start in the background."), nil
		},
	}
}

func (s *Session) resumeTaskTool() tool.Tool {
	return &tool.Func{
		ToolName:        "resume_task",
		ToolLabel:       "Inspect resumable task",
		ToolDescription: "Look up an interrupted task snapshot (the most recent one when no id is given) and summarise its progress. Use decompose_task with resume_task_id to actually resume it.",
		ToolParameters: tool.ObjectSchema(map[string]any{
			"task_id": map[string]any{
				"type":        "string",
				"description": "Snapshot id; omit for the most recent incomplete task.",
			},
		}),
		Run: func(ctx context.Context, toolCallID string, params map[string]any) (*tool.Result, error) {
			if s.cfg.Store == nil {
				return tool.ErrorResult("no snapshot store is configured"), nil
			}

			taskID := tool.StringParam(params, "task_id")
			var snap *models.TaskSnapshot
			var err error
			if taskID != "" {
				snap, err = s.cfg.Store.Get(ctx, taskID)
			} else {
				snap, err = s.cfg.Store.LatestIncomplete(ctx)
			}
			if err != nil {
				return tool.ErrorResult(fmt.Sprintf("no resumable task found: %v", err)), nil
			}

			var b strings.Builder
			fmt.Fprintf(&b, "## Task %s\n", snap.TaskID)
			fmt.Fprintf(&b, "Request: %s\n", snap.UserRequest)
			fmt.Fprintf(&b, "Status: %s (updated %s)\n\n", snap.Status, snap.UpdatedAt.Format("2006-01-02 15:04"))
			done := 0
			for _, st := range snap.Subtasks {
				marker := " "
				switch st.State {
				case models.SubtaskDone:
					marker = "x"
					done++
				case models.SubtaskFailed:
					marker = "!"
				}
				fmt.Fprintf(&b, "- [%s] %s (%s): %s\n", marker, st.ID, st.AgentType, st.Content)
			}
			fmt.Fprintf(&b, "\n%d/%d subtasks done. Resume with decompose_task(resume_task_id=%q).\n",
				done, len(snap.Subtasks), snap.TaskID)
			return tool.TextResult(b.String()), nil
		},
	}
}

func (s *Session) injectMessageTool() tool.Tool {
	return &tool.Func{
		ToolName:        "inject_task_message",
		ToolLabel:       "Message running task",
		ToolDescription: "Pass guidance from the user into a running background task. The note is shown to every subtask agent dispatched afterwards.",
		ToolParameters: tool.ObjectSchema(map[string]any{
			"message": map[string]any{"type": "string"},
			"task_id": map[string]any{
				"type":        "string",
				"description": "Omit when only one task is running.",
			},
		}, "message"),
		Run: func(ctx context.Context, toolCallID string, params map[string]any) (*tool.Result, error) {
			message := tool.StringParam(params, "message")
			if message == "" {
				return tool.ErrorResult("message is required"), nil
			}
			h, err := s.resolveHandle(tool.StringParam(params, "task_id"))
			if err != nil {
				return tool.ErrorResult(err.Error()), nil
			}
			e := h.Executor()
			if e == nil {
				return tool.ErrorResult("the task is still planning; try again in a moment"), nil
			}
			e.Inject(message)
			return tool.TextResult(fmt.Sprintf("Message delivered to task %s.", h.TaskID)), nil
		},
	}
}

func (s *Session) cancelTaskTool() tool.Tool {
	return &tool.Func{
		ToolName:        "cancel_task",
		ToolLabel:       "Cancel task",
		ToolDescription: "Cancel a running background task. In-flight subtasks are aborted.",
		ToolParameters: tool.ObjectSchema(map[string]any{
			"task_id": map[string]any{
				"type":        "string",
				"description": "Omit when only one task is running.",
			},
		}),
		Run: func(ctx context.Context, toolCallID string, params map[string]any) (*tool.Result, error) {
			h, err := s.resolveHandle(tool.StringParam(params, "task_id"))
			if err != nil {
				return tool.ErrorResult(err.Error()), nil
			}
			h.Cancel()
			return tool.TextResult(fmt.Sprintf("Task %s is being cancelled.", h.TaskID)), nil
		},
	}
}

func (s *Session) replanTaskTool() tool.Tool {
	return &tool.Func{
		ToolName:        "replan_task",
		ToolLabel:       "Replan task",
		ToolDescription: "Replace the not-yet-started subtasks of a running task with a new plan. Provide the new subtasks in the same <tasks> XML schema used for decomposition; running and finished subtasks are kept.",
		ToolParameters: tool.ObjectSchema(map[string]any{
			"subtasks": map[string]any{
				"type":        "string",
				"description": "New subtasks as a <tasks>...</tasks> block.",
			},
			"task_id": map[string]any{
				"type":        "string",
				"description": "Omit when only one task is running.",
			},
		}, "subtasks"),
		Run: func(ctx context.Context, toolCallID string, params map[string]any) (*tool.Result, error) {
			h, err := s.resolveHandle(tool.StringParam(params, "task_id"))
			if err != nil {
				return tool.ErrorResult(err.Error()), nil
			}
			e := h.Executor()
			if e == nil {
				return tool.ErrorResult("the task is still planning; replan after it starts"), nil
			}

			newSubtasks, err := planner.ParseSubtasks(tool.StringParam(params, "subtasks"))
			if err != nil {
				return tool.ErrorResult(fmt.Sprintf("could not parse the new subtasks: %v", err)), nil
			}
			res, err := e.ReplanSubtasks(ctx, newSubtasks)
			if err != nil {
				return tool.ErrorResult(err.Error()), nil
			}
			return tool.TextResult(fmt.Sprintf(
				"Replanned task %s: removed %d pending subtask(s), added %d, kept %v.",
				h.TaskID, res.RemovedCount, res.AddedCount, res.KeptIDs)), nil
		},
	}
}
