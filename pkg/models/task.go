package models

import "time"

// TaskStatus is the persisted status of a task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskSnapshot is the single-object serialisation of a task and its subtasks
// persisted for resume. Writes are append-and-replace: the whole snapshot is
// rewritten on every mutation (last-writer-wins, see pkg/store).
type TaskSnapshot struct {
	TaskID      string     `json:"task_id"`
	UserRequest string     `json:"user_request"`
	Status      TaskStatus `json:"status"`
	MemoryPlan  string     `json:"memory_plan,omitempty"`
	Subtasks    []*Subtask `json:"subtasks"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Incomplete reports whether the task can still be resumed.
func (t *TaskSnapshot) Incomplete() bool {
	return t.Status == TaskRunning
}

// ResetForResume applies the resume recovery rule: DONE subtasks keep their
// state and result; every other subtask is reset to PENDING with its retry
// budget restored.
func (t *TaskSnapshot) ResetForResume() {
	for _, s := range t.Subtasks {
		if s.State == SubtaskDone {
			continue
		}
		s.State = SubtaskPending
		s.Error = ""
		s.RetryCount = 0
	}
	t.Status = TaskRunning
}
