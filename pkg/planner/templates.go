package planner

import "strings"

// defaultWorkersInfo describes the worker pool to the decomposition model.
// Substituted for {workers_info} in the prompt template.
const defaultWorkersInfo = `- browser: operates a real web browser (navigate, search, click, fill forms, download).
- document: reads and writes documents (reports, spreadsheets, markdown, slides).
- code: writes and runs code and shell commands (scripts, builds, deployments).
- multi_modal: processes images, audio and video (OCR, transcription, analysis).`

// decomposePrompt is the decomposition prompt template. Placeholders are
// substituted in a fixed order — {workers_info}, then {memory_context}, then
// {task} — so that user-supplied task text can never inject into the earlier
// placeholders.
const decomposePrompt = `You are a task planner for a team of specialised workers:

{workers_info}

Prior workflow knowledge for this task (may be empty):
{memory_context}

Decompose the task below into the smallest set of self-contained subtasks.
Each subtask must carry everything its worker needs — workers do not share
conversation state. Express dependencies explicitly.

Respond with exactly one <tasks> block:

<tasks>
  <task id="1" type="browser" depends_on="">Find the latest quarterly report on example.com and save it to the workspace.</task>
  <task id="2" type="document" depends_on="1">Summarise the downloaded report into summary.md.</task>
</tasks>

Rules:
- type is one of: browser, document, code, multi_modal.
- depends_on is a comma-separated list of task ids (empty when independent).
- Prefer independent subtasks so they can run in parallel.
- Do not add subtasks for work the task does not ask for.

## Task
{task}`

// renderDecomposePrompt substitutes the template placeholders. Ordering is
// mandatory: the task text is substituted last so it cannot inject into the
// other placeholders.
func renderDecomposePrompt(workersInfo, memoryContext, task string) string {
	out := strings.Replace(decomposePrompt, "{workers_info}", workersInfo, 1)
	out = strings.Replace(out, "{memory_context}", memoryContext, 1)
	out = strings.Replace(out, "{task}", task, 1)
	return out
}
