// Package collector extracts learning tuples from completed agent
// conversations. Each tool call in the log yields one execution record
// describing what the agent thought, what it invoked, and how it judged
// the outcome.
package collector

import (
	"encoding/json"
	"regexp"

	"github.com/openloom/loom/pkg/memory"
	"github.com/openloom/loom/pkg/models"
)

const (
	thinkingLimit = 500
	inputLimit    = 300
	resultLimit   = 300
	judgmentLimit = 500
	valueLimit    = 100
)

// skippedTools are never collected: page snapshots are bulk state dumps and
// the meta tools describe orchestration, not workflow.
var skippedTools = map[string]bool{
	"browser_snapshot":   true,
	"browser_screenshot": true,
	"split_and_handoff":  true,
	"review_context":     true,
	"inject_message":     true,
	"replan_task":        true,
}

// inputWhitelist lists, per tool, the only argument keys worth keeping.
// Tools not listed keep all fields with string values truncated instead.
var inputWhitelist = map[string][]string{
	"browser_visit_page": {"url"},
	"browser_click":      {"ref"},
	"browser_type":       {"ref", "text"},
	"browser_scroll":     {"direction"},
	"shell_exec":         {"command"},
	"web_search":         {"query"},
	"write_file":         {"path"},
}

var currentURLRe = regexp.MustCompile(`URL:\*?\*?\s*(https?://\S+)`)

// Collect walks the conversation log and produces one record per collected
// tool call, in call order.
func Collect(messages []models.Message) []memory.ExecutionRecord {
	var records []memory.ExecutionRecord

	for i, msg := range messages {
		if msg.Role != models.RoleAssistant {
			continue
		}
		for partIdx, part := range msg.Content {
			if part.Kind != models.ContentToolCall || part.ToolCall == nil {
				continue
			}
			call := part.ToolCall
			if skippedTools[call.Name] {
				continue
			}

			rec := memory.ExecutionRecord{
				ToolName:     call.Name,
				InputSummary: compressInput(call.Name, call.Arguments),
				Thinking:     truncate(precedingText(msg.Content, partIdx), thinkingLimit),
			}

			if resultIdx := findToolResult(messages, i+1, call.ID); resultIdx >= 0 {
				result := &messages[resultIdx]
				raw := result.Text()
				rec.Success = !result.IsError
				rec.ResultSummary = truncate(raw, resultLimit)
				rec.CurrentURL = extractURL(raw)
				rec.Judgment = truncate(nextAssistantText(messages, resultIdx+1), judgmentLimit)
			}

			records = append(records, rec)
		}
	}
	return records
}

// compressInput reduces tool arguments to a compact JSON summary. Whitelisted
// tools keep only their listed keys; others keep everything with long string
// values clipped.
func compressInput(toolName string, args json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err != nil {
		return truncate(string(args), inputLimit)
	}

	if keys, ok := inputWhitelist[toolName]; ok {
		kept := make(map[string]any, len(keys))
		for _, k := range keys {
			if v, present := fields[k]; present {
				kept[k] = v
			}
		}
		fields = kept
	} else {
		for k, v := range fields {
			if s, isStr := v.(string); isStr {
				fields[k] = truncate(s, valueLimit)
			}
		}
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return truncate(string(out), inputLimit)
}

// precedingText returns the text of the part immediately before index idx,
// if that part is a text or thinking block.
func precedingText(parts []models.ContentPart, idx int) string {
	for j := idx - 1; j >= 0; j-- {
		switch parts[j].Kind {
		case models.ContentText, models.ContentThinking:
			return parts[j].Text
		case models.ContentToolCall:
			return ""
		}
	}
	return ""
}

func findToolResult(messages []models.Message, from int, toolCallID string) int {
	for i := from; i < len(messages); i++ {
		if messages[i].Role == models.RoleToolResult && messages[i].ToolCallID == toolCallID {
			return i
		}
	}
	return -1
}

func nextAssistantText(messages []models.Message, from int) string {
	for i := from; i < len(messages); i++ {
		if messages[i].Role != models.RoleAssistant {
			continue
		}
		for _, p := range messages[i].Content {
			if p.Kind == models.ContentText && p.Text != "" {
				return p.Text
			}
		}
		return ""
	}
	return ""
}

func extractURL(text string) string {
	if m := currentURLRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
