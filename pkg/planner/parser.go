package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/openloom/loom/pkg/models"
)

// ErrNoDecomposition is returned when every parser fails on the model output.
var ErrNoDecomposition = errors.New("planner: no parseable decomposition in model output")

var (
	tasksBlockRe = regexp.MustCompile(`(?s)<tasks>(.*?)</tasks>`)
	taskAttrRe   = regexp.MustCompile(`(?s)<task\s+([^>]+)>(.*?)</task>`)
	taskBareRe   = regexp.MustCompile(`(?s)<task>(.*?)</task>`)
	attrRe       = regexp.MustCompile(`(\w+)\s*=\s*"([^"]*)"`)
)

// ParseSubtasks extracts a subtask list from the model's decomposition
// output. Parsers are tried in order:
//
//  1. <tasks> block with attributed <task id= type= depends_on=> elements,
//  2. bare <task>body</task> elements (ids by position, types inferred),
//  3. the first JSON object containing a "subtasks" array.
//
// Unknown or missing types are replaced by keyword inference over the
// content. Returns ErrNoDecomposition when all parsers fail.
func ParseSubtasks(text string) ([]*models.Subtask, error) {
	if subs := parseAttributedXML(text); len(subs) > 0 {
		return subs, nil
	}
	if subs := parseBareXML(text); len(subs) > 0 {
		return subs, nil
	}
	if subs := parseJSON(text); len(subs) > 0 {
		return subs, nil
	}
	return nil, ErrNoDecomposition
}

func parseAttributedXML(text string) []*models.Subtask {
	block := tasksBlockRe.FindStringSubmatch(text)
	if block == nil {
		return nil
	}

	var subs []*models.Subtask
	for _, m := range taskAttrRe.FindAllStringSubmatch(block[1], -1) {
		attrs := make(map[string]string)
		for _, a := range attrRe.FindAllStringSubmatch(m[1], -1) {
			attrs[a[1]] = a[2]
		}
		content := strings.TrimSpace(m[2])
		if attrs["id"] == "" || content == "" {
			continue
		}
		subs = append(subs, &models.Subtask{
			ID:          attrs["id"],
			Content:     content,
			AgentType:   resolveType(attrs["type"], content),
			DependsOn:   splitDeps(attrs["depends_on"]),
			MemoryLevel: models.MemoryLevelL3,
			State:       models.SubtaskPending,
		})
	}
	return subs
}

func parseBareXML(text string) []*models.Subtask {
	var subs []*models.Subtask
	for i, m := range taskBareRe.FindAllStringSubmatch(text, -1) {
		content := strings.TrimSpace(m[1])
		if content == "" {
			continue
		}
		subs = append(subs, &models.Subtask{
			ID:          strconv.Itoa(i + 1),
			Content:     content,
			AgentType:   InferAgentType(content),
			MemoryLevel: models.MemoryLevelL3,
			State:       models.SubtaskPending,
		})
	}
	return subs
}

// jsonSubtask mirrors the JSON fallback schema.
type jsonSubtask struct {
	ID        json.Number `json:"id"`
	Content   string      `json:"content"`
	Type      string      `json:"type"`
	DependsOn []string    `json:"depends_on"`
}

func parseJSON(text string) []*models.Subtask {
	raw, ok := extractJSONObject(text, `"subtasks"`)
	if !ok {
		return nil
	}

	var payload struct {
		Subtasks []jsonSubtask `json:"subtasks"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}

	var subs []*models.Subtask
	for i, js := range payload.Subtasks {
		content := strings.TrimSpace(js.Content)
		if content == "" {
			continue
		}
		id := js.ID.String()
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		subs = append(subs, &models.Subtask{
			ID:          id,
			Content:     content,
			AgentType:   resolveType(js.Type, content),
			DependsOn:   js.DependsOn,
			MemoryLevel: models.MemoryLevelL3,
			State:       models.SubtaskPending,
		})
	}
	return subs
}

// extractJSONObject returns the first balanced {...} object in text that
// contains marker. Brace balancing is string-aware so braces inside JSON
// strings do not miscount.
func extractJSONObject(text, marker string) (string, bool) {
	at := strings.Index(text, marker)
	if at < 0 {
		return "", false
	}

	// Walk outward: find each candidate '{' before the marker, nearest first,
	// and try to balance from there.
	for start := strings.LastIndex(text[:at], "{"); start >= 0; start = strings.LastIndex(text[:start], "{") {
		if end, ok := balance(text, start); ok && end > at {
			return text[start : end+1], true
		}
	}
	return "", false
}

func balance(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func resolveType(raw, content string) models.AgentType {
	t := models.AgentType(strings.TrimSpace(strings.ToLower(raw)))
	if t.Valid() {
		return t
	}
	return InferAgentType(content)
}

func splitDeps(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var deps []string
	for _, d := range strings.Split(raw, ",") {
		if d = strings.TrimSpace(d); d != "" {
			deps = append(deps, d)
		}
	}
	return deps
}

// SerializeSubtasks renders subtasks back into the attributed XML schema.
// Round-trip law: parse ∘ serialize ≡ identity on (id, type, deps, content).
func SerializeSubtasks(subs []*models.Subtask) string {
	var b strings.Builder
	b.WriteString("<tasks>\n")
	for _, s := range subs {
		fmt.Fprintf(&b, "  <task id=%q type=%q depends_on=%q>%s</task>\n",
			s.ID, s.AgentType, strings.Join(s.DependsOn, ","), s.Content)
	}
	b.WriteString("</tasks>")
	return b.String()
}
