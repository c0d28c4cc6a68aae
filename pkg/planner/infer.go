package planner

import (
	"strings"

	"github.com/openloom/loom/pkg/models"
)

// typeKeywords maps each agent type to the keywords that vote for it during
// inference. Matching is substring counting over the lowercased content.
var typeKeywords = map[models.AgentType][]string{
	models.AgentTypeBrowser: {
		"search", "click", "navigate", "visit", "browse", "website", "web",
		"url", "login", "download", "form", "page", "online",
	},
	models.AgentTypeDocument: {
		"write", "report", "excel", "document", "summar", "markdown", "pdf",
		"word", "slide", "draft", "notes", "spreadsheet",
	},
	models.AgentTypeCode: {
		"code", "script", "deploy", "program", "debug", "compile", "install",
		"python", "implement", "api", "refactor", "terminal",
	},
	models.AgentTypeMultiModal: {
		"image", "audio", "ocr", "video", "photo", "screenshot", "transcribe",
		"picture", "diagram", "speech",
	},
}

// InferAgentType scores each agent type by keyword hits in the lowercased
// content. The highest score wins; ties resolve by enumeration order
// (browser, document, code, multi_modal); zero hits default to browser.
func InferAgentType(content string) models.AgentType {
	lower := strings.ToLower(content)

	best := models.AgentTypeBrowser
	bestScore := 0
	for _, t := range models.AgentTypes() {
		score := 0
		for _, kw := range typeKeywords[t] {
			score += strings.Count(lower, kw)
		}
		if score > bestScore {
			best = t
			bestScore = score
		}
	}
	return best
}
