package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

var statusEmoji = map[string]string{
	"completed": ":white_check_mark:",
	"failed":    ":x:",
	"cancelled": ":no_entry_sign:",
}

var statusLabel = map[string]string{
	"completed": "Task Complete",
	"failed":    "Task Failed",
	"cancelled": "Task Cancelled",
}

// BuildStartedMessage creates Block Kit blocks for a task start notification.
func BuildStartedMessage(taskID, request string) []goslack.Block {
	text := fmt.Sprintf(":arrows_counterclockwise: *Task started* (`%s`)", taskID)
	if request != "" {
		text += "\n> " + truncateForSlack(request)
	}

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// BuildTerminalMessage creates Block Kit blocks for a terminal task
// notification.
func BuildTerminalMessage(input TaskFinishedInput) []goslack.Block {
	emoji := statusEmoji[input.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[input.Status]
	if label == "" {
		label = "Task " + input.Status
	}

	headerText := fmt.Sprintf("%s *%s* (`%s`)", emoji, label, input.TaskID)
	if input.Error != "" {
		headerText += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(input.Error))
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}

	if input.Status == "completed" && input.Summary != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(input.Summary), false, false),
			nil, nil,
		))
	}
	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
