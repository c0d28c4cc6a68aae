package models

import "encoding/json"

// Role tags an entry in an agent conversation log.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// ContentKind discriminates the parts of an assistant message.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentThinking ContentKind = "thinking"
	ContentToolCall ContentKind = "toolCall"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ContentPart is one element of an assistant message's content array.
// Exactly one of Text / ToolCall is meaningful depending on Kind
// (thinking parts reuse Text).
type ContentPart struct {
	Kind     ContentKind `json:"type"`
	Text     string      `json:"text,omitempty"`
	ToolCall *ToolCall   `json:"toolCall,omitempty"`
}

// Message is one role-tagged entry of an agent conversation. The core treats
// the log as opaque except in the execution data collector.
//
// assistant  — Content holds text/thinking/toolCall parts.
// toolResult — Content holds text parts; ToolCallID and IsError are set.
// user       — Content holds a single text part.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	ToolCallID string        `json:"toolCallId,omitempty"`
	IsError    bool          `json:"isError,omitempty"`
}

// Text concatenates the text parts of the message (thinking excluded).
func (m *Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Kind == ContentText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the tool call parts of an assistant message, in order.
func (m *Message) ToolCalls() []*ToolCall {
	var calls []*ToolCall
	for _, p := range m.Content {
		if p.Kind == ContentToolCall && p.ToolCall != nil {
			calls = append(calls, p.ToolCall)
		}
	}
	return calls
}

// LastAssistantText returns the text of the last assistant message that has
// any ("" when none does).
func LastAssistantText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			if text := messages[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}

// UserMessage builds a plain user entry.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

// AssistantText builds an assistant entry with a single text part.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}
