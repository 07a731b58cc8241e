// Package providers defines the chat provider contract the engine drives,
// plus an OpenAI-compatible implementation.
package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContentPart is one element of a multi-part message body. Only text parts
// exist today; the tag leaves room for future media parts.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextPart builds a text content part.
func TextPart(s string) ContentPart {
	return ContentPart{Type: "text", Text: s}
}

// Message is one entry of conversation history.
//
// Content is either a plain string or an ordered list of parts; both wire
// forms round-trip. Every tool-role message references a tool-call id from
// the immediately preceding assistant message.
type Message struct {
	Role       string
	Content    string
	Parts      []ContentPart
	Reasoning  string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// Text returns the textual body of the message, flattening parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

type messageWire struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Reasoning  string          `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// MarshalJSON emits the history-file record shape: content is a string
// unless parts are present, in which case it is the part list.
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{
		Role:       m.Role,
		Reasoning:  m.Reasoning,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
	var err error
	if len(m.Parts) > 0 {
		w.Content, err = json.Marshal(m.Parts)
	} else {
		w.Content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts both content forms.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Reasoning = w.Reasoning
	m.ToolCalls = w.ToolCalls
	m.ToolCallID = w.ToolCallID
	m.Name = w.Name
	m.Content = ""
	m.Parts = nil
	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	if w.Content[0] == '[' {
		return json.Unmarshal(w.Content, &m.Parts)
	}
	return json.Unmarshal(w.Content, &m.Content)
}

// UserMessage, AssistantMessage and ToolMessage are the common constructors.
func UserMessage(text string) Message {
	return Message{Role: "user", Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: "assistant", Content: text}
}

func ToolMessage(callID, content string) Message {
	return Message{Role: "tool", Content: content, ToolCallID: callID}
}

// ToolCall is a tool invocation requested by the LLM. Arguments is the raw
// string from the wire; it only becomes trustworthy JSON after normalization.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type toolCallWire struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (tc ToolCall) MarshalJSON() ([]byte, error) {
	var w toolCallWire
	w.ID = tc.ID
	w.Type = "function"
	w.Function.Name = tc.Name
	w.Function.Arguments = tc.Arguments
	return json.Marshal(w)
}

func (tc *ToolCall) UnmarshalJSON(data []byte) error {
	var w toolCallWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	tc.ID = w.ID
	tc.Name = w.Function.Name
	tc.Arguments = w.Function.Arguments
	return nil
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the JSON-Schema description of one tool.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption for one LLM call.
type Usage struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
	Total      int `json:"total_tokens"`
}

// StreamChunk is one streamed piece of an in-flight response.
type StreamChunk struct {
	Content   string
	Reasoning string
}

// Error is a typed provider failure. The engine maps it to a graceful turn
// termination instead of aborting the session.
type Error struct {
	Provider string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}
