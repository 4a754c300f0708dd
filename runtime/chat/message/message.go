// Package message defines the transcript unit exchanged between the remote
// agent and the conversation engine.
//
// Transcript order is the only ordering: messages carry no authoritative
// timestamp. Content is opaque to the engine; it is only inspected to decide
// whether a turn has anything to render.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a message. The set is closed.
type Role string

const (
	// RoleHuman marks operator input.
	RoleHuman Role = "human"
	// RoleAI marks agent output, optionally carrying tool invocations.
	RoleAI Role = "ai"
	// RoleTool marks the result of a tool invocation.
	RoleTool Role = "tool"
	// RoleSystem marks system notices.
	RoleSystem Role = "system"
)

type (
	// Message is one transcript entry.
	Message struct {
		// ID is unique within a thread. The backend assigns ids to agent and
		// tool messages; human messages get a local id at submit time.
		ID string `json:"id"`
		// Role is the message author.
		Role Role `json:"role"`
		// Content is the opaque message body.
		Content Content `json:"content"`
		// ToolCalls lists the invocations requested by an ai message, in order.
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		// ToolCallID references the ToolCall.CallID answered by a tool message.
		ToolCallID string `json:"tool_call_id,omitempty"`
	}

	// ToolCall is a single tool invocation requested by an ai message. CallID
	// is unique within its message but not necessarily across the thread.
	ToolCall struct {
		CallID string `json:"call_id"`
		Name   string `json:"name"`
		Args   any    `json:"args,omitempty"`
	}

	// Content is either plain text or a structured JSON value.
	Content struct {
		text       string
		raw        json.RawMessage
		structured bool
	}
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleHuman, RoleAI, RoleTool, RoleSystem:
		return true
	}
	return false
}

// Validate checks the role-specific shape of m: tool calls only on ai
// messages, a tool call id only (and always) on tool messages.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if !m.Role.Valid() {
		return fmt.Errorf("message %q: unknown role %q", m.ID, m.Role)
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAI {
		return fmt.Errorf("message %q: tool calls are only allowed on ai messages", m.ID)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("message %q: tool message requires tool_call_id", m.ID)
	}
	if m.Role != RoleTool && m.ToolCallID != "" {
		return fmt.Errorf("message %q: tool_call_id is only allowed on tool messages", m.ID)
	}
	seen := make(map[string]struct{}, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		if tc.CallID == "" {
			return fmt.Errorf("message %q: tool call %q missing call_id", m.ID, tc.Name)
		}
		if _, dup := seen[tc.CallID]; dup {
			return fmt.Errorf("message %q: duplicate call_id %q", m.ID, tc.CallID)
		}
		seen[tc.CallID] = struct{}{}
	}
	return nil
}

// HasToolCalls reports whether m requests tool execution.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAI && len(m.ToolCalls) > 0
}

// Text returns text content.
func Text(s string) Content {
	return Content{text: s}
}

// Structured returns structured content holding a copy of raw. A raw value
// that is a JSON string is stored as text.
func Structured(raw json.RawMessage) Content {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Content{text: s}
	}
	return Content{raw: compact(raw), structured: true}
}

// IsStructured reports whether c holds a structured value.
func (c Content) IsStructured() bool {
	return c.structured
}

// Text returns the text body, or "" for structured content.
func (c Content) Text() string {
	return c.text
}

// Raw returns the JSON encoding of c.
func (c Content) Raw() json.RawMessage {
	if c.structured {
		return append(json.RawMessage(nil), c.raw...)
	}
	b, _ := json.Marshal(c.text)
	return b
}

// String renders c for display: the text body or the compact JSON value.
func (c Content) String() string {
	if !c.structured {
		return c.text
	}
	return string(c.raw)
}

// IsEmpty reports whether c has nothing to render: blank text, or a
// structured null, empty string, empty array or empty object.
func (c Content) IsEmpty() bool {
	if !c.structured {
		return strings.TrimSpace(c.text) == ""
	}
	switch strings.TrimSpace(string(c.raw)) {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}

// Concat appends a streamed delta to c. Text deltas are concatenated to text
// content; a structured delta has no concatenation and replaces c.
func (c Content) Concat(delta Content) Content {
	if delta.structured {
		return delta
	}
	if c.structured {
		if delta.text == "" {
			return c
		}
		return delta
	}
	return Content{text: c.text + delta.text}
}

// Equal reports whether c and other hold the same value.
func (c Content) Equal(other Content) bool {
	if c.structured != other.structured {
		return false
	}
	if !c.structured {
		return c.text == other.text
	}
	return ArgsEqual(json.RawMessage(c.raw), json.RawMessage(other.raw))
}

// MarshalJSON encodes text as a JSON string and structured content verbatim.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.structured {
		if len(c.raw) == 0 {
			return []byte("null"), nil
		}
		return c.raw, nil
	}
	return json.Marshal(c.text)
}

// UnmarshalJSON decodes a JSON string as text and any other value as
// structured content.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Content{}
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = Content{text: s}
		return nil
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("invalid content json")
	}
	*c = Content{raw: compact(trimmed), structured: true}
	return nil
}

// compact returns a compacted copy of raw, or a plain copy when raw is not
// valid JSON.
func compact(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}
