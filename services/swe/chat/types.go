// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

// Package chat implements the conversation primitive of the SWE pipeline.
//
// The chat protocol is the OpenAI chat-completion schema with refact
// extensions: the sidecar returns deterministic_messages before the model
// choices, accepts an only_deterministic_messages flag that executes the
// tool calls already present in the history without sampling, and uses the
// extra message roles "diff" and "context_file" for tool output.
//
// One Ask call submits an ordered message history and receives n
// independent extended histories. There is no streaming; sampling N
// choices is a single round trip.
//
// Thread Safety:
//
//	Client is safe for concurrent use. Message values are treated as
//	immutable once sent; helpers that need to modify a history operate
//	on deep copies.
package chat

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// =============================================================================
// Roles
// =============================================================================

// Message roles understood by the sidecar. These extend the OpenAI set
// with tool-output roles produced by the deterministic execution path.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"

	// RoleDiff marks a tool result whose content is a JSON array of diff
	// chunks produced by the patch tool.
	RoleDiff = "diff"

	// RoleContextFile marks a tool result carrying file content attached
	// by the sidecar's context machinery.
	RoleContextFile = "context_file"

	// RoleContextMemory marks a tool result carrying retrieved notes.
	RoleContextMemory = "context_memory"
)

// =============================================================================
// Wire Model
// =============================================================================

// FunctionCall is the name/arguments payload of a tool invocation.
// Arguments is a JSON-encoded object, kept as a string exactly as it
// travels on the wire.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a single tool invocation attached to an assistant message.
//
// The ID correlates the eventual tool-result message (Message.ToolCallID)
// with the originating call. Type is always "function".
type ToolCall struct {
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
	Type     string       `json:"type"`
}

// Usage is the token accounting attached to messages by the sidecar.
type Usage struct {
	CompletionTokens int `json:"completion_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.CompletionTokens += other.CompletionTokens
	u.PromptTokens += other.PromptTokens
	u.TotalTokens += other.TotalTokens
}

// Message is one entry of a conversation.
//
// Invariants: only assistant messages carry ToolCalls; only tool/diff
// (and context) messages carry a ToolCallID referencing the originating
// call. Messages are immutable once sent.
type Message struct {
	Role         string     `json:"role"`
	Content      string     `json:"content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	ToolCallID   string     `json:"tool_call_id,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`

	// Count is the number of identical generations collapsed into this
	// message by the sidecar. Zero means "not collapsed" (i.e. one).
	Count int `json:"count,omitempty"`
}

// Clone returns a deep copy of the message (tool calls included).
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	if m.Usage != nil {
		u := *m.Usage
		out.Usage = &u
	}
	return out
}

// CloneMessages deep-copies a whole history.
func CloneMessages(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}

// =============================================================================
// Tool Definitions
// =============================================================================

// ToolFunction describes one callable capability exposed by the sidecar.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolDefinition is a tool schema entry as served by GET /v1/tools.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// FilterTools keeps only function tools whose name is in enabled.
// A nil enabled set means no filtering. The tool set is a per-call
// capability parameter: each pipeline phase passes its own immutable set
// and the model cannot invoke anything outside it.
func FilterTools(tools []ToolDefinition, enabled map[string]bool) []ToolDefinition {
	if enabled == nil {
		return tools
	}
	out := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if t.Type == "function" && enabled[t.Function.Name] {
			out = append(out, t)
		}
	}
	return out
}

// ToolNames returns a set literal for enabling the given tool names.
func ToolNames(names ...string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

// NewCallID generates a unique tool-call id in the OpenAI "call_..."
// format. Uniqueness matters only within one conversation.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// DeterministicToolCallMessage synthesizes the assistant turn that asks
// the sidecar to execute exactly the given function invocations. Each
// function gets a fresh call id; FinishReason mirrors what the model
// itself would produce.
func DeterministicToolCallMessage(functions []FunctionCall) Message {
	calls := make([]ToolCall, 0, len(functions))
	for _, fn := range functions {
		calls = append(calls, ToolCall{
			ID:       NewCallID(),
			Function: fn,
			Type:     "function",
		})
	}
	return Message{
		Role:         RoleAssistant,
		FinishReason: "tool_calls",
		ToolCalls:    calls,
	}
}
