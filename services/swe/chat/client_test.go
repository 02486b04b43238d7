// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewCallID(t *testing.T) {
	a := NewCallID()
	b := NewCallID()
	if !strings.HasPrefix(a, "call_") {
		t.Errorf("call id %q missing prefix", a)
	}
	if a == b {
		t.Error("call ids should be unique")
	}
	if len(a) != len("call_")+24 {
		t.Errorf("unexpected call id length: %q", a)
	}
}

func TestFilterTools(t *testing.T) {
	tools := []ToolDefinition{
		{Type: "function", Function: ToolFunction{Name: "definition"}},
		{Type: "function", Function: ToolFunction{Name: "references"}},
		{Type: "function", Function: ToolFunction{Name: "patch"}},
		{Type: "retrieval", Function: ToolFunction{Name: "definition"}},
	}

	got := FilterTools(tools, ToolNames("definition", "patch"))
	if len(got) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(got))
	}
	if got[0].Function.Name != "definition" || got[1].Function.Name != "patch" {
		t.Errorf("unexpected filtered tools: %+v", got)
	}

	// Nil set means unfiltered.
	if got := FilterTools(tools, nil); len(got) != len(tools) {
		t.Errorf("nil set should keep all tools, got %d", len(got))
	}

	// Empty set disables everything.
	if got := FilterTools(tools, ToolNames()); len(got) != 0 {
		t.Errorf("empty set should keep no tools, got %d", len(got))
	}
}

func TestDeterministicToolCallMessage(t *testing.T) {
	msg := DeterministicToolCallMessage([]FunctionCall{
		{Name: "locate", Arguments: `{"problem_statement":"x"}`},
		{Name: "tree", Arguments: `{}`},
	})
	if msg.Role != RoleAssistant {
		t.Errorf("role = %q", msg.Role)
	}
	if msg.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q", msg.FinishReason)
	}
	if len(msg.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(msg.ToolCalls))
	}
	if msg.ToolCalls[0].ID == msg.ToolCalls[1].ID {
		t.Error("tool calls should have distinct ids")
	}
	for _, tc := range msg.ToolCalls {
		if tc.Type != "function" {
			t.Errorf("tool call type = %q", tc.Type)
		}
	}
}

func TestMessage_Clone(t *testing.T) {
	orig := Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "call_1", Function: FunctionCall{Name: "patch", Arguments: "{}"}}},
		Usage:     &Usage{TotalTokens: 10},
	}
	clone := orig.Clone()
	clone.ToolCalls[0].Function.Arguments = `{"mutated":true}`
	clone.Usage.TotalTokens = 99

	if orig.ToolCalls[0].Function.Arguments != "{}" {
		t.Error("Clone shares tool call storage with the original")
	}
	if orig.Usage.TotalTokens != 10 {
		t.Error("Clone shares usage storage with the original")
	}
}

// newFakeSidecar returns a server answering /chat with the given response
// body and capturing the last request payload.
func newFakeSidecar(t *testing.T, status int, response any) (*httptest.Server, *map[string]any) {
	t.Helper()
	captured := map[string]any{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	})
	mux.HandleFunc("/v1/tools", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]ToolDefinition{
			{Type: "function", Function: ToolFunction{Name: "definition"}},
		})
	})
	return httptest.NewServer(mux), &captured
}

func TestClient_Ask(t *testing.T) {
	response := map[string]any{
		"deterministic_messages": []map[string]any{
			{"role": "tool", "content": "tool output", "tool_call_id": "call_abc"},
		},
		"choices": []map[string]any{
			{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "first"},
				"usage":         map[string]any{"completion_tokens": 5, "prompt_tokens": 7, "total_tokens": 12},
			},
			{
				"index":         1,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "second", "tool_calls": []any{}},
			},
		},
	}
	server, captured := newFakeSidecar(t, http.StatusOK, response)
	defer server.Close()

	client := NewClient(server.URL + "/v1")
	histories, err := client.Ask(context.Background(), AskRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "problem"},
		},
		N:           2,
		Model:       "gpt-4o",
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if len(histories) != 2 {
		t.Fatalf("expected 2 histories, got %d", len(histories))
	}

	// The trailing user message is dropped (the sidecar rewrites it) and
	// replaced by the deterministic tail; each history then carries its
	// own choice.
	first := histories[0]
	if len(first) != 3 {
		t.Fatalf("expected 3 messages in history, got %d: %+v", len(first), first)
	}
	if first[0].Role != RoleSystem || first[1].Role != RoleTool || first[2].Role != RoleAssistant {
		t.Errorf("unexpected roles: %s %s %s", first[0].Role, first[1].Role, first[2].Role)
	}
	if first[2].Content != "first" {
		t.Errorf("choice 0 content = %q", first[2].Content)
	}
	if first[2].Usage == nil || first[2].Usage.TotalTokens != 12 {
		t.Errorf("choice 0 usage = %+v", first[2].Usage)
	}

	second := histories[1]
	if second[2].Content != "second" {
		t.Errorf("choice 1 content = %q", second[2].Content)
	}
	if second[2].ToolCalls != nil {
		t.Error("empty tool_calls should normalize to nil")
	}

	// Histories must not share storage.
	first[1].Content = "mutated"
	if second[1].Content != "tool output" {
		t.Error("histories share deterministic message storage")
	}

	// Wire shape checks.
	if (*captured)["n"].(float64) != 2 {
		t.Errorf("request n = %v", (*captured)["n"])
	}
	if (*captured)["top_p"].(float64) != 0.95 {
		t.Errorf("request top_p = %v", (*captured)["top_p"])
	}
	if (*captured)["only_deterministic_messages"].(bool) {
		t.Error("only_deterministic_messages should default to false")
	}
	if (*captured)["max_tokens"].(float64) != float64(defaultMaxTokens) {
		t.Errorf("request max_tokens = %v", (*captured)["max_tokens"])
	}
}

func TestClient_Ask_TransportError(t *testing.T) {
	server, _ := newFakeSidecar(t, http.StatusBadGateway, map[string]any{"detail": "upstream broke"})
	defer server.Close()

	client := NewClient(server.URL + "/v1")
	_, err := client.Ask(context.Background(), AskRequest{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		Model:    "gpt-4o",
	})
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if terr.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", terr.StatusCode)
	}
	if !strings.Contains(terr.Body, "upstream broke") {
		t.Errorf("body = %q", terr.Body)
	}
}

func TestClient_Ask_Unreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1/v1")
	_, err := client.Ask(context.Background(), AskRequest{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		Model:    "gpt-4o",
	})
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if terr.Err == nil {
		t.Error("unreachable endpoint should carry an underlying error")
	}
}

func TestClient_RateLimit(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tools", func(w http.ResponseWriter, r *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode([]ToolDefinition{})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	// One token of burst; the second request would have to wait about a
	// second, which exceeds the deadline, so the limiter rejects it
	// before any HTTP exchange.
	client := NewClient(server.URL+"/v1", WithRateLimit(1, 1))
	if _, err := client.Tools(context.Background()); err != nil {
		t.Fatalf("first request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Tools(ctx)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if hits != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}
}

func TestClient_Tools(t *testing.T) {
	server, _ := newFakeSidecar(t, http.StatusOK, nil)
	defer server.Close()

	client := NewClient(server.URL + "/v1")
	tools, err := client.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Function.Name != "definition" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestRenderMessages(t *testing.T) {
	fragments := RenderMessages([]Message{
		{Role: RoleUser, Content: "fix the bug"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "call_1", Type: "function", Function: FunctionCall{Name: "tree", Arguments: "{}"}},
		}},
		{Role: RoleTool, Content: "a.py\nb.py", ToolCallID: "call_1"},
	})
	if len(fragments) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(fragments))
	}
	if !strings.Contains(fragments[1], "call tree({})") {
		t.Errorf("tool call fragment = %q", fragments[1])
	}
	if !strings.Contains(fragments[2], "for call_1") {
		t.Errorf("tool result fragment = %q", fragments[2])
	}
}

func TestRenderBlock(t *testing.T) {
	block := RenderBlock("choice", 3)
	if !strings.Contains(block, " choice 3 ") {
		t.Errorf("block = %q", block)
	}
	if !strings.HasPrefix(block, "===") || !strings.HasSuffix(block, "===") {
		t.Errorf("block = %q", block)
	}
}
