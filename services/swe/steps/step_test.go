// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package steps

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/smallcloudai/refact-swe/services/swe/chat"
)

// fakeQuerier replays scripted responses. Each entry in responses
// answers one Ask call with the new messages to append per choice.
type fakeQuerier struct {
	tools     []chat.ToolDefinition
	responses [][][]chat.Message
	requests  []chat.AskRequest
	askErr    error
}

func (f *fakeQuerier) Ask(_ context.Context, req chat.AskRequest) ([][]chat.Message, error) {
	f.requests = append(f.requests, req)
	if f.askErr != nil {
		return nil, f.askErr
	}
	if len(f.responses) == 0 {
		return nil, errors.New("fakeQuerier: no scripted response left")
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	out := make([][]chat.Message, 0, len(next))
	for _, fresh := range next {
		history := chat.CloneMessages(req.Messages)
		out = append(out, append(history, chat.CloneMessages(fresh)...))
	}
	return out, nil
}

func (f *fakeQuerier) Tools(context.Context) ([]chat.ToolDefinition, error) {
	return f.tools, nil
}

// toolMsg builds a scripted tool result.
func toolMsg(content string) chat.Message {
	return chat.Message{
		Role:       chat.RoleTool,
		Content:    content,
		ToolCallID: "call_scripted",
		Usage:      &chat.Usage{CompletionTokens: 1, PromptTokens: 2, TotalTokens: 3},
	}
}

// assistantMsg builds a scripted assistant answer.
func assistantMsg(content string) chat.Message {
	return chat.Message{
		Role:         chat.RoleAssistant,
		Content:      content,
		FinishReason: "stop",
		Usage:        &chat.Usage{CompletionTokens: 4, PromptTokens: 5, TotalTokens: 9},
	}
}

func TestStep_Defaults(t *testing.T) {
	step := NewStep(StepConfig{Querier: &fakeQuerier{}, Model: "gpt-4o"})
	if step.temperature != defaultTemperature {
		t.Errorf("temperature = %v", step.temperature)
	}
	if step.maxDepth != defaultMaxDepth {
		t.Errorf("maxDepth = %v", step.maxDepth)
	}
	if step.ModelName() != "gpt-4o" {
		t.Errorf("model = %q", step.ModelName())
	}
}

func TestStep_UsageAccumulates(t *testing.T) {
	querier := &fakeQuerier{
		responses: [][][]chat.Message{
			{{toolMsg("one")}},
			{{assistantMsg("a")}, {assistantMsg("b")}},
		},
	}
	step := NewStep(StepConfig{Querier: querier, Model: "gpt-4o"})

	if _, err := step.query(context.Background(), []chat.Message{{Role: chat.RoleUser, Content: "x"}}, nil, true); err != nil {
		t.Fatal(err)
	}
	if _, err := step.queryChoices(context.Background(), []chat.Message{{Role: chat.RoleUser, Content: "x"}}, nil, 2, false); err != nil {
		t.Fatal(err)
	}

	total := step.Usage()
	if total.TotalTokens != 3+9+9 {
		t.Errorf("total tokens = %d", total.TotalTokens)
	}
	if total.CompletionTokens != 1+4+4 {
		t.Errorf("completion tokens = %d", total.CompletionTokens)
	}
}

func TestStep_DeterministicToolCallMessages(t *testing.T) {
	querier := &fakeQuerier{
		responses: [][][]chat.Message{
			{{toolMsg("tool output")}},
		},
	}
	step := NewStep(StepConfig{Querier: querier, Model: "gpt-4o"})

	messages, err := step.deterministicToolCallMessages(context.Background(), []chat.FunctionCall{
		{Name: "tree", Arguments: "{}"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected assistant turn + tool result, got %d messages", len(messages))
	}
	if messages[0].Role != chat.RoleAssistant || len(messages[0].ToolCalls) != 1 {
		t.Errorf("first message = %+v", messages[0])
	}
	if messages[1].Role != chat.RoleTool || messages[1].Content != "tool output" {
		t.Errorf("second message = %+v", messages[1])
	}
	if !querier.requests[0].OnlyDeterministic {
		t.Error("deterministic tool call should set only_deterministic_messages")
	}
}

func TestStep_Trajectory(t *testing.T) {
	step := NewStep(StepConfig{Querier: &fakeQuerier{}, Model: "gpt-4o"})
	step.logBlock("choice", 1)
	step.logMessages([]chat.Message{assistantMsg("hello")})
	step.logException(errors.New("skipped sample"))

	trajectory := step.Trajectory()
	for _, want := range []string{" choice 1 ", "hello", "~~~exception~~~", "skipped sample"} {
		if !strings.Contains(trajectory, want) {
			t.Errorf("trajectory missing %q:\n%s", want, trajectory)
		}
	}
}

func TestStep_QueryPropagatesTransportError(t *testing.T) {
	querier := &fakeQuerier{askErr: &chat.TransportError{URL: "http://x", StatusCode: 502}}
	step := NewStep(StepConfig{Querier: querier, Model: "gpt-4o"})

	_, err := step.query(context.Background(), []chat.Message{{Role: chat.RoleUser, Content: "x"}}, nil, false)
	var terr *chat.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *chat.TransportError, got %T: %v", err, err)
	}
}
