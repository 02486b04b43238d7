// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient is the extension-free querier: it talks the plain OpenAI
// chat-completion API through the official-style SDK, with no
// deterministic_messages support. It exists to verify that an endpoint
// without the refact extensions can still serve the sampled phases of
// the pipeline, and to run the pipeline directly against a hosted model.
//
// Deterministic tool execution is not available on this path: Ask
// returns a TransportError when OnlyDeterministic is requested.
type OpenAIClient struct {
	client *openai.Client
	log    *slog.Logger
}

// NewOpenAIClient builds a querier for an OpenAI-compatible endpoint.
// baseURL may be empty for the hosted API. The key is taken from the
// OPENAI_API_KEY environment variable, falling back to the container
// secret path, mirroring how the rest of the stack resolves keys.
func NewOpenAIClient(baseURL string, log *slog.Logger) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		data, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(data))
		log.Info("read the OpenAI API key from secrets", "path", secretPath)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), log: log}, nil
}

// Ask implements Querier over the standard chat-completion call.
func (c *OpenAIClient) Ask(ctx context.Context, req AskRequest) ([][]Message, error) {
	if req.OnlyDeterministic {
		return nil, &TransportError{
			URL: "openai",
			Err: fmt.Errorf("deterministic tool execution requires the sidecar endpoint"),
		}
	}
	n := req.N
	if n <= 0 {
		n = 1
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	oreq := openai.ChatCompletionRequest{
		Model:       req.Model,
		N:           n,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: float32(req.Temperature),
		TopP:        0.95,
		Stop:        req.Stop,
		MaxTokens:   maxTokens,
		Tools:       toOpenAITools(req.Tools),
	}

	resp, err := c.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return nil, &TransportError{URL: "openai", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &TransportError{URL: "openai", Err: fmt.Errorf("no choices returned")}
	}

	choices := make([]Message, n)
	for _, ch := range resp.Choices {
		if ch.Index < 0 || ch.Index >= n {
			continue
		}
		msg := Message{
			Role:         ch.Message.Role,
			Content:      ch.Message.Content,
			FinishReason: string(ch.FinishReason),
		}
		for _, tc := range ch.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   tc.ID,
				Type: string(tc.Type),
				Function: FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		if ch.Index == 0 {
			msg.Usage = &Usage{
				CompletionTokens: resp.Usage.CompletionTokens,
				PromptTokens:     resp.Usage.PromptTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		choices[ch.Index] = msg
	}

	return joinMessagesAndChoices(req.Messages, nil, choices), nil
}

// Tools implements Querier. A plain OpenAI endpoint hosts no sidecar
// tools, so the set is empty; the caller's enabled set then filters to
// nothing and the model answers free-text only.
func (c *OpenAIClient) Tools(context.Context) ([]ToolDefinition, error) {
	return nil, nil
}

// HybridQuerier pairs a plain sampling endpoint with the sidecar.
// Deterministic tool execution and tool discovery go to the sidecar,
// which owns the checkout and the tool implementations; sampled turns go
// to the sampler. This is how an OpenAI-hosted model drives the pipeline
// while the sidecar keeps serving tree, files_skeleton and diff apply.
type HybridQuerier struct {
	// Sampler answers open-ended sampled turns. Required.
	Sampler Querier

	// Sidecar executes deterministic tool calls and serves the tool
	// definitions. Required.
	Sidecar Querier
}

// Ask implements Querier, routing by the deterministic flag.
func (h *HybridQuerier) Ask(ctx context.Context, req AskRequest) ([][]Message, error) {
	if req.OnlyDeterministic {
		return h.Sidecar.Ask(ctx, req)
	}
	return h.Sampler.Ask(ctx, req)
}

// Tools implements Querier from the sidecar's tool set.
func (h *HybridQuerier) Tools(ctx context.Context) ([]ToolDefinition, error) {
	return h.Sidecar.Tools(ctx)
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		// The extended tool-output roles collapse to "tool" on the plain
		// protocol.
		if role == RoleDiff || role == RoleContextFile || role == RoleContextMemory {
			role = RoleTool
		}
		om := openai.ChatCompletionMessage{
			Role:       role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolType(tc.Type),
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params any
		if len(t.Function.Parameters) > 0 {
			_ = json.Unmarshal(t.Function.Parameters, &params)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolType(t.Type),
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
