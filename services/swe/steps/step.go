// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

// Package steps implements the staged conversation pipeline that turns a
// problem statement into a ranked set of validated patches: locate (or
// explore) relevant files, collect code context, sample patch attempts,
// and arbitrate among survivors by majority vote.
//
// Each step owns its accumulated token usage and a human-readable
// trajectory transcript; neither is shared across step instances, so
// independent problem instances may run steps concurrently.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/smallcloudai/refact-swe/services/swe/chat"
)

// ============================================================================
// Step base
// ============================================================================

const (
	// defaultTemperature is the sampling temperature used unless a caller
	// overrides it.
	defaultTemperature = 0.2

	// defaultMaxDepth bounds tool-calling depth in a sampled turn.
	defaultMaxDepth = 8
)

// Step carries the configuration and accounting state shared by every
// step type. Step types embed it and add their own Process method.
//
// Thread Safety: a Step instance belongs to exactly one goroutine; the
// usage and trajectory accumulators are not synchronized.
type Step struct {
	querier     chat.Querier
	model       string
	temperature float64
	maxDepth    int

	usages     []chat.Usage
	trajectory []string
	log        *slog.Logger
}

// StepConfig configures a Step.
type StepConfig struct {
	// Querier answers conversation turns. Required.
	Querier chat.Querier

	// Model is the model identifier passed on every call. Required.
	Model string

	// Temperature defaults to 0.2 when zero.
	Temperature float64

	// MaxDepth defaults to 8 when zero.
	MaxDepth int

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// NewStep builds the embedded base for a step type.
func NewStep(cfg StepConfig) Step {
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return Step{
		querier:     cfg.Querier,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxDepth:    cfg.MaxDepth,
		log:         cfg.Logger,
	}
}

// ModelName returns the configured model identifier.
func (s *Step) ModelName() string {
	return s.model
}

// Usage returns the summed token usage across every call the step made.
func (s *Step) Usage() chat.Usage {
	var total chat.Usage
	for _, u := range s.usages {
		total.Add(u)
	}
	return total
}

// Trajectory returns the step's transcript fragments joined with blank
// lines, for post-hoc inspection.
func (s *Step) Trajectory() string {
	return strings.Join(s.trajectory, "\n\n")
}

// fetchTools retrieves the endpoint's tool definitions filtered down to
// the names a step type enables. A nil set disables filtering; an empty
// set disables every tool.
func (s *Step) fetchTools(ctx context.Context, enabled map[string]bool) ([]chat.ToolDefinition, error) {
	tools, err := s.querier.Tools(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching tools: %w", err)
	}
	return chat.FilterTools(tools, enabled), nil
}

// query requests a single continuation of messages and returns only the
// newly produced messages. When onlyDeterministic is set, the last
// message must already carry the tool calls to execute and the endpoint
// appends their results without sampling.
func (s *Step) query(ctx context.Context, messages []chat.Message, enabled map[string]bool, onlyDeterministic bool) ([]chat.Message, error) {
	choices, err := s.queryChoices(ctx, messages, enabled, 1, onlyDeterministic)
	if err != nil {
		return nil, err
	}
	return choices[0], nil
}

// queryChoices requests n independent continuations of the same message
// history in one round trip. Each returned slice holds only the messages
// beyond the submitted history; usage from every new message is folded
// into the step's accumulator.
func (s *Step) queryChoices(ctx context.Context, messages []chat.Message, enabled map[string]bool, n int, onlyDeterministic bool) ([][]chat.Message, error) {
	tools, err := s.fetchTools(ctx, enabled)
	if err != nil {
		return nil, err
	}
	histories, err := s.querier.Ask(ctx, chat.AskRequest{
		Messages:          messages,
		N:                 n,
		Model:             s.model,
		Tools:             tools,
		Temperature:       s.temperature,
		OnlyDeterministic: onlyDeterministic,
	})
	if err != nil {
		return nil, err
	}
	result := make([][]chat.Message, 0, len(histories))
	for _, history := range histories {
		var fresh []chat.Message
		if len(history) > len(messages) {
			fresh = history[len(messages):]
		}
		for _, m := range fresh {
			if m.Usage != nil {
				s.usages = append(s.usages, *m.Usage)
			}
		}
		result = append(result, fresh)
	}
	return result, nil
}

// deterministicToolCallMessages synthesizes an assistant turn carrying
// exactly the given tool calls, executes them without model sampling, and
// returns the assistant turn followed by the tool results. This is how
// steps gather context reproducibly: the pipeline fixes what to call, the
// endpoint only determines what the tools return.
func (s *Step) deterministicToolCallMessages(ctx context.Context, functions []chat.FunctionCall) ([]chat.Message, error) {
	call := chat.DeterministicToolCallMessage(functions)
	toolMessages, err := s.query(ctx, []chat.Message{call}, nil, true)
	if err != nil {
		return nil, err
	}
	return append([]chat.Message{call}, toolMessages...), nil
}

// ============================================================================
// Trajectory helpers
// ============================================================================

func (s *Step) logMessages(messages []chat.Message) {
	s.trajectory = append(s.trajectory, chat.RenderMessages(messages)...)
}

func (s *Step) logBlock(name string, n int) {
	s.trajectory = append(s.trajectory, chat.RenderBlock(name, n))
}

func (s *Step) logException(err error) {
	s.trajectory = append(s.trajectory, chat.RenderException(err))
}
