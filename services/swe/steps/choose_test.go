// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package steps

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/smallcloudai/refact-swe/services/swe/chat"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		nSolutions int
		want       int
		ok         bool
	}{
		{
			"fenced verdict",
			"Speculation about solution\n...\nResult\n```\nSolution 2\n```",
			3, 1, true,
		},
		{
			"case insensitive",
			"RESULT\nSOLUTION 3",
			3, 2, true,
		},
		{
			"last result wins",
			"Result\nSolution 1\n\nResult\nSolution 3",
			3, 2, true,
		},
		{
			"out of range",
			"Result\nSolution 9",
			3, 0, false,
		},
		{
			"zero is out of range",
			"Result\nSolution 0",
			3, 0, false,
		},
		{
			"no result marker",
			"Solution 2 looks best",
			3, 0, false,
		},
		{
			"no solution line",
			"Result\nthe second one",
			3, 0, false,
		},
		{
			"not a number",
			"Result\nSolution two",
			3, 0, false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseVerdict(tt.content, tt.nSolutions)
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseVerdict() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func verdictMsg(n int) chat.Message {
	return assistantMsg(fmt.Sprintf("Speculation about solution\n...\nResult\n```\nSolution %d\n```", n))
}

func TestChooseSolutionStep_SingleCandidate(t *testing.T) {
	querier := &fakeQuerier{}
	step := NewChooseSolutionStep(StepConfig{Querier: querier, Model: "gpt-4o"}, 4)

	got, err := step.Process(context.Background(), "fix the bug", nil, []string{"only-patch"}, "/repo")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got != "only-patch" {
		t.Errorf("got %q", got)
	}
	if len(querier.requests) != 0 {
		t.Errorf("single candidate must not reach the model, got %d calls", len(querier.requests))
	}
}

func TestChooseSolutionStep_NoCandidates(t *testing.T) {
	step := NewChooseSolutionStep(StepConfig{Querier: &fakeQuerier{}, Model: "gpt-4o"}, 4)
	_, err := step.Process(context.Background(), "fix the bug", nil, nil, "/repo")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChooseSolutionStep_MajorityVote(t *testing.T) {
	querier := &fakeQuerier{
		responses: [][][]chat.Message{
			// Deterministic files_skeleton call.
			{{toolMsg("skeleton")}},
			// Four sampled verdicts: 2, 2, 1, 2.
			{
				{verdictMsg(2)},
				{verdictMsg(2)},
				{verdictMsg(1)},
				{verdictMsg(2)},
			},
		},
	}
	step := NewChooseSolutionStep(StepConfig{Querier: querier, Model: "gpt-4o"}, 4)
	step.shuffle = func(int, func(i, j int)) {}

	got, err := step.Process(context.Background(), "fix the bug", []string{"a.py"}, []string{"P1", "P2", "P3"}, "/repo")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got != "P2" {
		t.Errorf("got %q, want P2", got)
	}
}

func TestChooseSolutionStep_UnparsableVerdicts(t *testing.T) {
	querier := &fakeQuerier{
		responses: [][][]chat.Message{
			{{toolMsg("skeleton")}},
			{
				{assistantMsg("I refuse to answer in the requested format")},
				{assistantMsg("Result\nSolution 42")},
			},
		},
	}
	step := NewChooseSolutionStep(StepConfig{Querier: querier, Model: "gpt-4o"}, 2)
	step.shuffle = func(int, func(i, j int)) {}

	_, err := step.Process(context.Background(), "fix the bug", nil, []string{"P1", "P2"}, "/repo")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChooseSolutionStep_InputOrderPreserved(t *testing.T) {
	// The shuffled prompt order must not leak back to the caller's slice.
	querier := &fakeQuerier{
		responses: [][][]chat.Message{
			{{toolMsg("skeleton")}},
			{{verdictMsg(1)}},
		},
	}
	step := NewChooseSolutionStep(StepConfig{Querier: querier, Model: "gpt-4o"}, 1)
	step.shuffle = func(n int, swap func(i, j int)) {
		// Reverse deterministically.
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			swap(i, j)
		}
	}

	patches := []string{"P1", "P2"}
	got, err := step.Process(context.Background(), "fix the bug", nil, patches, "/repo")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	// Reversed order means Solution 1 is P2.
	if got != "P2" {
		t.Errorf("got %q, want P2", got)
	}
	if patches[0] != "P1" || patches[1] != "P2" {
		t.Errorf("caller slice mutated: %v", patches)
	}
}
