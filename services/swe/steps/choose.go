// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/smallcloudai/refact-swe/services/swe/chat"
)

// ============================================================================
// Choose-solution step
// ============================================================================

const chooseSystemMessage = `
You are Refact Dev, an auto coding assistant.

You plan is to:
- Look through the user's problem statement, given code context and the solutions.
- Speculate about given solutions and choose one that perfectly solves the problem.

Your answer should contain speculation and result solution name (e.g. Solution 55, Solution 9, etc.)
Result should be at the end of the answer.
For example:

Speculation about solution
...
Result
` + "```" + `
Solution 99
` + "```" + `
`

// ChooseSolutionStep arbitrates among surviving patch candidates by
// sampling several reasoning-and-verdict answers and majority-voting the
// parsed verdicts.
type ChooseSolutionStep struct {
	Step
	choices int
	shuffle func(n int, swap func(i, j int))
}

// NewChooseSolutionStep builds a ChooseSolutionStep sampling the given
// number of verdicts per run.
func NewChooseSolutionStep(cfg StepConfig, choices int) *ChooseSolutionStep {
	return &ChooseSolutionStep{
		Step:    NewStep(cfg),
		choices: choices,
		shuffle: rand.Shuffle,
	}
}

// parseVerdict extracts a 0-based candidate index from model prose. The
// verdict is the text after the last occurrence of "result" (case
// insensitive), on the first subsequent line starting with "solution"
// followed by a 1-based integer. Returns ok=false for malformed or
// out-of-range verdicts; it never errors, so callers treat parse failure
// as "no vote" uniformly.
func parseVerdict(content string, nSolutions int) (int, bool) {
	lowered := strings.ToLower(content)
	idx := strings.LastIndex(lowered, "result")
	if idx < 0 {
		return 0, false
	}
	for _, line := range strings.Split(lowered[idx+len("result"):], "\n") {
		line = strings.TrimSpace(line)
		rest, found := strings.CutPrefix(line, "solution")
		if !found {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			continue
		}
		if n >= 1 && n <= nSolutions {
			return n - 1, true
		}
	}
	return 0, false
}

// Process picks the best patch among modelPatches. With a single
// candidate it returns that candidate without any model call; with none
// it returns ErrNotFound. Candidate order is shuffled before prompting to
// avoid positional bias.
func (s *ChooseSolutionStep) Process(ctx context.Context, problemStatement string, relatedFiles, modelPatches []string, repoPath string) (string, error) {
	if len(modelPatches) == 0 {
		return "", fmt.Errorf("%w: no patches for problem", ErrNotFound)
	}
	if len(modelPatches) == 1 {
		return modelPatches[0], nil
	}
	started := time.Now()
	ctx, span := startStepSpan(ctx, "ChooseSolutionStep.Process")
	defer span.End()

	shuffled := make([]string, len(modelPatches))
	copy(shuffled, modelPatches)
	s.shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	userParts := []string{"Problem statement:", problemStatement}
	for idx, patch := range shuffled {
		userParts = append(userParts, fmt.Sprintf("Solution %d:", idx+1), patch)
	}

	paths := make([]string, 0, len(relatedFiles))
	for _, name := range relatedFiles {
		paths = append(paths, joinRepoPath(repoPath, name))
	}
	skeletonArgs, err := json.Marshal(map[string]string{"paths": strings.Join(paths, ",")})
	if err != nil {
		return "", fmt.Errorf("encoding files_skeleton arguments: %w", err)
	}

	messages := []chat.Message{
		{Role: chat.RoleSystem, Content: chooseSystemMessage},
		{Role: chat.RoleUser, Content: strings.Join(userParts, "\n\n")},
		chat.DeterministicToolCallMessage([]chat.FunctionCall{
			{Name: "files_skeleton", Arguments: string(skeletonArgs)},
		}),
	}
	toolMessages, err := s.query(ctx, messages, nil, true)
	if err != nil {
		return "", err
	}
	if len(toolMessages) != 1 || toolMessages[0].Role != chat.RoleTool {
		return "", &ParseError{
			Raw: fmt.Sprintf("%d messages", len(toolMessages)),
			Err: fmt.Errorf("files_skeleton tool call produced an unexpected response"),
		}
	}
	messages = append(messages, toolMessages...)
	s.logMessages(messages)

	choices, err := s.queryChoices(ctx, messages, nil, s.choices, false)
	if err != nil {
		return "", err
	}
	tally := newVoteTally()
	for idx, newMessages := range choices {
		s.logBlock("choice", idx+1)
		s.logMessages(newMessages)
		if len(newMessages) == 0 {
			recordSample(ctx, "choose", sampleRejected)
			continue
		}
		answer := newMessages[len(newMessages)-1]
		if answer.Role != chat.RoleAssistant {
			recordSample(ctx, "choose", sampleRejected)
			continue
		}
		verdict, ok := parseVerdict(answer.Content, len(shuffled))
		if !ok {
			recordSample(ctx, "choose", sampleRejected)
			continue
		}
		tally.Add(strconv.Itoa(verdict))
		recordSample(ctx, "choose", sampleAccepted)
	}

	top := tally.MostCommon(1)
	recordStepDuration(ctx, "choose", time.Since(started), tally.Total() > 0)
	if len(top) == 0 {
		return "", fmt.Errorf("%w: can't choose a solution", ErrNotFound)
	}
	winner, err := strconv.Atoi(top[0])
	if err != nil {
		return "", fmt.Errorf("decoding verdict tally key: %w", err)
	}
	return shuffled[winner], nil
}
