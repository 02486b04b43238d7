// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package steps

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/smallcloudai/refact-swe/services/swe/chat"
)

// ============================================================================
// Explore-repository step
// ============================================================================

const exploreSystemMessage = `
You're Refact Dev a prefect AI assistant.

You plan is to:
- Look through the user's problem statement.
- Call tree tool to obtain repository structure.
- Provide a list of files that one would need to edit to fix the problem.

Please only provide the full path and return at least 5 files.
The returned files should be separated by new lines ordered by most to least important and wrapped with ` + "```" + `
For example:
` + "```" + `
file1.py
file2.py
` + "```" + `
`

// exploreTopFiles is how many majority-voted filenames the step returns.
const exploreTopFiles = 5

// filenameRe matches path-like tokens in model prose, with or without a
// leading root, for both slash conventions.
var filenameRe = regexp.MustCompile(`\b(?:[a-zA-Z]:\\|/)?(?:[\w-]+[/\\])*[\w-]+\.\w+\b`)

// ExploreRepoStep is the fallback file finder used when no structured
// locate tool is available: show the model the repository tree, sample
// several free-text file lists, and majority-vote across them.
type ExploreRepoStep struct {
	Step
	choices int
}

// NewExploreRepoStep builds an ExploreRepoStep sampling the given number
// of choices per run.
func NewExploreRepoStep(cfg StepConfig, choices int) *ExploreRepoStep {
	return &ExploreRepoStep{Step: NewStep(cfg), choices: choices}
}

// extractFilenames pulls the distinct path-like tokens out of text,
// stripping the repository-root prefix. Order follows first appearance.
func extractFilenames(text, repoRoot string) []string {
	root := strings.TrimLeft(repoRoot, "/")
	var found []string
	seen := map[string]bool{}
	for _, name := range filenameRe.FindAllString(text, -1) {
		name = strings.TrimLeft(strings.ReplaceAll(name, root, ""), "/")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		found = append(found, name)
	}
	return found
}

// attempt validates one sampled answer and extracts its file votes.
func (s *ExploreRepoStep) attempt(message chat.Message, repoPath string) ([]string, error) {
	if message.Role != chat.RoleAssistant {
		return nil, fmt.Errorf("%w: unexpected message role %q for answer", ErrValidation, message.Role)
	}
	found := extractFilenames(message.Content, repoPath)
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no files found in answer", ErrNotFound)
	}
	return found, nil
}

// Process asks the model to rank the files one would edit to fix
// problemStatement, given the repository tree, and returns the five most
// frequently named files across all samples. Samples that fail to yield
// any filename cast no vote; ErrNotFound is returned only when every
// sample comes up empty.
func (s *ExploreRepoStep) Process(ctx context.Context, problemStatement, repoPath string) ([]string, error) {
	started := time.Now()
	ctx, span := startStepSpan(ctx, "ExploreRepoStep.Process")
	defer span.End()

	messages := []chat.Message{
		{Role: chat.RoleSystem, Content: exploreSystemMessage},
		{Role: chat.RoleUser, Content: "Problem statement:\n\n" + problemStatement},
		chat.DeterministicToolCallMessage([]chat.FunctionCall{
			{Name: "tree", Arguments: "{}"},
		}),
	}
	treeMessages, err := s.query(ctx, messages, nil, true)
	if err != nil {
		return nil, err
	}
	if len(treeMessages) != 1 || treeMessages[0].Role != chat.RoleTool {
		return nil, &ParseError{
			Raw: fmt.Sprintf("%d messages", len(treeMessages)),
			Err: fmt.Errorf("tree tool call produced an unexpected response"),
		}
	}
	messages = append(messages, treeMessages...)
	s.logMessages(messages)

	tally := newVoteTally()
	choices, err := s.queryChoices(ctx, messages, nil, s.choices, false)
	if err != nil {
		return nil, err
	}
	for idx, newMessages := range choices {
		s.logBlock("choice", idx+1)
		s.logMessages(newMessages)
		if len(newMessages) == 0 {
			recordSample(ctx, "explore", sampleRejected)
			continue
		}
		found, err := s.attempt(newMessages[len(newMessages)-1], repoPath)
		if err != nil {
			s.logException(err)
			recordSample(ctx, "explore", sampleRejected)
			continue
		}
		for _, name := range found {
			tally.Add(name)
		}
		recordSample(ctx, "explore", sampleAccepted)
	}

	foundFiles := tally.MostCommon(exploreTopFiles)
	recordStepDuration(ctx, "explore", time.Since(started), len(foundFiles) > 0)
	if len(foundFiles) == 0 {
		return nil, fmt.Errorf("%w: no files found", ErrNotFound)
	}
	return foundFiles, nil
}
