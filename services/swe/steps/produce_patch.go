// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallcloudai/refact-swe/services/swe/chat"
	"github.com/smallcloudai/refact-swe/services/swe/sandbox"
)

// ============================================================================
// Produce-patch step
// ============================================================================

const patchSystemMessage = `
You're Refact Dev a prefect AI assistant.

You should solve the problem using given context and patch tool:
- Choose relevant file to patch.
- Introduce a plan that will solve the problem.
- Simultaneously call the patch tool to produce a patch.

Rules of patch tool using:
- Choose exact one filename to patch.
- You should solve the problem with exact one patch tool call per message.
- Patch command doesn't have your context so you need to pass all relevant symbols and write accurate todo.
- Todo should contain the plan how to solve given problem with detailed description of each step and warnings about possible problems with solution.
`

const patchTodoReminder = `
A reminder of patch generation:
- Make sure you added all imports if it needed.
- Do not add anything that is not related to the problem.
- Your patch should be minimalistic, never try to add unnecessary code.
- If it possible use native language objects.

If you see that you can't solve the problem in given file with provided context just refuse patch generation!
`

// maxAcceptedPatches caps lint-clean candidates per run; once reached the
// remaining samples in the batch are skipped.
const maxAcceptedPatches = 3

// PatchApplier runs the apply, capture, lint, revert cycle for one
// candidate against the working tree. Implemented by *sandbox.Sandbox.
type PatchApplier interface {
	AttemptPatch(ctx context.Context, chunks []json.RawMessage) (sandbox.AttemptResult, error)
}

// ProducePatchStep is the consensus patch generator. It gathers file
// skeleton context deterministically, samples several patch attempts,
// validates each against the working tree, and aggregates lint-clean
// survivors into a ranked candidate list.
type ProducePatchStep struct {
	Step
	patchChoices int
	applier      PatchApplier
}

// NewProducePatchStep builds a ProducePatchStep sampling patchChoices
// attempts per run and validating them through applier.
func NewProducePatchStep(cfg StepConfig, patchChoices int, applier PatchApplier) *ProducePatchStep {
	return &ProducePatchStep{
		Step:         NewStep(cfg),
		patchChoices: patchChoices,
		applier:      applier,
	}
}

var patchTools = chat.ToolNames("patch")

type patchArgs struct {
	Paths string `json:"paths"`
	Todo  string `json:"todo"`
}

// validatePatchCall checks a sampled answer against the patch contract:
// exactly one patch tool call, exactly one target path, non-empty todo.
func validatePatchCall(message chat.Message) (*patchArgs, error) {
	if len(message.ToolCalls) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one tool call, got %d", ErrValidation, len(message.ToolCalls))
	}
	call := message.ToolCalls[0].Function
	if call.Name != "patch" {
		return nil, fmt.Errorf("%w: not a patch tool call", ErrValidation)
	}
	var args patchArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return nil, &ParseError{Raw: call.Arguments, Err: err}
	}
	if len(strings.Split(args.Paths, ",")) != 1 || strings.TrimSpace(args.Paths) == "" {
		return nil, fmt.Errorf("%w: patch tool call should edit exactly one filename", ErrValidation)
	}
	if args.Todo == "" {
		return nil, fmt.Errorf("%w: patch tool should contain todo", ErrValidation)
	}
	return &args, nil
}

// augmentTodo rebuilds the sampled plan with the original problem and the
// fixed reminder before the plan is handed to the patch tool, which has
// no access to the sampling conversation.
func augmentTodo(todo, problemStatement string) string {
	return strings.Join([]string{
		"Original problem:", problemStatement,
		"Plan:", todo,
		patchTodoReminder,
	}, "\n\n")
}

// attempt drives one sampled answer through validation, deterministic
// patch generation, and the sandbox cycle. It returns the captured diff
// text of the first lint-clean candidate.
func (s *ProducePatchStep) attempt(ctx context.Context, message chat.Message, problemStatement string) (string, error) {
	args, err := validatePatchCall(message)
	if err != nil {
		return "", err
	}
	args.Todo = augmentTodo(args.Todo, problemStatement)

	rebuilt, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encoding patch arguments: %w", err)
	}
	call := message.Clone()
	call.ToolCalls[0].Function.Arguments = string(rebuilt)
	s.logMessages([]chat.Message{call})

	toolMessages, err := s.query(ctx, []chat.Message{call}, patchTools, true)
	if err != nil {
		return "", err
	}
	s.logMessages(toolMessages)

	for _, m := range toolMessages {
		if m.Role != chat.RoleDiff {
			continue
		}
		var chunks []json.RawMessage
		if err := json.Unmarshal([]byte(m.Content), &chunks); err != nil {
			return "", &ParseError{Raw: m.Content, Err: err}
		}
		result, err := s.applier.AttemptPatch(ctx, chunks)
		if err != nil {
			return "", err
		}
		if !result.LintOK {
			return "", fmt.Errorf("%w: candidate fails lint", ErrValidation)
		}
		if strings.TrimSpace(result.Diff) == "" {
			return "", fmt.Errorf("%w: candidate produced an empty diff", ErrValidation)
		}
		return result.Diff, nil
	}
	return "", fmt.Errorf("%w: expected a diff message", ErrNotFound)
}

// fatalAttemptError reports whether an attempt failure means the
// collaborator itself is unusable for the rest of the batch. Validation,
// parse, and not-found failures are local to one sample; transport and
// sandbox failures are not.
func fatalAttemptError(err error) bool {
	var transportErr *chat.TransportError
	var externalErr *sandbox.ExternalError
	return errors.As(err, &transportErr) || errors.As(err, &externalErr)
}

// Process samples patch attempts for problemStatement and returns the
// consensus-ranked list of distinct lint-clean candidates. An empty list
// is not an error here; the caller decides whether that is fatal.
//
// relatedFiles are shown to the model as a structural skeleton; toChange
// names the files most likely needing edits and may be empty.
func (s *ProducePatchStep) Process(ctx context.Context, problemStatement string, relatedFiles, toChange []string, repoPath string) ([]PatchCandidate, error) {
	started := time.Now()
	ctx, span := startStepSpan(ctx, "ProducePatchStep.Process")
	defer span.End()

	paths := make([]string, 0, len(relatedFiles))
	for _, name := range relatedFiles {
		paths = append(paths, joinRepoPath(repoPath, name))
	}
	skeletonArgs, err := json.Marshal(map[string]string{"paths": strings.Join(paths, ",")})
	if err != nil {
		return nil, fmt.Errorf("encoding files_skeleton arguments: %w", err)
	}

	messages := []chat.Message{
		{Role: chat.RoleSystem, Content: patchSystemMessage},
		{Role: chat.RoleUser, Content: "Problem statement:\n\n" + problemStatement},
		chat.DeterministicToolCallMessage([]chat.FunctionCall{
			{Name: "files_skeleton", Arguments: string(skeletonArgs)},
		}),
	}
	toolMessages, err := s.query(ctx, messages, patchTools, true)
	if err != nil {
		return nil, err
	}
	if len(toolMessages) != 1 || toolMessages[0].Role != chat.RoleTool {
		return nil, &ParseError{
			Raw: fmt.Sprintf("%d messages", len(toolMessages)),
			Err: fmt.Errorf("files_skeleton tool call produced an unexpected response"),
		}
	}
	messages = append(messages, toolMessages...)
	if len(toChange) > 0 {
		messages = append(messages, chat.Message{
			Role:    chat.RoleUser,
			Content: "It's most likely that you need to patch one of these files:\n" + strings.Join(toChange, "\n"),
		})
	}
	s.logMessages(messages)

	choices, err := s.queryChoices(ctx, messages, patchTools, s.patchChoices, false)
	if err != nil {
		return nil, err
	}

	var accepted []string
	for idx, newMessages := range choices {
		if len(accepted) >= maxAcceptedPatches {
			s.logBlock("patch choice skipped", idx+1)
			recordSample(ctx, "produce_patch", sampleSkipped)
			continue
		}
		s.logBlock("patch choice", idx+1)
		s.logMessages(newMessages)
		if len(newMessages) == 0 {
			recordSample(ctx, "produce_patch", sampleRejected)
			continue
		}
		patch, err := s.attempt(ctx, newMessages[len(newMessages)-1], problemStatement)
		if err != nil {
			if fatalAttemptError(err) {
				return nil, err
			}
			s.logException(err)
			recordSample(ctx, "produce_patch", sampleRejected)
			continue
		}
		accepted = append(accepted, patch)
		recordSample(ctx, "produce_patch", sampleAccepted)
	}

	candidates := patchConsensus(accepted)
	recordStepDuration(ctx, "produce_patch", time.Since(started), len(candidates) > 0)
	return candidates, nil
}

// joinRepoPath prefixes a repo-relative filename with the checkout path
// the way the endpoint's tools expect to receive it.
func joinRepoPath(repoPath, name string) string {
	return strings.TrimRight(repoPath, "/") + "/" + strings.TrimLeft(name, "/")
}
