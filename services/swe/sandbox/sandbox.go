// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

// Package sandbox owns transient mutation of a repository checkout: it
// applies model-proposed diff chunks through the diff engine, captures
// the resulting git diff, lints the touched files, and reverts the tree
// to its pre-attempt state on every path.
//
// The pipeline processes patch attempts strictly sequentially and there
// is exactly one working tree per problem instance, so Sandbox does no
// internal locking.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
)

// ============================================================================
// Types
// ============================================================================

// DiffChunk is one entry of the diff engine's wire format. Chunks arrive
// inside diff-role message content and are passed back verbatim when
// applying; only FileName is inspected locally, to know what to lint.
type DiffChunk struct {
	FileName    string `json:"file_name"`
	FileAction  string `json:"file_action"`
	Line1       int    `json:"line1"`
	Line2       int    `json:"line2"`
	LinesRemove string `json:"lines_remove"`
	LinesAdd    string `json:"lines_add"`
	ChunkID     int    `json:"chunk_id"`
	Apply       bool   `json:"apply"`
}

// AttemptResult is the outcome of one apply-capture-lint-revert cycle.
type AttemptResult struct {
	// Diff is the repository-level unified diff captured while the
	// candidate was applied.
	Diff string

	// LintOK reports whether every touched file passed the linter.
	LintOK bool
}

// DiffApplier toggles diff chunks on disk. Implemented by *chat.Client
// against the sidecar's diff-apply endpoint. Must be idempotent: repeated
// identical calls converge to the same working-tree state.
type DiffApplier interface {
	DiffApply(ctx context.Context, chunks []json.RawMessage, apply []bool) error
}

// Sandbox drives transient patch application for one checkout.
type Sandbox struct {
	repoPath string
	applier  DiffApplier
	linter   Linter
	log      *slog.Logger
}

// New builds a Sandbox for the checkout at repoPath. A nil linter
// defaults to the flake8 syntax/undefined-name gate.
func New(repoPath string, applier DiffApplier, linter Linter, log *slog.Logger) *Sandbox {
	if linter == nil {
		linter = NewFlake8Linter(log)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sandbox{
		repoPath: repoPath,
		applier:  applier,
		linter:   linter,
		log:      log,
	}
}

// RepoPath returns the checkout path the sandbox mutates.
func (s *Sandbox) RepoPath() string {
	return s.repoPath
}

// ============================================================================
// Operations
// ============================================================================

// ApplyDiff applies every chunk to the working tree.
func (s *Sandbox) ApplyDiff(ctx context.Context, chunks []json.RawMessage) error {
	return s.toggle(ctx, "apply", chunks, true)
}

// RevertDiff reverts every chunk from the working tree.
func (s *Sandbox) RevertDiff(ctx context.Context, chunks []json.RawMessage) error {
	return s.toggle(ctx, "revert", chunks, false)
}

func (s *Sandbox) toggle(ctx context.Context, op string, chunks []json.RawMessage, state bool) error {
	apply := make([]bool, len(chunks))
	for i := range apply {
		apply[i] = state
	}
	if err := s.applier.DiffApply(ctx, chunks, apply); err != nil {
		return &ExternalError{Op: op, Err: err}
	}
	return nil
}

// CaptureDiff renders the working tree's current changes as unified diff
// text via git.
func (s *Sandbox) CaptureDiff(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "--no-pager", "diff")
	cmd.Dir = s.repoPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &ExternalError{
			Op:  "git diff",
			Err: fmt.Errorf("%w: %s", err, stderr.String()),
		}
	}
	return stdout.String(), nil
}

// touchedFiles extracts the file names the chunks modify.
func touchedFiles(chunks []json.RawMessage) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, raw := range chunks {
		var chunk DiffChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return nil, fmt.Errorf("decoding diff chunk: %w", err)
		}
		if chunk.FileName == "" || seen[chunk.FileName] {
			continue
		}
		seen[chunk.FileName] = true
		files = append(files, chunk.FileName)
	}
	return files, nil
}

// AttemptPatch runs the full cycle for one candidate: apply the chunks,
// capture the repository diff, lint every touched file, then revert. The
// revert runs on every path, so the tree returns to its pre-attempt
// state regardless of the lint outcome.
func (s *Sandbox) AttemptPatch(ctx context.Context, chunks []json.RawMessage) (AttemptResult, error) {
	files, err := touchedFiles(chunks)
	if err != nil {
		return AttemptResult{}, &ExternalError{Op: "attempt", Err: err}
	}
	if err := s.ApplyDiff(ctx, chunks); err != nil {
		return AttemptResult{}, err
	}

	var result AttemptResult
	var attemptErr error
	func() {
		defer func() {
			if err := s.RevertDiff(ctx, chunks); err != nil && attemptErr == nil {
				attemptErr = err
			}
		}()
		diffText, err := s.CaptureDiff(ctx)
		if err != nil {
			attemptErr = err
			return
		}
		lintOK, err := s.lintAll(ctx, files)
		if err != nil {
			attemptErr = err
			return
		}
		result = AttemptResult{Diff: diffText, LintOK: lintOK}
	}()
	if attemptErr != nil {
		return AttemptResult{}, attemptErr
	}
	return result, nil
}

func (s *Sandbox) lintAll(ctx context.Context, files []string) (bool, error) {
	for _, name := range files {
		ok, err := s.linter.Lint(ctx, s.repoPath, name)
		if err != nil {
			return false, err
		}
		if !ok {
			s.log.Debug("candidate rejected by linter", "file", name)
			return false, nil
		}
	}
	return true, nil
}
