// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/smallcloudai/refact-swe/services/swe/chat"
)

// ============================================================================
// Locate step
// ============================================================================

// LocateResult is the structured outcome of the locate step: files worth
// reading for context, symbols worth looking up, and the subset of files
// the model expects to change.
type LocateResult struct {
	ContextFiles   []string `json:"context_files"`
	ContextSymbols []string `json:"context_symbols"`
	ToChangeFiles  []string `json:"to_change_files"`
}

// LocateStep maps a problem statement to candidate files and symbols with
// a single deterministic invocation of the endpoint's locate tool. No
// open-ended sampling happens here, so results are reproducible for a
// fixed repository state.
type LocateStep struct {
	Step
}

// NewLocateStep builds a LocateStep.
func NewLocateStep(cfg StepConfig) *LocateStep {
	return &LocateStep{Step: NewStep(cfg)}
}

type locateFile struct {
	FilePath string `json:"file_path"`
	Reason   string `json:"reason"`
}

type locateResponse struct {
	Files   []json.RawMessage `json:"files"`
	Symbols []string          `json:"symbols"`
}

// Process runs the locate tool for problemStatement against the checkout
// at repoPath.
//
// Outputs: a LocateResult whose file paths are repo-relative, exist on
// disk, and are deduplicated. Returns ErrNotFound when the tool lists no
// files at all and a *ParseError when its output is not valid JSON. A
// result whose listed files all fail the existence check is empty, not
// an error.
func (s *LocateStep) Process(ctx context.Context, problemStatement, repoPath string) (*LocateResult, error) {
	args, err := json.Marshal(map[string]string{"problem_statement": problemStatement})
	if err != nil {
		return nil, fmt.Errorf("encoding locate arguments: %w", err)
	}
	messages, err := s.deterministicToolCallMessages(ctx, []chat.FunctionCall{
		{Name: "locate", Arguments: string(args)},
	})
	if err != nil {
		return nil, err
	}
	s.logMessages(messages)

	raw := messages[len(messages)-1].Content
	var resp locateResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, &ParseError{Raw: raw, Err: err}
	}
	if len(resp.Files) == 0 {
		return nil, fmt.Errorf("%w: locate returned no files", ErrNotFound)
	}

	result := &LocateResult{ContextSymbols: resp.Symbols}
	seen := map[string]bool{}
	for i, entry := range resp.Files {
		var info locateFile
		if err := json.Unmarshal(entry, &info); err != nil {
			if i == 0 {
				return nil, fmt.Errorf("%w: files list is not a list of records", ErrNotFound)
			}
			continue
		}
		relPath := normalizeRepoPath(info.FilePath, repoPath)
		// The tool may return paths that do not exist in this checkout.
		if _, err := os.Stat(filepath.Join(repoPath, relPath)); err != nil {
			continue
		}
		if seen[relPath] {
			continue
		}
		seen[relPath] = true
		result.ContextFiles = append(result.ContextFiles, relPath)
		if info.Reason == "to_change" {
			result.ToChangeFiles = append(result.ToChangeFiles, relPath)
		}
	}
	// Every listed file may fail the existence check; the result is then
	// empty but valid, and the caller decides what to do with it.
	return result, nil
}

// normalizeRepoPath strips a leading repository-root prefix so that paths
// from tools that report absolute locations become repo-relative.
func normalizeRepoPath(path, repoPath string) string {
	if repoPath != "" && strings.HasPrefix(path, repoPath) {
		path = strings.TrimPrefix(path, repoPath)
	}
	return strings.TrimLeft(path, "/")
}
