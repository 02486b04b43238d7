// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package steps

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/smallcloudai/refact-swe/services/swe/chat"
)

// newRepoDir creates a checkout containing the given files.
func newRepoDir(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("content\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func locateQuerier(content string) *fakeQuerier {
	return &fakeQuerier{
		responses: [][][]chat.Message{
			{{toolMsg(content)}},
		},
	}
}

func TestLocateStep_Process(t *testing.T) {
	repo := newRepoDir(t, "pkg/core.py", "pkg/util.py")
	payload, err := json.Marshal(map[string]any{
		"files": []map[string]string{
			{"file_path": filepath.Join(repo, "pkg/core.py"), "reason": "to_change"},
			{"file_path": "pkg/util.py", "reason": "context"},
			{"file_path": "pkg/missing.py", "reason": "to_change"},
			{"file_path": "pkg/core.py", "reason": "to_change"},
		},
		"symbols": []string{"Frobnicator"},
	})
	if err != nil {
		t.Fatal(err)
	}
	querier := locateQuerier(string(payload))
	step := NewLocateStep(StepConfig{Querier: querier, Model: "gpt-4o"})

	result, err := step.Process(context.Background(), "fix the bug", repo)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.ContextFiles) != 2 {
		t.Fatalf("context files = %v", result.ContextFiles)
	}
	if result.ContextFiles[0] != "pkg/core.py" || result.ContextFiles[1] != "pkg/util.py" {
		t.Errorf("context files = %v", result.ContextFiles)
	}
	if len(result.ToChangeFiles) != 1 || result.ToChangeFiles[0] != "pkg/core.py" {
		t.Errorf("to-change files = %v", result.ToChangeFiles)
	}
	if len(result.ContextSymbols) != 1 || result.ContextSymbols[0] != "Frobnicator" {
		t.Errorf("symbols = %v", result.ContextSymbols)
	}

	// The locate call itself must be deterministic.
	if len(querier.requests) != 1 || !querier.requests[0].OnlyDeterministic {
		t.Error("locate should issue a single deterministic tool call")
	}
}

func TestLocateStep_NoFiles(t *testing.T) {
	step := NewLocateStep(StepConfig{
		Querier: locateQuerier(`{"files": [], "symbols": []}`),
		Model:   "gpt-4o",
	})
	_, err := step.Process(context.Background(), "fix the bug", t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocateStep_AllFilesMissing(t *testing.T) {
	step := NewLocateStep(StepConfig{
		Querier: locateQuerier(`{"files": [{"file_path": "gone.py", "reason": "to_change"}], "symbols": ["S"]}`),
		Model:   "gpt-4o",
	})
	result, err := step.Process(context.Background(), "fix the bug", t.TempDir())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.ContextFiles) != 0 || len(result.ToChangeFiles) != 0 {
		t.Errorf("expected empty file lists, got %v / %v", result.ContextFiles, result.ToChangeFiles)
	}
	if len(result.ContextSymbols) != 1 {
		t.Errorf("symbols = %v", result.ContextSymbols)
	}
}

func TestLocateStep_UnparsableContent(t *testing.T) {
	raw := "sorry, I could not find anything"
	step := NewLocateStep(StepConfig{
		Querier: locateQuerier(raw),
		Model:   "gpt-4o",
	})
	_, err := step.Process(context.Background(), "fix the bug", t.TempDir())
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	if perr.Raw != raw {
		t.Errorf("ParseError.Raw = %q", perr.Raw)
	}
}

func TestLocateStep_FilesNotRecords(t *testing.T) {
	step := NewLocateStep(StepConfig{
		Querier: locateQuerier(`{"files": ["a.py", "b.py"], "symbols": []}`),
		Model:   "gpt-4o",
	})
	_, err := step.Process(context.Background(), "fix the bug", t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNormalizeRepoPath(t *testing.T) {
	tests := []struct {
		path string
		repo string
		want string
	}{
		{"/repo/pkg/a.py", "/repo", "pkg/a.py"},
		{"pkg/a.py", "/repo", "pkg/a.py"},
		{"/other/pkg/a.py", "/repo", "other/pkg/a.py"},
	}
	for _, tt := range tests {
		if got := normalizeRepoPath(tt.path, tt.repo); got != tt.want {
			t.Errorf("normalizeRepoPath(%q, %q) = %q, want %q", tt.path, tt.repo, got, tt.want)
		}
	}
}
