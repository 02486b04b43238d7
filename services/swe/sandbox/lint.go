// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// lintSelectors restricts flake8 to syntax errors and undefined names.
// Style diagnostics would reject most legitimate patches.
const lintSelectors = "E9,F821,F822,F823"

// lintTimeout bounds a single linter invocation.
const lintTimeout = 30 * time.Second

// Linter reports whether one file passes the lint gate.
type Linter interface {
	Lint(ctx context.Context, repoPath, file string) (bool, error)
}

// Flake8Linter gates candidates on flake8's syntax and undefined-name
// diagnostics. When flake8 is not installed the gate passes everything
// and logs a warning once.
type Flake8Linter struct {
	log *slog.Logger

	availOnce sync.Once
	available bool
}

// NewFlake8Linter builds a Flake8Linter.
func NewFlake8Linter(log *slog.Logger) *Flake8Linter {
	if log == nil {
		log = slog.Default()
	}
	return &Flake8Linter{log: log}
}

func (l *Flake8Linter) detect() bool {
	l.availOnce.Do(func() {
		_, err := exec.LookPath("flake8")
		l.available = err == nil
		if !l.available {
			l.log.Warn("flake8 not found, lint gate disabled")
		}
	})
	return l.available
}

// Lint runs flake8 over one file. Non-Python files pass without a run.
func (l *Flake8Linter) Lint(ctx context.Context, repoPath, file string) (bool, error) {
	if filepath.Ext(file) != ".py" {
		return true, nil
	}
	if !l.detect() {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, lintTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "flake8", "--select="+lintSelectors, file)
	cmd.Dir = repoPath
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit means diagnostics were found.
			return false, nil
		}
		return false, &ExternalError{Op: "lint", Err: err}
	}
	return true, nil
}
