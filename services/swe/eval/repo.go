// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package eval

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// cloneLocks serializes the clone-once cache per repository. Batch runs
// share one process, so an in-process lock is sufficient.
var cloneLocks sync.Map

// RepoContext materializes one problem instance's checkout: a shared
// clone cache per repository, plus a scratch copy per run that is reset
// to the instance's base commit and removed on Close.
type RepoContext struct {
	workdir    string
	repo       string
	baseCommit string
	log        *slog.Logger

	scratchPath string
}

// NewRepoContext builds a RepoContext for repo ("owner/name") at
// baseCommit, cloning under workdir.
func NewRepoContext(workdir, repo, baseCommit string, log *slog.Logger) *RepoContext {
	if log == nil {
		log = slog.Default()
	}
	return &RepoContext{
		workdir:    workdir,
		repo:       repo,
		baseCommit: baseCommit,
		log:        log,
	}
}

func (r *RepoContext) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, out.String())
	}
	return nil
}

// Open clones the repository if the cache misses, copies it into a
// scratch directory, and resets the copy to the base commit. The
// returned path is the scratch checkout.
func (r *RepoContext) Open(ctx context.Context) (string, error) {
	if err := os.MkdirAll(r.workdir, 0o750); err != nil {
		return "", fmt.Errorf("creating workdir: %w", err)
	}
	name := r.repo[strings.LastIndex(r.repo, "/")+1:]
	cachePath := filepath.Join(r.workdir, name)

	lock, _ := cloneLocks.LoadOrStore(r.repo, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	if _, err := os.Stat(cachePath); err != nil {
		r.log.Info("cloning repository", "repo", r.repo)
		if err := r.git(ctx, r.workdir, "clone", "https://github.com/"+r.repo); err != nil {
			mu.Unlock()
			return "", err
		}
	}
	scratch := filepath.Join(r.workdir, uuid.NewString())
	copyErr := exec.CommandContext(ctx, "cp", "-r", cachePath, scratch).Run()
	mu.Unlock()
	if copyErr != nil {
		return "", fmt.Errorf("copying checkout: %w", copyErr)
	}

	for _, args := range [][]string{
		{"clean", "-fd"},
		{"reset", "--hard", r.baseCommit},
	} {
		if err := r.git(ctx, scratch, args...); err != nil {
			_ = os.RemoveAll(scratch)
			return "", err
		}
	}
	r.scratchPath = scratch
	return scratch, nil
}

// Close removes the scratch checkout. Idempotent.
func (r *RepoContext) Close() error {
	if r.scratchPath == "" {
		return nil
	}
	err := os.RemoveAll(r.scratchPath)
	r.scratchPath = ""
	return err
}
