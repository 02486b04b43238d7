// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package eval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// sidecarReadyMarker is printed to stderr once the sidecar has finished
// indexing the workspace and can answer tool calls.
const sidecarReadyMarker = "AST COMPLETE"

// sidecarStartTimeout bounds how long we wait for the ready marker.
const sidecarStartTimeout = 5 * time.Minute

// SidecarRunner supervises the code-intelligence sidecar process for one
// checkout: launch with a free localhost port, wait until indexing
// completes, terminate on Close.
type SidecarRunner struct {
	baseCommand []string
	repoPath    string
	logPath     string
	log         *slog.Logger

	cmd     *exec.Cmd
	baseURL string
}

// NewSidecarRunner builds a runner for the given base command serving
// the checkout at repoPath. When logPath is non-empty the sidecar's
// stderr is mirrored there.
func NewSidecarRunner(baseCommand []string, repoPath, logPath string, log *slog.Logger) *SidecarRunner {
	if log == nil {
		log = slog.Default()
	}
	return &SidecarRunner{
		baseCommand: baseCommand,
		repoPath:    repoPath,
		logPath:     logPath,
		log:         log,
	}
}

// BaseURL returns the sidecar's endpoint root once Start has succeeded.
func (s *SidecarRunner) BaseURL() string {
	return s.baseURL
}

// freePort reserves and releases a localhost port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	return port, l.Close()
}

// Start launches the sidecar and blocks until it reports readiness.
func (s *SidecarRunner) Start(ctx context.Context) error {
	if len(s.baseCommand) == 0 {
		return fmt.Errorf("sidecar base command is empty")
	}
	port, err := freePort()
	if err != nil {
		return fmt.Errorf("finding free port: %w", err)
	}
	args := append(append([]string{}, s.baseCommand[1:]...),
		"--logs-stderr",
		"--http-port="+strconv.Itoa(port),
		"--workspace-folder="+s.repoPath,
		"--ast",
	)
	cmd := exec.CommandContext(ctx, s.baseCommand[0], args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("piping sidecar stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting sidecar: %w", err)
	}
	s.cmd = cmd
	s.baseURL = fmt.Sprintf("http://127.0.0.1:%d/v1", port)

	var logFile *os.File
	if s.logPath != "" {
		if logFile, err = os.Create(s.logPath); err != nil {
			s.log.Warn("cannot create sidecar log file", "path", s.logPath, "error", err)
		}
	}

	ready := make(chan error, 1)
	go func() {
		defer func() {
			if logFile != nil {
				// Keep draining so the sidecar never blocks on stderr.
				_, _ = io.Copy(logFile, stderr)
				_ = logFile.Close()
			} else {
				_, _ = io.Copy(io.Discard, stderr)
			}
		}()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if logFile != nil {
				fmt.Fprintln(logFile, line)
			}
			if strings.Contains(line, sidecarReadyMarker) {
				ready <- nil
				return
			}
		}
		ready <- fmt.Errorf("sidecar exited before reporting %q", sidecarReadyMarker)
	}()

	select {
	case err := <-ready:
		if err != nil {
			_ = s.Close()
			return err
		}
		return nil
	case <-time.After(sidecarStartTimeout):
		_ = s.Close()
		return fmt.Errorf("sidecar not ready after %s", sidecarStartTimeout)
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	}
}

// Close terminates the sidecar and reaps it. Idempotent.
func (s *SidecarRunner) Close() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	_ = s.cmd.Process.Kill()
	err := s.cmd.Wait()
	s.cmd = nil
	return err
}
