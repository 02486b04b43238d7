// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smallcloudai/refact-swe/services/swe/chat"
	"github.com/smallcloudai/refact-swe/services/swe/sandbox"
	"github.com/smallcloudai/refact-swe/services/swe/steps"
)

// ============================================================================
// Configuration and results
// ============================================================================

// RunnerConfig configures instance processing.
type RunnerConfig struct {
	// Model is the model identifier used by every step.
	Model string

	// SidecarCommand launches the code-intelligence sidecar; flags for
	// port, workspace, and logging are appended per run.
	SidecarCommand []string

	// WorkDir holds the shared clone cache and scratch checkouts.
	WorkDir string

	// OutputDir receives one JSON result and one Markdown trajectory per
	// instance. Empty disables writing.
	OutputDir string

	// Timeout bounds one instance end to end. Zero means no limit.
	Timeout time.Duration

	// Temperature overrides the step default when non-zero.
	Temperature float64

	// RequestsPerSecond rate-limits the sidecar client when non-zero.
	RequestsPerSecond float64

	// ExploreChoices, PatchChoices, and ChooseChoices set per-step
	// sampling counts. Zero values take the defaults below.
	ExploreChoices int
	PatchChoices   int
	ChooseChoices  int

	// UseOpenAI answers sampled turns through the plain OpenAI API
	// instead of the sidecar. Deterministic tool calls and diff apply
	// still go through the sidecar.
	UseOpenAI bool
}

const (
	defaultExploreChoices = 5
	defaultPatchChoices   = 5
	defaultChooseChoices  = 4
)

// Result is the per-instance outcome written next to the trajectory.
type Result struct {
	ModelNameOrPath  string `json:"model_name_or_path"`
	InstanceID       string `json:"instance_id"`
	ProblemStatement string `json:"problem_statement"`
	ProblemPatch     string `json:"problem_patch"`

	PatchedFile          string `json:"patched_file,omitempty"`
	PatchedFileMentioned string `json:"patched_file_mentioned_in_problem,omitempty"`
	PatchedFileFound     string `json:"patched_file_is_found,omitempty"`

	FoundFiles   []string               `json:"found_files,omitempty"`
	ModelPatches []steps.PatchCandidate `json:"model_patches,omitempty"`
	ModelPatch   string                 `json:"model_patch,omitempty"`

	Usages map[string]chat.Usage `json:"usages"`
	Error  string                `json:"error,omitempty"`
}

// Runner processes one instance at a time: checkout, sidecar, step
// chain, outputs.
type Runner struct {
	cfg RunnerConfig
	log *slog.Logger
}

// NewRunner builds a Runner, filling config defaults.
func NewRunner(cfg RunnerConfig, log *slog.Logger) *Runner {
	if cfg.ExploreChoices == 0 {
		cfg.ExploreChoices = defaultExploreChoices
	}
	if cfg.PatchChoices == 0 {
		cfg.PatchChoices = defaultPatchChoices
	}
	if cfg.ChooseChoices == 0 {
		cfg.ChooseChoices = defaultChooseChoices
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, log: log}
}

// ============================================================================
// Instance processing
// ============================================================================

// Run processes one instance end to end and writes its outputs. An
// instance whose result file already exists is skipped. Step failures
// are recorded in the result, not returned; the returned error covers
// infrastructure failures only (checkout, sidecar, output writing).
func (r *Runner) Run(ctx context.Context, inst Instance) (*Result, error) {
	resultPath := ""
	if r.cfg.OutputDir != "" {
		if err := os.MkdirAll(r.cfg.OutputDir, 0o750); err != nil {
			return nil, fmt.Errorf("creating output dir: %w", err)
		}
		resultPath = filepath.Join(r.cfg.OutputDir, inst.InstanceID+".json")
		if _, err := os.Stat(resultPath); err == nil {
			r.log.Info("instance already done, skipping", "instance", inst.InstanceID)
			return nil, nil
		}
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	result := &Result{
		ModelNameOrPath:  r.modelNameOrPath(),
		InstanceID:       inst.InstanceID,
		ProblemStatement: inst.ProblemStatement,
		ProblemPatch:     inst.Patch,
		Usages:           map[string]chat.Usage{},
	}

	repoCtx := NewRepoContext(filepath.Join(r.cfg.WorkDir, "repos"), inst.Repo, inst.BaseCommit, r.log)
	repoPath, err := repoCtx.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing checkout: %w", err)
	}
	defer func() {
		if err := repoCtx.Close(); err != nil {
			r.log.Warn("removing scratch checkout failed", "error", err)
		}
	}()

	logPath := ""
	if r.cfg.OutputDir != "" {
		logPath = filepath.Join(r.cfg.OutputDir, inst.InstanceID+"-lsp.log")
	}
	sidecar := NewSidecarRunner(r.cfg.SidecarCommand, repoPath, logPath, r.log)
	if err := sidecar.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting sidecar: %w", err)
	}
	defer func() {
		if err := sidecar.Close(); err != nil {
			r.log.Debug("sidecar shutdown", "error", err)
		}
	}()

	clientOpts := []chat.ClientOption{chat.WithLogger(r.log)}
	if r.cfg.RequestsPerSecond > 0 {
		burst := int(r.cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		clientOpts = append(clientOpts, chat.WithRateLimit(r.cfg.RequestsPerSecond, burst))
	}
	client := chat.NewClient(sidecar.BaseURL(), clientOpts...)
	var querier chat.Querier = client
	if r.cfg.UseOpenAI {
		openaiClient, err := chat.NewOpenAIClient("", r.log)
		if err != nil {
			return nil, fmt.Errorf("building openai client: %w", err)
		}
		// The sidecar still executes deterministic tool calls and diff
		// apply; only the sampled turns move to the hosted model.
		querier = &chat.HybridQuerier{Sampler: openaiClient, Sidecar: client}
	}
	sb := sandbox.New(repoPath, client, nil, r.log)

	trajectory := r.solve(ctx, querier, sb, repoPath, inst, result)

	if resultPath != "" {
		if err := writeJSON(resultPath, result); err != nil {
			return nil, err
		}
		trajPath := filepath.Join(r.cfg.OutputDir, inst.InstanceID+".md")
		if err := os.WriteFile(trajPath, []byte(trajectory), 0o640); err != nil {
			return nil, fmt.Errorf("writing trajectory: %w", err)
		}
	}
	return result, nil
}

func (r *Runner) modelNameOrPath() string {
	postfix := ""
	if r.cfg.OutputDir != "" {
		postfix = "-" + filepath.Base(r.cfg.OutputDir)
	}
	return "refact-dev-" + r.cfg.Model + postfix
}

func (r *Runner) stepConfig(querier chat.Querier) steps.StepConfig {
	return steps.StepConfig{
		Querier:     querier,
		Model:       r.cfg.Model,
		Temperature: r.cfg.Temperature,
		Logger:      r.log,
	}
}

// solve chains explore, produce-patch, and choose-solution, recording
// per-step usage and trajectory. A failed step stops the chain with a
// step-prefixed error in the result.
func (r *Runner) solve(ctx context.Context, querier chat.Querier, applier steps.PatchApplier, repoPath string, inst Instance, result *Result) string {
	var traj []string

	if filename, err := PatchedFile(inst.Patch); err == nil {
		result.PatchedFile = filename
		result.PatchedFileMentioned = FilenameMentioned(filename, inst.ProblemStatement)
	} else {
		r.log.Warn("cannot score reference patch", "instance", inst.InstanceID, "error", err)
	}

	explore := steps.NewExploreRepoStep(r.stepConfig(querier), r.cfg.ExploreChoices)
	traj = append(traj, chat.RenderBlock("step", 1))
	foundFiles, err := explore.Process(ctx, inst.ProblemStatement, repoPath)
	result.Usages["step1"] = explore.Usage()
	traj = append(traj, explore.Trajectory())
	if err != nil {
		result.Error = fmt.Sprintf("step1: %v", err)
		return strings.Join(traj, "\n\n")
	}
	result.FoundFiles = foundFiles
	if result.PatchedFile != "" {
		result.PatchedFileFound = FilenameMentioned(result.PatchedFile, strings.Join(foundFiles, "\n"))
	}

	produce := steps.NewProducePatchStep(r.stepConfig(querier), r.cfg.PatchChoices, applier)
	traj = append(traj, chat.RenderBlock("step", 2))
	candidates, err := produce.Process(ctx, inst.ProblemStatement, foundFiles, nil, repoPath)
	result.Usages["step2"] = produce.Usage()
	traj = append(traj, produce.Trajectory())
	if err != nil {
		result.Error = fmt.Sprintf("step2: %v", err)
		return strings.Join(traj, "\n\n")
	}
	result.ModelPatches = candidates

	patches := make([]string, 0, len(candidates))
	for _, c := range candidates {
		patches = append(patches, c.Patch)
	}
	choose := steps.NewChooseSolutionStep(r.stepConfig(querier), r.cfg.ChooseChoices)
	traj = append(traj, chat.RenderBlock("step", 3))
	modelPatch, err := choose.Process(ctx, inst.ProblemStatement, foundFiles, patches, repoPath)
	result.Usages["step3"] = choose.Usage()
	traj = append(traj, choose.Trajectory())
	if err != nil {
		result.Error = fmt.Sprintf("step3: %v", err)
		return strings.Join(traj, "\n\n")
	}
	result.ModelPatch = modelPatch

	return strings.Join(traj, "\n\n")
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return nil
}
