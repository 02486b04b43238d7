// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smallcloudai/refact-swe/cmd/swe/config"
	"github.com/smallcloudai/refact-swe/pkg/logging"
	"github.com/smallcloudai/refact-swe/services/swe/eval"
)

const version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "swe",
		Short: "An agentic program-repair pipeline",
		Long: `swe locates the files behind a reported problem, samples candidate
patches against a live checkout, validates them, and picks the best one
by model-mediated voting.`,
		SilenceUsage: true,
	}
	solveCmd = &cobra.Command{
		Use:   "solve [instance_id]",
		Short: "Solve a single problem instance",
		Args:  cobra.ExactArgs(1),
		RunE:  runSolveCommand,
	}
	batchCmd = &cobra.Command{
		Use:   "batch",
		Short: "Solve every instance in the dump",
		RunE:  runBatchCommand,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	instancesPath string
	outputDir     string
	timeoutFlag   time.Duration
	parallelFlag  int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&instancesPath, "instances", "instances.jsonl", "path to the JSONL instance dump")
	rootCmd.PersistentFlags().StringVar(&outputDir, "output-dir", "", "directory for per-instance results and trajectories")
	solveCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "per-instance timeout, e.g. 20m (overrides config)")
	batchCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "per-instance timeout, e.g. 20m (overrides config)")
	batchCmd.Flags().IntVar(&parallelFlag, "parallel", 0, "instances processed at once (overrides config)")
	rootCmd.AddCommand(solveCmd, batchCmd, versionCmd)
}

// setup loads config, logging, and telemetry; the returned function
// flushes both on exit.
func setup() (*logging.Logger, func(), error) {
	if err := config.Load(); err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(config.Global.Logging.Level),
		LogDir:  config.Global.Logging.Dir,
		Service: "swe",
		JSON:    config.Global.Logging.JSON,
	})

	stopMetrics := func() {}
	if config.Global.Metrics.Enabled {
		var err error
		stopMetrics, err = startTelemetry(config.Global.Metrics.Port, logger.Slog())
		if err != nil {
			logger.Close()
			return nil, nil, fmt.Errorf("initializing telemetry: %w", err)
		}
	}
	return logger, func() {
		stopMetrics()
		logger.Close()
	}, nil
}

func runnerFromConfig() eval.RunnerConfig {
	timeout := time.Duration(config.Global.TimeoutSeconds) * time.Second
	if timeoutFlag > 0 {
		timeout = timeoutFlag
	}
	return eval.RunnerConfig{
		Model:             config.Global.Model,
		SidecarCommand:    config.Global.SidecarCommand(),
		WorkDir:           config.Global.Workdir,
		OutputDir:         outputDir,
		Timeout:           timeout,
		Temperature:       config.Global.Temperature,
		RequestsPerSecond: config.Global.RequestsPerSecond,
		ExploreChoices:    config.Global.ExploreChoices,
		PatchChoices:      config.Global.PatchChoices,
		ChooseChoices:     config.Global.ChooseChoices,
		UseOpenAI:         config.Global.Endpoint == "openai",
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSolveCommand(cmd *cobra.Command, args []string) error {
	logger, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	instances, err := eval.LoadInstances(instancesPath)
	if err != nil {
		return err
	}
	inst, err := eval.FindInstance(instances, args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runner := eval.NewRunner(runnerFromConfig(), logger.Slog())
	result, err := runner.Run(ctx, inst)
	if err != nil {
		return err
	}
	if result != nil && outputDir == "" {
		encoded, err := json.MarshalIndent(result, "", "    ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
	}
	return nil
}

func runBatchCommand(cmd *cobra.Command, args []string) error {
	logger, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	if outputDir == "" {
		return fmt.Errorf("batch mode requires --output-dir")
	}
	instances, err := eval.LoadInstances(instancesPath)
	if err != nil {
		return err
	}

	parallel := config.Global.Parallel
	if parallelFlag > 0 {
		parallel = parallelFlag
	}

	ctx, cancel := signalContext()
	defer cancel()

	log := logger.Slog()
	runner := eval.NewRunner(runnerFromConfig(), log)
	batch := eval.NewBatch(runner, parallel, log)
	solved, err := batch.Process(ctx, instances)
	if err != nil {
		return err
	}
	fmt.Printf("solved %d of %d instances\n", solved, len(instances))
	return nil
}
