// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package config

// SweConfig is the root configuration, stored at ~/.refact-swe/swe.yaml.
type SweConfig struct {
	// Sidecar is the base command that launches the code-intelligence
	// sidecar, e.g. "refact-lsp --address-url Refact --api-key k".
	// Per-run flags (port, workspace, logging) are appended.
	Sidecar string `yaml:"sidecar"`

	// Model is the model identifier used by every step.
	Model string `yaml:"model"`

	// Endpoint selects who answers sampled turns: "refact" (the sidecar)
	// or "openai" (the plain OpenAI API; deterministic tool calls still
	// go through the sidecar).
	Endpoint string `yaml:"endpoint"`

	// Temperature is the sampling temperature for every step.
	Temperature float64 `yaml:"temperature"`

	// RequestsPerSecond caps outgoing chat requests across one instance.
	// Zero disables the limit. Useful when parallel instances share one
	// sidecar or one upstream model account.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// ExploreChoices, PatchChoices, and ChooseChoices set per-step
	// sampling counts.
	ExploreChoices int `yaml:"explore_choices"`
	PatchChoices   int `yaml:"patch_choices"`
	ChooseChoices  int `yaml:"choose_choices"`

	// Workdir holds the clone cache and scratch checkouts.
	Workdir string `yaml:"workdir"`

	// TimeoutSeconds bounds one instance end to end. Zero disables.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Parallel is the number of instances processed at once in batch mode.
	Parallel int `yaml:"parallel"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig controls the structured logging layer.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Dir receives one log file per day; empty disables file logging.
	Dir string `yaml:"dir"`

	// JSON switches console output to JSON lines.
	JSON bool `yaml:"json"`
}

// MetricsConfig controls the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Port serves /metrics when enabled.
	Port int `yaml:"port"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() SweConfig {
	return SweConfig{
		Sidecar:        "refact-lsp --address-url Refact --api-key YOUR_KEY",
		Model:          "gpt-4o",
		Endpoint:       "refact",
		Temperature:    0.2,
		ExploreChoices: 5,
		PatchChoices:   5,
		ChooseChoices:  4,
		Workdir:        "~/.refact-swe/workdir",
		TimeoutSeconds: 0,
		Parallel:       2,
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}
