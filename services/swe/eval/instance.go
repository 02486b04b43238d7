// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

// Package eval drives problem instances through the step chain and
// scores the outcome against the reference patch. The dataset plumbing
// stays external: instances arrive as a JSONL dump, one row per line.
package eval

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// Instance is one SWE-bench-lite row.
type Instance struct {
	InstanceID       string `json:"instance_id"`
	Repo             string `json:"repo"`
	BaseCommit       string `json:"base_commit"`
	ProblemStatement string `json:"problem_statement"`
	Patch            string `json:"patch"`
}

// maxInstanceLine bounds one JSONL row; problem statements can run long.
const maxInstanceLine = 16 << 20

// LoadInstances reads a JSONL instance dump. Blank lines are skipped.
func LoadInstances(path string) ([]Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening instance dump: %w", err)
	}
	defer f.Close()

	var instances []Instance
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxInstanceLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var inst Instance
		if err := json.Unmarshal(raw, &inst); err != nil {
			return nil, fmt.Errorf("parsing %s line %d: %w", path, line, err)
		}
		if inst.InstanceID == "" {
			return nil, fmt.Errorf("parsing %s line %d: missing instance_id", path, line)
		}
		instances = append(instances, inst)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading instance dump: %w", err)
	}
	return instances, nil
}

// FindInstance returns the instance with the given id.
func FindInstance(instances []Instance, id string) (Instance, error) {
	for _, inst := range instances {
		if inst.InstanceID == id {
			return inst, nil
		}
	}
	return Instance{}, fmt.Errorf("instance %q not found", id)
}
