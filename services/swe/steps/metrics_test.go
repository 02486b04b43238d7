// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package steps

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/smallcloudai/refact-swe/services/swe/chat"
)

// sampleCounts collects swe_step_samples_total data points grouped by
// the step and outcome attributes.
func sampleCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	out := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "swe_step_samples_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				step, _ := dp.Attributes.Value("step")
				outcome, _ := dp.Attributes.Value("outcome")
				out[step.AsString()+"/"+outcome.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestExploreRecordsSampleOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = provider.Shutdown(context.Background())
	})

	querier := &fakeQuerier{
		responses: [][][]chat.Message{
			{{toolMsg("repo tree here")}},
			{
				{assistantMsg("```\na.py\n```")},
				{assistantMsg("no source files named")},
			},
		},
	}
	step := NewExploreRepoStep(StepConfig{Querier: querier, Model: "gpt-4o"}, 2)
	if _, err := step.Process(context.Background(), "fix the bug", "/repo"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	counts := sampleCounts(t, reader)
	if counts["explore/accepted"] < 1 {
		t.Errorf("accepted explore samples = %d, want at least 1", counts["explore/accepted"])
	}
	if counts["explore/rejected"] < 1 {
		t.Errorf("rejected explore samples = %d, want at least 1", counts["explore/rejected"])
	}
}

func TestChooseRecordsSampleOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = provider.Shutdown(context.Background())
	})

	querier := &fakeQuerier{
		responses: [][][]chat.Message{
			{{toolMsg("skeleton")}},
			{
				{verdictMsg(1)},
				{assistantMsg("no verdict in this answer")},
			},
		},
	}
	step := NewChooseSolutionStep(StepConfig{Querier: querier, Model: "gpt-4o"}, 2)
	step.shuffle = func(int, func(i, j int)) {}
	if _, err := step.Process(context.Background(), "fix the bug", nil, []string{"P1", "P2"}, "/repo"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	counts := sampleCounts(t, reader)
	if counts["choose/accepted"] < 1 {
		t.Errorf("accepted choose samples = %d, want at least 1", counts["choose/accepted"])
	}
	if counts["choose/rejected"] < 1 {
		t.Errorf("rejected choose samples = %d, want at least 1", counts["choose/rejected"])
	}
}
