// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package alerting

import (
	"context"
	"testing"
	"time"

	"modelgate/platform/store"
)

func TestAggregate(t *testing.T) {
	samples := []Sample{
		{Value: 1, Timestamp: time.Now()},
		{Value: 2, Timestamp: time.Now()},
		{Value: 6, Timestamp: time.Now()},
	}

	tests := []struct {
		agg  string
		want float64
		ok   bool
	}{
		{"avg", 3, true},
		{"sum", 9, true},
		{"count", 3, true},
		{"max", 6, true},
		{"min", 1, true},
		{"median", 0, false},
	}
	for _, tt := range tests {
		got, ok := Aggregate(samples, tt.agg)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Aggregate(%q) = %v, %v; want %v, %v", tt.agg, got, ok, tt.want, tt.ok)
		}
	}

	if _, ok := Aggregate(nil, "avg"); ok {
		t.Error("Aggregate(empty) should report no value")
	}
}

func TestMetricBufferWindowAndPrune(t *testing.T) {
	b := NewMetricBuffer()
	b.Record("org1", MetricLatencyMs, 100)
	b.Record("org1", MetricLatencyMs, 200)
	b.Record("org2", MetricLatencyMs, 999)

	t.Run("window is tenant scoped", func(t *testing.T) {
		samples := b.Window("org1", MetricLatencyMs, time.Minute)
		if len(samples) != 2 {
			t.Errorf("len(Window()) = %d, want 2", len(samples))
		}
	})

	t.Run("prune drops nothing fresh", func(t *testing.T) {
		b.Prune()
		if got := len(b.Window("org1", MetricLatencyMs, time.Hour)); got != 2 {
			t.Errorf("samples after prune = %d, want 2", got)
		}
	})
}

func newTestEngine(t *testing.T) (*Engine, *MetricBuffer, store.Store) {
	t.Helper()
	mem := store.NewMemoryStore()
	metrics := NewMetricBuffer()
	return NewEngine(mem, metrics, nil), metrics, mem
}

func TestEngineTriggersAlert(t *testing.T) {
	engine, metrics, _ := newTestEngine(t)
	ctx := context.Background()

	rule := &Rule{
		OrgID:   "org1",
		Name:    "high block volume",
		Enabled: true,
		Conditions: []Condition{{
			Metric:            MetricBlockedContentCount,
			Operator:          ">=",
			Value:             3,
			TimeWindowMinutes: 5,
			Aggregation:       "sum",
		}},
		Actions:         []string{"dashboard"},
		CooldownMinutes: 10,
	}
	if err := engine.SaveRule(ctx, rule); err != nil {
		t.Fatalf("SaveRule() error = %v", err)
	}

	t.Run("below threshold does not trigger", func(t *testing.T) {
		metrics.Record("org1", MetricBlockedContentCount, 1)
		engine.EvaluateAll(ctx)

		alerts, _ := engine.Alerts(ctx, "org1", false)
		if len(alerts) != 0 {
			t.Fatalf("alerts = %d, want 0", len(alerts))
		}
	})

	t.Run("crossing the threshold triggers once", func(t *testing.T) {
		metrics.Record("org1", MetricBlockedContentCount, 1)
		metrics.Record("org1", MetricBlockedContentCount, 1)
		engine.EvaluateAll(ctx)

		alerts, _ := engine.Alerts(ctx, "org1", false)
		if len(alerts) != 1 {
			t.Fatalf("alerts = %d, want 1", len(alerts))
		}
		if alerts[0].Title != "high block volume" {
			t.Errorf("Title = %q", alerts[0].Title)
		}
	})

	t.Run("cooldown suppresses re-trigger", func(t *testing.T) {
		metrics.Record("org1", MetricBlockedContentCount, 5)
		engine.EvaluateAll(ctx)

		alerts, _ := engine.Alerts(ctx, "org1", false)
		if len(alerts) != 1 {
			t.Errorf("alerts = %d, want still 1 during cooldown", len(alerts))
		}
	})
}

func TestEngineAllConditionsMustHold(t *testing.T) {
	engine, metrics, _ := newTestEngine(t)
	ctx := context.Background()

	rule := &Rule{
		OrgID:   "org1",
		Name:    "compound",
		Enabled: true,
		Conditions: []Condition{
			{Metric: MetricViolationRate, Operator: ">", Value: 0.5, TimeWindowMinutes: 5, Aggregation: "avg"},
			{Metric: MetricLatencyMs, Operator: ">", Value: 1000, TimeWindowMinutes: 5, Aggregation: "max"},
		},
		Actions: []string{"dashboard"},
	}
	_ = engine.SaveRule(ctx, rule)

	// Only the first condition holds.
	metrics.Record("org1", MetricViolationRate, 1)
	metrics.Record("org1", MetricLatencyMs, 100)
	engine.EvaluateAll(ctx)

	alerts, _ := engine.Alerts(ctx, "org1", false)
	if len(alerts) != 0 {
		t.Fatalf("alerts = %d, want 0 (second condition unmet)", len(alerts))
	}

	metrics.Record("org1", MetricLatencyMs, 2000)
	engine.EvaluateAll(ctx)
	alerts, _ = engine.Alerts(ctx, "org1", false)
	if len(alerts) != 1 {
		t.Errorf("alerts = %d, want 1 once both conditions hold", len(alerts))
	}
}

func TestEngineDisabledRuleNeverFires(t *testing.T) {
	engine, metrics, _ := newTestEngine(t)
	ctx := context.Background()

	rule := &Rule{
		OrgID: "org1", Name: "off", Enabled: false,
		Conditions: []Condition{{Metric: MetricLatencyMs, Operator: ">", Value: 0, TimeWindowMinutes: 5, Aggregation: "count"}},
	}
	_ = engine.SaveRule(ctx, rule)

	metrics.Record("org1", MetricLatencyMs, 1)
	engine.EvaluateAll(ctx)

	alerts, _ := engine.Alerts(ctx, "org1", false)
	if len(alerts) != 0 {
		t.Errorf("alerts = %d, want 0 for disabled rule", len(alerts))
	}
}

func TestAlertResolveLifecycle(t *testing.T) {
	engine, metrics, _ := newTestEngine(t)
	ctx := context.Background()

	rule := &Rule{
		OrgID: "org1", Name: "r", Enabled: true,
		Conditions: []Condition{{Metric: MetricLatencyMs, Operator: ">", Value: 0, TimeWindowMinutes: 5, Aggregation: "count"}},
		Actions:    []string{"dashboard"},
	}
	_ = engine.SaveRule(ctx, rule)
	metrics.Record("org1", MetricLatencyMs, 1)
	engine.EvaluateAll(ctx)

	alerts, _ := engine.Alerts(ctx, "org1", false)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}

	if err := engine.Resolve(ctx, "org1", alerts[0].ID); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	t.Run("unresolved filter excludes it", func(t *testing.T) {
		unresolved, _ := engine.Alerts(ctx, "org1", true)
		if len(unresolved) != 0 {
			t.Errorf("unresolved = %d, want 0", len(unresolved))
		}
	})

	t.Run("record is never removed", func(t *testing.T) {
		all, _ := engine.Alerts(ctx, "org1", false)
		if len(all) != 1 {
			t.Errorf("all alerts = %d, want 1 (resolved but retained)", len(all))
		}
		if !all[0].Resolved {
			t.Error("alert should be marked resolved")
		}
	})
}
