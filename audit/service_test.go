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

package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"modelgate/platform/evaluator"
	"modelgate/platform/provider"
	"modelgate/platform/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	mem := store.NewMemoryStore()
	s, err := NewService(mem, testKey)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return s, mem
}

func chatReq() provider.ChatRequest {
	return provider.ChatRequest{
		Model:    "gpt-4",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "secret prompt"}},
	}
}

func TestServiceRequestCompleteFlow(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if err := s.LogRequest(ctx, "req-1", "org1", "user-1", chatReq()); err != nil {
		t.Fatalf("LogRequest() error = %v", err)
	}
	if err := s.LogComplete(ctx, CompletionRecord{
		OrgID:            "org1",
		UserID:           "user-1",
		RequestID:        "req-1",
		Request:          chatReq(),
		OriginalResponse: "the answer",
		FinalResponse:    "the answer",
		Action:           evaluator.ActionPass,
		LatencyMs:        42,
		Provider:         "openai",
	}); err != nil {
		t.Fatalf("LogComplete() error = %v", err)
	}

	trail, err := s.GetTrail(ctx, "org1", TrailFilter{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("GetTrail() error = %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("trail length = %d, want exactly 2 (REQUEST + terminal)", len(trail))
	}

	// One REQUEST, one PASS.
	types := map[EntryType]int{}
	for _, e := range trail {
		types[e.Type]++
	}
	if types[TypeRequest] != 1 || types[TypePass] != 1 {
		t.Errorf("entry types = %v, want one REQUEST and one PASS", types)
	}

	t.Run("bodies are stored as hashes only", func(t *testing.T) {
		for _, e := range trail {
			for k, v := range e.Data {
				if str, ok := v.(string); ok && strings.Contains(str, "secret prompt") {
					t.Errorf("plaintext prompt leaked into %s.%s", e.Type, k)
				}
				if str, ok := v.(string); ok && strings.Contains(str, "the answer") {
					t.Errorf("plaintext response leaked into %s.%s", e.Type, k)
				}
			}
		}
	})

	t.Run("chain verifies", func(t *testing.T) {
		result, err := s.Verify(ctx, "org1")
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if !result.OK {
			t.Errorf("Verify() = %+v, want OK", result)
		}
	})
}

func TestServiceActionMapsToEntryType(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		action evaluator.Action
		want   EntryType
	}{
		{evaluator.ActionPass, TypePass},
		{evaluator.ActionBlock, TypeBlock},
		{evaluator.ActionRewrite, TypeRewrite},
	}
	for i, tc := range cases {
		reqID := "req-" + string(rune('a'+i))
		_ = s.LogRequest(ctx, reqID, "org1", "", chatReq())
		if err := s.LogComplete(ctx, CompletionRecord{
			OrgID: "org1", RequestID: reqID, Request: chatReq(), Action: tc.action,
		}); err != nil {
			t.Fatalf("LogComplete() error = %v", err)
		}
		trail, _ := s.GetTrail(ctx, "org1", TrailFilter{RequestID: reqID})
		found := false
		for _, e := range trail {
			if e.Type == tc.want {
				found = true
			}
		}
		if !found {
			t.Errorf("action %s: no %s entry in trail", tc.action, tc.want)
		}
	}
}

func TestServiceTamperDetection(t *testing.T) {
	s, mem := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = s.LogRequest(ctx, "req", "org1", "", chatReq())
	}

	// Mutate the stored entry at index 2 directly in the store.
	key := "audit:org1:000000000002"
	data, err := mem.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	tampered := strings.Replace(string(data), "gpt-4", "gpt-5", 1)
	_ = mem.Set(ctx, key, []byte(tampered))

	result, err := s.Verify(ctx, "org1")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.OK {
		t.Fatal("Verify() = OK for tampered store")
	}
	if result.FirstBadIndex == nil || *result.FirstBadIndex != 2 {
		t.Errorf("FirstBadIndex = %v, want 2", result.FirstBadIndex)
	}
}

func TestServiceTenantIsolation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_ = s.LogRequest(ctx, "r1", "org1", "", chatReq())
	_ = s.LogRequest(ctx, "r2", "org2", "", chatReq())
	_ = s.LogRequest(ctx, "r3", "org2", "", chatReq())

	trail1, _ := s.GetTrail(ctx, "org1", TrailFilter{})
	trail2, _ := s.GetTrail(ctx, "org2", TrailFilter{})
	if len(trail1) != 1 || len(trail2) != 2 {
		t.Errorf("trail lengths = %d, %d; want 1, 2", len(trail1), len(trail2))
	}

	// Each chain starts from its own genesis.
	if trail1[0].PreviousHash != "" {
		t.Errorf("org1 genesis PreviousHash = %q, want empty", trail1[0].PreviousHash)
	}
}

func TestServiceStatsAndSearch(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_ = s.LogRequest(ctx, "r1", "org1", "", chatReq())
	_ = s.LogComplete(ctx, CompletionRecord{
		OrgID: "org1", RequestID: "r1", Request: chatReq(),
		Action: evaluator.ActionBlock, LatencyMs: 100,
		Evaluation: &evaluator.Result{
			EvaluationScores: evaluator.Scores{Overall: 0.2},
			Violations:       []evaluator.Violation{{Type: "toxic_content"}},
		},
	})
	_ = s.LogRequest(ctx, "r2", "org1", "", chatReq())
	_ = s.LogComplete(ctx, CompletionRecord{
		OrgID: "org1", RequestID: "r2", Request: chatReq(),
		Action: evaluator.ActionPass, LatencyMs: 50,
		Evaluation: &evaluator.Result{EvaluationScores: evaluator.Scores{Overall: 0.95}},
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := s.Stats(ctx, "org1")
		if err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
		if stats.TotalEntries != 4 {
			t.Errorf("TotalEntries = %d, want 4", stats.TotalEntries)
		}
		if stats.BlockRate != 0.5 {
			t.Errorf("BlockRate = %v, want 0.5", stats.BlockRate)
		}
		if stats.AvgLatencyMs != 75 {
			t.Errorf("AvgLatencyMs = %v, want 75", stats.AvgLatencyMs)
		}
	})

	t.Run("search by violations", func(t *testing.T) {
		hits, err := s.Search(ctx, "org1", SearchFilter{WithViolations: true})
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(hits) != 1 || hits[0].RequestID != "r1" {
			t.Errorf("Search() = %d hits, want the blocked request only", len(hits))
		}
	})

	t.Run("search by score range", func(t *testing.T) {
		hits, err := s.Search(ctx, "org1", SearchFilter{MinScore: 0.9, MaxScore: 1.0})
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(hits) != 1 || hits[0].RequestID != "r2" {
			t.Errorf("Search() = %d hits, want the passing request only", len(hits))
		}
	})

	t.Run("search by content substring", func(t *testing.T) {
		hits, err := s.Search(ctx, "org1", SearchFilter{ContentSubstring: "toxic_content"})
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(hits) != 1 {
			t.Errorf("Search() = %d hits, want 1", len(hits))
		}
	})
}

func TestServiceExport(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_ = s.LogRequest(ctx, "r1", "org1", "u1", chatReq())

	t.Run("json", func(t *testing.T) {
		data, err := s.Export(ctx, "org1", FormatJSON)
		if err != nil {
			t.Fatalf("Export(json) error = %v", err)
		}
		if !strings.Contains(string(data), "\"request_id\": \"r1\"") {
			t.Errorf("json export missing entry: %s", data)
		}
	})

	t.Run("csv", func(t *testing.T) {
		data, err := s.Export(ctx, "org1", FormatCSV)
		if err != nil {
			t.Fatalf("Export(csv) error = %v", err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 2 {
			t.Fatalf("csv lines = %d, want header + 1 row", len(lines))
		}
		if !strings.HasPrefix(lines[0], "id,timestamp,org_id") {
			t.Errorf("csv header = %q", lines[0])
		}
	})

	t.Run("unsupported format", func(t *testing.T) {
		if _, err := s.Export(ctx, "org1", "xml"); err == nil {
			t.Error("Export(xml) should fail")
		}
	})
}

func TestServiceArchive(t *testing.T) {
	s, mem := newTestService(t)
	ctx := context.Background()

	// Two old entries, appended directly with back-dated timestamps, then
	// one fresh entry through the normal path.
	old := time.Now().UTC().AddDate(0, 0, -45)
	_ = s.Append(ctx, &Entry{OrgID: "org1", RequestID: "old1", Type: TypeRequest, Timestamp: old, Data: map[string]interface{}{}})
	_ = s.Append(ctx, &Entry{OrgID: "org1", RequestID: "old2", Type: TypeRequest, Timestamp: old, Data: map[string]interface{}{}})
	_ = s.LogRequest(ctx, "fresh", "org1", "", chatReq())

	removed, err := s.Archive(ctx, "org1", 30)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("Archive() = %d, want 2", removed)
	}

	trail, _ := s.GetTrail(ctx, "org1", TrailFilter{})
	if len(trail) != 1 || trail[0].RequestID != "fresh" {
		t.Errorf("trail after archive = %d entries", len(trail))
	}

	// Appends after archive keep the chain linked from the survivor.
	if err := s.LogRequest(ctx, "post", "org1", "", chatReq()); err != nil {
		t.Fatalf("LogRequest() after archive error = %v", err)
	}
	entries, _ := mem.ScanByPrefix(ctx, "audit:org1:")
	if len(entries) != 2 {
		t.Errorf("stored entries = %d, want 2", len(entries))
	}
}
