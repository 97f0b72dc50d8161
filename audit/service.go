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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelgate/platform/evaluator"
	"modelgate/platform/provider"
	"modelgate/platform/shared/logger"
	"modelgate/platform/store"
)

// Service is the audit log: append, verify, query, export, archive.
// Appends serialize per tenant; the chain orders a tenant's entries by
// append time.
type Service struct {
	store store.Store
	key   []byte // integration key; loaded from secure config, never logged
	log   *logger.Logger

	// per-tenant append locks and cached chain tails
	tenants map[string]*tenantChain
	mu      sync.Mutex
}

type tenantChain struct {
	mu       sync.Mutex
	count    int
	lastHash string
	loaded   bool
}

// NewService creates the audit service. The integration key signs every
// entry and must come from secure configuration.
func NewService(s store.Store, integrationKey []byte) (*Service, error) {
	if len(integrationKey) == 0 {
		return nil, fmt.Errorf("audit integration key is required")
	}
	return &Service{
		store:   s,
		key:     integrationKey,
		log:     logger.New("audit"),
		tenants: make(map[string]*tenantChain),
	}, nil
}

func entryKey(orgID string, seq int) string { return fmt.Sprintf("audit:%s:%012d", orgID, seq) }
func chainPrefix(orgID string) string       { return fmt.Sprintf("audit:%s:", orgID) }

func (s *Service) chainFor(orgID string) *tenantChain {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.tenants[orgID]
	if !ok {
		tc = &tenantChain{}
		s.tenants[orgID] = tc
	}
	return tc
}

// loadTail recovers the chain tail from the store after a restart.
// Caller holds the tenant lock.
func (s *Service) loadTail(ctx context.Context, orgID string, tc *tenantChain) error {
	if tc.loaded {
		return nil
	}
	entries, err := s.loadChain(ctx, orgID)
	if err != nil {
		return err
	}
	tc.count = len(entries)
	if len(entries) > 0 {
		tc.lastHash = entries[len(entries)-1].Hash
	}
	tc.loaded = true
	return nil
}

// Append seals and persists an entry at the tenant chain's tail. A write
// failure leaves the chain unchanged and propagates: audit writes fail
// closed.
func (s *Service) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	tc := s.chainFor(e.OrgID)
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if err := s.loadTail(ctx, e.OrgID, tc); err != nil {
		return fmt.Errorf("failed to load audit chain: %w", err)
	}

	e.PreviousHash = tc.lastHash
	Seal(s.key, e)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if err := s.store.Set(ctx, entryKey(e.OrgID, tc.count), data); err != nil {
		return fmt.Errorf("failed to persist audit entry: %w", err)
	}

	tc.count++
	tc.lastHash = e.Hash
	return nil
}

// LogRequest appends the REQUEST entry for an incoming call. The prompt
// body is stored as a content hash only.
func (s *Service) LogRequest(ctx context.Context, requestID, orgID, userID string, req provider.ChatRequest) error {
	promptText := ""
	for _, m := range req.Messages {
		promptText += string(m.Role) + ":" + m.Content + "\n"
	}

	return s.Append(ctx, &Entry{
		OrgID:     orgID,
		UserID:    userID,
		RequestID: requestID,
		Type:      TypeRequest,
		Data: map[string]interface{}{
			"model":         req.Model,
			"message_count": len(req.Messages),
			"prompt_hash":   ContentHash(promptText),
			"stream":        req.Stream,
		},
	})
}

// CompletionRecord carries everything LogComplete seals into the terminal
// entry for a request.
type CompletionRecord struct {
	OrgID            string
	UserID           string
	RequestID        string
	Request          provider.ChatRequest
	OriginalResponse string
	FinalResponse    string
	Evaluation       *evaluator.Result
	Action           evaluator.Action
	AppliedRules     []string
	LatencyMs        int64
	DocumentsUsed    []string
	Provider         string
	CacheHit         bool
}

// LogComplete appends the terminal entry (PASS, REWRITE, BLOCK, or ERROR by
// action) for a request. Response bodies are stored as content hashes.
func (s *Service) LogComplete(ctx context.Context, rec CompletionRecord) error {
	// Flagged responses pass through unchanged, so FLAG terminates as a
	// PASS entry; the action field in data keeps the distinction.
	entryType := TypePass
	switch rec.Action {
	case evaluator.ActionBlock:
		entryType = TypeBlock
	case evaluator.ActionRewrite:
		entryType = TypeRewrite
	}

	data := map[string]interface{}{
		"model":                  rec.Request.Model,
		"provider":               rec.Provider,
		"action":                 string(rec.Action),
		"applied_rules":          rec.AppliedRules,
		"original_response_hash": ContentHash(rec.OriginalResponse),
		"final_response_hash":    ContentHash(rec.FinalResponse),
		"latency_ms":             rec.LatencyMs,
		"documents_used":         rec.DocumentsUsed,
		"cache_hit":              rec.CacheHit,
	}
	if rec.Evaluation != nil {
		data["scores"] = rec.Evaluation.EvaluationScores
		data["confidence"] = rec.Evaluation.Confidence
		data["violation_count"] = len(rec.Evaluation.Violations)
		var types []string
		for _, v := range rec.Evaluation.Violations {
			types = append(types, v.Type)
		}
		data["violation_types"] = types
	}

	return s.Append(ctx, &Entry{
		OrgID:     rec.OrgID,
		UserID:    rec.UserID,
		RequestID: rec.RequestID,
		Type:      entryType,
		Data:      data,
	})
}

// LogError appends an ERROR entry for a failed request.
func (s *Service) LogError(ctx context.Context, requestID, orgID, userID, message string) error {
	return s.Append(ctx, &Entry{
		OrgID:     orgID,
		UserID:    userID,
		RequestID: requestID,
		Type:      TypeError,
		Data:      map[string]interface{}{"error": message},
	})
}

// loadChain returns a tenant's entries in chain order.
func (s *Service) loadChain(ctx context.Context, orgID string) ([]*Entry, error) {
	raw, err := s.store.ScanByPrefix(ctx, chainPrefix(orgID))
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys) // zero-padded sequence keys sort in append order

	entries := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		var e Entry
		if err := json.Unmarshal(raw[k], &e); err != nil {
			return nil, fmt.Errorf("corrupt audit entry at %s: %w", k, err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Verify replays a tenant's chain, checking hashes, signatures, and links.
func (s *Service) Verify(ctx context.Context, orgID string) (VerifyResult, error) {
	entries, err := s.loadChain(ctx, orgID)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyChain(s.key, entries), nil
}

// TrailFilter narrows a GetTrail query.
type TrailFilter struct {
	StartDate time.Time
	EndDate   time.Time
	RequestID string
	Type      EntryType
	Limit     int
}

// GetTrail returns a tenant's entries, newest first, after filtering.
func (s *Service) GetTrail(ctx context.Context, orgID string, f TrailFilter) ([]*Entry, error) {
	entries, err := s.loadChain(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var out []*Entry
	for _, e := range entries {
		if !f.StartDate.IsZero() && e.Timestamp.Before(f.StartDate) {
			continue
		}
		if !f.EndDate.IsZero() && e.Timestamp.After(f.EndDate) {
			continue
		}
		if f.RequestID != "" && e.RequestID != f.RequestID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		out = append(out, e)
	}

	// Newest first for trail consumers.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SearchFilter narrows a Search query over entry data.
type SearchFilter struct {
	ContentSubstring string
	WithViolations   bool
	MinScore         float64
	MaxScore         float64
	StartDate        time.Time
	EndDate          time.Time
}

// Search scans entry data for matches. Content matching runs over the
// serialized data payload (bodies themselves are hashed and unsearchable).
func (s *Service) Search(ctx context.Context, orgID string, f SearchFilter) ([]*Entry, error) {
	entries, err := s.loadChain(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var out []*Entry
	for _, e := range entries {
		if !f.StartDate.IsZero() && e.Timestamp.Before(f.StartDate) {
			continue
		}
		if !f.EndDate.IsZero() && e.Timestamp.After(f.EndDate) {
			continue
		}
		if f.WithViolations {
			count, _ := e.Data["violation_count"].(float64)
			if count == 0 {
				continue
			}
		}
		if f.MinScore > 0 || f.MaxScore > 0 {
			score, ok := overallScore(e)
			if !ok {
				continue
			}
			if f.MinScore > 0 && score < f.MinScore {
				continue
			}
			if f.MaxScore > 0 && score > f.MaxScore {
				continue
			}
		}
		if f.ContentSubstring != "" {
			dataJSON, _ := json.Marshal(e.Data)
			if !strings.Contains(strings.ToLower(string(dataJSON)), strings.ToLower(f.ContentSubstring)) {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func overallScore(e *Entry) (float64, bool) {
	scores, ok := e.Data["scores"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	overall, ok := scores["overall"].(float64)
	return overall, ok
}

// Statistics summarizes a tenant's audit activity.
type Statistics struct {
	TotalEntries int            `json:"total_entries"`
	ByType       map[string]int `json:"by_type"`
	BlockRate    float64        `json:"block_rate"`
	AvgLatencyMs float64        `json:"avg_latency_ms"`
	FirstEntry   *time.Time     `json:"first_entry,omitempty"`
	LastEntry    *time.Time     `json:"last_entry,omitempty"`
}

// Stats computes audit statistics for a tenant.
func (s *Service) Stats(ctx context.Context, orgID string) (*Statistics, error) {
	entries, err := s.loadChain(ctx, orgID)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{ByType: make(map[string]int)}
	stats.TotalEntries = len(entries)

	terminal := 0
	blocked := 0
	latencySum := 0.0
	latencyCount := 0
	for _, e := range entries {
		stats.ByType[string(e.Type)]++
		switch e.Type {
		case TypePass, TypeRewrite, TypeBlock:
			terminal++
			if e.Type == TypeBlock {
				blocked++
			}
		}
		if ms, ok := e.Data["latency_ms"].(float64); ok {
			latencySum += ms
			latencyCount++
		}
	}
	if terminal > 0 {
		stats.BlockRate = float64(blocked) / float64(terminal)
	}
	if latencyCount > 0 {
		stats.AvgLatencyMs = latencySum / float64(latencyCount)
	}
	if len(entries) > 0 {
		first, last := entries[0].Timestamp, entries[len(entries)-1].Timestamp
		stats.FirstEntry = &first
		stats.LastEntry = &last
	}
	return stats, nil
}

// Archive removes entries older than the cutoff from the hot store and
// returns the count. Cold storage is the operator's concern; the chain tail
// cache resets so subsequent appends re-link against what remains.
func (s *Service) Archive(ctx context.Context, orgID string, olderThanDays int) (int, error) {
	entries, err := s.loadChain(ctx, orgID)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	tc := s.chainFor(orgID)
	tc.mu.Lock()
	defer tc.mu.Unlock()

	removed := 0
	var kept []*Entry
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			removed++
		} else {
			kept = append(kept, e)
		}
	}
	if removed == 0 {
		return 0, nil
	}

	// Rewrite the retained suffix at sequence zero. Links inside the
	// suffix stay intact; the first kept entry keeps its previous hash as
	// provenance of the archived prefix.
	raw, err := s.store.ScanByPrefix(ctx, chainPrefix(orgID))
	if err != nil {
		return 0, err
	}
	for k := range raw {
		if err := s.store.Delete(ctx, k); err != nil {
			return 0, err
		}
	}
	for i, e := range kept {
		data, err := json.Marshal(e)
		if err != nil {
			return 0, err
		}
		if err := s.store.Set(ctx, entryKey(orgID, i), data); err != nil {
			return 0, err
		}
	}

	tc.count = len(kept)
	tc.lastHash = ""
	if len(kept) > 0 {
		tc.lastHash = kept[len(kept)-1].Hash
	}
	tc.loaded = true

	s.log.Info(orgID, "", "audit entries archived", map[string]interface{}{
		"removed": removed,
		"kept":    len(kept),
	})
	return removed, nil
}
