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

// Package gateway is the HTTP entrypoint wiring every subsystem into the
// per-request pipeline: cache, context retrieval, provider call through
// dedup and circuit breaker, evaluator mesh, policy engine, audit chain,
// and webhook fan-out.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"modelgate/platform/alerting"
	"modelgate/platform/audit"
	"modelgate/platform/evaluator"
	"modelgate/platform/policy"
	"modelgate/platform/provider"
	"modelgate/platform/resilience"
	"modelgate/platform/retriever"
	"modelgate/platform/shared/logger"
	"modelgate/platform/webhook"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_requests_total",
			Help: "Total number of chat requests processed by the gateway",
		},
		[]string{"status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelgate_request_duration_milliseconds",
			Help:    "Request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"stage"},
	)
	promPolicyEvaluations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelgate_policy_evaluations_total",
			Help: "Total number of policy evaluations",
		},
	)
	promBlockedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelgate_blocked_requests_total",
			Help: "Total number of blocked requests",
		},
	)
	promCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelgate_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)
	promProviderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_provider_errors_total",
			Help: "Total number of upstream provider errors",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promPolicyEvaluations)
	prometheus.MustRegister(promBlockedRequests)
	prometheus.MustRegister(promCacheHits)
	prometheus.MustRegister(promProviderErrors)
}

// Service wires the pipeline collaborators. All of them are injected in
// Run; tests assemble a Service from fakes.
type Service struct {
	Auth       Authenticator
	Quota      QuotaChecker
	Providers  *provider.Registry
	Cache      resilience.ResponseCache
	Dedup      *resilience.Deduper
	Breakers   *resilience.BreakerSet
	Retriever  *retriever.Service
	Mesh       *evaluator.Mesh
	Policy     *policy.Engine
	PolicyRepo *policy.Repository
	Audit      *audit.Service
	Webhooks   *webhook.Dispatcher
	Endpoints  *webhook.EndpointRepository
	Alerts     *alerting.Engine
	Metrics    *alerting.MetricBuffer
	Plugins    *evaluator.Registry

	RequestTimeout time.Duration
	MaxInFlight    int
	Retry          resilience.RetryConfig

	// Now is the pipeline clock; overridable so time-of-day policy
	// behavior is testable.
	Now func() time.Time

	inflight chan struct{}
	log      *logger.Logger
}

// Init finalizes defaults after field assignment.
func (s *Service) Init() {
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 60 * time.Second
	}
	if s.MaxInFlight <= 0 {
		s.MaxInFlight = 512
	}
	if s.Retry.MaxRetries == 0 && s.Retry.InitialBackoff == 0 {
		s.Retry = resilience.DefaultRetryConfig()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	s.inflight = make(chan struct{}, s.MaxInFlight)
	s.log = logger.New("gateway")
}

// AuditInfo is attached to responses when the caller asks for it.
type AuditInfo struct {
	RequestID    string           `json:"request_id"`
	Action       string           `json:"action"`
	Scores       evaluator.Scores `json:"scores"`
	Violations   int              `json:"violations"`
	AppliedRules []string         `json:"applied_rules,omitempty"`
	CacheHit     bool             `json:"cache_hit,omitempty"`
	LatencyMs    int64            `json:"latency_ms"`
}

// ProcessChat runs the full pipeline for one authenticated chat request.
func (s *Service) ProcessChat(ctx context.Context, ident *Identity, req provider.ChatRequest) (*provider.ChatResponse, *AuditInfo, error) {
	// Back-pressure: reject rather than queue unboundedly.
	select {
	case s.inflight <- struct{}{}:
		defer func() { <-s.inflight }()
	default:
		return nil, nil, apiError(CodeServerBusy, "server at capacity, retry later")
	}

	start := time.Now()
	requestID := uuid.New().String()

	ctx, cancel := context.WithTimeout(ctx, s.RequestTimeout)
	defer cancel()

	if err := req.Validate(); err != nil {
		// Invalid requests never touch the audit chain.
		return nil, nil, apiError(CodeBadRequest, "%v", err)
	}

	if err := s.Quota.Check(ctx, ident.OrgID); err != nil {
		return nil, nil, err
	}

	// Audit invariant: the REQUEST entry must land before anything else
	// happens; failure to write it fails the request closed.
	if err := s.Audit.LogRequest(ctx, requestID, ident.OrgID, ident.UserID, req); err != nil {
		s.log.Error(ident.OrgID, requestID, "audit request write failed", map[string]interface{}{"error": err.Error()})
		return nil, nil, apiError(CodeAuditFailure, "audit log unavailable")
	}

	cacheKey := resilience.Fingerprint(ident.OrgID, req)
	cacheable := resilience.Cacheable(req)

	if cacheable {
		if cached, ok := s.Cache.Get(ctx, cacheKey); ok {
			promCacheHits.Inc()
			return s.finish(ctx, ident, requestID, req, cached, cached.Content(), nil, nil, start, true, "cache")
		}
	}

	// Context retrieval is best-effort: an empty context never fails the
	// request.
	contextDocs, documentsUsed := s.retrieveContext(ctx, ident.OrgID, req)

	upstream, err := s.callUpstream(ctx, ident.OrgID, cacheKey, req)
	if err != nil {
		_ = s.Audit.LogError(ctx, requestID, ident.OrgID, ident.UserID, err.Error())
		return nil, nil, err
	}

	evalStart := time.Now()
	result := s.Mesh.Run(ctx, evaluator.Input{
		Prompt:        req.Prompt(),
		Response:      upstream.Content(),
		OrgID:         ident.OrgID,
		Model:         req.Model,
		Context:       contextDocs,
		DocumentsUsed: documentsUsed,
	})
	promRequestDuration.WithLabelValues("evaluation").Observe(float64(time.Since(evalStart).Milliseconds()))

	now := s.Now()
	decision, err := s.Policy.Evaluate(ctx, result, policy.Context{
		OrgID:     ident.OrgID,
		UserID:    ident.UserID,
		UserRole:  ident.Role,
		TimeOfDay: now.Format("15:04"),
		DayOfWeek: now.Weekday(),
	})
	if err != nil {
		_ = s.Audit.LogError(ctx, requestID, ident.OrgID, ident.UserID, err.Error())
		return nil, nil, apiError(CodeInternal, "policy evaluation failed: %v", err)
	}
	promPolicyEvaluations.Inc()

	result.Action = decision.Action
	result.Rewrite = decision.Rewrite

	final := s.applyDecision(upstream, decision)

	if cacheable && decision.Action == evaluator.ActionPass {
		s.Cache.Set(ctx, cacheKey, final)
	}

	return s.finish(ctx, ident, requestID, req, final, upstream.Content(), result, decision, start, false, s.providerName(req.Model))
}

// retrieveContext fetches tenant context for the last user message.
func (s *Service) retrieveContext(ctx context.Context, orgID string, req provider.ChatRequest) ([]string, []string) {
	if s.Retriever == nil {
		return nil, nil
	}

	retrievalCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	results, err := s.Retriever.Search(retrievalCtx, orgID, req.Prompt(), retriever.SearchOptions{Limit: 5})
	if err != nil || len(results) == 0 {
		return nil, nil
	}

	var docs []string
	var ids []string
	for _, r := range results {
		docs = append(docs, r.Chunk.Content)
		ids = append(ids, r.Document.ID)
	}
	return docs, ids
}

// callUpstream routes, then runs the provider call through dedup, breaker,
// and retry.
func (s *Service) callUpstream(ctx context.Context, orgID, dedupKey string, req provider.ChatRequest) (*provider.ChatResponse, error) {
	p, err := s.Providers.Route(req.Model)
	if err != nil {
		return nil, apiError(CodeNoHealthyProvider, "no provider available for model %s", req.Model)
	}

	breaker := s.Breakers.For(p.Name())
	if !breaker.Allow() {
		return nil, apiError(CodeNoHealthyProvider, "provider %s circuit open", p.Name())
	}

	callStart := time.Now()
	resp, _, err := s.Dedup.Do(ctx, dedupKey, func(callCtx context.Context) (*provider.ChatResponse, error) {
		retryCfg := s.Retry
		retryCfg.RetryIf = func(err error) bool {
			var pe *provider.Error
			if errors.As(err, &pe) {
				return pe.Retryable()
			}
			return false
		}
		return resilience.RetryWithBackoff(callCtx, retryCfg, func(c context.Context) (*provider.ChatResponse, error) {
			return p.Call(c, req)
		})
	})
	promRequestDuration.WithLabelValues("provider").Observe(float64(time.Since(callStart).Milliseconds()))

	if err != nil {
		breaker.RecordFailure()
		if breaker.State() == resilience.CircuitOpen {
			s.Providers.MarkHealth(p.Name(), false)
		}
		promProviderErrors.WithLabelValues(p.Name()).Inc()
		return nil, s.mapProviderError(ctx, p.Name(), err)
	}

	breaker.RecordSuccess()
	s.Providers.MarkHealth(p.Name(), true)
	return resp, nil
}

func (s *Service) mapProviderError(ctx context.Context, providerName string, err error) error {
	if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return apiError(CodeDeadline, "request deadline exceeded")
	}
	if retryAfter, ok := provider.IsRateLimited(err); ok {
		apiErr := apiError(CodeRateLimited, "provider %s rate limited", providerName)
		apiErr.RetryAfter = retryAfter
		return apiErr
	}
	return apiError(CodeUpstreamFailed, "provider %s failed: %v", providerName, err)
}

// applyDecision rewrites or blanks the response per the policy action.
func (s *Service) applyDecision(resp *provider.ChatResponse, decision *policy.Decision) *provider.ChatResponse {
	out := *resp
	out.Choices = make([]provider.Choice, len(resp.Choices))
	copy(out.Choices, resp.Choices)

	switch decision.Action {
	case evaluator.ActionBlock:
		for i := range out.Choices {
			out.Choices[i].Message.Content = ""
			out.Choices[i].FinishReason = provider.FinishContentFilter
		}
	case evaluator.ActionRewrite:
		for i := range out.Choices {
			out.Choices[i].Message.Content = policy.ApplyRewrite(out.Choices[i].Message.Content, decision.Rewrite)
		}
	}
	return &out
}

// finish writes the terminal audit entry, records metrics, dispatches the
// outcome webhook, and assembles the audit info. The audit write is durable
// before the webhook fan-out starts.
func (s *Service) finish(ctx context.Context, ident *Identity, requestID string, req provider.ChatRequest,
	final *provider.ChatResponse, originalContent string, result *evaluator.Result, decision *policy.Decision,
	start time.Time, cacheHit bool, providerName string) (*provider.ChatResponse, *AuditInfo, error) {

	latencyMs := time.Since(start).Milliseconds()

	action := evaluator.ActionPass
	var appliedRules []string
	if decision != nil {
		action = decision.Action
		appliedRules = decision.AppliedRules
	}
	var documentsUsed []string
	if result != nil {
		documentsUsed = result.DocumentsUsed
	}

	rec := audit.CompletionRecord{
		OrgID:            ident.OrgID,
		UserID:           ident.UserID,
		RequestID:        requestID,
		Request:          req,
		OriginalResponse: originalContent,
		FinalResponse:    final.Content(),
		Evaluation:       result,
		Action:           action,
		AppliedRules:     appliedRules,
		LatencyMs:        latencyMs,
		DocumentsUsed:    documentsUsed,
		Provider:         providerName,
		CacheHit:         cacheHit,
	}
	if err := s.Audit.LogComplete(ctx, rec); err != nil {
		s.log.Error(ident.OrgID, requestID, "audit completion write failed", map[string]interface{}{"error": err.Error()})
		return nil, nil, apiError(CodeAuditFailure, "audit log unavailable")
	}

	s.recordMetrics(ident.OrgID, action, result, latencyMs)

	if eventType := webhook.EventForAction(string(action)); eventType != "" && !cacheHit {
		event := webhook.NewEvent(ident.OrgID, eventType, map[string]interface{}{
			"request_id": requestID,
			"model":      req.Model,
			"action":     string(action),
			"latency_ms": latencyMs,
		})
		if result != nil {
			event.Data["score"] = result.EvaluationScores.Overall
			event.Data["violations"] = len(result.Violations)
		}
		if _, err := s.Webhooks.Dispatch(ctx, event); err != nil {
			// Webhook trouble never fails the request.
			s.log.Warn(ident.OrgID, requestID, "webhook dispatch failed", map[string]interface{}{"error": err.Error()})
		}
	}

	info := &AuditInfo{
		RequestID:    requestID,
		Action:       string(action),
		Violations:   0,
		AppliedRules: appliedRules,
		CacheHit:     cacheHit,
		LatencyMs:    latencyMs,
	}
	if result != nil {
		info.Scores = result.EvaluationScores
		info.Violations = len(result.Violations)
	}

	status := "success"
	if action == evaluator.ActionBlock {
		status = "blocked"
		promBlockedRequests.Inc()
	}
	promRequestsTotal.WithLabelValues(status).Inc()
	promRequestDuration.WithLabelValues("total").Observe(float64(latencyMs))

	return final, info, nil
}

// recordMetrics feeds the alerting buffer.
func (s *Service) recordMetrics(orgID string, action evaluator.Action, result *evaluator.Result, latencyMs int64) {
	if s.Metrics == nil {
		return
	}

	violated := 0.0
	evalFailed := 0.0
	if result != nil {
		if len(result.Violations) > 0 {
			violated = 1.0
		}
		for _, v := range result.Violations {
			if v.Type == "evaluation_error" {
				evalFailed = 1.0
				break
			}
		}
	}

	s.Metrics.Record(orgID, alerting.MetricViolationRate, violated)
	s.Metrics.Record(orgID, alerting.MetricEvaluationFailureRate, evalFailed)
	s.Metrics.Record(orgID, alerting.MetricLatencyMs, float64(latencyMs))
	if action == evaluator.ActionBlock {
		s.Metrics.Record(orgID, alerting.MetricBlockedContentCount, 1)
	}

	// Gateway-wide bucket for GLOBAL alert rules.
	s.Metrics.Record("", alerting.MetricViolationRate, violated)
	s.Metrics.Record("", alerting.MetricLatencyMs, float64(latencyMs))
	if action == evaluator.ActionBlock {
		s.Metrics.Record("", alerting.MetricBlockedContentCount, 1)
	}
}

func (s *Service) providerName(model string) string {
	if p, err := s.Providers.Route(model); err == nil {
		return p.Name()
	}
	return ""
}
