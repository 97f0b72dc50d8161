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
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"modelgate/platform/shared/logger"
	"modelgate/platform/store"
	"modelgate/platform/webhook"
)

// EvaluationInterval is how often the engine scans its rules.
const EvaluationInterval = 60 * time.Second

// Engine evaluates alert rules against the metric buffer and raises alerts.
// Rule evaluation is serialized (one pass at a time) because cooldown
// stamping requires it.
type Engine struct {
	store      store.Store
	metrics    *MetricBuffer
	dispatcher *webhook.Dispatcher
	log        *logger.Logger
}

// NewEngine wires an alert engine. The webhook dispatcher handles the
// "webhook" action channel; other channels log through the structured
// logger for downstream collection.
func NewEngine(s store.Store, metrics *MetricBuffer, dispatcher *webhook.Dispatcher) *Engine {
	return &Engine{
		store:      s,
		metrics:    metrics,
		dispatcher: dispatcher,
		log:        logger.New("alert-engine"),
	}
}

func alertRuleKey(orgID, id string) string { return fmt.Sprintf("alertrule:%s:%s", orgID, id) }
func alertKey(orgID, id string) string     { return fmt.Sprintf("alert:%s:%s", orgID, id) }

// SaveRule persists an alert rule.
func (e *Engine) SaveRule(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.OrgID == "" {
		rule.OrgID = GlobalOrgID
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal alert rule: %w", err)
	}
	return e.store.Set(ctx, alertRuleKey(rule.OrgID, rule.ID), data)
}

// Rules returns all persisted alert rules for an org prefix ("" = all).
func (e *Engine) Rules(ctx context.Context, orgID string) ([]Rule, error) {
	prefix := "alertrule:"
	if orgID != "" {
		prefix = fmt.Sprintf("alertrule:%s:", orgID)
	}
	entries, err := e.store.ScanByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(entries))
	for _, data := range entries {
		var rule Rule
		if err := json.Unmarshal(data, &rule); err != nil {
			continue
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].CreatedAt.Before(rules[j].CreatedAt) })
	return rules, nil
}

// EvaluateAll runs one evaluation pass over every enabled rule.
func (e *Engine) EvaluateAll(ctx context.Context) {
	rules, err := e.Rules(ctx, "")
	if err != nil {
		e.log.Error("", "", "failed to load alert rules", map[string]interface{}{"error": err.Error()})
		return
	}

	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		e.evaluateRule(ctx, rule)
	}
}

// evaluateRule checks a rule's conditions and cooldown, raising an alert
// and stamping lastTriggered on success.
func (e *Engine) evaluateRule(ctx context.Context, rule *Rule) {
	if rule.LastTriggered != nil &&
		time.Since(*rule.LastTriggered) < time.Duration(rule.CooldownMinutes)*time.Minute {
		return
	}

	// GLOBAL rules evaluate against the gateway-wide bucket.
	metricOrg := rule.OrgID
	if metricOrg == GlobalOrgID {
		metricOrg = ""
	}

	var observed []string
	for _, cond := range rule.Conditions {
		window := time.Duration(cond.TimeWindowMinutes) * time.Minute
		if window <= 0 {
			window = 5 * time.Minute
		}
		samples := e.metrics.Window(metricOrg, cond.Metric, window)
		value, ok := Aggregate(samples, cond.Aggregation)
		if !ok || !compare(value, cond.Operator, cond.Value) {
			return // all conditions must hold
		}
		observed = append(observed, fmt.Sprintf("%s(%s)=%.3f %s %.3f",
			cond.Aggregation, cond.Metric, value, cond.Operator, cond.Value))
	}
	if len(observed) == 0 {
		return
	}

	alert := &Alert{
		ID:          uuid.New().String(),
		OrgID:       rule.OrgID,
		Type:        "threshold",
		Severity:    SeverityWarning,
		Title:       rule.Name,
		Description: fmt.Sprintf("conditions met: %v", observed),
		Timestamp:   time.Now().UTC(),
		Channels:    rule.Actions,
	}
	if err := e.saveAlert(ctx, alert); err != nil {
		e.log.Error(rule.OrgID, "", "failed to persist alert", map[string]interface{}{"error": err.Error()})
		return
	}

	e.dispatch(ctx, rule, alert)

	now := time.Now().UTC()
	rule.LastTriggered = &now
	if err := e.SaveRule(ctx, rule); err != nil {
		e.log.Error(rule.OrgID, "", "failed to stamp alert rule", map[string]interface{}{"error": err.Error()})
	}
}

// dispatch sends the alert to every configured action channel.
func (e *Engine) dispatch(ctx context.Context, rule *Rule, alert *Alert) {
	for _, action := range rule.Actions {
		switch action {
		case "webhook":
			if e.dispatcher != nil {
				event := webhook.NewEvent(alert.OrgID, webhook.EventThresholdExceeded, map[string]interface{}{
					"alert_id":    alert.ID,
					"rule_id":     rule.ID,
					"title":       alert.Title,
					"description": alert.Description,
					"severity":    string(alert.Severity),
				})
				if _, err := e.dispatcher.Dispatch(ctx, event); err != nil {
					e.log.Error(alert.OrgID, "", "failed to dispatch alert webhook", map[string]interface{}{"error": err.Error()})
				}
			}
		case "email", "slack", "sms", "dashboard":
			// Outbound connectors for these channels live outside the
			// core; the structured log line is their pickup point.
			e.log.Warn(alert.OrgID, "", "alert raised", map[string]interface{}{
				"channel":     action,
				"alert_id":    alert.ID,
				"title":       alert.Title,
				"description": alert.Description,
			})
		}
	}
}

func (e *Engine) saveAlert(ctx context.Context, alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, alertKey(alert.OrgID, alert.ID), data)
}

// Alerts returns a tenant's alerts, newest first. When unresolvedOnly is
// set, resolved alerts are excluded (they remain stored).
func (e *Engine) Alerts(ctx context.Context, orgID string, unresolvedOnly bool) ([]Alert, error) {
	entries, err := e.store.ScanByPrefix(ctx, fmt.Sprintf("alert:%s:", orgID))
	if err != nil {
		return nil, err
	}

	alerts := make([]Alert, 0, len(entries))
	for _, data := range entries {
		var a Alert
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		if unresolvedOnly && a.Resolved {
			continue
		}
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Timestamp.After(alerts[j].Timestamp) })
	return alerts, nil
}

// Resolve marks an alert resolved. The record is never deleted.
func (e *Engine) Resolve(ctx context.Context, orgID, alertID string) error {
	data, err := e.store.Get(ctx, alertKey(orgID, alertID))
	if err != nil {
		return err
	}
	var a Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	a.Resolved = true
	return e.saveAlert(ctx, &a)
}

// Run evaluates all rules on the standard interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.EvaluateAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// compare applies the operator exactly as written.
func compare(left float64, op string, right float64) bool {
	switch op {
	case "<":
		return left < right
	case "<=":
		return left <= right
	case ">":
		return left > right
	case ">=":
		return left >= right
	case "=", "==":
		return left == right
	case "!=":
		return left != right
	}
	return false
}
