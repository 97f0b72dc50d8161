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

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelgate/platform/shared/logger"
)

const (
	// AttemptTimeout bounds a single delivery attempt, independent of any
	// request deadline.
	AttemptTimeout = 30 * time.Second

	// baseRetryDelay anchors the backoff schedule.
	baseRetryDelay = 60 * time.Second
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher fans pipeline events out to matching endpoints. Deliveries run
// asynchronously; failures retry with exponential backoff and are retained
// for manual replay after exhausting retries. An endpoint is never
// auto-disabled.
type Dispatcher struct {
	endpoints *EndpointRepository
	client    HTTPClient
	log       *logger.Logger

	deliveries map[string]*Delivery
	mu         sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the endpoint repository.
func NewDispatcher(endpoints *EndpointRepository) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		endpoints:  endpoints,
		client:     &http.Client{Timeout: AttemptTimeout},
		log:        logger.New("webhook-dispatcher"),
		deliveries: make(map[string]*Delivery),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetClient overrides the HTTP client (used by tests).
func (d *Dispatcher) SetClient(c HTTPClient) { d.client = c }

// Shutdown stops retry workers and waits for in-flight deliveries.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.wg.Wait()
}

// NewEvent builds an event envelope.
func NewEvent(orgID string, t EventType, data map[string]interface{}) Event {
	return Event{
		ID:             uuid.New().String(),
		Type:           t,
		Timestamp:      time.Now().UTC(),
		OrganizationID: orgID,
		Data:           data,
	}
}

// Dispatch sends the event to every matching endpoint asynchronously and
// returns the created delivery ids.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) ([]string, error) {
	matching, err := d.endpoints.Matching(ctx, event.OrganizationID, event.Type)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, ep := range matching {
		ep := ep
		delivery := &Delivery{
			ID:         uuid.New().String(),
			EndpointID: ep.ID,
			OrgID:      event.OrganizationID,
			Event:      event,
			Status:     DeliveryPending,
			CreatedAt:  time.Now().UTC(),
		}
		d.mu.Lock()
		d.deliveries[delivery.ID] = delivery
		d.mu.Unlock()
		ids = append(ids, delivery.ID)

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliverWithRetry(&ep, delivery)
		}()
	}
	return ids, nil
}

// deliverWithRetry attempts delivery, scheduling retries with delay
// min(backoffMultiplier^attempt * 60s, maxBackoffSeconds).
func (d *Dispatcher) deliverWithRetry(ep *Endpoint, delivery *Delivery) {
	cfg := ep.RetryConfig
	if cfg.BackoffMultiplier <= 0 {
		cfg = DefaultRetryConfig()
	}

	for attempt := 0; ; attempt++ {
		err := d.attempt(ep, delivery)

		d.mu.Lock()
		delivery.Attempts = attempt + 1
		delivery.LastTried = time.Now().UTC()
		if err == nil {
			delivery.Status = DeliveryDelivered
			delivery.LastError = ""
			d.mu.Unlock()
			return
		}
		delivery.LastError = err.Error()
		exhausted := attempt >= cfg.MaxRetries
		if exhausted {
			delivery.Status = DeliveryFailed
		}
		d.mu.Unlock()

		if exhausted {
			d.log.Error(delivery.OrgID, "", "webhook delivery failed permanently", map[string]interface{}{
				"delivery_id": delivery.ID,
				"endpoint_id": ep.ID,
				"event_type":  string(delivery.Event.Type),
				"attempts":    attempt + 1,
				"error":       err.Error(),
			})
			return
		}

		delay := time.Duration(math.Pow(cfg.BackoffMultiplier, float64(attempt)) * float64(baseRetryDelay))
		if max := time.Duration(cfg.MaxBackoffSeconds) * time.Second; cfg.MaxBackoffSeconds > 0 && delay > max {
			delay = max
		}

		select {
		case <-time.After(delay):
		case <-d.ctx.Done():
			return
		}
	}
}

// attempt performs one signed POST to the endpoint.
func (d *Dispatcher) attempt(ep *Endpoint, delivery *Delivery) error {
	body, err := json.Marshal(delivery.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(d.ctx, AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", SignBody(ep.Secret, body))
	req.Header.Set("X-Event", string(delivery.Event.Type))
	req.Header.Set("X-Delivery", delivery.Event.ID)
	req.Header.Set("X-Timestamp", delivery.Event.Timestamp.Format(time.RFC3339))
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Deliveries returns a tenant's delivery records, optionally filtered by
// status.
func (d *Dispatcher) Deliveries(orgID string, status DeliveryStatus) []*Delivery {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Delivery
	for _, del := range d.deliveries {
		if del.OrgID != orgID {
			continue
		}
		if status != "" && del.Status != status {
			continue
		}
		copied := *del
		out = append(out, &copied)
	}
	return out
}

// Replay re-attempts a failed delivery once, synchronously.
func (d *Dispatcher) Replay(ctx context.Context, orgID, deliveryID string) error {
	d.mu.RLock()
	delivery, ok := d.deliveries[deliveryID]
	d.mu.RUnlock()
	if !ok || delivery.OrgID != orgID {
		return fmt.Errorf("delivery %s not found", deliveryID)
	}

	ep, err := d.endpoints.Get(ctx, orgID, delivery.EndpointID)
	if err != nil {
		return fmt.Errorf("endpoint %s not found: %w", delivery.EndpointID, err)
	}

	err = d.attempt(ep, delivery)
	d.mu.Lock()
	delivery.Attempts++
	delivery.LastTried = time.Now().UTC()
	if err == nil {
		delivery.Status = DeliveryDelivered
		delivery.LastError = ""
	} else {
		delivery.LastError = err.Error()
	}
	d.mu.Unlock()
	return err
}

// SendTest dispatches a synthetic evaluation.completed event to a single
// endpoint, bypassing subscription filters.
func (d *Dispatcher) SendTest(ctx context.Context, orgID, endpointID string) error {
	ep, err := d.endpoints.Get(ctx, orgID, endpointID)
	if err != nil {
		return err
	}

	event := NewEvent(orgID, EventEvaluationCompleted, map[string]interface{}{
		"test":    true,
		"message": "modelgate webhook test delivery",
	})
	delivery := &Delivery{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		OrgID:      orgID,
		Event:      event,
		Status:     DeliveryPending,
		CreatedAt:  time.Now().UTC(),
	}
	d.mu.Lock()
	d.deliveries[delivery.ID] = delivery
	d.mu.Unlock()

	err = d.attempt(ep, delivery)
	d.mu.Lock()
	delivery.Attempts = 1
	delivery.LastTried = time.Now().UTC()
	if err == nil {
		delivery.Status = DeliveryDelivered
	} else {
		delivery.Status = DeliveryFailed
		delivery.LastError = err.Error()
	}
	d.mu.Unlock()
	return err
}

// EventForAction derives the deterministic event type for a pipeline
// outcome; empty when no event applies.
func EventForAction(action string) EventType {
	switch action {
	case "BLOCK":
		return EventContentBlocked
	case "REWRITE":
		return EventContentRewritten
	case "FLAG":
		return EventPolicyViolation
	case "PASS":
		return EventEvaluationCompleted
	}
	return ""
}
