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
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"modelgate/platform/store"
)

// EndpointRepository persists webhook endpoints through the store
// collaborator under "webhook:<orgId>:<endpointId>".
type EndpointRepository struct {
	store store.Store
}

// NewEndpointRepository creates an endpoint repository.
func NewEndpointRepository(s store.Store) *EndpointRepository {
	return &EndpointRepository{store: s}
}

func endpointKey(orgID, id string) string { return fmt.Sprintf("webhook:%s:%s", orgID, id) }

// Create persists a new endpoint, assigning an id and default retry config
// when absent.
func (r *EndpointRepository) Create(ctx context.Context, ep *Endpoint) error {
	if ep.URL == "" {
		return fmt.Errorf("endpoint url is required")
	}
	if ep.Secret == "" {
		return fmt.Errorf("endpoint secret is required")
	}
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	if ep.RetryConfig.MaxRetries == 0 && ep.RetryConfig.BackoffMultiplier == 0 {
		ep.RetryConfig = DefaultRetryConfig()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoint: %w", err)
	}
	return r.store.Set(ctx, endpointKey(ep.OrgID, ep.ID), data)
}

// Get loads one endpoint.
func (r *EndpointRepository) Get(ctx context.Context, orgID, id string) (*Endpoint, error) {
	data, err := r.store.Get(ctx, endpointKey(orgID, id))
	if err != nil {
		return nil, err
	}
	var ep Endpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, fmt.Errorf("failed to decode endpoint: %w", err)
	}
	return &ep, nil
}

// Delete removes one endpoint.
func (r *EndpointRepository) Delete(ctx context.Context, orgID, id string) error {
	return r.store.Delete(ctx, endpointKey(orgID, id))
}

// List returns a tenant's endpoints, oldest first.
func (r *EndpointRepository) List(ctx context.Context, orgID string) ([]Endpoint, error) {
	entries, err := r.store.ScanByPrefix(ctx, fmt.Sprintf("webhook:%s:", orgID))
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(entries))
	for _, data := range entries {
		var ep Endpoint
		if err := json.Unmarshal(data, &ep); err != nil {
			continue
		}
		endpoints = append(endpoints, ep)
	}
	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].CreatedAt.Equal(endpoints[j].CreatedAt) {
			return endpoints[i].ID < endpoints[j].ID
		}
		return endpoints[i].CreatedAt.Before(endpoints[j].CreatedAt)
	})
	return endpoints, nil
}

// Matching returns the tenant's enabled endpoints subscribed to the event
// type.
func (r *EndpointRepository) Matching(ctx context.Context, orgID string, t EventType) ([]Endpoint, error) {
	all, err := r.List(ctx, orgID)
	if err != nil {
		return nil, err
	}
	var out []Endpoint
	for _, ep := range all {
		if ep.Enabled && ep.Subscribed(t) {
			out = append(out, ep)
		}
	}
	return out, nil
}
