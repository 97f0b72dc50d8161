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

package resilience

import (
	"context"

	"golang.org/x/sync/singleflight"

	"modelgate/platform/provider"
)

// Deduper collapses concurrent identical upstream calls: a second request
// arriving with the same fingerprint while the first is in flight joins the
// existing call instead of issuing a duplicate.
type Deduper struct {
	group singleflight.Group
}

// NewDeduper creates an empty deduper.
func NewDeduper() *Deduper {
	return &Deduper{}
}

// Do executes fn once per key across concurrent callers. Every caller with
// the same in-flight key receives the same response (or error). Shared
// reports whether this caller joined another caller's flight.
func (d *Deduper) Do(ctx context.Context, key string, fn func(context.Context) (*provider.ChatResponse, error)) (resp *provider.ChatResponse, shared bool, err error) {
	result, err, shared := d.group.Do(key, func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, shared, err
	}
	return result.(*provider.ChatResponse), shared, nil
}

// Forget drops the in-flight entry for key so the next call runs fresh.
func (d *Deduper) Forget(key string) {
	d.group.Forget(key)
}
