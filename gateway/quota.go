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

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// QuotaChecker enforces the per-tenant request quota.
type QuotaChecker interface {
	// Check debits one request for the tenant. It returns a rate-limit
	// APIError (with retry hint) when the quota is exhausted.
	Check(ctx context.Context, orgID string) error
}

// RedisQuota enforces quotas with a Redis sliding window, shared across
// gateway replicas. Redis errors fail open.
type RedisQuota struct {
	client         *redis.Client
	limitPerMinute int
}

// NewRedisQuota creates a Redis-backed quota checker.
func NewRedisQuota(client *redis.Client, limitPerMinute int) *RedisQuota {
	return &RedisQuota{client: client, limitPerMinute: limitPerMinute}
}

// Check implements the sliding-window count over the trailing minute.
func (q *RedisQuota) Check(ctx context.Context, orgID string) error {
	now := time.Now()
	key := fmt.Sprintf("quota:%s", orgID)

	pipe := q.client.Pipeline()
	minScore := now.Add(-time.Minute).Unix()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		// Fail open on Redis trouble; shedding all traffic on a cache
		// outage would be worse than briefly over-admitting.
		return nil
	}

	count := cmds[1].(*redis.IntCmd).Val()
	if count >= int64(q.limitPerMinute) {
		apiErr := apiError(CodeRateLimited, "tenant quota of %d requests/minute exceeded", q.limitPerMinute)
		apiErr.RetryAfter = time.Until(now.Truncate(time.Minute).Add(time.Minute))
		return apiErr
	}
	return nil
}

// MemoryQuota is the in-process fallback when Redis is not configured.
type MemoryQuota struct {
	limitPerMinute int
	windows        map[string][]time.Time
	mu             sync.Mutex
}

// NewMemoryQuota creates an in-memory quota checker.
func NewMemoryQuota(limitPerMinute int) *MemoryQuota {
	return &MemoryQuota{
		limitPerMinute: limitPerMinute,
		windows:        make(map[string][]time.Time),
	}
}

// Check implements the sliding window in memory.
func (q *MemoryQuota) Check(ctx context.Context, orgID string) error {
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	q.mu.Lock()
	defer q.mu.Unlock()

	window := q.windows[orgID]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= q.limitPerMinute {
		q.windows[orgID] = kept
		apiErr := apiError(CodeRateLimited, "tenant quota of %d requests/minute exceeded", q.limitPerMinute)
		apiErr.RetryAfter = time.Until(now.Truncate(time.Minute).Add(time.Minute))
		return apiErr
	}

	q.windows[orgID] = append(kept, now)
	return nil
}
