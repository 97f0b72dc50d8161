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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"modelgate/platform/provider"
)

const (
	// DefaultCacheTTL is the response cache lifetime.
	DefaultCacheTTL = 3600 * time.Second

	// cacheKeyDefaultTemperature fills the fingerprint when the request
	// leaves temperature unset, keeping the key stable.
	cacheKeyDefaultTemperature = 0.7

	// cacheKeyDefaultMaxTokens fills the fingerprint when the request
	// leaves max_tokens unset.
	cacheKeyDefaultMaxTokens = 1000
)

// fingerprintPayload is the canonical form hashed into the cache key.
// Field order is fixed; unspecified fields collapse to defaults so two
// requests that differ only in unset-vs-default hash identically.
type fingerprintPayload struct {
	OrgID       string             `json:"org_id"`
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
}

// Fingerprint returns the deterministic cache/dedup key for a request.
func Fingerprint(orgID string, req provider.ChatRequest) string {
	payload := fingerprintPayload{
		OrgID:       orgID,
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: cacheKeyDefaultTemperature,
		MaxTokens:   cacheKeyDefaultMaxTokens,
	}
	if req.Temperature != nil {
		payload.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		payload.MaxTokens = *req.MaxTokens
	}

	canonical, _ := json.Marshal(payload)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Cacheable reports whether a request may be served from or written to the
// response cache. Streaming requests and high-temperature requests bypass it.
func Cacheable(req provider.ChatRequest) bool {
	if req.Stream {
		return false
	}
	if req.Temperature != nil && *req.Temperature > 1.0 {
		return false
	}
	return true
}

// ResponseCache caches completed upstream responses keyed by fingerprint.
// Backed by Redis when available, an in-memory map otherwise.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*provider.ChatResponse, bool)
	Set(ctx context.Context, key string, resp *provider.ChatResponse)
}

// MemoryCache is the in-process ResponseCache fallback.
type MemoryCache struct {
	entries map[string]memoryCacheEntry
	ttl     time.Duration
	mu      sync.RWMutex
}

type memoryCacheEntry struct {
	resp      *provider.ChatResponse
	expiresAt time.Time
}

// NewMemoryCache creates an in-memory cache and starts background cleanup.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &MemoryCache{
		entries: make(map[string]memoryCacheEntry),
		ttl:     ttl,
	}
	go c.cleanup()
	return c
}

// Get returns a cached response if present and not expired.
func (c *MemoryCache) Get(ctx context.Context, key string) (*provider.ChatResponse, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.resp, true
}

// Set stores a response.
func (c *MemoryCache) Set(ctx context.Context, key string, resp *provider.ChatResponse) {
	c.mu.Lock()
	c.entries[key] = memoryCacheEntry{resp: resp, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// cleanup removes expired entries every 5 minutes.
func (c *MemoryCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for key, entry := range c.entries {
			if now.After(entry.expiresAt) {
				delete(c.entries, key)
			}
		}
		c.mu.Unlock()
	}
}

// RedisCache is the Redis-backed ResponseCache used in production.
// Failures degrade to a miss; the request proceeds upstream.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis at redisURL.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// NewRedisCacheFromClient wraps an existing client (used by tests).
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns a cached response, treating any Redis error as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (*provider.ChatResponse, bool) {
	data, err := c.client.Get(ctx, "respcache:"+key).Bytes()
	if err != nil {
		return nil, false
	}
	var resp provider.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// Set stores a response, ignoring Redis write failures.
func (c *RedisCache) Set(ctx context.Context, key string, resp *provider.ChatResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, "respcache:"+key, data, c.ttl).Err()
}
