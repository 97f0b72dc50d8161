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

package provider

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateAccountant tracks the remaining request and token budget for one
// provider. It maintains two token buckets seeded from configured
// per-minute limits, and overrides its view with upstream rate-limit
// headers whenever the provider sends them.
type RateAccountant struct {
	requests   bucket
	tokens     bucket
	headerSeen bool
	headerReqs int
	headerToks int
	resetAt    time.Time
	mu         sync.Mutex
}

// bucket is a token bucket refilled continuously at rate per second.
type bucket struct {
	level      float64
	max        float64
	refillRate float64
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.level += elapsed * b.refillRate
	if b.level > b.max {
		b.level = b.max
	}
	b.lastRefill = now
}

// NewRateAccountant creates an accountant seeded from per-minute limits.
// A zero limit means unlimited for that dimension.
func NewRateAccountant(requestsPerMinute, tokensPerMinute int) *RateAccountant {
	now := time.Now()
	a := &RateAccountant{}
	if requestsPerMinute > 0 {
		a.requests = bucket{
			level:      float64(requestsPerMinute),
			max:        float64(requestsPerMinute),
			refillRate: float64(requestsPerMinute) / 60.0,
			lastRefill: now,
		}
	}
	if tokensPerMinute > 0 {
		a.tokens = bucket{
			level:      float64(tokensPerMinute),
			max:        float64(tokensPerMinute),
			refillRate: float64(tokensPerMinute) / 60.0,
			lastRefill: now,
		}
	}
	return a
}

// Acquire debits one request and estTokens tokens from the buckets.
// On exhaustion it returns a rate_limit Error carrying the time until
// the next refill makes the request possible.
func (a *RateAccountant) Acquire(providerName string, estTokens int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.requests.refill(now)
	a.tokens.refill(now)

	if a.requests.max > 0 && a.requests.level < 1 {
		wait := time.Duration((1 - a.requests.level) / a.requests.refillRate * float64(time.Second))
		return &Error{
			Provider:   providerName,
			Code:       ErrCodeRateLimit,
			Message:    "request budget exhausted",
			StatusCode: http.StatusTooManyRequests,
			RetryAfter: wait,
		}
	}
	if a.tokens.max > 0 && a.tokens.level < float64(estTokens) {
		wait := time.Duration((float64(estTokens) - a.tokens.level) / a.tokens.refillRate * float64(time.Second))
		return &Error{
			Provider:   providerName,
			Code:       ErrCodeRateLimit,
			Message:    "token budget exhausted",
			StatusCode: http.StatusTooManyRequests,
			RetryAfter: wait,
		}
	}

	if a.requests.max > 0 {
		a.requests.level--
	}
	if a.tokens.max > 0 {
		a.tokens.level -= float64(estTokens)
	}
	return nil
}

// ObserveHeaders updates the accountant from upstream rate-limit headers.
// Both OpenAI-style (x-ratelimit-remaining-requests) and Anthropic-style
// (anthropic-ratelimit-requests-remaining) names are recognized.
func (a *RateAccountant) ObserveHeaders(h http.Header) {
	reqs, reqsOK := firstIntHeader(h,
		"x-ratelimit-remaining-requests",
		"anthropic-ratelimit-requests-remaining")
	toks, toksOK := firstIntHeader(h,
		"x-ratelimit-remaining-tokens",
		"anthropic-ratelimit-tokens-remaining")
	if !reqsOK && !toksOK {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.headerSeen = true
	if reqsOK {
		a.headerReqs = reqs
	}
	if toksOK {
		a.headerToks = toks
	}
	if reset := h.Get("x-ratelimit-reset-requests"); reset != "" {
		if d, err := time.ParseDuration(reset); err == nil {
			a.resetAt = time.Now().Add(d)
		}
	}
}

// Status reports the remaining budget. Header-derived numbers win over the
// local buckets when the provider has reported them.
func (a *RateAccountant) Status() RateLimitStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.requests.refill(now)
	a.tokens.refill(now)

	status := RateLimitStatus{
		RequestsRemaining: int(a.requests.level),
		TokensRemaining:   int(a.tokens.level),
		ResetAt:           now.Truncate(time.Minute).Add(time.Minute),
	}
	if a.headerSeen {
		status.RequestsRemaining = a.headerReqs
		status.TokensRemaining = a.headerToks
		if !a.resetAt.IsZero() {
			status.ResetAt = a.resetAt
		}
	}
	return status
}

func firstIntHeader(h http.Header, names ...string) (int, bool) {
	for _, name := range names {
		if v := h.Get(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
