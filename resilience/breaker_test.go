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
	"testing"
	"time"
)

func TestCircuitBreakerTransitions(t *testing.T) {
	t.Run("opens after threshold consecutive failures", func(t *testing.T) {
		cb := NewCircuitBreaker(5, 30*time.Second)

		for range [4]struct{}{} {
			cb.RecordFailure()
		}
		if cb.State() != CircuitClosed {
			t.Fatalf("State() = %v after 4 failures, want closed", cb.State())
		}
		cb.RecordFailure()
		if cb.State() != CircuitOpen {
			t.Fatalf("State() = %v after 5 failures, want open", cb.State())
		}
		if cb.Allow() {
			t.Error("Allow() = true while open")
		}
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(3, 30*time.Second)
		cb.RecordFailure()
		cb.RecordFailure()
		cb.RecordSuccess()
		cb.RecordFailure()
		cb.RecordFailure()
		if cb.State() != CircuitClosed {
			t.Errorf("State() = %v, want closed after interleaved success", cb.State())
		}
	})

	t.Run("half-open probe closes on success", func(t *testing.T) {
		cb := NewCircuitBreaker(1, 20*time.Millisecond)
		cb.RecordFailure()
		if cb.Allow() {
			t.Fatal("Allow() = true immediately after opening")
		}

		time.Sleep(30 * time.Millisecond)
		if !cb.Allow() {
			t.Fatal("Allow() = false after reset timeout, want half-open probe")
		}
		if cb.State() != CircuitHalfOpen {
			t.Fatalf("State() = %v, want half-open", cb.State())
		}
		// Only one probe at a time.
		if cb.Allow() {
			t.Error("Allow() = true for second concurrent probe")
		}

		cb.RecordSuccess()
		if cb.State() != CircuitClosed {
			t.Errorf("State() = %v after probe success, want closed", cb.State())
		}
		if !cb.Allow() {
			t.Error("Allow() = false after recovery")
		}
	})

	t.Run("half-open probe failure re-opens", func(t *testing.T) {
		cb := NewCircuitBreaker(1, 10*time.Millisecond)
		cb.RecordFailure()
		time.Sleep(20 * time.Millisecond)
		if !cb.Allow() {
			t.Fatal("expected half-open probe")
		}
		cb.RecordFailure()
		if cb.State() != CircuitOpen {
			t.Errorf("State() = %v after probe failure, want open", cb.State())
		}
	})

	t.Run("open-circuit rejection is fast", func(t *testing.T) {
		cb := NewCircuitBreaker(1, time.Minute)
		cb.RecordFailure()

		start := time.Now()
		for range [1000]struct{}{} {
			cb.Allow()
		}
		if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
			t.Errorf("1000 rejections took %v, want < 10ms", elapsed)
		}
	})
}

func TestBreakerSet(t *testing.T) {
	set := NewBreakerSet(2, time.Minute)

	a := set.For("openai")
	b := set.For("anthropic")
	if a == b {
		t.Fatal("distinct providers should get distinct breakers")
	}
	if set.For("openai") != a {
		t.Error("For() should return the same breaker per key")
	}

	a.RecordFailure()
	a.RecordFailure()
	states := set.States()
	if states["openai"] != "open" {
		t.Errorf("states[openai] = %q, want open", states["openai"])
	}
	if states["anthropic"] != "closed" {
		t.Errorf("states[anthropic] = %q, want closed", states["anthropic"])
	}
}
