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

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"strings"
	"testing"
)

func captureOutput(fn func()) string {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer log.SetOutput(os.Stderr)
	fn()
	return buf.String()
}

func TestLoggerEmitsStructuredJSON(t *testing.T) {
	l := New("test-component")

	out := captureOutput(func() {
		l.Info("org1", "req-1", "something happened", map[string]interface{}{"count": 3})
	})

	line := strings.TrimSpace(out)
	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, line)
	}

	if entry.Level != INFO {
		t.Errorf("Level = %s, want INFO", entry.Level)
	}
	if entry.Component != "test-component" {
		t.Errorf("Component = %s", entry.Component)
	}
	if entry.OrgID != "org1" || entry.RequestID != "req-1" {
		t.Errorf("tenant fields = %s/%s", entry.OrgID, entry.RequestID)
	}
	if entry.Message != "something happened" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Fields["count"] != float64(3) {
		t.Errorf("Fields = %v", entry.Fields)
	}
}

func TestLoggerHelpers(t *testing.T) {
	l := New("helper-test")

	t.Run("duration field", func(t *testing.T) {
		out := captureOutput(func() {
			l.InfoWithDuration("org1", "r", "done", 12.5, nil)
		})
		if !strings.Contains(out, "\"duration_ms\":12.5") {
			t.Errorf("missing duration_ms: %s", out)
		}
	})

	t.Run("error with code", func(t *testing.T) {
		out := captureOutput(func() {
			l.ErrorWithCode("org1", "r", "failed", 502, nil, nil)
		})
		if !strings.Contains(out, "\"status_code\":502") {
			t.Errorf("missing status_code: %s", out)
		}
		if !strings.Contains(out, "\"level\":\"ERROR\"") {
			t.Errorf("missing ERROR level: %s", out)
		}
	})
}
