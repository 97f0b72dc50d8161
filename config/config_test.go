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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("AUDIT_INTEGRATION_KEY", "audit-key")
	t.Setenv("MODELGATE_CONFIG", "")
	t.Setenv("PORT", "")
	t.Setenv("BIND_ADDR", "")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.RequestTimeout != 60*time.Second {
		t.Errorf("RequestTimeout = %v, want 60s", cfg.RequestTimeout)
	}
	if cfg.BreakerThreshold != 5 {
		t.Errorf("BreakerThreshold = %d, want 5", cfg.BreakerThreshold)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

func TestLoadMissingSecrets(t *testing.T) {
	t.Run("missing jwt secret is a config error", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		t.Setenv("AUDIT_INTEGRATION_KEY", "k")
		t.Setenv("MODELGATE_CONFIG", "")
		if _, err := Load(); err == nil {
			t.Error("Load() should fail without JWT_SECRET")
		}
	})

	t.Run("missing audit key has its own sentinel", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "jwt")
		t.Setenv("AUDIT_INTEGRATION_KEY", "")
		t.Setenv("MODELGATE_CONFIG", "")
		_, err := Load()
		if !errors.Is(err, ErrMissingAuditKey) {
			t.Errorf("Load() error = %v, want ErrMissingAuditKey", err)
		}
	})
}

func TestLoadYAMLLayering(t *testing.T) {
	setBaseEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "port: \"9999\"\ntenant_quota_per_minute: 42\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("MODELGATE_CONFIG", path)

	t.Run("yaml values apply", func(t *testing.T) {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Port != "9999" {
			t.Errorf("Port = %q, want 9999 from yaml", cfg.Port)
		}
		if cfg.TenantQuotaPerMin != 42 {
			t.Errorf("TenantQuotaPerMin = %d, want 42", cfg.TenantQuotaPerMin)
		}
	})

	t.Run("env wins over yaml", func(t *testing.T) {
		t.Setenv("PORT", "7000")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Port != "7000" {
			t.Errorf("Port = %q, want env override 7000", cfg.Port)
		}
	})

	t.Run("bad yaml is a config error", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		_ = os.WriteFile(bad, []byte("port: [unclosed"), 0o600)
		t.Setenv("MODELGATE_CONFIG", bad)
		if _, err := Load(); err == nil {
			t.Error("Load() should fail on malformed yaml")
		}
	})
}
