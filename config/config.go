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

// Package config loads gateway configuration from the environment, an
// optional YAML file, and AWS Secrets Manager for secret-ref values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Exit codes per the operational contract.
const (
	ExitOK          = 0
	ExitConfigError = 1
	ExitNoAuditKey  = 2
	ExitBindFailure = 3
)

// ErrMissingAuditKey distinguishes the missing-audit-key startup failure
// (exit code 2) from generic config errors (exit code 1).
var ErrMissingAuditKey = errors.New("AUDIT_INTEGRATION_KEY is required")

// Config is the gateway's full runtime configuration.
type Config struct {
	BindAddr string `yaml:"bind_addr"`
	Port     string `yaml:"port"`

	JWTSecret           string `yaml:"jwt_secret"`
	AuditIntegrationKey string `yaml:"audit_integration_key"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	// Provider credentials
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
	CohereAPIKey    string `yaml:"cohere_api_key"`
	AzureAPIKey     string `yaml:"azure_api_key"`
	AzureEndpoint   string `yaml:"azure_endpoint"`
	AzureDeployment string `yaml:"azure_deployment"`
	BedrockRegion   string `yaml:"bedrock_region"`

	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingAPIKey   string `yaml:"embedding_api_key"`

	// Pipeline tuning
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	BreakerThreshold   int           `yaml:"breaker_threshold"`
	BreakerResetPeriod time.Duration `yaml:"breaker_reset_period"`
	TenantQuotaPerMin  int           `yaml:"tenant_quota_per_minute"`

	// Plugin sandbox
	SandboxInterpreter string `yaml:"sandbox_interpreter"`
	SandboxWorkDir     string `yaml:"sandbox_work_dir"`
}

// getEnv returns the env value or a fallback.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// Load builds the configuration from the environment, layering an optional
// YAML file named by MODELGATE_CONFIG underneath (env wins). Secret-ref
// values ("secret_arn:...") are resolved through AWS Secrets Manager.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("MODELGATE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.BindAddr = getEnv("BIND_ADDR", orDefault(cfg.BindAddr, "0.0.0.0"))
	cfg.Port = getEnv("PORT", orDefault(cfg.Port, "8080"))
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.AuditIntegrationKey = getEnv("AUDIT_INTEGRATION_KEY", cfg.AuditIntegrationKey)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)

	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.CohereAPIKey = getEnv("COHERE_API_KEY", cfg.CohereAPIKey)
	cfg.AzureAPIKey = getEnv("AZURE_OPENAI_API_KEY", cfg.AzureAPIKey)
	cfg.AzureEndpoint = getEnv("AZURE_OPENAI_ENDPOINT", cfg.AzureEndpoint)
	cfg.AzureDeployment = getEnv("AZURE_OPENAI_DEPLOYMENT", cfg.AzureDeployment)
	cfg.BedrockRegion = getEnv("BEDROCK_REGION", cfg.BedrockRegion)

	cfg.EmbeddingProvider = getEnv("EMBEDDING_PROVIDER", orDefault(cfg.EmbeddingProvider, "openai"))
	cfg.EmbeddingAPIKey = getEnv("EMBEDDING_API_KEY", orDefault(cfg.EmbeddingAPIKey, cfg.OpenAIAPIKey))

	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", orDefaultDur(cfg.RequestTimeout, 60*time.Second))
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", orDefaultDur(cfg.CacheTTL, time.Hour))
	cfg.BreakerThreshold = getEnvInt("BREAKER_THRESHOLD", orDefaultInt(cfg.BreakerThreshold, 5))
	cfg.BreakerResetPeriod = getEnvDuration("BREAKER_RESET_PERIOD", orDefaultDur(cfg.BreakerResetPeriod, 30*time.Second))
	cfg.TenantQuotaPerMin = getEnvInt("TENANT_QUOTA_PER_MINUTE", orDefaultInt(cfg.TenantQuotaPerMin, 300))

	cfg.SandboxInterpreter = getEnv("SANDBOX_INTERPRETER", orDefault(cfg.SandboxInterpreter, "node"))
	cfg.SandboxWorkDir = getEnv("SANDBOX_WORK_DIR", cfg.SandboxWorkDir)

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.AuditIntegrationKey == "" {
		return nil, ErrMissingAuditKey
	}
	return cfg, nil
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orDefaultInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func orDefaultDur(v, fallback time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return fallback
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.BindAddr + ":" + c.Port
}
