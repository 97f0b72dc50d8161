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
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"modelgate/platform/alerting"
	"modelgate/platform/audit"
	"modelgate/platform/config"
	"modelgate/platform/evaluator"
	"modelgate/platform/policy"
	"modelgate/platform/provider"
	"modelgate/platform/resilience"
	"modelgate/platform/retriever"
	"modelgate/platform/store"
	"modelgate/platform/webhook"
)

// Run assembles the gateway from configuration and serves until SIGINT or
// SIGTERM. The process exit code follows the operational contract: 0 clean
// shutdown, 1 fatal config error, 2 missing audit key, 3 bind failure.
func Run() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Configuration error: %v", err)
		if errors.Is(err, config.ErrMissingAuditKey) {
			os.Exit(config.ExitNoAuditKey)
		}
		os.Exit(config.ExitConfigError)
	}

	svc, err := buildService(cfg)
	if err != nil {
		log.Printf("Startup error: %v", err)
		os.Exit(config.ExitConfigError)
	}

	router := mux.NewRouter()
	svc.Routes(router)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Bind explicitly so a bind failure gets its own exit code before the
	// server goroutine starts.
	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		log.Printf("Bind failure on %s: %v", cfg.Addr(), err)
		os.Exit(config.ExitBindFailure)
	}

	server := &http.Server{
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background tasks
	bgCtx, bgCancel := context.WithCancel(context.Background())
	go svc.Metrics.RunPruner(bgCtx)
	go svc.Alerts.Run(bgCtx)
	go svc.Providers.MonitorHealth(bgCtx, 60*time.Second)

	go func() {
		log.Printf("ModelGate gateway listening on %s", cfg.Addr())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down")
	bgCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	svc.Webhooks.Shutdown()

	os.Exit(config.ExitOK)
}

// buildService wires every collaborator from configuration.
func buildService(cfg *config.Config) (*Service, error) {
	// Persistence: Postgres when configured, then Redis, else in-memory.
	var kv store.Store
	switch {
	case cfg.DatabaseURL != "":
		pg, err := store.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		kv = pg
	case cfg.RedisURL != "":
		rs, err := store.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		kv = rs
	default:
		kv = store.NewMemoryStore()
	}

	// Vectors always live in the in-memory vector store; the external
	// vector-store collaborator slots in here when deployed with one.
	vectors := store.NewMemoryStore()

	// Providers
	registry := provider.NewRegistry()
	if cfg.OpenAIAPIKey != "" {
		p, err := provider.NewOpenAIProvider(provider.OpenAIConfig{APIKey: cfg.OpenAIAPIKey})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	}
	if cfg.AnthropicAPIKey != "" {
		p, err := provider.NewAnthropicProvider(provider.AnthropicConfig{APIKey: cfg.AnthropicAPIKey})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	}
	if cfg.GeminiAPIKey != "" {
		p, err := provider.NewGeminiProvider(provider.GeminiConfig{APIKey: cfg.GeminiAPIKey})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	}
	if cfg.CohereAPIKey != "" {
		p, err := provider.NewCohereProvider(provider.CohereConfig{APIKey: cfg.CohereAPIKey})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	}
	if cfg.AzureAPIKey != "" && cfg.AzureEndpoint != "" {
		p, err := provider.NewAzureProvider(provider.AzureConfig{
			APIKey:     cfg.AzureAPIKey,
			Endpoint:   cfg.AzureEndpoint,
			Deployment: cfg.AzureDeployment,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	}
	if cfg.BedrockRegion != "" {
		p, err := provider.NewBedrockProvider(context.Background(), provider.BedrockConfig{Region: cfg.BedrockRegion})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	}

	// Cache: Redis in production, in-memory otherwise.
	var cache resilience.ResponseCache
	if cfg.RedisURL != "" {
		rc, err := resilience.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			log.Printf("Redis cache unavailable, using in-memory cache: %v", err)
			cache = resilience.NewMemoryCache(cfg.CacheTTL)
		} else {
			cache = rc
		}
	} else {
		cache = resilience.NewMemoryCache(cfg.CacheTTL)
	}

	// Quota: Redis sliding window when available.
	var quota QuotaChecker
	if cfg.RedisURL != "" {
		if opts, err := redis.ParseURL(cfg.RedisURL); err == nil {
			quota = NewRedisQuota(redis.NewClient(opts), cfg.TenantQuotaPerMin)
		}
	}
	if quota == nil {
		quota = NewMemoryQuota(cfg.TenantQuotaPerMin)
	}

	// Retriever
	embedder, err := retriever.NewOpenAIEmbedder(retriever.OpenAIEmbedderConfig{APIKey: cfg.EmbeddingAPIKey})
	if err != nil {
		return nil, err
	}
	retrieverSvc := retriever.NewService(kv, vectors, embedder)

	// Audit
	auditSvc, err := audit.NewService(kv, []byte(cfg.AuditIntegrationKey))
	if err != nil {
		return nil, err
	}

	// Policy
	policyRepo := policy.NewRepository(kv)
	if err := policyRepo.SeedDefaults(context.Background()); err != nil {
		return nil, err
	}

	// Webhooks + alerting
	endpoints := webhook.NewEndpointRepository(kv)
	dispatcher := webhook.NewDispatcher(endpoints)
	metrics := alerting.NewMetricBuffer()
	alerts := alerting.NewEngine(kv, metrics, dispatcher)

	// Plugins
	runner := evaluator.NewSandboxRunner([]string{cfg.SandboxInterpreter}, cfg.SandboxWorkDir)
	plugins := evaluator.NewPluginRegistry(runner)

	svc := &Service{
		Auth:           NewTokenAuthenticator([]byte(cfg.JWTSecret), kv),
		Quota:          quota,
		Providers:      registry,
		Cache:          cache,
		Dedup:          resilience.NewDeduper(),
		Breakers:       resilience.NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerResetPeriod),
		Retriever:      retrieverSvc,
		Mesh:           evaluator.NewMesh(evaluator.BuiltinEvaluators()),
		Policy:         policy.NewEngine(policyRepo),
		PolicyRepo:     policyRepo,
		Audit:          auditSvc,
		Webhooks:       dispatcher,
		Endpoints:      endpoints,
		Alerts:         alerts,
		Metrics:        metrics,
		Plugins:        plugins,
		RequestTimeout: cfg.RequestTimeout,
	}
	svc.Init()
	return svc, nil
}
