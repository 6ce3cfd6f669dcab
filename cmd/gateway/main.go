// Copyright 2026 The HostBridge Authors
//
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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hostbridge/hostbridge/internal/activity"
	"github.com/hostbridge/hostbridge/internal/apikey"
	"github.com/hostbridge/hostbridge/internal/audit"
	"github.com/hostbridge/hostbridge/internal/config"
	"github.com/hostbridge/hostbridge/internal/lifecycle"
	"github.com/hostbridge/hostbridge/internal/observability/logger"
	"github.com/hostbridge/hostbridge/internal/observability/metrics"
	"github.com/hostbridge/hostbridge/internal/observability/tracing"
	"github.com/hostbridge/hostbridge/internal/ratelimit"
	"github.com/hostbridge/hostbridge/internal/store/postgres"
	"github.com/hostbridge/hostbridge/internal/supervisor"
	"github.com/hostbridge/hostbridge/internal/tenant"
	transportHTTP "github.com/hostbridge/hostbridge/internal/transport/http"
	"github.com/hostbridge/hostbridge/internal/usage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		Component:   "gateway",
	})
	slog.Info("starting hostbridge gateway")

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			fmt.Printf("Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx := context.Background()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Component:      "gateway",
		SamplingRate:   cfg.Observability.SamplingRate,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	}
	defer tracer.Shutdown(ctx)

	// Initialize meter
	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	}
	gwMetrics, err := meter.Gateway()
	if err != nil {
		slog.Error("failed to create gateway instruments", logger.Error(err))
	}

	// Initialize database
	db, err := postgres.New(ctx, postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	// Initialize repositories
	tenantRepo := postgres.NewTenantRepository(db)
	keyRepo := postgres.NewAPIKeyRepository(db)
	usageRepo := postgres.NewUsageRepository(db)

	// Initialize helpers
	auditLogger := audit.NewSlogLogger()
	hasher := apikey.NewSecretHasher(
		cfg.Auth.Argon2Memory,
		cfg.Auth.Argon2Iterations,
		cfg.Auth.Argon2Parallelism,
		cfg.Auth.Argon2SaltLength,
		cfg.Auth.Argon2KeyLength,
	)

	// Initialize services
	tenantService := tenant.NewService(tenantRepo, auditLogger)
	keyService := apikey.NewService(keyRepo, hasher, auditLogger)

	// Process supervision: either a remote supervisord or in-process.
	var runner supervisor.Runner
	if cfg.Supervisor.RemoteURL != "" {
		runner = supervisor.NewClient(cfg.Supervisor.RemoteURL, cfg.Supervisor.Secret, cfg.Supervisor.CallTimeout)
		slog.Info("using remote supervisor", logger.String("url", cfg.Supervisor.RemoteURL))
	} else {
		sup := supervisor.New(supervisor.Config{
			EngineCommand: cfg.Supervisor.EngineCommand,
			DataRoot:      cfg.Supervisor.DataRoot,
			StopGrace:     cfg.Supervisor.StopGrace,
		})
		defer sup.Shutdown(context.Background())
		runner = sup
	}

	ports, err := lifecycle.NewPortAllocator(tenantRepo, cfg.Lifecycle.PortMin, cfg.Lifecycle.PortMax)
	if err != nil {
		slog.Error("invalid port range", logger.Error(err))
		os.Exit(1)
	}
	orchestrator := lifecycle.New(tenantRepo, runner, ports, auditLogger)

	limiter := ratelimit.NewLimiter(cfg.RateLimit.SweepInterval)
	defer limiter.Close()

	tracker := activity.NewTracker(tenantRepo, cfg.Lifecycle.ActivityDebounce)
	recorder := usage.NewRecorder(usageRepo)
	ipLimiter := transportHTTP.NewIPRateLimiter(cfg.RateLimit.ManagementRPS, cfg.RateLimit.ManagementBurst)

	// Initialize HTTP handler
	handler := transportHTTP.NewHandler(
		tenantService,
		keyService,
		limiter,
		orchestrator,
		runner,
		tracker,
		recorder,
		transportHTTP.GatewayConfig{
			BaseDomain:    cfg.Server.BaseDomain,
			JWTSecret:     cfg.Auth.JWTSecret,
			KeyLimit:      cfg.RateLimit.KeyLimit,
			KeyWindow:     cfg.RateLimit.KeyWindow,
			CallTimeout:   cfg.Proxy.CallTimeout,
			RotationGrace: cfg.Lifecycle.RotationGracePeriod,
			Retry:         transportHTTP.NewRetryPolicy(cfg.Proxy.MaxAttempts, cfg.Proxy.RetryDelayUnit),
		},
	)

	router := transportHTTP.NewRouter(handler, ipLimiter)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Idle sweep: the only spontaneous stopper of tenants.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Lifecycle.IdleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepDone:
				return
			case <-ticker.C:
				swept := orchestrator.SweepIdle(ctx, cfg.Lifecycle.IdleThreshold)
				if swept > 0 && gwMetrics != nil {
					gwMetrics.TenantsIdleSwept.Add(ctx, int64(swept))
				}
			}
		}
	}()

	// Start server
	go func() {
		slog.Info("starting http server", logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gateway")
	close(sweepDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}
	tracker.Flush()

	slog.Info("gateway stopped")
}

func runMigrate(cfg *config.Config) error {
	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Applying initial schema...")
	if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
		return err
	}
	fmt.Println("Migration successful.")
	return nil
}
