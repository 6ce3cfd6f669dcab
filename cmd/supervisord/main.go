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

// supervisord runs the per-host process supervisor as a standalone
// daemon, letting the gateway manage engines on remote compute hosts
// over the shared-secret protocol.
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

	"github.com/hostbridge/hostbridge/internal/config"
	"github.com/hostbridge/hostbridge/internal/observability/logger"
	"github.com/hostbridge/hostbridge/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		Component:   "supervisord",
	})
	slog.Info("starting hostbridge supervisord")

	sup := supervisor.New(supervisor.Config{
		EngineCommand: cfg.Supervisor.EngineCommand,
		DataRoot:      cfg.Supervisor.DataRoot,
		StopGrace:     cfg.Supervisor.StopGrace,
	})

	api := supervisor.NewAPI(sup, cfg.Supervisor.Secret)
	server := &http.Server{
		Addr:         cfg.Supervisor.ListenAddr,
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("starting supervisor server", logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", cfg.Supervisor.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down supervisord")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	// Terminate every engine this host still runs.
	sup.Shutdown(shutdownCtx)

	slog.Info("supervisord stopped")
}
