// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repository wires the terminology branching engine into an HTTP
// service.
//
// # Description
//
// New opens the BadgerDB store and builds the components bottom-up:
//
//	revision.Store -> lock.Manager -> branch.Registry -> review.Service
//	    -> merge.Engine -> merge.Runner -> Handlers
//
// Branch change notifications are streamed to websocket clients, and a
// config.Watcher republishes the lock wait policy when the config file
// changes.
//
// # Usage
//
//	cfg, err := config.Load(path)
//	svc, err := repository.New(ctx, cfg, path)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/termrepo/services/repository/branch"
	"github.com/AleutianAI/termrepo/services/repository/config"
	"github.com/AleutianAI/termrepo/services/repository/lock"
	"github.com/AleutianAI/termrepo/services/repository/merge"
	"github.com/AleutianAI/termrepo/services/repository/observability"
	"github.com/AleutianAI/termrepo/services/repository/review"
	"github.com/AleutianAI/termrepo/services/repository/revision"
	storage "github.com/AleutianAI/termrepo/services/repository/storage/badger"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the running repository server.
//
// # Thread Safety
//
// Run should be called once. Close is safe to call more than once and from
// any goroutine.
type Service interface {
	// Run serves HTTP until ctx is done, then shuts down gracefully and
	// releases every component.
	Run(ctx context.Context) error

	// Router returns the configured engine, for tests.
	Router() *gin.Engine

	// Close stops background work and closes the store without serving.
	Close(ctx context.Context) error
}

// service is the Service implementation.
type service struct {
	config     config.Config
	configPath string

	db       *storage.DB
	locks    *lock.Manager
	branches *branch.Registry
	reviews  *review.Service
	engine   *merge.Engine
	runner   *merge.Runner
	events   *eventHub
	router   *gin.Engine

	watcher     *config.Watcher
	stopWatcher context.CancelFunc
	unlisten    func()

	telemetryShutdown func(context.Context) error
	closeOnce         sync.Once
	closeErr          error
}

// =============================================================================
// Constructor
// =============================================================================

// New builds the service described by cfg.
//
// # Inputs
//
//   - ctx: Used for telemetry exporters and store initialization.
//   - cfg: A validated configuration (see config.Load).
//   - configPath: The file cfg was loaded from. When non-empty it is
//     watched for lock policy changes.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if telemetry, storage or the registry fail to start.
//     Components started before the failure are closed.
func New(ctx context.Context, cfg config.Config, configPath string) (Service, error) {
	policy, err := cfg.Locks.Policy()
	if err != nil {
		return nil, fmt.Errorf("lock policy: %w", err)
	}

	s := &service{config: cfg, configPath: configPath}

	s.telemetryShutdown, err = observability.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	storageCfg := storage.DefaultConfig()
	storageCfg.Path = cfg.Storage.Path
	storageCfg.InMemory = cfg.Storage.InMemory
	storageCfg.SyncWrites = cfg.Storage.SyncWrites
	storageCfg.GCInterval = cfg.Storage.GCInterval
	storageCfg.Logger = slog.Default().With("component", "badger")
	s.db, err = storage.Open(storageCfg)
	if err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	store, err := revision.NewStore(s.db, revision.NewLogicalClock())
	if err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to open revision store: %w", err)
	}

	s.locks = lock.NewManager(policy)
	s.branches, err = branch.NewRegistry(ctx, store, s.locks, cfg.Repository.ID)
	if err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to initialize branch registry: %w", err)
	}

	s.reviews, err = review.NewService(s.branches, cfg.Review.CacheSize)
	if err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to initialize review service: %w", err)
	}

	s.engine = merge.NewEngine(s.branches, nil, s.reviews)
	s.runner = merge.NewRunner(s.engine, merge.RunnerConfig{
		Workers:            cfg.Jobs.Workers,
		MaxStartsPerSecond: cfg.Jobs.MaxStartsPerSecond,
		Burst:              cfg.Jobs.Burst,
	})

	s.events = newEventHub()
	s.unlisten = s.branches.AddChangeListener(s.events.publish)

	if configPath != "" {
		if err := s.watchConfig(); err != nil {
			slog.Warn("Config hot reload disabled", "path", configPath, "error", err)
		}
	}

	s.initRouter()

	slog.Info("Repository service initialized",
		"repository", cfg.Repository.ID,
		"storage", storagePath(cfg.Storage),
		"lock_policy", policy.String(),
		"workers", cfg.Jobs.Workers)
	return s, nil
}

// initRouter builds the gin engine with tracing middleware.
func (s *service) initRouter() {
	if !s.config.Server.Debug && gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.UseRawPath = true
	router.UnescapePathValues = true
	router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))

	RegisterRoutes(router, NewHandlers(s.branches, s.runner, s.reviews, s.events))
	s.router = router
}

// watchConfig starts the config watcher. Reloads only change the lock wait
// policy; other sections need a restart.
func (s *service) watchConfig() error {
	if _, err := os.Stat(filepath.Dir(s.configPath)); err != nil {
		return err
	}
	w, err := config.NewWatcher(s.configPath, s.applyReload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.watcher = w
	s.stopWatcher = cancel
	go w.Start(ctx)
	return nil
}

// applyReload publishes the lock policy of a reloaded configuration.
func (s *service) applyReload(cfg config.Config) {
	policy, err := cfg.Locks.Policy()
	if err != nil {
		slog.Warn("Ignoring reloaded lock policy", "error", err)
		return
	}
	s.locks.SetDefaultPolicy(policy)
	slog.Info("Lock wait policy reloaded", "policy", policy.String())
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves on the configured port until ctx is done or the listener fails.
func (s *service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting repository server", "port", s.config.Server.Port)
		serveErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Shutting down repository server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	// Websocket streams are hijacked and not tracked by Shutdown.
	s.events.close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	return errors.Join(runErr, s.Close(shutdownCtx))
}

// Router returns the configured engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close waits for running merge jobs until ctx is done, then closes the
// store and telemetry.
func (s *service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cleanup(ctx)
	})
	return s.closeErr
}

func (s *service) cleanup(ctx context.Context) error {
	var errs []error
	if s.stopWatcher != nil {
		s.stopWatcher()
		if err := s.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop config watcher: %w", err))
		}
	}
	if s.runner != nil {
		if err := s.runner.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close merge runner: %w", err))
		}
	}
	if s.unlisten != nil {
		s.unlisten()
	}
	if s.events != nil {
		s.events.close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	if s.telemetryShutdown != nil {
		if err := s.telemetryShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *service) shutdownTimeout() time.Duration {
	if s.config.Server.ShutdownTimeout > 0 {
		return s.config.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func storagePath(cfg config.StorageConfig) string {
	if cfg.InMemory {
		return ":memory:"
	}
	return cfg.Path
}
