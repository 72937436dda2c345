// Heron - Circulation policy engine.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/heron/internal/api"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/clients"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/duedate"
	"github.com/opensource-finance/heron/internal/overdue"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/resolver"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration
	cfg, err := domain.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "heron: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	// Log startup
	slog.Info("starting heron",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"timezone", cfg.Circulation.TimeZone,
		"tracing", cfg.Tracing.Enabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Policy bodies come from the local store unless a policy storage
	// service is configured. Both go through the cache.
	var origin resolver.PolicySource = resolver.RepositorySource{Repo: repo}
	if url := cfg.Clients.PolicyStorageURL; url != "" {
		origin = clients.NewPolicyStorage(url, cfg.Clients.Timeout)
		slog.Info("using remote policy storage", "url", url)
	}
	source := resolver.NewCachedSource(origin, cacheImpl, cfg.Cache.PolicyTTL)
	var applier resolver.RuleApplier = resolver.EngineApplier{Engine: engine}
	if url := cfg.Clients.RulesURL; url != "" {
		applier = clients.NewRules(url, cfg.Clients.Timeout)
		slog.Info("using remote circulation rules", "url", url)
	}

	deps := api.Dependencies{
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Engine:   engine,
		Resolver: resolver.New(applier, source),
		Source:   source,
		Index:    source,
		NodeID:   uuid.New().String(),
	}
	if url := cfg.Clients.InventoryURL; url != "" {
		deps.Items = clients.NewInventory(url, cfg.Clients.Timeout)
	}
	if url := cfg.Clients.UsersURL; url != "" {
		deps.Users = clients.NewUsers(url, cfg.Clients.Timeout)
	}

	loc, err := cfg.Circulation.Location()
	if err != nil {
		slog.Error("invalid circulation settings", "error", err)
		os.Exit(1)
	}
	deps.DueDates = duedate.NewCalculator(loc)

	var calendar overdue.OpeningDaysSource = overdue.NewStaticOpeningDays()
	if url := cfg.Clients.CalendarURL; url != "" {
		calendar = clients.NewCalendar(url, cfg.Clients.Timeout)
	}
	deps.Overdue = overdue.NewCalculator(calendar, loc)

	// Keep rule tables and cached policies in step with the other nodes
	syncWorker := worker.NewWorker(busImpl, repo, engine, source, deps.NodeID)
	loaded, err := syncWorker.LoadStoredRules(ctx)
	if err != nil {
		slog.Error("failed to load circulation rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "tenants", loaded)

	if err := syncWorker.Start(); err != nil {
		slog.Error("failed to start sync worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, deps, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("heron is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"node_id", deps.NodeID,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the worker first
	if err := syncWorker.Stop(); err != nil {
		slog.Error("failed to stop sync worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("heron shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  HERON  circulation policy engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /circulation/rules              - Get the rule table")
	fmt.Println("    PUT  /circulation/rules              - Replace the rule table")
	fmt.Println("    GET  /circulation/rules/apply        - Match every policy kind")
	fmt.Println("    GET  /circulation/rules/{kind}-policy - Match one policy kind")
	fmt.Println("    POST /policies/{kind}                - Store a policy")
	fmt.Println("    POST /fixed-due-date-schedules       - Store a schedule")
	fmt.Println("    POST /loans/due-date                 - Compute a due date")
	fmt.Println("    POST /loans/overdue                  - Compute overdue minutes and fine")
	fmt.Println("    POST /loans/policies                 - Resolve policies for loans")
	fmt.Println("    GET  /health                         - Health check")
	fmt.Println()
}
