package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/signals"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const dbStatsInterval = 15 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scoring API server",
	Long: "Starts the HTTP API. Configuration comes from KESTREL_* environment\n" +
		"variables and an optional .env file.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"model", cfg.Model.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	mdl, err := model.New(cfg.Model)
	if err != nil {
		return fmt.Errorf("failed to initialize model: %w", err)
	}

	engine, err := scoring.New(domain.DefaultEngineConfig(), 0)
	if err != nil {
		return fmt.Errorf("failed to build default engine: %w", err)
	}
	provider := scoring.NewProvider(engine)
	manager := config.NewManager(provider, repo, busImpl, logger)

	rec, err := manager.Bootstrap(ctx, cfg.EngineConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load engine config: %w", err)
	}
	slog.Info("scoring engine initialized",
		"config_version", rec.Version,
		"source", rec.Source,
		"rules_count", provider.Engine().Rules().Len(),
	)

	if cfg.EngineConfigPath != "" {
		watcher := config.NewWatcher(cfg.EngineConfigPath, manager, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				slog.Error("engine config watcher stopped", "error", err)
			}
		}()
	}

	collector := signals.NewService(repo, cacheImpl, cfg.Signals, logger)
	processor := pipeline.NewProcessor(provider, collector, mdl, repo, busImpl, pipeline.Config{
		ModelTimeout:  config.ModelTimeout(cfg),
		EngineVersion: Version,
		Logger:        logger,
	})

	var alertWorker *worker.Worker
	if cfg.AlertWorker.Enabled {
		alertWorker = worker.NewWorker(busImpl, repo, logger)
		if err := alertWorker.Start(worker.Config{TenantIDs: cfg.AlertWorker.Tenants}); err != nil {
			slog.Error("failed to start alert worker", "error", err)
			alertWorker = nil
		} else {
			slog.Info("alert worker started", "tenant_count", len(cfg.AlertWorker.Tenants))
		}
	}

	go metrics.StartDBStatsCollector(ctx, repo, dbStatsInterval)

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, processor, manager, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cmd, cfg)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		stop()
	}
	slog.Info("shutting down...")

	// Stop the worker first so no alert is half-written.
	if alertWorker != nil {
		if err := alertWorker.Stop(); err != nil {
			slog.Error("failed to stop alert worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

func printBanner(cmd *cobra.Command, cfg *domain.Config) {
	out := cmd.OutOrStdout()
	if cfg.Logging.Format != "text" {
		// Keep stdout machine readable for JSON log shippers.
		out = os.Stderr
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  KESTREL  transaction risk scoring")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Version:  %s\n", Version)
	fmt.Fprintf(out, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(out, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Endpoints:")
	fmt.Fprintln(out, "    POST /assess                     - Assess a transaction")
	fmt.Fprintln(out, "    POST /score                      - Score with supplied signals")
	fmt.Fprintln(out, "    GET  /assessments/{id}           - Get assessment by ID")
	fmt.Fprintln(out, "    GET  /transactions/{id}          - Get transaction by ID")
	fmt.Fprintln(out, "    GET  /rules                      - List live rules")
	fmt.Fprintln(out, "    GET  /config                     - Live engine config")
	fmt.Fprintln(out, "    PUT  /config                     - Replace engine config")
	fmt.Fprintln(out, "    POST /config/reload              - Reload latest stored config")
	fmt.Fprintln(out, "    GET  /alerts                     - List alerts")
	fmt.Fprintln(out, "    POST /alerts/{id}/transition     - Move an alert along its lifecycle")
	fmt.Fprintln(out, "    GET  /health  /ready  /metrics")
	fmt.Fprintln(out)
}
