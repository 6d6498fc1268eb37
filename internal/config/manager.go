package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Sources recorded with each engine configuration version.
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceAPI     = "api"
)

// Manager owns the lifecycle of the live engine configuration: it validates
// candidates, records each accepted one as a new version and swaps it into
// the provider. The repository and bus are optional.
type Manager struct {
	provider *scoring.Provider
	repo     domain.Repository
	bus      domain.EventBus
	logger   *slog.Logger

	mu sync.Mutex
}

// NewManager creates a manager for provider.
func NewManager(provider *scoring.Provider, repo domain.Repository, bus domain.EventBus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{provider: provider, repo: repo, bus: bus, logger: logger}
}

// Provider returns the managed engine provider.
func (m *Manager) Provider() *scoring.Provider {
	return m.provider
}

// Apply validates cfg, stores it as the next version and makes it live.
// An invalid cfg leaves the running engine untouched.
func (m *Manager) Apply(ctx context.Context, cfg *domain.EngineConfig, source string) (*domain.EngineConfigRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Compile before persisting so a bad expression never gets a version.
	if _, err := scoring.New(cfg, 0); err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues(source, "rejected").Inc()
		return nil, err
	}

	rec := &domain.EngineConfigRecord{
		Source:    source,
		Config:    cfg.Clone(),
		CreatedAt: time.Now().UTC(),
	}
	// The repository assigns versions; without one they count up in memory.
	if m.repo == nil {
		rec.Version = m.provider.Engine().Version() + 1
	} else {
		if err := m.repo.SaveEngineConfig(ctx, rec); err != nil {
			metrics.ConfigReloadsTotal.WithLabelValues(source, "error").Inc()
			return nil, fmt.Errorf("persist engine config: %w", err)
		}
	}

	if err := m.swap(ctx, rec); err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues(source, "error").Inc()
		return nil, err
	}
	metrics.ConfigReloadsTotal.WithLabelValues(source, "applied").Inc()
	return rec, nil
}

// ReloadLatest makes the newest persisted version live.
func (m *Manager) ReloadLatest(ctx context.Context) (*domain.EngineConfigRecord, error) {
	if m.repo == nil {
		return nil, errors.New("no repository configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.repo.GetLatestEngineConfig(ctx)
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("repository", "error").Inc()
		return nil, fmt.Errorf("load latest engine config: %w", err)
	}
	if err := m.swap(ctx, rec); err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("repository", "rejected").Inc()
		return nil, err
	}
	metrics.ConfigReloadsTotal.WithLabelValues("repository", "applied").Inc()
	return rec, nil
}

// Bootstrap picks the startup configuration. A file wins over the stored
// history; with neither, the stock defaults are recorded as the first
// version.
func (m *Manager) Bootstrap(ctx context.Context, path string) (*domain.EngineConfigRecord, error) {
	if path != "" {
		cfg, err := LoadEngineConfig(path)
		if err != nil {
			return nil, err
		}
		return m.Apply(ctx, cfg, SourceFile)
	}
	if m.repo != nil {
		rec, err := m.ReloadLatest(ctx)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return m.Apply(ctx, domain.DefaultEngineConfig(), SourceDefault)
}

func (m *Manager) swap(ctx context.Context, rec *domain.EngineConfigRecord) error {
	engine, err := m.provider.Reload(rec.Config, rec.Version)
	if err != nil {
		return err
	}
	metrics.EngineConfigVersion.Set(float64(engine.Version()))
	m.logger.Info("engine configuration applied",
		"version", rec.Version,
		"source", rec.Source,
		"rules", engine.Rules().Len(),
		"weights_normalized", rec.Config.WeightsNormalized(),
	)
	m.announce(ctx, rec)
	return nil
}

func (m *Manager) announce(ctx context.Context, rec *domain.EngineConfigRecord) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		m.logger.Error("failed to encode engine config", "version", rec.Version, "error", err)
		return
	}
	if err := m.bus.Publish(ctx, domain.SystemTenant, domain.TopicConfig, payload); err != nil {
		m.logger.Warn("failed to publish engine config change", "version", rec.Version, "error", err)
	}
}
