// Package signals gathers the historical inputs the scoring engine needs
// from transaction history: velocity counts and the account spending baseline.
package signals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// Service collects signals for a transaction.
// A failed lookup leaves the corresponding signal unset; the engine then
// treats it as unavailable instead of failing the request.
type Service struct {
	repo   domain.Repository
	store  domain.Cache
	cfg    domain.SignalsConfig
	logger *slog.Logger
}

// NewService creates a new signals service. store may be nil.
func NewService(repo domain.Repository, store domain.Cache, cfg domain.SignalsConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 90
	}
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = 1
	}
	return &Service{repo: repo, store: store, cfg: cfg, logger: logger}
}

// Collect builds the signal bundle for tx. Windows are measured back from
// the transaction timestamp and exclude it.
func (s *Service) Collect(ctx context.Context, tenantID string, tx *domain.Transaction) domain.Signals {
	var sig domain.Signals
	if tx == nil || tx.AccountID == "" || s.repo == nil {
		return sig
	}

	if n, err := s.count(ctx, tenantID, tx, hourWindow); err == nil {
		sig.Velocity1h = &n
	} else {
		s.logger.Warn("velocity lookup failed", "window", "1h", "account_id", tx.AccountID, "error", err)
	}
	if n, err := s.count(ctx, tenantID, tx, dayWindow); err == nil {
		sig.Velocity24h = &n
	} else {
		s.logger.Warn("velocity lookup failed", "window", "24h", "account_id", tx.AccountID, "error", err)
	}

	profile, err := s.Profile(ctx, tenantID, tx)
	if err != nil {
		s.logger.Warn("profile lookup failed", "account_id", tx.AccountID, "error", err)
		return sig
	}
	if profile != nil && profile.Count >= s.cfg.MinHistory {
		mean, std := profile.Mean, profile.StdDev
		sig.AccountMean = &mean
		sig.AccountStd = &std
	}
	return sig
}

func (s *Service) count(ctx context.Context, tenantID string, tx *domain.Transaction, window time.Duration) (int, error) {
	to := tx.Timestamp.UTC()
	return s.repo.CountAccountTransactions(ctx, tenantID, tx.AccountID, to.Add(-window), to)
}

// Profile returns the account baseline over the lookback window, consulting
// the cache first. A cached baseline is reused only when it was computed for
// the same window. It returns nil when the account has no history.
func (s *Service) Profile(ctx context.Context, tenantID string, tx *domain.Transaction) (*domain.AccountProfile, error) {
	to := tx.Timestamp.UTC()
	from := to.AddDate(0, 0, -s.cfg.LookbackDays)

	if s.store != nil {
		p, err := s.store.GetProfile(ctx, tenantID, tx.AccountID)
		if err == nil && p != nil && p.WindowStart.Equal(from) && p.WindowEnd.Equal(to) {
			return p, nil
		}
	}

	p, err := s.repo.AccountAmountStats(ctx, tenantID, tx.AccountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("account stats: %w", err)
	}
	if p == nil || p.Count == 0 {
		return nil, nil
	}
	p.WindowStart, p.WindowEnd = from, to

	if s.store != nil && s.cfg.ProfileTTLSeconds > 0 {
		ttl := time.Duration(s.cfg.ProfileTTLSeconds) * time.Second
		if err := s.store.SetProfile(ctx, tenantID, p, ttl); err != nil {
			s.logger.Debug("profile cache write failed", "account_id", tx.AccountID, "error", err)
		}
	}
	return p, nil
}

// Invalidate drops the cached baseline for an account, typically after a
// new transaction has been recorded for it.
func (s *Service) Invalidate(ctx context.Context, tenantID, accountID string) {
	if s.store == nil {
		return
	}
	if err := s.store.Delete(ctx, tenantID, cache.ProfileKey(accountID)); err != nil {
		s.logger.Debug("profile cache delete failed", "account_id", accountID, "error", err)
	}
}
