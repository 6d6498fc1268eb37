package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/signals"
)

const tenantID = "tenant-001"

type fixture struct {
	repo      *repository.SQLRepository
	bus       *bus.ChannelBus
	provider  *scoring.Provider
	collector *signals.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "pipeline.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	engine, err := scoring.New(domain.DefaultEngineConfig(), 1)
	require.NoError(t, err)

	lru := cache.NewLRUCache(100)
	collector := signals.NewService(repo, lru, domain.SignalsConfig{LookbackDays: 90, MinHistory: 3, ProfileTTLSeconds: 60}, nil)

	return &fixture{repo: repo, bus: b, provider: scoring.NewProvider(engine), collector: collector}
}

func (f *fixture) processor(m domain.ModelClient, timeout time.Duration) *pipeline.Processor {
	return pipeline.NewProcessor(f.provider, f.collector, m, f.repo, f.bus, pipeline.Config{
		ModelTimeout:  timeout,
		EngineVersion: "kestrel-test",
	})
}

func benignTx() *domain.Transaction {
	return &domain.Transaction{
		ID:        "tx-benign",
		AccountID: "acc-001",
		Amount:    decimal.RequireFromString("42.10"),
		Currency:  "eur",
		Timestamp: time.Date(2026, 5, 4, 11, 12, 13, 0, time.UTC),
		Merchant:  domain.Merchant{Name: "Cafe", Category: "Restaurants", RiskScore: 0.05},
		Location:  domain.Location{Country: "ie", City: "Cork"},
		Card:      domain.Card{Last4: "1111", Issuer: "AIB", Network: "visa"},
	}
}

func fraudTx() *domain.Transaction {
	return &domain.Transaction{
		ID:        "tx-fraud",
		AccountID: "acc-002",
		Amount:    decimal.NewFromInt(9000),
		Currency:  "EUR",
		Timestamp: time.Date(2026, 5, 4, 3, 7, 0, 0, time.UTC),
		Merchant:  domain.Merchant{Name: "Crypto Exchange", Category: "crypto", RiskScore: 0.95},
		Location:  domain.Location{Country: "KP"},
		Card:      domain.Card{Last4: "2222", Issuer: "AIB", Network: "visa"},
	}
}

// seedHistory stores n earlier transactions for the account inside the hour
// before tx.
func seedHistory(t *testing.T, repo domain.Repository, tx *domain.Transaction, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		prior := *tx
		prior.ID = fmt.Sprintf("%s-prior-%d", tx.ID, i)
		prior.Timestamp = tx.Timestamp.Add(-time.Duration(i) * 3 * time.Minute)
		prior.CreatedAt = prior.Timestamp
		prior.TenantID = tenantID
		require.NoError(t, repo.SaveTransaction(context.Background(), tenantID, &prior))
	}
}

type fixedModel struct {
	p   float64
	err error
}

func (m fixedModel) Predict(context.Context, *domain.Transaction, domain.Signals) (float64, error) {
	return m.p, m.err
}
func (m fixedModel) Version() string { return "fixed-1" }

type slowModel struct{}

func (slowModel) Predict(ctx context.Context, _ *domain.Transaction, _ domain.Signals) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(5 * time.Second):
		return 0.99, nil
	}
}
func (slowModel) Version() string { return "slow-1" }

func TestProcessPersistsAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		mu          sync.Mutex
		assessments []*domain.Message
		alerts      []*domain.Message
	)
	_, err := f.bus.Subscribe(ctx, tenantID, domain.TopicAssessment, func(_ context.Context, msg *domain.Message) error {
		mu.Lock()
		defer mu.Unlock()
		assessments = append(assessments, msg)
		return nil
	})
	require.NoError(t, err)
	_, err = f.bus.Subscribe(ctx, tenantID, domain.TopicAlert, func(_ context.Context, msg *domain.Message) error {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, msg)
		return nil
	})
	require.NoError(t, err)

	p := f.processor(nil, 0)
	fraud := fraudTx()
	seedHistory(t, f.repo, fraud, 12)

	eval, err := p.Process(ctx, tenantID, benignTx())
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendApprove, eval.Assessment.Recommendation)
	assert.Equal(t, "kestrel-test", eval.Metadata.EngineVersion)
	assert.Equal(t, 1, eval.Metadata.ConfigVersion)
	assert.Equal(t, 6, eval.Metadata.RulesEvaluated)

	stored, err := f.repo.GetEvaluation(ctx, tenantID, eval.ID)
	require.NoError(t, err)
	assert.Equal(t, eval.Assessment.OverallScore, stored.Assessment.OverallScore)

	tx, err := f.repo.GetTransaction(ctx, tenantID, "tx-benign")
	require.NoError(t, err)
	assert.Equal(t, "EUR", tx.Currency)
	assert.Equal(t, "restaurants", tx.Merchant.Category)

	flagged, err := p.Process(ctx, tenantID, fraud)
	require.NoError(t, err)
	assert.True(t, flagged.Assessment.Actionable())
	assert.Equal(t, "velocity", flagged.Assessment.Factors[1].Name)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(assessments) == 2 && len(alerts) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestProcessRejectsInvalidTransaction(t *testing.T) {
	f := newFixture(t)
	p := f.processor(nil, 0)

	tx := benignTx()
	tx.Amount = decimal.Zero
	_, err := p.Process(context.Background(), tenantID, tx)
	require.ErrorIs(t, err, domain.ErrInvalidTransaction)

	_, err = f.repo.GetTransaction(context.Background(), tenantID, tx.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = p.Process(context.Background(), tenantID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
}

func TestProcessAssignsMissingID(t *testing.T) {
	f := newFixture(t)
	tx := benignTx()
	tx.ID = ""

	eval, err := f.processor(nil, 0).Process(context.Background(), tenantID, tx)
	require.NoError(t, err)
	assert.NotEmpty(t, eval.TxID)
	assert.Equal(t, eval.TxID, tx.ID)
}

func TestModelBlending(t *testing.T) {
	ctx := context.Background()

	t.Run("model answers", func(t *testing.T) {
		f := newFixture(t)
		eval, err := f.processor(fixedModel{p: 0.8}, 0).Process(ctx, tenantID, benignTx())
		require.NoError(t, err)
		a := eval.Assessment
		assert.Equal(t, domain.ModeRulesAndModel, a.Mode)
		assert.Equal(t, "fixed-1", eval.Metadata.ModelVersion)
		assert.InDelta(t, 0.6*a.RuleScore+0.4*0.8, a.OverallScore, 1e-12)
	})

	t.Run("model error falls back to rules", func(t *testing.T) {
		f := newFixture(t)
		eval, err := f.processor(fixedModel{err: errors.New("connection refused")}, 0).Process(ctx, tenantID, benignTx())
		require.NoError(t, err)
		assert.Equal(t, domain.ModeRulesOnly, eval.Assessment.Mode)
		assert.Nil(t, eval.Assessment.ModelProbability)
		assert.Empty(t, eval.Metadata.ModelVersion)
	})

	t.Run("model timeout falls back to rules", func(t *testing.T) {
		f := newFixture(t)
		start := time.Now()
		eval, err := f.processor(slowModel{}, 20*time.Millisecond).Process(ctx, tenantID, benignTx())
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, domain.ModeRulesOnly, eval.Assessment.Mode)
		assert.Contains(t, eval.Assessment.UnavailableSignals, domain.SignalModelProbability)
	})
}

func TestScoreOnlyHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	p := f.processor(nil, 0)

	a, err := p.ScoreOnly(fraudTx(), domain.Signals{
		Velocity1h:  domain.IntPtr(12),
		Velocity24h: domain.IntPtr(12),
		AccountMean: domain.FloatPtr(100),
		AccountStd:  domain.FloatPtr(10),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendBlock, a.Recommendation)

	_, err = f.repo.GetTransaction(context.Background(), tenantID, "tx-fraud")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProcessUsesReloadedEngine(t *testing.T) {
	f := newFixture(t)
	p := f.processor(nil, 0)

	cfg := domain.DefaultEngineConfig()
	cfg.Decision = domain.DecisionConfig{FraudThreshold: 0.05, HighRiskThreshold: 0.99}
	_, err := f.provider.Reload(cfg, 2)
	require.NoError(t, err)

	eval, err := p.Process(context.Background(), tenantID, benignTx())
	require.NoError(t, err)
	assert.Equal(t, 2, eval.Metadata.ConfigVersion)
	assert.Equal(t, domain.RecommendReview, eval.Assessment.Recommendation)
}

func TestVelocityBuildsFromHistory(t *testing.T) {
	f := newFixture(t)
	p := f.processor(nil, 0)
	ctx := context.Background()

	base := time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		tx := benignTx()
		tx.ID = ""
		tx.Timestamp = base.Add(time.Duration(i) * time.Minute)
		_, err := p.Process(ctx, tenantID, tx)
		require.NoError(t, err)
	}

	tx := benignTx()
	tx.ID = "tx-eighth"
	tx.Timestamp = base.Add(10 * time.Minute)
	eval, err := p.Process(ctx, tenantID, tx)
	require.NoError(t, err)

	var velocity domain.RiskFactor
	for _, factor := range eval.Assessment.Breakdown {
		if factor.Name == "velocity" {
			velocity = factor
		}
	}
	assert.False(t, velocity.Unavailable)
	assert.True(t, velocity.Triggered, "7 transactions in the hour exceed the limit of 5")
	assert.NotContains(t, eval.Assessment.UnavailableSignals, domain.SignalAccountMean)
}

func TestReasons(t *testing.T) {
	a := &domain.RiskAssessment{Factors: []domain.RiskFactor{
		{Name: "amount_anomaly", Description: "amount 9000 exceeds 1000"},
		{Name: "velocity"},
	}}
	assert.Equal(t, []string{"amount 9000 exceeds 1000"}, pipeline.Reasons(a))
}
