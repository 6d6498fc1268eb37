package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleEvaluation(id, tenantID string, rec domain.Recommendation) *domain.Evaluation {
	return &domain.Evaluation{
		ID:        id,
		TenantID:  tenantID,
		TxID:      "tx-" + id,
		Timestamp: time.Now().UTC(),
		Assessment: domain.RiskAssessment{
			OverallScore:   0.93,
			RiskLevel:      domain.RiskCritical,
			Recommendation: rec,
			Mode:           domain.ModeRulesOnly,
			Factors: []domain.RiskFactor{
				{Name: "amount_anomaly", Description: "amount 5000 exceeds high-amount boundary 1000", Contribution: 0.24, Triggered: true},
				{Name: "velocity", Description: "transactions: 12 in last hour (limit 5)", Contribution: 0.2, Triggered: true},
			},
		},
	}
}

// waitForAlerts polls until the tenant has want alerts or the deadline passes.
func waitForAlerts(t *testing.T, repo domain.Repository, tenantID string, want int) []*domain.Alert {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		alerts, err := repo.ListAlerts(context.Background(), tenantID, "")
		if err != nil {
			t.Fatalf("ListAlerts failed: %v", err)
		}
		if len(alerts) >= want || time.Now().After(deadline) {
			return alerts
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, newTestRepo(t), nil)

		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicAlert {
			t.Errorf("expected topic %s, got %s", domain.TopicAlert, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("RequiresRepository", func(t *testing.T) {
		w := NewWorker(eventBus, nil, nil)
		if err := w.Start(Config{}); err == nil {
			t.Error("expected error without a repository")
		}
	})

	t.Run("OpensAlertFromMessage", func(t *testing.T) {
		repo := newTestRepo(t)
		w := NewWorker(eventBus, repo, nil)
		if err := w.Start(Config{TenantIDs: []string{"tenant-alert"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		payload, _ := json.Marshal(sampleEvaluation("eval-001", "tenant-alert", domain.RecommendBlock))
		if err := eventBus.Publish(context.Background(), "tenant-alert", domain.TopicAlert, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		alerts := waitForAlerts(t, repo, "tenant-alert", 1)
		if len(alerts) != 1 {
			t.Fatalf("expected 1 alert, got %d", len(alerts))
		}
		a := alerts[0]
		if a.Status != domain.AlertActive {
			t.Errorf("expected ACTIVE, got %s", a.Status)
		}
		if a.EvaluationID != "eval-001" || a.TxID != "tx-eval-001" {
			t.Errorf("unexpected alert linkage: %+v", a)
		}
		if a.Severity != domain.RiskCritical {
			t.Errorf("expected CRITICAL severity, got %s", a.Severity)
		}
		if len(a.TriggeredRules) != 2 || a.TriggeredRules[0] != "amount_anomaly" {
			t.Errorf("unexpected triggered rules: %v", a.TriggeredRules)
		}
	})

	t.Run("AllTenants", func(t *testing.T) {
		repo := newTestRepo(t)
		w := NewWorker(eventBus, repo, nil)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		for _, tenant := range []string{"tenant-a", "tenant-b"} {
			payload, _ := json.Marshal(sampleEvaluation("eval-"+tenant, tenant, domain.RecommendReview))
			if err := eventBus.Publish(context.Background(), tenant, domain.TopicAlert, payload); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}

		for _, tenant := range []string{"tenant-a", "tenant-b"} {
			if alerts := waitForAlerts(t, repo, tenant, 1); len(alerts) != 1 {
				t.Errorf("%s: expected 1 alert, got %d", tenant, len(alerts))
			}
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, newTestRepo(t), nil)
		if err := w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		if stats := w.GetStats(); stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

func TestOpenAlert(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	w := NewWorker(bus.NewChannelBus(10), repo, nil)

	eval := sampleEvaluation("eval-dup", "tenant-001", domain.RecommendReview)

	first, err := w.OpenAlert(ctx, "tenant-001", eval)
	if err != nil {
		t.Fatalf("OpenAlert failed: %v", err)
	}
	if first == nil {
		t.Fatal("expected an alert")
	}

	again, err := w.OpenAlert(ctx, "tenant-001", eval)
	if err != nil {
		t.Fatalf("second OpenAlert failed: %v", err)
	}
	if again != nil {
		t.Error("expected redelivery to be ignored")
	}

	approved := sampleEvaluation("eval-ok", "tenant-001", domain.RecommendApprove)
	if a, err := w.OpenAlert(ctx, "tenant-001", approved); err != nil || a != nil {
		t.Errorf("expected APPROVE to be skipped, got %v, %v", a, err)
	}

	stats := w.GetStats()
	if stats.AlertsOpened != 1 || stats.Skipped != 2 {
		t.Errorf("expected 1 opened and 2 skipped, got %+v", stats)
	}
}

func TestNewAlert(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	blocked := NewAlert("tenant-001", sampleEvaluation("eval-1", "tenant-001", domain.RecommendBlock), now)
	if blocked.Title != "Blocked transaction tx-eval-1 (score 0.93)" {
		t.Errorf("unexpected title %q", blocked.Title)
	}
	want := "amount 5000 exceeds high-amount boundary 1000; transactions: 12 in last hour (limit 5)"
	if blocked.Description != want {
		t.Errorf("unexpected description %q", blocked.Description)
	}
	if !blocked.CreatedAt.Equal(now) {
		t.Errorf("expected created at %v, got %v", now, blocked.CreatedAt)
	}

	review := NewAlert("tenant-001", sampleEvaluation("eval-2", "tenant-001", domain.RecommendReview), now)
	if review.Title != "Review transaction tx-eval-2 (score 0.93)" {
		t.Errorf("unexpected title %q", review.Title)
	}

	empty := sampleEvaluation("eval-3", "tenant-001", domain.RecommendReview)
	empty.Assessment.Factors = nil
	if a := NewAlert("tenant-001", empty, now); a.TriggeredRules == nil {
		t.Error("expected empty, non-nil triggered rules")
	}
}
