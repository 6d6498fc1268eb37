// Package worker opens investigation alerts from published assessments.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Worker consumes alert-worthy evaluations from the EventBus and turns each
// one into exactly one ACTIVE alert.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	opened        int64
	skipped       int64
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to watch. Empty means every tenant.
	TenantIDs []string
}

// NewWorker creates a new alert worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the alert topic for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if w.repo == nil {
		return errors.New("worker requires a repository")
	}
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.AllTenants}
	}

	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicAlert, w.handleMessage)
		if err != nil {
			w.logger.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	if w.GetStats().SubscriptionCount == 0 {
		return fmt.Errorf("worker: no subscriptions for topic %s", domain.TopicAlert)
	}

	w.logger.Info("alert worker started",
		"tenants", strings.Join(tenants, ","),
		"topic", domain.TopicAlert,
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var eval domain.Evaluation
	if err := json.Unmarshal(msg.Payload, &eval); err != nil {
		w.logger.Error("failed to parse evaluation message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	tenantID := eval.TenantID
	if tenantID == "" {
		tenantID = msg.TenantID
	}

	alert, err := w.OpenAlert(ctx, tenantID, &eval)
	if err != nil {
		w.logger.Error("failed to open alert",
			"tenant_id", tenantID,
			"evaluation_id", eval.ID,
			"error", err,
		)
		return err
	}
	if alert != nil {
		w.logger.Info("alert opened",
			"alert_id", alert.ID,
			"tenant_id", tenantID,
			"tx_id", alert.TxID,
			"severity", alert.Severity,
		)
	}
	return nil
}

// OpenAlert creates the alert for eval. It returns nil without error when
// the evaluation is not actionable or already has an alert, so redelivered
// messages are harmless.
func (w *Worker) OpenAlert(ctx context.Context, tenantID string, eval *domain.Evaluation) (*domain.Alert, error) {
	if !eval.Assessment.Actionable() {
		w.countSkipped()
		return nil, nil
	}

	if _, err := w.repo.GetAlertByEvaluation(ctx, tenantID, eval.ID); err == nil {
		w.countSkipped()
		return nil, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("lookup alert: %w", err)
	}

	alert := NewAlert(tenantID, eval, time.Now().UTC())
	if err := w.repo.SaveAlert(ctx, tenantID, alert); err != nil {
		return nil, fmt.Errorf("save alert: %w", err)
	}

	metrics.AlertsOpenedTotal.WithLabelValues(string(alert.Severity)).Inc()
	w.mu.Lock()
	w.opened++
	w.mu.Unlock()
	return alert, nil
}

func (w *Worker) countSkipped() {
	w.mu.Lock()
	w.skipped++
	w.mu.Unlock()
}

// NewAlert builds an ACTIVE alert describing eval.
func NewAlert(tenantID string, eval *domain.Evaluation, now time.Time) *domain.Alert {
	a := eval.Assessment
	verb := "Review"
	if a.Recommendation == domain.RecommendBlock {
		verb = "Blocked"
	}
	rules := a.FactorNames()
	if rules == nil {
		rules = []string{}
	}
	return &domain.Alert{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		TxID:           eval.TxID,
		EvaluationID:   eval.ID,
		Severity:       a.RiskLevel,
		Recommendation: a.Recommendation,
		Status:         domain.AlertActive,
		Title:          fmt.Sprintf("%s transaction %s (score %.2f)", verb, eval.TxID, a.OverallScore),
		Description:    strings.Join(pipeline.Reasons(&a), "; "),
		RiskScore:      a.OverallScore,
		TriggeredRules: rules,
		CreatedAt:      now,
	}
}

// Stop unsubscribes from the bus.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.logger.Info("alert worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	AlertsOpened      int64    `json:"alertsOpened"`
	Skipped           int64    `json:"skipped"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		AlertsOpened:      w.opened,
		Skipped:           w.skipped,
	}
}
