// Package pipeline runs a transaction through signal collection, the optional
// model and the scoring engine, then records and publishes the result.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// DefaultModelTimeout bounds a model prediction when none is configured.
const DefaultModelTimeout = 200 * time.Millisecond

var tracer = otel.Tracer("kestrel-pipeline")

// Collector supplies historical signals for a transaction.
type Collector interface {
	Collect(ctx context.Context, tenantID string, tx *domain.Transaction) domain.Signals
	Invalidate(ctx context.Context, tenantID, accountID string)
}

// Config tunes a Processor.
type Config struct {
	ModelTimeout  time.Duration
	EngineVersion string
	Logger        *slog.Logger
}

// Processor assesses transactions end to end. Every collaborator except
// the provider may be nil.
type Processor struct {
	provider  *scoring.Provider
	collector Collector
	model     domain.ModelClient
	repo      domain.Repository
	bus       domain.EventBus
	cfg       Config
	logger    *slog.Logger
}

// NewProcessor creates a processor.
func NewProcessor(provider *scoring.Provider, collector Collector, mdl domain.ModelClient, repo domain.Repository, bus domain.EventBus, cfg Config) *Processor {
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	if cfg.EngineVersion == "" {
		cfg.EngineVersion = "kestrel"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if mdl == nil {
		mdl = model.Disabled{}
	}
	return &Processor{
		provider:  provider,
		collector: collector,
		model:     mdl,
		repo:      repo,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
	}
}

type traceIDKey struct{}

// WithTraceID attaches a request trace ID that Process records in the
// evaluation metadata when no span is active.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// Process validates, scores, persists and publishes one transaction.
// Only an invalid transaction is an error; storage and publishing failures
// are logged and the evaluation is still returned.
func (p *Processor) Process(ctx context.Context, tenantID string, tx *domain.Transaction) (*domain.Evaluation, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.Process",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	if tx == nil {
		return nil, domain.NewValidationError("transaction", "is required")
	}
	tx.Normalize()
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	tx.TenantID = tenantID
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if err := tx.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("tx.id", tx.ID))

	// One engine for the whole request, even if a reload lands mid-flight.
	engine := p.provider.Engine()

	signalsStart := time.Now()
	var sig domain.Signals
	if p.collector != nil {
		sig = p.collector.Collect(ctx, tenantID, tx)
	}
	signalsDur := time.Since(signalsStart)
	metrics.StageDuration.WithLabelValues("signals").Observe(signalsDur.Seconds())

	modelStart := time.Now()
	modelVersion := p.predict(ctx, tx, &sig)
	modelDur := time.Since(modelStart)
	metrics.StageDuration.WithLabelValues("model").Observe(modelDur.Seconds())

	scoringStart := time.Now()
	assessment, err := engine.Assess(tx, sig)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	scoringDur := time.Since(scoringStart)
	metrics.StageDuration.WithLabelValues("scoring").Observe(scoringDur.Seconds())

	eval := &domain.Evaluation{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		TxID:       tx.ID,
		Timestamp:  time.Now().UTC(),
		Assessment: *assessment,
		Metadata: domain.EvaluationMetadata{
			TraceID:        traceID(ctx, span),
			SignalsMs:      signalsDur.Milliseconds(),
			ModelMs:        modelDur.Milliseconds(),
			ScoringMs:      scoringDur.Milliseconds(),
			RulesEvaluated: len(assessment.Breakdown),
			EngineVersion:  p.cfg.EngineVersion,
			ConfigVersion:  engine.Version(),
		},
	}
	if assessment.Mode == domain.ModeRulesAndModel {
		eval.Metadata.ModelVersion = modelVersion
	}

	p.persist(ctx, tenantID, tx, eval)
	p.publish(ctx, tenantID, eval)

	eval.Metadata.TotalMs = time.Since(start).Milliseconds()
	p.record(assessment)

	span.SetAttributes(
		attribute.Float64("assessment.score", assessment.OverallScore),
		attribute.String("assessment.recommendation", string(assessment.Recommendation)),
	)

	p.logger.Info("transaction assessed",
		"tx_id", tx.ID,
		"tenant_id", tenantID,
		"evaluation_id", eval.ID,
		"score", assessment.OverallScore,
		"risk_level", assessment.RiskLevel,
		"recommendation", assessment.Recommendation,
		"mode", assessment.Mode,
		"duration_ms", eval.Metadata.TotalMs,
	)

	return eval, nil
}

// ScoreOnly scores tx against caller-supplied signals with the live engine.
// Nothing is persisted or published.
func (p *Processor) ScoreOnly(tx *domain.Transaction, sig domain.Signals) (*domain.RiskAssessment, error) {
	if tx == nil {
		return nil, domain.NewValidationError("transaction", "is required")
	}
	tx.Normalize()
	return p.provider.Engine().Assess(tx, sig)
}

// Provider returns the engine provider the processor scores with.
func (p *Processor) Provider() *scoring.Provider {
	return p.provider
}

// predict fills sig.ModelProbability when the model answers in time and
// returns the model version used.
func (p *Processor) predict(ctx context.Context, tx *domain.Transaction, sig *domain.Signals) string {
	mctx, cancel := context.WithTimeout(ctx, p.cfg.ModelTimeout)
	defer cancel()

	prob, err := p.model.Predict(mctx, tx, *sig)
	switch {
	case err == nil:
		sig.ModelProbability = &prob
		return p.model.Version()
	case errors.Is(err, model.ErrUnavailable):
	case errors.Is(err, context.DeadlineExceeded):
		metrics.ModelFailuresTotal.WithLabelValues("timeout").Inc()
		p.logger.Warn("model prediction timed out, scoring with rules only",
			"tx_id", tx.ID, "timeout_ms", p.cfg.ModelTimeout.Milliseconds())
	default:
		metrics.ModelFailuresTotal.WithLabelValues("error").Inc()
		p.logger.Warn("model prediction failed, scoring with rules only",
			"tx_id", tx.ID, "error", err)
	}
	return ""
}

func (p *Processor) persist(ctx context.Context, tenantID string, tx *domain.Transaction, eval *domain.Evaluation) {
	if p.repo == nil {
		return
	}
	if err := p.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
		p.logger.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
	} else if p.collector != nil {
		p.collector.Invalidate(ctx, tenantID, tx.AccountID)
	}
	if err := p.repo.SaveEvaluation(ctx, tenantID, eval); err != nil {
		p.logger.Error("failed to save evaluation", "tx_id", tx.ID, "evaluation_id", eval.ID, "error", err)
	}
}

func (p *Processor) publish(ctx context.Context, tenantID string, eval *domain.Evaluation) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(eval)
	if err != nil {
		p.logger.Error("failed to encode evaluation", "evaluation_id", eval.ID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, tenantID, domain.TopicAssessment, payload); err != nil {
		p.logger.Error("failed to publish assessment", "tx_id", eval.TxID, "error", err)
	}
	if eval.Assessment.Actionable() {
		if err := p.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
			p.logger.Error("failed to publish alert", "tx_id", eval.TxID, "error", err)
		}
	}
}

func (p *Processor) record(a *domain.RiskAssessment) {
	metrics.AssessmentsTotal.WithLabelValues(string(a.Recommendation), string(a.RiskLevel), string(a.Mode)).Inc()
	metrics.AssessmentScore.Observe(a.OverallScore)
	for _, name := range a.UnavailableSignals {
		metrics.SignalsUnavailableTotal.WithLabelValues(name).Inc()
	}
}

func traceID(ctx context.Context, span trace.Span) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok && id != "" {
		return id
	}
	if sc := span.SpanContext(); sc.TraceID().IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// Reasons lists the descriptions of the factors that drove an assessment,
// highest contribution first.
func Reasons(a *domain.RiskAssessment) []string {
	reasons := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		if f.Description != "" {
			reasons = append(reasons, f.Description)
		}
	}
	return reasons
}
