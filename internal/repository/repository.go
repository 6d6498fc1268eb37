// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var _ domain.Repository = (*SQLRepository)(nil)

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const transactionColumns = `
	id, tenant_id, account_id, amount, currency, timestamp, created_at,
	merchant_id, merchant_name, merchant_category, merchant_risk_score,
	country, city, latitude, longitude, ip_address,
	card_last4, card_issuer, card_network, description`

// SaveTransaction stores a transaction with tenant isolation. Saving the
// same transaction ID twice keeps the first copy.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `, occurred_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.AccountID,
		tx.Amount.String(), tx.Currency,
		tx.Timestamp.UTC(), createdAt.UTC(),
		tx.Merchant.ID, tx.Merchant.Name, tx.Merchant.Category, tx.Merchant.RiskScore,
		tx.Location.Country, tx.Location.City,
		nullFloat(tx.Location.Latitude), nullFloat(tx.Location.Longitude),
		tx.Location.IPAddress,
		tx.Card.Last4, tx.Card.Issuer, tx.Card.Network,
		tx.Description,
		tx.Timestamp.UnixMilli(),
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = ? AND id = ?`

	var (
		tx                  domain.Transaction
		amount              string
		merchantID, city    sql.NullString
		ip, description     sql.NullString
		latitude, longitude sql.NullFloat64
	)

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.AccountID, &amount, &tx.Currency,
		&tx.Timestamp, &tx.CreatedAt,
		&merchantID, &tx.Merchant.Name, &tx.Merchant.Category, &tx.Merchant.RiskScore,
		&tx.Location.Country, &city, &latitude, &longitude, &ip,
		&tx.Card.Last4, &tx.Card.Issuer, &tx.Card.Network, &description,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount for %s: %w", txID, err)
	}
	tx.Merchant.ID = merchantID.String
	tx.Location.City = city.String
	tx.Location.IPAddress = ip.String
	tx.Location.Latitude = floatPtr(latitude)
	tx.Location.Longitude = floatPtr(longitude)
	tx.Description = description.String
	tx.Timestamp = tx.Timestamp.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()

	return &tx, nil
}

// CountAccountTransactions counts an account's transactions with a
// timestamp in [from, to).
func (r *SQLRepository) CountAccountTransactions(ctx context.Context, tenantID, accountID string, from, to time.Time) (int, error) {
	if tenantID == "" || accountID == "" {
		return 0, fmt.Errorf("%w: tenantID and accountID are required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM transactions
		WHERE tenant_id = ? AND account_id = ?
		  AND occurred_at_ms >= ? AND occurred_at_ms < ?
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		tenantID, accountID, from.UnixMilli(), to.UnixMilli(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// AccountAmountStats computes the mean and population standard deviation of
// an account's amounts with a timestamp in [from, to). Sums are accumulated
// in decimal so the mean is exact before conversion.
func (r *SQLRepository) AccountAmountStats(ctx context.Context, tenantID, accountID string, from, to time.Time) (*domain.AccountProfile, error) {
	if tenantID == "" || accountID == "" {
		return nil, fmt.Errorf("%w: tenantID and accountID are required", ErrInvalidInput)
	}

	query := `
		SELECT amount FROM transactions
		WHERE tenant_id = ? AND account_id = ?
		  AND occurred_at_ms >= ? AND occurred_at_ms < ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query),
		tenantID, accountID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var amounts []decimal.Decimal
	sum := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse amount %q: %w", raw, err)
		}
		amounts = append(amounts, d)
		sum = sum.Add(d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	profile := &domain.AccountProfile{AccountID: accountID, Count: len(amounts)}
	if len(amounts) == 0 {
		return profile, nil
	}

	mean := sum.Div(decimal.NewFromInt(int64(len(amounts))))
	variance := decimal.Zero
	for _, a := range amounts {
		d := a.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(decimal.NewFromInt(int64(len(amounts))))

	profile.Mean = mean.InexactFloat64()
	profile.StdDev = math.Sqrt(variance.InexactFloat64())
	return profile, nil
}

// SaveEvaluation stores an evaluation result with tenant isolation.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, tenantID string, eval *domain.Evaluation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	assessment, err := json.Marshal(eval.Assessment)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}
	metadata, err := json.Marshal(eval.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO evaluations (
			id, tenant_id, tx_id, score, risk_level, recommendation, mode,
			timestamp, assessment, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	a := eval.Assessment
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, tenantID, eval.TxID,
		a.OverallScore, string(a.RiskLevel), string(a.Recommendation), string(a.Mode),
		eval.Timestamp.UTC(), string(assessment), string(metadata),
	)
	return err
}

const evaluationColumns = `id, tenant_id, tx_id, timestamp, assessment, metadata`

// GetEvaluation retrieves an evaluation by ID with tenant isolation.
func (r *SQLRepository) GetEvaluation(ctx context.Context, tenantID string, evalID string) (*domain.Evaluation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + evaluationColumns + ` FROM evaluations WHERE tenant_id = ? AND id = ?`

	eval, err := scanEvaluation(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, evalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return eval, err
}

// ListEvaluationsByTransaction returns every assessment of a transaction,
// oldest first.
func (r *SQLRepository) ListEvaluationsByTransaction(ctx context.Context, tenantID string, txID string) ([]*domain.Evaluation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + evaluationColumns + `
		FROM evaluations
		WHERE tenant_id = ? AND tx_id = ?
		ORDER BY timestamp, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []*domain.Evaluation
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, eval)
	}
	return evals, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(s scanner) (*domain.Evaluation, error) {
	var eval domain.Evaluation
	var assessment, metadata string

	if err := s.Scan(&eval.ID, &eval.TenantID, &eval.TxID, &eval.Timestamp, &assessment, &metadata); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(assessment), &eval.Assessment); err != nil {
		return nil, fmt.Errorf("failed to parse assessment for %s: %w", eval.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &eval.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for %s: %w", eval.ID, err)
	}
	eval.Timestamp = eval.Timestamp.UTC()
	return &eval, nil
}

const alertColumns = `
	id, tenant_id, tx_id, evaluation_id, severity, recommendation, status,
	title, description, risk_score, triggered_rules, assigned_to,
	resolution_notes, created_at, updated_at`

// SaveAlert stores a new alert. An evaluation opens at most one alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, tenantID string, alert *domain.Alert) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	triggered, err := json.Marshal(alert.TriggeredRules)
	if err != nil {
		return fmt.Errorf("failed to encode triggered rules: %w", err)
	}

	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, tenantID, alert.TxID, alert.EvaluationID,
		string(alert.Severity), string(alert.Recommendation), string(alert.Status),
		alert.Title, alert.Description, alert.RiskScore, string(triggered),
		alert.AssignedTo, alert.ResolutionNotes,
		alert.CreatedAt.UTC(), nullTime(alert.UpdatedAt),
	)
	return err
}

// GetAlert retrieves an alert by ID with tenant isolation.
func (r *SQLRepository) GetAlert(ctx context.Context, tenantID string, alertID string) (*domain.Alert, error) {
	return r.getAlert(ctx, tenantID, "id", alertID)
}

// GetAlertByEvaluation retrieves the alert opened for an evaluation.
func (r *SQLRepository) GetAlertByEvaluation(ctx context.Context, tenantID string, evalID string) (*domain.Alert, error) {
	return r.getAlert(ctx, tenantID, "evaluation_id", evalID)
}

func (r *SQLRepository) getAlert(ctx context.Context, tenantID, column, value string) (*domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = ? AND ` + column + ` = ?`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return alert, err
}

// ListAlerts returns a tenant's alerts, newest first. An empty status lists
// every alert.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, status domain.AlertStatus) ([]*domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// UpdateAlert persists the mutable fields of an alert.
func (r *SQLRepository) UpdateAlert(ctx context.Context, tenantID string, alert *domain.Alert) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE alerts
		SET status = ?, assigned_to = ?, resolution_notes = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(alert.Status), alert.AssignedTo, alert.ResolutionNotes, nullTime(alert.UpdatedAt),
		tenantID, alert.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAlert(s scanner) (*domain.Alert, error) {
	var (
		a                               domain.Alert
		severity, recommendation, state string
		description, assigned, notes    sql.NullString
		triggered                       string
		updatedAt                       sql.NullTime
	)

	if err := s.Scan(
		&a.ID, &a.TenantID, &a.TxID, &a.EvaluationID,
		&severity, &recommendation, &state,
		&a.Title, &description, &a.RiskScore, &triggered,
		&assigned, &notes, &a.CreatedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	a.Severity = domain.RiskLevel(severity)
	a.Recommendation = domain.Recommendation(recommendation)
	a.Status = domain.AlertStatus(state)
	a.Description = description.String
	a.AssignedTo = assigned.String
	a.ResolutionNotes = notes.String
	a.CreatedAt = a.CreatedAt.UTC()
	if updatedAt.Valid {
		t := updatedAt.Time.UTC()
		a.UpdatedAt = &t
	}
	if err := json.Unmarshal([]byte(triggered), &a.TriggeredRules); err != nil {
		return nil, fmt.Errorf("failed to parse triggered rules for %s: %w", a.ID, err)
	}
	return &a, nil
}

// SaveEngineConfig appends a configuration version. A zero rec.Version is
// assigned the next free version.
func (r *SQLRepository) SaveEngineConfig(ctx context.Context, rec *domain.EngineConfigRecord) error {
	if rec == nil || rec.Config == nil {
		return fmt.Errorf("%w: engine config is required", ErrInvalidInput)
	}

	data, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("failed to encode engine config: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	if rec.Version == 0 {
		var latest int
		if err := dbtx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM engine_configs`).Scan(&latest); err != nil {
			return fmt.Errorf("failed to read latest engine config version: %w", err)
		}
		rec.Version = latest + 1
	}

	query := `INSERT INTO engine_configs (version, source, config, created_at) VALUES (?, ?, ?, ?)`
	if _, err := dbtx.ExecContext(ctx, r.rebind(query),
		rec.Version, rec.Source, string(data), rec.CreatedAt.UTC(),
	); err != nil {
		return err
	}
	return dbtx.Commit()
}

// GetLatestEngineConfig returns the newest stored configuration.
func (r *SQLRepository) GetLatestEngineConfig(ctx context.Context) (*domain.EngineConfigRecord, error) {
	query := `
		SELECT version, source, config, created_at
		FROM engine_configs
		ORDER BY version DESC
		LIMIT 1
	`

	var rec domain.EngineConfigRecord
	var data string
	err := r.db.QueryRowContext(ctx, query).Scan(&rec.Version, &rec.Source, &data, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Config = &domain.EngineConfig{}
	if err := json.Unmarshal([]byte(data), rec.Config); err != nil {
		return nil, fmt.Errorf("failed to parse engine config v%d: %w", rec.Version, err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Stats returns connection pool statistics.
func (r *SQLRepository) Stats() sql.DBStats {
	return r.db.Stats()
}
