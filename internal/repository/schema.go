package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// Amounts are stored as decimal strings so no precision is lost on either
// driver. occurred_at_ms mirrors timestamp as Unix milliseconds for window
// queries that must compare identically on both drivers.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    occurred_at_ms BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    merchant_id TEXT,
    merchant_name TEXT NOT NULL,
    merchant_category TEXT NOT NULL,
    merchant_risk_score REAL NOT NULL,
    country TEXT NOT NULL,
    city TEXT,
    latitude REAL,
    longitude REAL,
    ip_address TEXT,
    card_last4 TEXT NOT NULL,
    card_issuer TEXT NOT NULL,
    card_network TEXT NOT NULL,
    description TEXT,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(tenant_id, account_id, occurred_at_ms);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    recommendation TEXT NOT NULL,
    mode TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    assessment TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tx ON evaluations(tenant_id, tx_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_recommendation ON evaluations(tenant_id, recommendation);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    evaluation_id TEXT NOT NULL,
    severity TEXT NOT NULL,
    recommendation TEXT NOT NULL,
    status TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    risk_score REAL NOT NULL,
    triggered_rules TEXT NOT NULL,
    assigned_to TEXT,
    resolution_notes TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_evaluation ON alerts(tenant_id, evaluation_id);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(tenant_id, status);
`

// schemaEngineConfigs keeps every engine configuration that was ever made
// live. It is global: the rule set is not tenant specific.
const schemaEngineConfigs = `
CREATE TABLE IF NOT EXISTS engine_configs (
    version INTEGER PRIMARY KEY,
    source TEXT NOT NULL,
    config TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaEvaluations,
		schemaAlerts,
		schemaEngineConfigs,
	}
}
