package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema 生命体征服务表结构
const Schema = `
CREATE TABLE IF NOT EXISTS patients (
	patient_id   TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	condition    TEXT NOT NULL,
	device_type  TEXT NOT NULL DEFAULT '',
	latitude     DOUBLE PRECISION NOT NULL,
	longitude    DOUBLE PRECISION NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS vital_readings (
	reading_id    UUID PRIMARY KEY,
	patient_id    TEXT NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL,
	glucose_level DOUBLE PRECISION,
	heart_rate    INTEGER,
	battery_level INTEGER NOT NULL,
	device_type   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_vital_readings_patient ON vital_readings (patient_id, recorded_at DESC);

CREATE TABLE IF NOT EXISTS vital_alerts (
	alert_id         UUID PRIMARY KEY,
	patient_id       TEXT NOT NULL,
	triggered_at     TIMESTAMPTZ NOT NULL,
	severity         TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	message          TEXT NOT NULL,
	metric_snapshot  JSONB NOT NULL,
	sha256_hash      CHAR(64) NOT NULL,
	hash_version     TEXT NOT NULL,
	ledger_ref       TEXT,
	nearest_hospital JSONB,
	anchor_status    TEXT NOT NULL DEFAULT 'anchor_pending',
	anchor_attempts  INTEGER NOT NULL DEFAULT 0,
	delivery_status  TEXT NOT NULL DEFAULT 'pending',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_vital_alerts_patient ON vital_alerts (patient_id, triggered_at DESC);
CREATE INDEX IF NOT EXISTS idx_vital_alerts_anchor ON vital_alerts (anchor_status, triggered_at);
`

// EnsureSchema 创建缺失的表和索引
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
