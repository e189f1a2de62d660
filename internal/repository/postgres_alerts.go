package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"wisefido-vitals/internal/models"

	"go.uber.org/zap"
)

// PostgresAlertRepository 报警仓库（PostgreSQL）
type PostgresAlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAlertRepository 创建报警仓库
func NewPostgresAlertRepository(db *sql.DB, logger *zap.Logger) *PostgresAlertRepository {
	return &PostgresAlertRepository{
		db:     db,
		logger: logger,
	}
}

const alertColumns = `
	alert_id,
	patient_id,
	triggered_at,
	severity,
	reason,
	message,
	metric_snapshot,
	sha256_hash,
	hash_version,
	ledger_ref,
	nearest_hospital,
	anchor_status,
	anchor_attempts,
	delivery_status,
	created_at,
	updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	var snapshot, hospital []byte
	var ledgerRef sql.NullString

	err := row.Scan(
		&a.AlertID,
		&a.PatientID,
		&a.Timestamp,
		&a.Severity,
		&a.Reason,
		&a.Message,
		&snapshot,
		&a.SHA256Hash,
		&a.HashVersion,
		&ledgerRef,
		&hospital,
		&a.AnchorStatus,
		&a.AnchorAttempts,
		&a.DeliveryStatus,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(snapshot, &a.MetricSnapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metric_snapshot: %w", err)
	}
	if ledgerRef.Valid {
		ref := ledgerRef.String
		a.LedgerRef = &ref
	}
	if len(hospital) > 0 && string(hospital) != "null" {
		var h models.NearestHospital
		if err := json.Unmarshal(hospital, &h); err != nil {
			return nil, fmt.Errorf("failed to unmarshal nearest_hospital: %w", err)
		}
		a.NearestHospital = &h
	}
	a.Timestamp = a.Timestamp.UTC()
	return &a, nil
}

// Save 写入报警（ON CONFLICT DO NOTHING，冲突时比较核心字段）
func (r *PostgresAlertRepository) Save(ctx context.Context, alert *models.Alert) error {
	if alert.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	snapshot, err := json.Marshal(alert.MetricSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal metric_snapshot: %w", err)
	}

	query := `
		INSERT INTO vital_alerts (
			alert_id, patient_id, triggered_at, severity, reason, message,
			metric_snapshot, sha256_hash, hash_version,
			anchor_status, anchor_attempts, delivery_status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (alert_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		alert.AlertID,
		alert.PatientID,
		alert.Timestamp.UTC(),
		string(alert.Severity),
		alert.Reason,
		alert.Message,
		snapshot,
		alert.SHA256Hash,
		alert.HashVersion,
		string(alert.AnchorStatus),
		alert.AnchorAttempts,
		string(alert.DeliveryStatus),
		alert.CreatedAt,
		alert.UpdatedAt,
	)
	if err != nil {
		return models.TransientError("store.save", fmt.Errorf("failed to insert alert: %w", err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	existing, err := r.Get(ctx, alert.AlertID)
	if err != nil {
		return err
	}
	if !sameCore(existing, alert) {
		r.logger.Warn("Alert id conflict with different content",
			zap.String("alert_id", alert.AlertID),
			zap.String("stored_hash", existing.SHA256Hash),
			zap.String("new_hash", alert.SHA256Hash),
		)
		return fmt.Errorf("alert %s: %w", alert.AlertID, models.ErrConflict)
	}
	return nil
}

// Get 根据 alert_id 获取报警
func (r *PostgresAlertRepository) Get(ctx context.Context, alertID string) (*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM vital_alerts WHERE alert_id = $1`
	a, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", alertID, models.ErrNotFound)
		}
		return nil, models.TransientError("store.get", fmt.Errorf("failed to get alert: %w", err))
	}
	return a, nil
}

// ListByPatient 查询患者报警（时间倒序）
func (r *PostgresAlertRepository) ListByPatient(ctx context.Context, patientID string, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + alertColumns + `
		FROM vital_alerts
		WHERE patient_id = $1
		ORDER BY triggered_at DESC, alert_id DESC
		LIMIT $2`
	return r.queryAlerts(ctx, query, patientID, limit)
}

// ListByAnchorStatus 按上链状态查询（时间正序）
func (r *PostgresAlertRepository) ListByAnchorStatus(ctx context.Context, status models.AnchorStatus, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + alertColumns + `
		FROM vital_alerts
		WHERE anchor_status = $1
		ORDER BY triggered_at ASC, alert_id ASC
		LIMIT $2`
	return r.queryAlerts(ctx, query, string(status), limit)
}

func (r *PostgresAlertRepository) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]*models.Alert, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.TransientError("store.list", fmt.Errorf("failed to query alerts: %w", err))
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, models.TransientError("store.list", fmt.Errorf("failed to iterate alerts: %w", err))
	}
	return alerts, nil
}

// AttachLedgerRef 写入账本引用（只写一次；相同引用重复写入为空操作）
func (r *PostgresAlertRepository) AttachLedgerRef(ctx context.Context, alertID, ref string) error {
	query := `
		UPDATE vital_alerts
		SET ledger_ref = $2, anchor_status = 'anchored', updated_at = NOW()
		WHERE alert_id = $1
		  AND (ledger_ref IS NULL OR ledger_ref = $2)
	`
	res, err := r.db.ExecContext(ctx, query, alertID, ref)
	if err != nil {
		return models.TransientError("store.attach_ledger_ref", fmt.Errorf("failed to attach ledger ref: %w", err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current sql.NullString
	err = r.db.QueryRowContext(ctx, `SELECT ledger_ref FROM vital_alerts WHERE alert_id = $1`, alertID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("alert %s: %w", alertID, models.ErrNotFound)
	}
	if err != nil {
		return models.TransientError("store.attach_ledger_ref", fmt.Errorf("failed to read ledger ref: %w", err))
	}
	return fmt.Errorf("alert %s has ledger ref %s: %w", alertID, current.String, models.ErrLedgerRefImmutable)
}

// AttachHospital 写入最近医院（通知成功后）
func (r *PostgresAlertRepository) AttachHospital(ctx context.Context, alertID string, hospital *models.NearestHospital) error {
	payload, err := json.Marshal(hospital)
	if err != nil {
		return fmt.Errorf("failed to marshal nearest_hospital: %w", err)
	}
	query := `
		UPDATE vital_alerts
		SET nearest_hospital = $2, delivery_status = 'delivered', updated_at = NOW()
		WHERE alert_id = $1
	`
	return r.execOne(ctx, "store.attach_hospital", alertID, query, alertID, payload)
}

// MarkAnchorPending 重新进入待上链状态（未上链的报警）
func (r *PostgresAlertRepository) MarkAnchorPending(ctx context.Context, alertID string) error {
	query := `
		UPDATE vital_alerts
		SET anchor_status = 'anchor_pending', updated_at = NOW()
		WHERE alert_id = $1 AND ledger_ref IS NULL
	`
	return r.execOrExists(ctx, "store.mark_anchor_pending", alertID, query, alertID)
}

// MarkAnchorFailed 标记上链失败（已上链的报警不受影响）
func (r *PostgresAlertRepository) MarkAnchorFailed(ctx context.Context, alertID string, attempts int) error {
	query := `
		UPDATE vital_alerts
		SET anchor_status = 'anchor_failed', anchor_attempts = $2, updated_at = NOW()
		WHERE alert_id = $1 AND ledger_ref IS NULL
	`
	return r.execOrExists(ctx, "store.mark_anchor_failed", alertID, query, alertID, attempts)
}

// MarkDeliveryFailed 标记通知失败（已送达的报警不受影响）
func (r *PostgresAlertRepository) MarkDeliveryFailed(ctx context.Context, alertID string) error {
	query := `
		UPDATE vital_alerts
		SET delivery_status = 'failed', updated_at = NOW()
		WHERE alert_id = $1 AND delivery_status <> 'delivered'
	`
	return r.execOrExists(ctx, "store.mark_delivery_failed", alertID, query, alertID)
}

// execOne 执行更新，未命中返回 ErrNotFound
func (r *PostgresAlertRepository) execOne(ctx context.Context, op, alertID, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return models.TransientError(op, fmt.Errorf("failed to update alert: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s: %w", alertID, models.ErrNotFound)
	}
	return nil
}

// execOrExists 执行条件更新，未命中时区分"不存在"与"条件不满足"（后者为空操作）
func (r *PostgresAlertRepository) execOrExists(ctx context.Context, op, alertID, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return models.TransientError(op, fmt.Errorf("failed to update alert: %w", err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	err = r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM vital_alerts WHERE alert_id = $1)`, alertID).Scan(&exists)
	if err != nil {
		return models.TransientError(op, fmt.Errorf("failed to check alert: %w", err))
	}
	if !exists {
		return fmt.Errorf("alert %s: %w", alertID, models.ErrNotFound)
	}
	return nil
}
