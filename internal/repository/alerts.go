package repository

import (
	"context"

	"wisefido-vitals/internal/models"
)

// AlertRepository 报警存储
//
// 按 alert_id 幂等：相同ID且核心字段相同视为成功，核心字段不同返回 models.ErrConflict。
// ledger_ref 只能写一次。报警不删除。
type AlertRepository interface {
	Save(ctx context.Context, alert *models.Alert) error
	Get(ctx context.Context, alertID string) (*models.Alert, error)
	// ListByPatient 按时间倒序
	ListByPatient(ctx context.Context, patientID string, limit int) ([]*models.Alert, error)
	AttachLedgerRef(ctx context.Context, alertID, ref string) error
	AttachHospital(ctx context.Context, alertID string, hospital *models.NearestHospital) error
	MarkAnchorPending(ctx context.Context, alertID string) error
	MarkAnchorFailed(ctx context.Context, alertID string, attempts int) error
	MarkDeliveryFailed(ctx context.Context, alertID string) error
	// ListByAnchorStatus 按时间正序（恢复时先处理最早的报警）
	ListByAnchorStatus(ctx context.Context, status models.AnchorStatus, limit int) ([]*models.Alert, error)
}

// sameCore 比较两个报警的不可变字段
func sameCore(a, b *models.Alert) bool {
	if a.PatientID != b.PatientID ||
		!a.Timestamp.Equal(b.Timestamp) ||
		a.Severity != b.Severity ||
		a.Message != b.Message ||
		a.SHA256Hash != b.SHA256Hash ||
		a.HashVersion != b.HashVersion {
		return false
	}
	sa, sb := a.MetricSnapshot, b.MetricSnapshot
	if sa.BatteryLevel != sb.BatteryLevel || sa.DeviceType != sb.DeviceType {
		return false
	}
	if (sa.GlucoseLevel == nil) != (sb.GlucoseLevel == nil) ||
		(sa.GlucoseLevel != nil && *sa.GlucoseLevel != *sb.GlucoseLevel) {
		return false
	}
	if (sa.HeartRate == nil) != (sb.HeartRate == nil) ||
		(sa.HeartRate != nil && *sa.HeartRate != *sb.HeartRate) {
		return false
	}
	return true
}
