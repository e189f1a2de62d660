package evaluator

import (
	"fmt"
	"time"

	"wisefido-vitals/internal/models"

	"github.com/google/uuid"
)

// alertNamespace 报警ID命名空间（UUID v5）
var alertNamespace = uuid.MustParse("6f1c2a64-3f0e-5b8e-9a43-1d9c8b7e2f10")

// TimestampPrecision 报警时间精度，与 Postgres TIMESTAMPTZ 一致
const TimestampPrecision = time.Microsecond

// AlertTimestamp 读数时间归一化为 UTC 微秒
func AlertTimestamp(ts time.Time) time.Time {
	return ts.UTC().Truncate(TimestampPrecision)
}

// AlertID 由患者ID与读数时间派生确定性报警ID（同一读数重复处理得到同一ID）
func AlertID(patientID string, ts time.Time) string {
	key := patientID + "|" + AlertTimestamp(ts).Format(time.RFC3339Nano)
	return uuid.NewSHA1(alertNamespace, []byte(key)).String()
}

// BuildAlert 由 critical 结论构建报警（哈希与存储由编排器完成）
func BuildAlert(r models.Reading, v models.Verdict) (*models.Alert, error) {
	if !v.IsCritical {
		return nil, fmt.Errorf("verdict for patient %s is not critical (severity=%s)", r.PatientID, v.Severity)
	}

	ts := AlertTimestamp(r.Timestamp)
	now := time.Now().UTC()
	return &models.Alert{
		AlertID:        AlertID(r.PatientID, ts),
		PatientID:      r.PatientID,
		Timestamp:      ts,
		Severity:       v.Severity,
		Reason:         Codes(v),
		Message:        v.Reason,
		MetricSnapshot: r.Snapshot(),
		AnchorStatus:   models.AnchorStatusPending,
		DeliveryStatus: models.DeliveryStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
