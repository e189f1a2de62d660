package evaluator

import (
	"strings"

	"wisefido-vitals/internal/models"
)

// 物理可能范围（超出视为设备故障）
const (
	maxGlucose   = 1500.0
	maxHeartRate = 350
)

// Validate 校验读数格式（与评估分离，评估前调用）
func Validate(r models.Reading) error {
	if strings.TrimSpace(r.PatientID) == "" {
		return models.ValidationError("validate", "patient_id is empty")
	}
	if r.Timestamp.IsZero() {
		return models.ValidationError("validate", "timestamp is missing for patient %s", r.PatientID)
	}
	if r.GlucoseLevel != nil && r.HeartRate != nil {
		return models.ValidationError("validate", "reading for patient %s carries both glucose_level and heart_rate", r.PatientID)
	}
	if r.GlucoseLevel != nil && (*r.GlucoseLevel < 0 || *r.GlucoseLevel > maxGlucose) {
		return models.ValidationError("validate", "glucose_level %v out of range", *r.GlucoseLevel)
	}
	if r.HeartRate != nil && (*r.HeartRate < 0 || *r.HeartRate > maxHeartRate) {
		return models.ValidationError("validate", "heart_rate %d out of range", *r.HeartRate)
	}
	if r.BatteryLevel < 0 || r.BatteryLevel > 100 {
		return models.ValidationError("validate", "battery_level %d out of range", r.BatteryLevel)
	}
	return nil
}
