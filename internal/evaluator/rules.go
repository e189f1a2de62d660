package evaluator

import (
	"fmt"
	"strconv"

	"wisefido-vitals/internal/models"
)

// Rule 单条评估规则（固定枚举：血糖、心率、电量）
type Rule interface {
	Name() string
	apply(r models.Reading, t ThresholdTable) (*models.Finding, error)
}

// GlucoseRule 血糖规则
type GlucoseRule struct{}

// HeartRateRule 心率规则
type HeartRateRule struct{}

// BatteryRule 设备电量规则（所有病情通用）
type BatteryRule struct{}

func (GlucoseRule) Name() string   { return "glucose" }
func (HeartRateRule) Name() string { return "heart_rate" }
func (BatteryRule) Name() string   { return "battery" }

func (GlucoseRule) apply(r models.Reading, t ThresholdTable) (*models.Finding, error) {
	if r.GlucoseLevel == nil {
		return nil, models.ConfigurationError("evaluate.glucose", "reading %s has no glucose_level", r.PatientID)
	}
	g := *r.GlucoseLevel
	b := t.Glucose
	val := strconv.FormatFloat(g, 'f', -1, 64)

	switch {
	case g < GlucoseCriticalLow:
		sev := models.SeverityCritical
		if g < b.EmergLow {
			sev = models.SeverityEmergency
		}
		return &models.Finding{Code: models.ReasonLowGlucose, Severity: sev,
			Detail: fmt.Sprintf("Dangerously low glucose: %s mg/dL", val)}, nil
	case g > GlucoseCriticalHigh:
		sev := models.SeverityCritical
		if g > b.EmergHigh {
			sev = models.SeverityEmergency
		}
		return &models.Finding{Code: models.ReasonHighGlucose, Severity: sev,
			Detail: fmt.Sprintf("Dangerously high glucose: %s mg/dL", val)}, nil
	case g < b.WarnLow:
		return &models.Finding{Code: models.ReasonLowGlucose, Severity: models.SeverityWarning,
			Detail: fmt.Sprintf("Glucose approaching low limit: %s mg/dL", val)}, nil
	case g > b.WarnHigh:
		return &models.Finding{Code: models.ReasonHighGlucose, Severity: models.SeverityWarning,
			Detail: fmt.Sprintf("Glucose approaching high limit: %s mg/dL", val)}, nil
	}
	return nil, nil
}

func (HeartRateRule) apply(r models.Reading, t ThresholdTable) (*models.Finding, error) {
	if r.HeartRate == nil {
		return nil, models.ConfigurationError("evaluate.heart_rate", "reading %s has no heart_rate", r.PatientID)
	}
	hr := *r.HeartRate
	b := t.HeartRate

	switch {
	case hr < HeartRateCriticalLow:
		sev := models.SeverityCritical
		if hr < b.EmergLow {
			sev = models.SeverityEmergency
		}
		return &models.Finding{Code: models.ReasonBradycardia, Severity: sev,
			Detail: fmt.Sprintf("Irregular heart rate detected: %d bpm (bradycardia)", hr)}, nil
	case hr > HeartRateCriticalHigh:
		sev := models.SeverityCritical
		if hr > b.EmergHigh {
			sev = models.SeverityEmergency
		}
		return &models.Finding{Code: models.ReasonTachycardia, Severity: sev,
			Detail: fmt.Sprintf("Irregular heart rate detected: %d bpm (tachycardia)", hr)}, nil
	case hr < b.WarnLow:
		return &models.Finding{Code: models.ReasonBradycardia, Severity: models.SeverityWarning,
			Detail: fmt.Sprintf("Heart rate approaching low limit: %d bpm", hr)}, nil
	case hr > b.WarnHigh:
		return &models.Finding{Code: models.ReasonTachycardia, Severity: models.SeverityWarning,
			Detail: fmt.Sprintf("Heart rate approaching high limit: %d bpm", hr)}, nil
	}
	return nil, nil
}

func (BatteryRule) apply(r models.Reading, _ ThresholdTable) (*models.Finding, error) {
	if r.BatteryLevel < BatteryCriticalLow {
		return &models.Finding{Code: models.ReasonLowBattery, Severity: models.SeverityCritical,
			Detail: fmt.Sprintf("Device battery critically low: %d%%", r.BatteryLevel)}, nil
	}
	return nil, nil
}

// rulesFor 按病情返回规则集
func rulesFor(c models.Condition) ([]Rule, error) {
	switch {
	case c.IsDiabetes():
		return []Rule{GlucoseRule{}, BatteryRule{}}, nil
	case c == models.ConditionHeartCondition:
		return []Rule{HeartRateRule{}, BatteryRule{}}, nil
	}
	return nil, models.ConfigurationError("evaluate", "unknown condition %q", string(c))
}
