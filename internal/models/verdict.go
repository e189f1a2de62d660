package models

// Severity 报警级别
type Severity string

const (
	SeverityNormal    Severity = "normal"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Rank 级别序号（用于取最大值）
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	case SeverityEmergency:
		return 3
	default:
		return 0
	}
}

// MaxSeverity 返回较高的级别
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// 触发原因代码
const (
	ReasonLowGlucose  = "low_glucose"
	ReasonHighGlucose = "high_glucose"
	ReasonBradycardia = "bradycardia"
	ReasonTachycardia = "tachycardia"
	ReasonLowBattery  = "low_battery"
)

// Finding 单条规则的触发结果
type Finding struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Verdict 单条读数的评估结论（不单独持久化，critical 时嵌入报警）
type Verdict struct {
	IsCritical bool      `json:"is_critical"`
	Severity   Severity  `json:"severity"`
	Reason     string    `json:"reason"`
	Findings   []Finding `json:"findings,omitempty"`
}
