package evaluator

import (
	"fmt"

	"wisefido-vitals/internal/config"
)

// 临床 critical 阈值（固定，不可配置）
const (
	GlucoseCriticalLow    = 70.0  // mg/dL
	GlucoseCriticalHigh   = 250.0 // mg/dL
	HeartRateCriticalLow  = 50    // bpm
	HeartRateCriticalHigh = 120   // bpm
	BatteryCriticalLow    = 15    // %
)

// GlucoseBands 血糖区间
type GlucoseBands struct {
	WarnLow, WarnHigh   float64
	EmergLow, EmergHigh float64
}

// HeartRateBands 心率区间
type HeartRateBands struct {
	WarnLow, WarnHigh   int
	EmergLow, EmergHigh int
}

// ThresholdTable 阈值表（预警、紧急区间可调；critical 区间固定）
type ThresholdTable struct {
	Glucose   GlucoseBands
	HeartRate HeartRateBands
}

// DefaultThresholds 默认阈值表
func DefaultThresholds() ThresholdTable {
	return ThresholdTable{
		Glucose:   GlucoseBands{WarnLow: 80, WarnHigh: 200, EmergLow: 40, EmergHigh: 400},
		HeartRate: HeartRateBands{WarnLow: 55, WarnHigh: 110, EmergLow: 40, EmergHigh: 150},
	}
}

// ThresholdsFromConfig 从服务配置构建阈值表
func ThresholdsFromConfig(cfg *config.Config) ThresholdTable {
	t := cfg.Vitals.Thresholds
	return ThresholdTable{
		Glucose: GlucoseBands{
			WarnLow: t.GlucoseWarnLow, WarnHigh: t.GlucoseWarnHigh,
			EmergLow: t.GlucoseEmergLow, EmergHigh: t.GlucoseEmergHigh,
		},
		HeartRate: HeartRateBands{
			WarnLow: t.HeartRateWarnLow, WarnHigh: t.HeartRateWarnHigh,
			EmergLow: t.HeartRateEmerLow, EmergHigh: t.HeartRateEmerHigh,
		},
	}
}

// Check 校验区间嵌套关系：emergency 在 critical 之外，warning 在 critical 之内
func (t ThresholdTable) Check() error {
	g := t.Glucose
	if g.EmergLow > GlucoseCriticalLow || g.EmergHigh < GlucoseCriticalHigh {
		return fmt.Errorf("glucose emergency band [%v,%v] overlaps critical band", g.EmergLow, g.EmergHigh)
	}
	if g.WarnLow < GlucoseCriticalLow || g.WarnHigh > GlucoseCriticalHigh || g.WarnLow >= g.WarnHigh {
		return fmt.Errorf("glucose warning band [%v,%v] must lie within critical band", g.WarnLow, g.WarnHigh)
	}
	h := t.HeartRate
	if h.EmergLow > HeartRateCriticalLow || h.EmergHigh < HeartRateCriticalHigh {
		return fmt.Errorf("heart rate emergency band [%d,%d] overlaps critical band", h.EmergLow, h.EmergHigh)
	}
	if h.WarnLow < HeartRateCriticalLow || h.WarnHigh > HeartRateCriticalHigh || h.WarnLow >= h.WarnHigh {
		return fmt.Errorf("heart rate warning band [%d,%d] must lie within critical band", h.WarnLow, h.WarnHigh)
	}
	return nil
}
