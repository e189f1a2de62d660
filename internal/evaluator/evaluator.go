package evaluator

import (
	"strings"

	"wisefido-vitals/internal/models"
)

// Evaluator 阈值评估器（纯函数，无状态，可并发调用）
type Evaluator struct {
	thresholds ThresholdTable
}

// NewEvaluator 创建评估器
func NewEvaluator(t ThresholdTable) (*Evaluator, error) {
	if err := t.Check(); err != nil {
		return nil, models.ConfigurationError("evaluator.new", "%v", err)
	}
	return &Evaluator{thresholds: t}, nil
}

// Thresholds 当前阈值表
func (e *Evaluator) Thresholds() ThresholdTable {
	return e.thresholds
}

// Evaluate 评估单条读数：每条读数一个结论，级别取最大值，原因合并所有触发项
func (e *Evaluator) Evaluate(r models.Reading, c models.Condition) (models.Verdict, error) {
	rules, err := rulesFor(c)
	if err != nil {
		return models.Verdict{}, err
	}

	verdict := models.Verdict{Severity: models.SeverityNormal}
	var reasons []string
	for _, rule := range rules {
		f, err := rule.apply(r, e.thresholds)
		if err != nil {
			return models.Verdict{}, err
		}
		if f == nil {
			continue
		}
		verdict.Findings = append(verdict.Findings, *f)
		verdict.Severity = models.MaxSeverity(verdict.Severity, f.Severity)
		reasons = append(reasons, f.Detail)
	}

	verdict.Reason = strings.Join(reasons, "; ")
	verdict.IsCritical = verdict.Severity.Rank() >= models.SeverityCritical.Rank()
	return verdict, nil
}

// Codes 触发项代码列表（逗号分隔，用于报警 reason 字段）
func Codes(v models.Verdict) string {
	codes := make([]string, 0, len(v.Findings))
	for _, f := range v.Findings {
		if f.Severity.Rank() >= models.SeverityCritical.Rank() {
			codes = append(codes, f.Code)
		}
	}
	return strings.Join(codes, ",")
}
