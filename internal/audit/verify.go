package audit

import (
	"context"
	"errors"
	"fmt"

	"wisefido-vitals/internal/fingerprint"
	"wisefido-vitals/internal/ledger"
	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/repository"

	"go.uber.org/zap"
)

// Result 单条报警的审计结果
type Result struct {
	AlertID        string `json:"alert_id"`
	HashValid      bool   `json:"hash_valid"`
	Anchored       bool   `json:"anchored"`
	LedgerRef      string `json:"ledger_ref,omitempty"`
	LedgerVerified bool   `json:"ledger_verified"`
	Detail         string `json:"detail,omitempty"`
}

// Verified 哈希与账本均通过
func (r Result) Verified() bool {
	return r.HashValid && r.Anchored && r.LedgerVerified
}

// Auditor 报警审计：重算指纹并与账本记录比对
type Auditor struct {
	store  repository.AlertRepository
	engine *fingerprint.Engine
	anchor ledger.Anchor
	logger *zap.Logger
}

// NewAuditor 创建审计器
func NewAuditor(store repository.AlertRepository, engine *fingerprint.Engine, anchor ledger.Anchor, logger *zap.Logger) *Auditor {
	return &Auditor{
		store:  store,
		engine: engine,
		anchor: anchor,
		logger: logger,
	}
}

// VerifyAlert 审计单条报警
// 存储中不存在返回 ErrNotFound；账本不可用返回瞬时错误。
// 指纹不符、账本条目缺失或封印损坏、账本摘要不符均返回完整性错误，同时返回填好的结果。
func (a *Auditor) VerifyAlert(ctx context.Context, alertID string) (Result, error) {
	alert, err := a.store.Get(ctx, alertID)
	if err != nil {
		return Result{AlertID: alertID}, fmt.Errorf("failed to load alert %s: %w", alertID, err)
	}
	return a.verify(ctx, alert)
}

func (a *Auditor) verify(ctx context.Context, alert *models.Alert) (Result, error) {
	res := Result{AlertID: alert.AlertID}
	tampered := false

	if err := a.engine.Verify(alert); err != nil {
		if !errors.Is(err, models.ErrIntegrity) {
			return res, err
		}
		a.logger.Error("Alert fingerprint mismatch",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
		res.Detail = "stored fingerprint does not match alert content"
		tampered = true
	} else {
		res.HashValid = true
	}

	if alert.LedgerRef == nil {
		res.Detail = joinDetail(res.Detail, fmt.Sprintf("not anchored (%s)", alert.AnchorStatus))
		return res, a.integrity(res, tampered)
	}
	res.Anchored = true
	res.LedgerRef = *alert.LedgerRef

	digest := fingerprint.Digest{Value: alert.SHA256Hash, Version: alert.HashVersion}
	ok, err := a.anchor.Verify(ctx, res.LedgerRef, digest)
	switch {
	case errors.Is(err, models.ErrNotFound):
		res.Detail = joinDetail(res.Detail, "ledger entry missing")
		tampered = true
	case errors.Is(err, models.ErrIntegrity):
		res.Detail = joinDetail(res.Detail, "ledger entry seal broken")
		tampered = true
	case err != nil:
		return res, fmt.Errorf("failed to verify ledger ref %s: %w", res.LedgerRef, err)
	case !ok:
		res.Detail = joinDetail(res.Detail, "ledger digest differs from stored fingerprint")
		tampered = true
	default:
		res.LedgerVerified = true
	}

	if tampered {
		a.logger.Error("Alert failed ledger audit",
			zap.String("alert_id", alert.AlertID),
			zap.String("ledger_ref", res.LedgerRef),
			zap.String("detail", res.Detail),
		)
	}
	return res, a.integrity(res, tampered)
}

func (a *Auditor) integrity(res Result, tampered bool) error {
	if !tampered {
		return nil
	}
	return models.IntegrityError("audit.verify", "alert %s: %s", res.AlertID, res.Detail)
}

func joinDetail(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
