package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"

	"wisefido-vitals/internal/models"
)

// Digest 报警内容摘要（附带编码版本）
type Digest struct {
	Value   string `json:"value"`
	Version string `json:"version"`
}

// Engine 报警指纹引擎
type Engine struct {
	version string
}

// NewEngine 创建指纹引擎，version 为空时使用当前版本
func NewEngine(version string) (*Engine, error) {
	if version == "" {
		version = CurrentVersion
	}
	if _, err := Canonical(models.AlertCore{}, version); err != nil {
		return nil, err
	}
	return &Engine{version: version}, nil
}

// Version 引擎写入新报警时使用的版本
func (e *Engine) Version() string {
	return e.version
}

// Fingerprint 计算报警核心字段的 SHA-256 摘要
func (e *Engine) Fingerprint(core models.AlertCore) (Digest, error) {
	return compute(core, e.version)
}

// Apply 计算摘要并写入报警
func (e *Engine) Apply(a *models.Alert) error {
	d, err := e.Fingerprint(a.Core())
	if err != nil {
		return err
	}
	a.SHA256Hash = d.Value
	a.HashVersion = d.Version
	return nil
}

// Verify 按报警自身记录的版本重新计算摘要并比对
func (e *Engine) Verify(a *models.Alert) error {
	version := a.HashVersion
	if version == "" {
		return models.ConfigurationError("fingerprint.verify", "alert %s has no hash version", a.AlertID)
	}
	d, err := compute(a.Core(), version)
	if err != nil {
		return err
	}
	if d.Value != a.SHA256Hash {
		return models.IntegrityError("fingerprint.verify",
			"alert %s hash mismatch: stored=%s computed=%s", a.AlertID, a.SHA256Hash, d.Value)
	}
	return nil
}

func compute(core models.AlertCore, version string) (Digest, error) {
	payload, err := Canonical(core, version)
	if err != nil {
		return Digest{}, err
	}
	sum := sha256.Sum256(payload)
	return Digest{Value: hex.EncodeToString(sum[:]), Version: version}, nil
}
