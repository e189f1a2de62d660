package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"wisefido-vitals/internal/fingerprint"
)

// AnchorRequest 上链请求
type AnchorRequest struct {
	AlertID    string
	Digest     fingerprint.Digest
	PatientRef string // 患者假名（不上链明文ID）
	Category   string // 报警原因代码
}

// Anchor 账本锚定接口
//
// Anchor 对同一 AlertID 幂等：重复调用返回同一引用。
// Verify 读取引用处记录的摘要并在本地比对。
type Anchor interface {
	Anchor(ctx context.Context, req AnchorRequest) (string, error)
	Verify(ctx context.Context, ref string, digest fingerprint.Digest) (bool, error)
}

// PatientRef 患者假名：sha256(patient_id) 前 16 字节十六进制
func PatientRef(patientID string) string {
	sum := sha256.Sum256([]byte("patient:" + patientID))
	return hex.EncodeToString(sum[:16])
}

// entrySeal 条目封印：覆盖条目全部字段与前一条封印，形成哈希链
func entrySeal(prevSeal string, req AnchorRequest) string {
	h := sha256.New()
	for _, part := range []string{
		prevSeal,
		req.AlertID,
		req.Digest.Value,
		req.Digest.Version,
		req.PatientRef,
		req.Category,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func digestMatches(recordedValue, recordedVersion string, d fingerprint.Digest) bool {
	return strings.EqualFold(recordedValue, d.Value) && recordedVersion == d.Version
}
