package ledger

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"wisefido-vitals/internal/fingerprint"
	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/retry"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// anchorPayload 账本网关请求/响应体
type anchorPayload struct {
	Ref           string `json:"ref,omitempty"`
	AlertID       string `json:"alert_id"`
	Digest        string `json:"digest"`
	DigestVersion string `json:"digest_version"`
	PatientRef    string `json:"patient_ref,omitempty"`
	Category      string `json:"category,omitempty"`
}

type gatewayError struct {
	Error string `json:"error"`
}

// HTTPAnchor 外部账本网关客户端
//
// 重试由调用方的退避策略控制，客户端本身不重试。
type HTTPAnchor struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewHTTPAnchor 创建账本网关客户端
func NewHTTPAnchor(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPAnchor {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &HTTPAnchor{
		httpClient: client,
		logger:     logger,
	}
}

// Anchor POST /v1/anchors
func (a *HTTPAnchor) Anchor(ctx context.Context, req AnchorRequest) (string, error) {
	body := anchorPayload{
		AlertID:       req.AlertID,
		Digest:        req.Digest.Value,
		DigestVersion: req.Digest.Version,
		PatientRef:    req.PatientRef,
		Category:      req.Category,
	}

	var result anchorPayload
	var apiErr gatewayError
	resp, err := a.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&apiErr).
		Post("/v1/anchors")
	if err != nil {
		a.logger.Warn("Ledger gateway call failed",
			zap.String("alert_id", req.AlertID),
			zap.Error(err),
		)
		return "", models.TransientError("ledger.anchor", fmt.Errorf("failed to call ledger gateway: %w", err))
	}

	switch {
	case resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests:
		return "", models.TransientError("ledger.anchor",
			fmt.Errorf("ledger gateway error: %s (status: %d)", apiErr.Error, resp.StatusCode()))
	case resp.IsError():
		// 4xx：请求本身被拒绝，重试无意义
		return "", retry.Permanent(fmt.Errorf("ledger gateway rejected anchor: %s (status: %d)", apiErr.Error, resp.StatusCode()))
	}

	if result.Ref == "" {
		return "", models.TransientError("ledger.anchor", fmt.Errorf("ledger gateway returned empty ref"))
	}
	return result.Ref, nil
}

// Verify GET /v1/anchors/{ref}，摘要在本地比对
func (a *HTTPAnchor) Verify(ctx context.Context, ref string, digest fingerprint.Digest) (bool, error) {
	var result anchorPayload
	resp, err := a.httpClient.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v1/anchors/" + url.PathEscape(ref))
	if err != nil {
		return false, models.TransientError("ledger.verify", fmt.Errorf("failed to call ledger gateway: %w", err))
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, fmt.Errorf("ledger entry %s: %w", ref, models.ErrNotFound)
	}
	if resp.IsError() {
		return false, models.TransientError("ledger.verify", fmt.Errorf("ledger gateway error (status: %d)", resp.StatusCode()))
	}
	return digestMatches(result.Digest, result.DigestVersion, digest), nil
}
