package models

import (
	"time"
)

// AnchorStatus 报警上链状态（持久化，用于关机后恢复）
type AnchorStatus string

const (
	AnchorStatusPending  AnchorStatus = "anchor_pending"
	AnchorStatusAnchored AnchorStatus = "anchored"
	AnchorStatusFailed   AnchorStatus = "anchor_failed"
)

// DeliveryStatus 医院通知状态
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// PipelineState 报警在流水线中的状态
type PipelineState string

const (
	StateDetected      PipelineState = "detected"
	StateHashed        PipelineState = "hashed"
	StateStored        PipelineState = "stored"
	StateAnchorPending PipelineState = "anchor_pending"
	StateAnchored      PipelineState = "anchored"
	StateAnchorFailed  PipelineState = "anchor_failed"
	StateDispatched    PipelineState = "dispatched"
	StateDispatchFail  PipelineState = "dispatch_failed"
)

// Hospital 医院登记信息
type Hospital struct {
	HospitalID string   `json:"hospital_id" yaml:"hospital_id"`
	Name       string   `json:"name" yaml:"name"`
	Address    string   `json:"address,omitempty" yaml:"address"`
	Location   Location `json:"location" yaml:"location"`
	Capacity   int      `json:"capacity" yaml:"capacity"`
	// 通知 webhook 地址（为空时使用 MQTT 主题）
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url"`
}

// NearestHospital 报警关联的最近医院
type NearestHospital struct {
	HospitalID string  `json:"hospital_id"`
	Name       string  `json:"name"`
	Address    string  `json:"address,omitempty"`
	DistanceKm float64 `json:"distance_km"`
}

// DispatchResult 通知结果
type DispatchResult struct {
	Hospital  *NearestHospital `json:"hospital,omitempty"`
	Delivered bool             `json:"delivered"`
}

// AlertCore 参与哈希的不可变字段
type AlertCore struct {
	PatientID      string
	Timestamp      time.Time
	MetricSnapshot MetricSnapshot
	Severity       Severity
	Message        string
}

// Alert 报警记录（仅在 critical 时创建，只追加不删除）
type Alert struct {
	AlertID        string         `json:"alert_id" db:"alert_id"`
	PatientID      string         `json:"patient_id" db:"patient_id"`
	Timestamp      time.Time      `json:"timestamp" db:"triggered_at"`
	Severity       Severity       `json:"severity" db:"severity"`
	Reason         string         `json:"reason" db:"reason"`
	Message        string         `json:"message" db:"message"`
	MetricSnapshot MetricSnapshot `json:"metric_snapshot" db:"metric_snapshot"` // JSONB
	SHA256Hash     string         `json:"sha256_hash" db:"sha256_hash"`
	HashVersion    string         `json:"hash_version" db:"hash_version"`

	// 下游处理附加的字段（不参与哈希）
	LedgerRef       *string          `json:"ledger_ref,omitempty" db:"ledger_ref"`
	NearestHospital *NearestHospital `json:"nearest_hospital,omitempty" db:"nearest_hospital"` // JSONB
	AnchorStatus    AnchorStatus     `json:"anchor_status" db:"anchor_status"`
	AnchorAttempts  int              `json:"anchor_attempts" db:"anchor_attempts"`
	DeliveryStatus  DeliveryStatus   `json:"delivery_status" db:"delivery_status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Core 提取参与哈希的字段
func (a *Alert) Core() AlertCore {
	return AlertCore{
		PatientID:      a.PatientID,
		Timestamp:      a.Timestamp,
		MetricSnapshot: a.MetricSnapshot,
		Severity:       a.Severity,
		Message:        a.Message,
	}
}

// Clone 深拷贝（仓库返回副本，避免调用方修改内部状态）
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.MetricSnapshot = a.MetricSnapshot
	if a.MetricSnapshot.GlucoseLevel != nil {
		v := *a.MetricSnapshot.GlucoseLevel
		c.MetricSnapshot.GlucoseLevel = &v
	}
	if a.MetricSnapshot.HeartRate != nil {
		v := *a.MetricSnapshot.HeartRate
		c.MetricSnapshot.HeartRate = &v
	}
	if a.LedgerRef != nil {
		v := *a.LedgerRef
		c.LedgerRef = &v
	}
	if a.NearestHospital != nil {
		h := *a.NearestHospital
		c.NearestHospital = &h
	}
	return &c
}
