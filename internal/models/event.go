package models

import (
	"time"
)

// 事件类型（每个阶段完成后追加一条）
const (
	EventAlertStored      = "alert_stored"
	EventAlertAnchored    = "alert_anchored"
	EventAnchorFailed     = "anchor_failed"
	EventAlertDispatched  = "alert_dispatched"
	EventDispatchFailed   = "dispatch_failed"
	EventReadingRejected  = "reading_rejected"
	EventIntegrityFailure = "integrity_failure"
)

// PipelineEvent 流水线活动事件（只追加）
type PipelineEvent struct {
	EventID    string            `json:"event_id,omitempty"`
	EventType  string            `json:"event_type"`
	AlertID    string            `json:"alert_id,omitempty"`
	PatientID  string            `json:"patient_id"`
	Severity   Severity          `json:"severity,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
