package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wisefido-vitals/internal/models"
)

// Sink 读数接收方（通常为 Monitor.Submit）
type Sink func(ctx context.Context, r models.Reading) error

// readingMessage 设备上报格式
type readingMessage struct {
	ReadingID    string   `json:"reading_id"`
	PatientID    string   `json:"patient_id"`
	Timestamp    string   `json:"timestamp"`
	GlucoseLevel *float64 `json:"glucose_level"`
	HeartRate    *int     `json:"heart_rate"`
	BatteryLevel *int     `json:"battery_level"`
	DeviceType   string   `json:"device_type"`
}

// DecodeReading 解析设备读数；fallbackPatientID 用于负载中没有 patient_id 的情况（来自主题）
func DecodeReading(payload []byte, fallbackPatientID string) (models.Reading, error) {
	var msg readingMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return models.Reading{}, fmt.Errorf("failed to unmarshal reading: %w", err)
	}

	r := models.Reading{
		ReadingID:    msg.ReadingID,
		PatientID:    msg.PatientID,
		GlucoseLevel: msg.GlucoseLevel,
		HeartRate:    msg.HeartRate,
		DeviceType:   msg.DeviceType,
	}
	if r.PatientID == "" {
		r.PatientID = fallbackPatientID
	}
	if msg.BatteryLevel == nil {
		return models.Reading{}, fmt.Errorf("reading for %s has no battery_level", r.PatientID)
	}
	r.BatteryLevel = *msg.BatteryLevel

	if msg.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
		if err != nil {
			return models.Reading{}, fmt.Errorf("invalid timestamp %q: %w", msg.Timestamp, err)
		}
		r.Timestamp = ts.UTC()
	}
	return r, nil
}

// PatientFromTopic 从 devices/{patient_id}/readings 中取患者ID
func PatientFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[0] == "devices" && parts[2] == "readings" {
		return parts[1]
	}
	return ""
}
