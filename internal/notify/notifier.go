package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/retry"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Notification 发送给医院的报警通知
type Notification struct {
	AlertID    string                `json:"alert_id"`
	PatientID  string                `json:"patient_id"`
	Severity   models.Severity       `json:"severity"`
	Reason     string                `json:"reason"`
	Message    string                `json:"message"`
	Timestamp  time.Time             `json:"timestamp"`
	SHA256Hash string                `json:"sha256_hash"`
	Metrics    models.MetricSnapshot `json:"metrics"`
	Location   models.Location       `json:"patient_location"`
	HospitalID string                `json:"hospital_id"`
	DistanceKm float64               `json:"distance_km"`
}

// Notifier 通知通道
type Notifier interface {
	Notify(ctx context.Context, hospital models.Hospital, n Notification) error
}

// Publisher MQTT 发布接口（common/mqtt.Client 实现）
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// MQTTNotifier 通过 MQTT 主题通知医院：{prefix}{hospital_id}/alerts
type MQTTNotifier struct {
	publisher   Publisher
	topicPrefix string
	qos         byte
	logger      *zap.Logger
}

// NewMQTTNotifier 创建 MQTT 通知通道
func NewMQTTNotifier(publisher Publisher, topicPrefix string, qos byte, logger *zap.Logger) *MQTTNotifier {
	return &MQTTNotifier{
		publisher:   publisher,
		topicPrefix: topicPrefix,
		qos:         qos,
		logger:      logger,
	}
}

// Topic 医院报警主题
func (m *MQTTNotifier) Topic(hospitalID string) string {
	return m.topicPrefix + hospitalID + "/alerts"
}

// Notify 发布通知
func (m *MQTTNotifier) Notify(ctx context.Context, hospital models.Hospital, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	topic := m.Topic(hospital.HospitalID)
	if err := m.publisher.Publish(ctx, topic, m.qos, false, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// WebhookNotifier 通过医院登记的 webhook 地址推送 JSON
type WebhookNotifier struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewWebhookNotifier 创建 webhook 通知通道
func NewWebhookNotifier(timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &WebhookNotifier{httpClient: client, logger: logger}
}

// Notify POST 通知到医院 webhook
func (w *WebhookNotifier) Notify(ctx context.Context, hospital models.Hospital, n Notification) error {
	if hospital.WebhookURL == "" {
		return retry.Permanent(fmt.Errorf("hospital %s has no webhook_url", hospital.HospitalID))
	}
	resp, err := w.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"alert": n}).
		Post(hospital.WebhookURL)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	switch code := resp.StatusCode(); {
	case code >= 500 || code == 429:
		return fmt.Errorf("webhook returned HTTP %d", code)
	case code >= 400:
		return retry.Permanent(fmt.Errorf("webhook returned HTTP %d", code))
	}
	return nil
}

// LogNotifier 仅记录日志（开发环境）
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知通道
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify 记录通知
func (l *LogNotifier) Notify(ctx context.Context, hospital models.Hospital, n Notification) error {
	l.logger.Info("Hospital notification",
		zap.String("hospital_id", hospital.HospitalID),
		zap.String("hospital_name", hospital.Name),
		zap.String("alert_id", n.AlertID),
		zap.String("patient_id", n.PatientID),
		zap.String("severity", string(n.Severity)),
		zap.Float64("distance_km", n.DistanceKm),
	)
	return nil
}
