package consumer

import (
	"context"
	"fmt"

	mqttcommon "wisefido-vitals/common/mqtt"

	"go.uber.org/zap"
)

// Subscriber MQTT 订阅接口（common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTSource 订阅设备读数主题
type MQTTSource struct {
	sub    Subscriber
	topic  string
	qos    byte
	logger *zap.Logger
}

// NewMQTTSource 创建 MQTT 读数来源
func NewMQTTSource(sub Subscriber, topic string, qos byte, logger *zap.Logger) *MQTTSource {
	return &MQTTSource{sub: sub, topic: topic, qos: qos, logger: logger}
}

// Run 订阅并将读数交给 sink，阻塞直到 ctx 取消
func (s *MQTTSource) Run(ctx context.Context, sink Sink) error {
	handler := func(topic string, payload []byte) error {
		r, err := DecodeReading(payload, PatientFromTopic(topic))
		if err != nil {
			s.logger.Warn("Dropping undecodable reading",
				zap.String("topic", topic),
				zap.Error(err),
			)
			return nil
		}
		return sink(ctx, r)
	}

	if err := s.sub.Subscribe(s.topic, s.qos, handler); err != nil {
		return fmt.Errorf("failed to subscribe readings: %w", err)
	}
	s.logger.Info("Subscribed to device readings", zap.String("topic", s.topic))

	<-ctx.Done()
	if err := s.sub.Unsubscribe(s.topic); err != nil {
		s.logger.Warn("Failed to unsubscribe readings", zap.Error(err))
	}
	return nil
}
