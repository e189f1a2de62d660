package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-vitals/common/config"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageFetcher kafka.Reader 的读取与提交能力
type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource 从 Kafka 主题消费设备读数（消息 key 为患者ID）
type KafkaSource struct {
	fetcher    messageFetcher
	logger     *zap.Logger
	maxBackoff time.Duration
}

// NewKafkaSource 创建 Kafka 读数来源
func NewKafkaSource(cfg *config.KafkaConfig, logger *zap.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka topic and group id are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newKafkaSource(reader, logger), nil
}

func newKafkaSource(f messageFetcher, logger *zap.Logger) *KafkaSource {
	return &KafkaSource{fetcher: f, logger: logger, maxBackoff: 30 * time.Second}
}

// Run 消费读数，阻塞直到 ctx 取消
//
// 读数交给 sink 成功后才提交位移；无法解析的消息记录后提交跳过。
func (s *KafkaSource) Run(ctx context.Context, sink Sink) error {
	backoff := time.Second

	for {
		msg, err := s.fetcher.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("Failed to fetch kafka message, will retry",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > s.maxBackoff {
					backoff = s.maxBackoff
				}
			}
			continue
		}
		backoff = time.Second

		r, err := DecodeReading(msg.Value, string(msg.Key))
		if err != nil {
			s.logger.Warn("Dropping undecodable reading",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		} else if err := sink(ctx, r); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to hand off reading at offset %d: %w", msg.Offset, err)
		}

		if err := s.fetcher.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.logger.Warn("Failed to commit kafka offset",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// Close 关闭 reader
func (s *KafkaSource) Close() error {
	return s.fetcher.Close()
}
