package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	rediscommon "wisefido-vitals/common/redis"
	"wisefido-vitals/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Log 流水线活动日志（只追加）
type Log interface {
	Append(ctx context.Context, ev models.PipelineEvent) error
	// Recent 最近 n 条，新 → 旧
	Recent(ctx context.Context, n int) ([]models.PipelineEvent, error)
}

// RedisLog 基于 Redis Streams 的事件日志
type RedisLog struct {
	client *redis.Client
	stream string
}

// NewRedisLog 创建 Redis 事件日志
func NewRedisLog(client *redis.Client, stream string) *RedisLog {
	return &RedisLog{client: client, stream: stream}
}

// Append 追加事件
func (l *RedisLog) Append(ctx context.Context, ev models.PipelineEvent) error {
	fill(&ev)
	if _, err := rediscommon.PublishJSONToStream(ctx, l.client, l.stream, ev); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Recent 读取最近事件
func (l *RedisLog) Recent(ctx context.Context, n int) ([]models.PipelineEvent, error) {
	if n <= 0 {
		n = 50
	}
	msgs, err := rediscommon.ReadLatest(ctx, l.client, l.stream, int64(n))
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	events := make([]models.PipelineEvent, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var ev models.PipelineEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", msg.ID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// MemoryLog 内存事件日志（环形，保留最近 capacity 条）
type MemoryLog struct {
	mu       sync.Mutex
	capacity int
	events   []models.PipelineEvent
}

// NewMemoryLog 创建内存事件日志
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryLog{capacity: capacity}
}

// Append 追加事件
func (l *MemoryLog) Append(ctx context.Context, ev models.PipelineEvent) error {
	fill(&ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if len(l.events) > l.capacity {
		l.events = l.events[len(l.events)-l.capacity:]
	}
	return nil
}

// Recent 读取最近事件
func (l *MemoryLog) Recent(ctx context.Context, n int) ([]models.PipelineEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]models.PipelineEvent, 0, n)
	for i := len(l.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.events[i])
	}
	return out, nil
}

// Filter 按事件类型筛选
func Filter(events []models.PipelineEvent, eventType string) []models.PipelineEvent {
	var out []models.PipelineEvent
	for _, ev := range events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func fill(ev *models.PipelineEvent) {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
}
