package redis

import (
	"context"
	"fmt"
	"time"

	"wisefido-vitals/common/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// defaultDialTimeout 未配置时的连接与连通性检查超时
const defaultDialTimeout = 5 * time.Second

// Client Redis客户端类型别名
type Client = redis.Client

// NewRedisClient 创建Redis客户端（账本流与事件日志共用）
func NewRedisClient(cfg *config.RedisConfig, logger *zap.Logger) *redis.Client {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	logger.Info("Creating redis client",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Duration("dial_timeout", dialTimeout),
	)
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: dialTimeout,
		MaxRetries:  1,
	})
}

// Ping 测试Redis连接，最多等待一个连接超时
func Ping(ctx context.Context, client *redis.Client) error {
	timeout := client.Options().DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis at %s: %w", client.Options().Addr, err)
	}
	return nil
}

// Close 关闭Redis连接
func Close(client *redis.Client) error {
	return client.Close()
}
