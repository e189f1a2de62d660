package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	rediscommon "wisefido-vitals/common/redis"
	"wisefido-vitals/internal/fingerprint"
	"wisefido-vitals/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// appendScript 原子追加：索引命中直接返回；链头变化返回 HEAD_MOVED 由调用方重算封印
var appendScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[2], ARGV[1])
if existing then
	return existing
end
local head = redis.call('GET', KEYS[3]) or ''
if head ~= ARGV[2] then
	return redis.error_reply('HEAD_MOVED')
end
local id = redis.call('XADD', KEYS[1], '*',
	'alert_id', ARGV[1],
	'digest', ARGV[3],
	'digest_version', ARGV[4],
	'patient_ref', ARGV[5],
	'category', ARGV[6],
	'prev_seal', ARGV[2],
	'seal', ARGV[7],
	'anchored_at', ARGV[8])
redis.call('HSET', KEYS[2], ARGV[1], id)
redis.call('SET', KEYS[3], ARGV[7])
return id
`)

const maxHeadRetries = 100

// RedisStreamAnchor 基于 Redis Streams 的只追加账本
//
// 每个条目带前一条的封印，整条流构成哈希链；索引 hash 保证同一报警只上链一次。
type RedisStreamAnchor struct {
	client   *redis.Client
	stream   string
	indexKey string
	headKey  string
	logger   *zap.Logger
}

// NewRedisStreamAnchor 创建 Redis 账本
func NewRedisStreamAnchor(client *redis.Client, stream, indexKey string, logger *zap.Logger) *RedisStreamAnchor {
	return &RedisStreamAnchor{
		client:   client,
		stream:   stream,
		indexKey: indexKey,
		headKey:  stream + ":head",
		logger:   logger,
	}
}

// Anchor 追加条目，返回流条目ID作为账本引用
func (a *RedisStreamAnchor) Anchor(ctx context.Context, req AnchorRequest) (string, error) {
	if req.AlertID == "" || req.Digest.Value == "" {
		return "", models.ConfigurationError("ledger.anchor", "alert_id and digest are required")
	}

	for i := 0; i < maxHeadRetries; i++ {
		head, err := a.client.Get(ctx, a.headKey).Result()
		if err != nil && err != redis.Nil {
			return "", models.TransientError("ledger.anchor", fmt.Errorf("failed to read ledger head: %w", err))
		}

		seal := entrySeal(head, req)
		ref, err := appendScript.Run(ctx, a.client,
			[]string{a.stream, a.indexKey, a.headKey},
			req.AlertID,
			head,
			req.Digest.Value,
			req.Digest.Version,
			req.PatientRef,
			req.Category,
			seal,
			time.Now().UTC().Format(time.RFC3339Nano),
		).Text()
		if err == nil {
			return ref, nil
		}
		if strings.Contains(err.Error(), "HEAD_MOVED") {
			continue
		}
		return "", models.TransientError("ledger.anchor", fmt.Errorf("failed to append ledger entry: %w", err))
	}
	return "", models.TransientError("ledger.anchor", fmt.Errorf("ledger head contention after %d attempts", maxHeadRetries))
}

// Verify 读取条目，校验封印与摘要
func (a *RedisStreamAnchor) Verify(ctx context.Context, ref string, digest fingerprint.Digest) (bool, error) {
	msg, err := rediscommon.GetStreamEntry(ctx, a.client, a.stream, ref)
	if err != nil {
		return false, models.TransientError("ledger.verify", fmt.Errorf("failed to read ledger entry: %w", err))
	}
	if msg == nil {
		return false, fmt.Errorf("ledger entry %s: %w", ref, models.ErrNotFound)
	}

	e := entryFromValues(msg.Values)
	if entrySeal(e.prevSeal, e.request) != e.seal {
		a.logger.Error("Ledger entry seal mismatch",
			zap.String("ref", ref),
			zap.String("alert_id", e.request.AlertID),
		)
		return false, models.IntegrityError("ledger.verify", "entry %s seal mismatch", ref)
	}
	return digestMatches(e.request.Digest.Value, e.request.Digest.Version, digest), nil
}

// VerifyChain 从头遍历整条流，校验封印链，返回条目数
func (a *RedisStreamAnchor) VerifyChain(ctx context.Context) (int, error) {
	msgs, err := rediscommon.ReadRange(ctx, a.client, a.stream, "-", "+")
	if err != nil {
		return 0, models.TransientError("ledger.verify_chain", fmt.Errorf("failed to read ledger: %w", err))
	}
	prev := ""
	for _, msg := range msgs {
		e := entryFromValues(msg.Values)
		if e.prevSeal != prev {
			return 0, models.IntegrityError("ledger.verify_chain", "entry %s breaks chain", msg.ID)
		}
		if entrySeal(e.prevSeal, e.request) != e.seal {
			return 0, models.IntegrityError("ledger.verify_chain", "entry %s seal mismatch", msg.ID)
		}
		prev = e.seal
	}
	return len(msgs), nil
}

type ledgerEntry struct {
	request  AnchorRequest
	prevSeal string
	seal     string
}

func entryFromValues(v map[string]interface{}) ledgerEntry {
	get := func(k string) string {
		if s, ok := v[k].(string); ok {
			return s
		}
		return ""
	}
	return ledgerEntry{
		request: AnchorRequest{
			AlertID:    get("alert_id"),
			Digest:     fingerprint.Digest{Value: get("digest"), Version: get("digest_version")},
			PatientRef: get("patient_ref"),
			Category:   get("category"),
		},
		prevSeal: get("prev_seal"),
		seal:     get("seal"),
	}
}
