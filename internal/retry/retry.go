package retry

import (
	"context"
	"errors"
	"time"

	"wisefido-vitals/internal/models"
)

// Policy 指数退避重试策略
type Policy struct {
	Attempts int           // 总尝试次数（含首次）
	Base     time.Duration // 首次重试等待
	Max      time.Duration // 等待上限
}

// DefaultPolicy 默认策略：3 次，1s 起步，上限 30s
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Base: time.Second, Max: 30 * time.Second}
}

// Backoff 第 n 次失败后的等待时间（n 从 1 开始），每次翻倍，不超过 Max
func (p Policy) Backoff(n int) time.Duration {
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// permanentError 不可重试的错误
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 包装错误，使 Do 立即返回
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do 按策略执行 fn；配置/校验/完整性错误和 Permanent 错误不重试
//
// onRetry 在每次等待前调用（可为 nil），用于记录日志。
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(attempt int, wait time.Duration, err error)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if !retryable(err) || attempt == attempts {
			break
		}

		wait := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

func retryable(err error) bool {
	switch models.KindOf(err) {
	case models.KindConfiguration, models.KindValidation, models.KindIntegrity:
		return false
	}
	return !errors.Is(err, models.ErrConflict) && !errors.Is(err, models.ErrLedgerRefImmutable)
}
