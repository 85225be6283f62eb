package service

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy 事务级重试：只重试并发冲突和存储瞬时故障
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: 20 * time.Millisecond}

func retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStorageUnavailable)
}

// Do 执行 fn，返回实际尝试次数和最后一次的错误
// 每次尝试前检查 ctx，已取消就不再开启新的事务
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return attempt - 1, err
		}

		err = fn(ctx)
		if err == nil || !retryable(err) {
			return attempt, err
		}
		if attempt == maxAttempts {
			return attempt, err
		}

		select {
		case <-ctx.Done():
			return attempt, err
		case <-time.After(p.Backoff * time.Duration(attempt)):
		}
	}
	return maxAttempts, err
}
