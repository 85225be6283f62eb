package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 加锁：SET key value NX PX ttl
//   - NX 保证互斥，PX 防止持有者崩溃后死锁
//   - value 是持有者标识，释放时校验，防止误删别人的锁
//
// 释放：Lua 脚本里先比较 value 再 DEL，两步必须原子
//
// 余额正确性不依赖这把锁（条件更新才是权威），锁只用来削减同一账户上的并发冲突和重试
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock 基于 Redis 的互斥锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁，最多重试 maxRetries 次
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，只删除自己持有的 key
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

// ============================================================================
// 账户维度的锁
// ============================================================================

// AccountLocker 按账户加锁，实现 service.Locker
type AccountLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewAccountLocker(client *redis.Client, ttl time.Duration) *AccountLocker {
	return &AccountLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: 20 * time.Millisecond,
		maxRetries:    max(1, int(ttl/(20*time.Millisecond))),
	}
}

// AccountLockKey 账户锁的 key
func AccountLockKey(accountID string) string {
	return fmt.Sprintf("ledger:lock:account:%s", accountID)
}

// Acquire 获取账户锁，返回释放函数
// 释放用独立的 context，请求被取消时锁也能正常归还
func (a *AccountLocker) Acquire(ctx context.Context, accountID string) (func(), error) {
	l := NewDistributedLock(a.client, AccountLockKey(accountID), uuid.NewString(), a.ttl)
	if err := l.Lock(ctx, a.retryInterval, a.maxRetries); err != nil {
		return nil, fmt.Errorf("账户 %s 加锁失败: %w", accountID, err)
	}
	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Unlock(unlockCtx)
	}, nil
}
