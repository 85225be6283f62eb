package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"finledger/internal/config"
	"finledger/internal/infrastructure/lock"
	"finledger/internal/model"
	"finledger/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AccountStore 账户存储，余额只能通过 ConditionalAdjust 修改
type AccountStore interface {
	Create(ctx context.Context, alias string) (*model.Account, error)
	GetByID(ctx context.Context, id string) (*model.Account, error)
	GetByAlias(ctx context.Context, alias string) (*model.Account, error)
	ConditionalAdjust(ctx context.Context, tx *gorm.DB, id string, delta decimal.Decimal) (*model.Account, error)
}

// LedgerReader 流水只读视图
type LedgerReader interface {
	ListByAccount(ctx context.Context, accountID string, filter repository.LedgerFilter) iter.Seq2[*model.TransactionRecord, error]
}

// Ledger 只追加的流水存储
type Ledger interface {
	LedgerReader
	Append(ctx context.Context, tx *gorm.DB, rec *model.TransactionRecord) error
	FindByRequestID(ctx context.Context, accountID, requestID string) (*model.TransactionRecord, error)
}

// EventOutbox 本地消息表
type EventOutbox interface {
	Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error
}

// Locker 账户维度互斥，release 必须调用
type Locker interface {
	Acquire(ctx context.Context, accountID string) (release func(), err error)
}

// Deps 服务层依赖
// Outbox 或 EventTopic 为空时不写事件，Locker 为空时不加锁
type Deps struct {
	DB               *gorm.DB
	Accounts         AccountStore
	Ledger           Ledger
	Outbox           EventOutbox
	EventTopic       string
	Locker           Locker
	Retry            RetryPolicy
	TransferPrecheck bool
	HistoryLimit     int
	HistoryMaxLimit  int
	Now              func() time.Time
}

// NewDeps 按配置组装依赖，rdb 为 nil 时不启用账户锁
func NewDeps(db *gorm.DB, rdb *redis.Client, cfg *config.Config) Deps {
	d := Deps{
		DB:       db,
		Accounts: repository.NewAccountRepository(db),
		Ledger:   repository.NewTransactionRepository(db),
		Retry: RetryPolicy{
			MaxAttempts: cfg.Business.TxMaxAttempts,
			Backoff:     cfg.Business.TxRetryBackoff(),
		},
		TransferPrecheck: cfg.Business.TransferPrecheck,
		HistoryLimit:     cfg.Business.HistoryDefaultLimit,
		HistoryMaxLimit:  cfg.Business.HistoryMaxLimit,
		Now:              time.Now,
	}
	if cfg.Kafka.Enabled {
		d.Outbox = repository.NewOutboxRepository(db)
		d.EventTopic = cfg.Kafka.Topic.LedgerEvents
	}
	if rdb != nil && cfg.Business.AccountLockEnabled {
		d.Locker = lock.NewAccountLocker(rdb, cfg.Business.AccountLockTTL())
	}
	return d
}

func (d Deps) events() eventRecorder {
	return eventRecorder{outbox: d.Outbox, topic: d.EventTopic}
}

// lock 获取账户锁；锁被占用算并发冲突，Redis 故障算存储不可用
func (d Deps) lock(ctx context.Context, accountID string) (func(), error) {
	if d.Locker == nil {
		return func() {}, nil
	}
	release, err := d.Locker.Acquire(ctx, accountID)
	if err == nil {
		return release, nil
	}
	switch {
	case errors.Is(err, lock.ErrLockFailed):
		return nil, fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: 账户锁: %w", ErrStorageUnavailable, err)
	}
}
