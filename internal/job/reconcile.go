package job

import (
	"context"
	"database/sql"
	"time"

	"finledger/internal/repository"
	"finledger/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mismatch 账户余额与流水汇总不一致
type Mismatch struct {
	AccountID string
	Balance   decimal.Decimal
	LedgerSum decimal.Decimal
}

// ReconcileReport 一次对账的结果
type ReconcileReport struct {
	Checked    int
	Mismatches []Mismatch
}

// ReconcileJob 对账任务：用流水重算每个账户的余额，与账户表比对
//
// 正常情况下两者永远相等（余额变更和流水写入在同一个事务里）
// 不一致说明有绕过服务层直接改库的操作，只报告不修复
type ReconcileJob struct {
	db          *gorm.DB
	accountRepo *repository.AccountRepository
	ledgerRepo  *repository.TransactionRepository
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
	log         *zap.Logger
}

func NewReconcileJob(db *gorm.DB, interval time.Duration) *ReconcileJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReconcileJob{
		db:          db,
		accountRepo: repository.NewAccountRepository(db),
		ledgerRepo:  repository.NewTransactionRepository(db),
		stopCh:      make(chan struct{}),
		interval:    interval,
		batchSize:   200,
		log:         logger.Component("reconcile"),
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	j.log.Info("对账任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.log.Error("对账失败", zap.Error(err))
			}
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

// snapshotTxOptions 对账页事务的选项
// MySQL / Postgres 用可重复读的只读事务，账户和流水两次查询读同一个快照
// （Postgres 默认读已提交，两次查询之间提交的转账会被算成不一致）
// sqlite 只有一个连接，写操作本身就串行，不传选项
func snapshotTxOptions(dialect string) []*sql.TxOptions {
	if dialect == "sqlite" {
		return nil
	}
	return []*sql.TxOptions{{Isolation: sql.LevelRepeatableRead, ReadOnly: true}}
}

// RunOnce 按账户ID分页对账
// 每页在一个快照事务里读账户和流水，保证同一页看到的是同一时刻的数据
func (j *ReconcileJob) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	afterID := ""
	opts := snapshotTxOptions(j.db.Dialector.Name())

	for {
		var accountsInPage int
		err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			accounts, err := j.accountRepo.ListAfter(ctx, tx, afterID, j.batchSize)
			if err != nil {
				return err
			}
			accountsInPage = len(accounts)
			if accountsInPage == 0 {
				return nil
			}

			ids := make([]string, 0, len(accounts))
			for _, a := range accounts {
				ids = append(ids, a.ID)
			}
			sums, err := j.ledgerRepo.SumByAccounts(ctx, tx, ids)
			if err != nil {
				return err
			}

			for _, a := range accounts {
				sum := sums[a.ID]
				if !sum.Equal(a.Balance) {
					report.Mismatches = append(report.Mismatches, Mismatch{
						AccountID: a.ID,
						Balance:   a.Balance,
						LedgerSum: sum,
					})
					j.log.Error("余额与流水不一致",
						zap.String("account_id", a.ID),
						zap.String("balance", a.Balance.String()),
						zap.String("ledger_sum", sum.String()),
					)
				}
			}
			report.Checked += len(accounts)
			afterID = accounts[len(accounts)-1].ID
			return nil
		}, opts...)
		if err != nil {
			return report, err
		}
		if accountsInPage < j.batchSize {
			break
		}
	}

	j.log.Info("对账完成", zap.Int("checked", report.Checked), zap.Int("mismatches", len(report.Mismatches)))
	return report, nil
}
