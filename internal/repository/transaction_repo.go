package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"finledger/internal/model"
	"finledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const defaultPageSize = 100

// LedgerFilter 流水查询条件
type LedgerFilter struct {
	Since    time.Time // 下界（含），零值表示不限
	Kinds    []string  // 为空表示全部类型
	PageSize int       // 每次从库里取多少条
}

// TransactionRepository 账户流水（只追加）
// 没有 Update / Delete 方法，模型上的钩子也会拒绝修改
type TransactionRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db, now: time.Now}
}

// WithClock 替换写入时间来源
func (r *TransactionRepository) WithClock(now func() time.Time) *TransactionRepository {
	return &TransactionRepository{db: r.db, now: now}
}

func validateRecord(rec *model.TransactionRecord) error {
	switch {
	case rec.AccountID == "":
		return fmt.Errorf("%w: 缺少账户", ErrInvalidRecord)
	case !model.IsValidKind(rec.Kind):
		return fmt.Errorf("%w: 未知类型 %q", ErrInvalidRecord, rec.Kind)
	case !rec.Amount.IsPositive():
		return fmt.Errorf("%w: 金额必须为正数", ErrInvalidRecord)
	case model.IsTransfer(rec.Kind) && rec.CounterpartyAccountID == "":
		return fmt.Errorf("%w: 转账流水缺少对手方账户", ErrInvalidRecord)
	}
	return nil
}

// Append 追加一条流水
// 流水号为空时分配新号；调用方重试时复用同一个流水号，唯一索引保证不会重复入账
// 时间戳在写入时分配，精确到毫秒（与 MySQL datetime(3) 一致）
func (r *TransactionRepository) Append(ctx context.Context, tx *gorm.DB, rec *model.TransactionRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if tx == nil {
		tx = r.db
	}
	if rec.TransactionNo == "" {
		rec.TransactionNo = idgen.GenerateTransactionNo()
	}
	rec.ID = 0
	rec.CreatedAt = r.now().UTC().Truncate(time.Millisecond)
	return classify(tx.WithContext(ctx).Create(rec).Error)
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.TransactionRecord, error) {
	var rec model.TransactionRecord
	err := r.db.WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return &rec, nil
}

// FindByRequestID 按幂等键查找账户上的流水，不存在返回 nil
func (r *TransactionRepository) FindByRequestID(ctx context.Context, accountID, requestID string) (*model.TransactionRecord, error) {
	var rec model.TransactionRecord
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND request_id = ?", accountID, requestID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return &rec, nil
}

// ListByTransferNo 查询一笔转账的两条流水
func (r *TransactionRepository) ListByTransferNo(ctx context.Context, transferNo string) ([]*model.TransactionRecord, error) {
	var records []*model.TransactionRecord
	err := r.db.WithContext(ctx).
		Where("transfer_no = ?", transferNo).
		Order("id ASC").
		Find(&records).Error
	return records, classify(err)
}

// ListByAccount 按时间倒序惰性遍历账户流水
//
// 用 (created_at, id) 做游标分页，每页查一次库；迭代器可以重复调用，每次都从最新一条重新开始
func (r *TransactionRepository) ListByAccount(ctx context.Context, accountID string, filter LedgerFilter) iter.Seq2[*model.TransactionRecord, error] {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	return func(yield func(*model.TransactionRecord, error) bool) {
		var last *model.TransactionRecord
		for {
			query := r.db.WithContext(ctx).Where("account_id = ?", accountID)
			if !filter.Since.IsZero() {
				query = query.Where("created_at >= ?", filter.Since.UTC())
			}
			if len(filter.Kinds) > 0 {
				query = query.Where("kind IN ?", filter.Kinds)
			}
			if last != nil {
				query = query.Where("(created_at < ? OR (created_at = ? AND id < ?))", last.CreatedAt, last.CreatedAt, last.ID)
			}

			var page []*model.TransactionRecord
			err := query.
				Order("created_at DESC").
				Order("id DESC").
				Limit(pageSize).
				Find(&page).Error
			if err != nil {
				yield(nil, classify(err))
				return
			}

			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last = page[len(page)-1]
		}
	}
}

// SumByAccounts 按流水重算账户余额：入账为正，出账为负
func (r *TransactionRepository) SumByAccounts(ctx context.Context, tx *gorm.DB, accountIDs []string) (map[string]decimal.Decimal, error) {
	if tx == nil {
		tx = r.db
	}
	var rows []struct {
		AccountID string
		Total     decimal.Decimal
	}
	err := tx.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Select("account_id, ROUND(SUM(CASE WHEN kind IN ? THEN amount ELSE -amount END), 4) AS total",
			[]string{model.KindDeposit, model.KindTransferIn}).
		Where("account_id IN ?", accountIDs).
		Group("account_id").
		Scan(&rows).Error
	if err != nil {
		return nil, classify(err)
	}

	totals := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		totals[row.AccountID] = row.Total
	}
	return totals, nil
}
