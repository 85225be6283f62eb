package repository

import (
	"context"
	"errors"

	"finledger/internal/model"
	"finledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create 开户，余额和版本号都从 0 开始
func (r *AccountRepository) Create(ctx context.Context, alias string) (*model.Account, error) {
	account := &model.Account{
		ID:      idgen.NewAccountID(),
		Balance: decimal.Zero,
	}
	if alias != "" {
		account.Alias = &alias
	}
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAliasTaken
		}
		return nil, classify(err)
	}
	return account, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*model.Account, error) {
	return r.first(r.db.WithContext(ctx), "id = ?", id)
}

func (r *AccountRepository) GetByAlias(ctx context.Context, alias string) (*model.Account, error) {
	return r.first(r.db.WithContext(ctx), "alias = ?", alias)
}

func (r *AccountRepository) first(db *gorm.DB, query string, args ...interface{}) (*model.Account, error) {
	var account model.Account
	err := db.Where(query, args...).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, classify(err)
	}
	return &account, nil
}

// adjustedBalance 更新后的余额，保留四位小数
// sqlite 没有定点数，列按 REAL 存储，不 ROUND 的话 0.3-0.1 会得到 0.19999999999999998
const adjustedBalance = "ROUND(balance + CAST(? AS DECIMAL(20,4)), 4)"

// ConditionalAdjust 条件更新余额：balance += delta，仅当更新后余额不为负
//
// 【关键点】余额校验写在 UPDATE 的 WHERE 里，由数据库在写入时对当前持久化的余额求值
//
//	UPDATE account SET balance = ROUND(balance + δ, 4), version = version + 1
//	WHERE id = ? AND ROUND(balance + δ, 4) >= 0
//
// 不能先查余额、在代码里判断、再无条件写回，两个并发取款会各自通过检查，把余额扣成负数
//
// 更新影响 0 行时，在同一事务内重新读取来区分原因：账户不存在 / 余额不足 / 并发冲突
// 成功时返回事务内读到的更新后账户
func (r *AccountRepository) ConditionalAdjust(ctx context.Context, tx *gorm.DB, id string, delta decimal.Decimal) (*model.Account, error) {
	if tx == nil {
		tx = r.db
	}
	tx = tx.WithContext(ctx)

	result := tx.Model(&model.Account{}).
		Where("id = ? AND "+adjustedBalance+" >= 0", id, delta).
		Updates(map[string]interface{}{
			"balance": gorm.Expr(adjustedBalance, delta),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return nil, classify(result.Error)
	}

	if result.RowsAffected == 0 {
		account, err := r.first(tx, "id = ?", id)
		if err != nil {
			return nil, err
		}
		if account.Balance.Add(delta).IsNegative() {
			return nil, ErrInsufficientFunds
		}
		return nil, ErrConflict
	}

	return r.first(tx, "id = ?", id)
}

// ListAfter 按 ID 升序分页扫描账户，对账任务使用
func (r *AccountRepository) ListAfter(ctx context.Context, tx *gorm.DB, afterID string, limit int) ([]*model.Account, error) {
	if tx == nil {
		tx = r.db
	}
	var accounts []*model.Account
	err := tx.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, classify(err)
}
