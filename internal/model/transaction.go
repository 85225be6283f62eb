package model

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	KindDeposit     = "deposit"      // 存款
	KindWithdrawal  = "withdrawal"   // 取款
	KindTransferOut = "transfer_out" // 转出
	KindTransferIn  = "transfer_in"  // 转入
	KindPurchase    = "purchase"     // 消费
)

// DebitKinds 出账类型，月度支出统计只看这些
var DebitKinds = []string{KindWithdrawal, KindPurchase, KindTransferOut}

// IsValidKind 判断交易类型是否合法
func IsValidKind(kind string) bool {
	switch kind {
	case KindDeposit, KindWithdrawal, KindTransferOut, KindTransferIn, KindPurchase:
		return true
	}
	return false
}

// IsCredit 入账类型
func IsCredit(kind string) bool {
	return kind == KindDeposit || kind == KindTransferIn
}

// IsTransfer 转账类型（必须带对手方账户）
func IsTransfer(kind string) bool {
	return kind == KindTransferOut || kind == KindTransferIn
}

// KindLabel 展示用名称，如 transfer_out -> Transfer Out
func KindLabel(kind string) string {
	parts := strings.Split(kind, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// 元数据常用字段
const (
	MetaItemID   = "item_id"
	MetaItemName = "item_name"
	MetaShopName = "shop_name"
	MetaCategory = "category"
	MetaQuantity = "quantity"
)

// Metadata 交易附加信息，核心只负责透传存储
type Metadata map[string]any

// ErrLedgerImmutable 流水写入后不允许修改和删除
var ErrLedgerImmutable = errors.New("流水记录不可修改或删除")

// ============================================================================
// 账户流水实体
// ============================================================================

// TransactionRecord 账户流水表
//
// 【流水表设计原则】
// 1. 只追加，不修改，不删除，由 BeforeUpdate / BeforeDelete 钩子兜底
// 2. 金额永远为正数，方向由 Kind 决定
// 3. 转账的两条流水共享 TransferNo，并互相记录对方账户
// 4. 记录交易后余额，便于对账
type TransactionRecord struct {
	ID                    int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo         string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	AccountID             string          `gorm:"type:varchar(36);not null;index:idx_account_created,priority:1;uniqueIndex:idx_account_request,priority:1" json:"account_id"`
	Kind                  string          `gorm:"type:varchar(20);not null;index" json:"kind"`
	Amount                decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	CounterpartyAccountID string          `gorm:"type:varchar(36)" json:"counterparty_account_id,omitempty"`
	TransferNo            string          `gorm:"type:varchar(64);index" json:"transfer_no,omitempty"`
	BalanceAfter          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"balance_after"`
	RequestID             *string         `gorm:"type:varchar(64);uniqueIndex:idx_account_request,priority:2" json:"request_id,omitempty"`
	Metadata              Metadata        `gorm:"type:text;serializer:json" json:"metadata,omitempty"`
	CreatedAt             time.Time       `gorm:"not null;index:idx_account_created,priority:2" json:"timestamp"`
}

func (TransactionRecord) TableName() string {
	return "account_transaction"
}

// SignedAmount 按方向返回带符号金额
func (t *TransactionRecord) SignedAmount() decimal.Decimal {
	if IsCredit(t.Kind) {
		return t.Amount
	}
	return t.Amount.Neg()
}

func (t *TransactionRecord) BeforeUpdate(*gorm.DB) error {
	return ErrLedgerImmutable
}

func (t *TransactionRecord) BeforeDelete(*gorm.DB) error {
	return ErrLedgerImmutable
}
