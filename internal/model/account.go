package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account 账户表
// 记录账户的当前余额，余额只能通过条件更新修改（见 repository.AccountRepository.ConditionalAdjust）
type Account struct {
	ID        string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	Alias     *string         `gorm:"type:varchar(128);uniqueIndex" json:"alias,omitempty"`                    // 别名（如邮箱），由调用方解析
	Balance   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0;check:balance >= 0" json:"balance"` // 可用余额，永不为负
	Version   int64           `gorm:"not null;default:0" json:"version"`                                       // 每次成功变更余额 +1
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
