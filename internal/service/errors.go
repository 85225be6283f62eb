package service

import (
	"errors"
	"fmt"

	"finledger/internal/repository"

	"github.com/shopspring/decimal"
)

// 存储层能直接判定的错误沿用 repository 的哨兵，errors.Is 两边都能匹配
var (
	ErrInvalidAmount      = errors.New("金额必须为正数，最多四位小数")
	ErrAccountNotFound    = repository.ErrAccountNotFound
	ErrRecipientNotFound  = errors.New("收款账户不存在")
	ErrSameAccount        = errors.New("不能给自己转账")
	ErrInsufficientFunds  = repository.ErrInsufficientFunds
	ErrConflict           = repository.ErrConflict
	ErrTransferFailed     = errors.New("转账失败")
	ErrStorageUnavailable = repository.ErrStorageUnavailable
	ErrDuplicateRequest   = errors.New("重复请求，且与原请求内容不一致")
	ErrAliasTaken         = repository.ErrAliasTaken
)

// OpError 带上下文的业务错误，调用方据此生成提示
type OpError struct {
	Op        string
	AccountID string
	Amount    decimal.Decimal
	Err       error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s 失败: 账户=%s 金额=%s: %v", e.Op, e.AccountID, e.Amount.String(), e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op, accountID string, amount decimal.Decimal, err error) error {
	return &OpError{Op: op, AccountID: accountID, Amount: amount, Err: err}
}

// 金额列是 decimal(20,4)
const amountScale = 4

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(amountScale)) {
		return ErrInvalidAmount
	}
	return nil
}
