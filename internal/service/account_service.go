package service

import (
	"context"
	"errors"
	"fmt"

	"finledger/internal/model"
	"finledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AccountService 开户与单账户余额变更（存款、取款、消费）
//
// 每个变更都是一个事务：条件更新余额 + 追加流水 + 写事件消息
// 流水写失败时事务回滚，余额不会出现没有流水对应的变化
type AccountService struct {
	Deps
}

func NewAccountService(d Deps) *AccountService {
	return &AccountService{Deps: d}
}

// MutationRequest 单账户变更请求
type MutationRequest struct {
	AccountID string
	Amount    decimal.Decimal
	RequestID string         // 幂等键，可选
	Metadata  model.Metadata // 消费时的商品信息等，原样存储
}

// MutationResult 变更结果
type MutationResult struct {
	Account  *model.Account
	Record   *model.TransactionRecord
	Replayed bool // 幂等键命中，本次没有实际入账
}

// Register 开户
func (s *AccountService) Register(ctx context.Context, alias string) (*model.Account, error) {
	account, err := s.Accounts.Create(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("开户失败: %w", err)
	}
	zap.L().Info("开户成功", zap.String("account_id", account.ID))
	return account, nil
}

func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.Accounts.GetByID(ctx, accountID)
}

// ResolveAlias 别名（如邮箱）换账户ID
func (s *AccountService) ResolveAlias(ctx context.Context, alias string) (string, error) {
	account, err := s.Accounts.GetByAlias(ctx, alias)
	if err != nil {
		return "", err
	}
	return account.ID, nil
}

func (s *AccountService) Deposit(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	return s.mutate(ctx, "deposit", model.KindDeposit, req)
}

func (s *AccountService) Withdraw(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	return s.mutate(ctx, "withdraw", model.KindWithdrawal, req)
}

// Purchase 消费扣款，metadata 里的 category 用于月度支出统计
func (s *AccountService) Purchase(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	return s.mutate(ctx, "purchase", model.KindPurchase, req)
}

func (s *AccountService) mutate(ctx context.Context, op, kind string, req MutationRequest) (*MutationResult, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, opError(op, req.AccountID, req.Amount, err)
	}
	if req.AccountID == "" {
		return nil, opError(op, req.AccountID, req.Amount, ErrAccountNotFound)
	}
	if err := ctx.Err(); err != nil {
		return nil, opError(op, req.AccountID, req.Amount, err)
	}

	// 幂等校验
	if req.RequestID != "" {
		result, err := s.replay(ctx, kind, req)
		if err != nil {
			return nil, opError(op, req.AccountID, req.Amount, err)
		}
		if result != nil {
			return result, nil
		}
	}

	delta := req.Amount
	if !model.IsCredit(kind) {
		delta = delta.Neg()

		release, err := s.lock(ctx, req.AccountID)
		if err != nil {
			return nil, opError(op, req.AccountID, req.Amount, err)
		}
		defer release()
	}

	// 流水内容在重试之间保持不变（同一个流水号），不会重复入账
	template := model.TransactionRecord{
		TransactionNo: idgen.GenerateTransactionNo(),
		AccountID:     req.AccountID,
		Kind:          kind,
		Amount:        req.Amount,
		Metadata:      req.Metadata,
	}
	if req.RequestID != "" {
		template.RequestID = &req.RequestID
	}

	var result *MutationResult
	attempts, err := s.Retry.Do(ctx, func(ctx context.Context) error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			account, err := s.Accounts.ConditionalAdjust(ctx, tx, req.AccountID, delta)
			if err != nil {
				return err
			}

			rec := template
			rec.BalanceAfter = account.Balance
			if err := s.Ledger.Append(ctx, tx, &rec); err != nil {
				return fmt.Errorf("记录流水失败: %w", err)
			}

			if err := s.events().record(ctx, tx, EventBalanceChanged, req.AccountID, "", &rec); err != nil {
				return err
			}

			result = &MutationResult{Account: account, Record: &rec}
			return nil
		})
	})
	if err != nil {
		// 同一幂等键的并发请求：另一个已经成功，按重放处理
		if req.RequestID != "" {
			if replayed, replayErr := s.replay(ctx, kind, req); replayErr == nil && replayed != nil {
				return replayed, nil
			}
		}
		if retryable(err) {
			err = fmt.Errorf("%w: 尝试 %d 次后仍失败: %w", ErrStorageUnavailable, attempts, err)
		}
		zap.L().Warn("余额变更失败",
			zap.String("op", op),
			zap.String("account_id", req.AccountID),
			zap.String("amount", req.Amount.String()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return nil, opError(op, req.AccountID, req.Amount, err)
	}

	zap.L().Info("余额变更成功",
		zap.String("op", op),
		zap.String("account_id", req.AccountID),
		zap.String("amount", req.Amount.String()),
		zap.String("transaction_no", result.Record.TransactionNo),
		zap.String("balance", result.Account.Balance.String()),
	)
	return result, nil
}

// replay 幂等键已经产生过流水时返回当时的结果；没有返回 nil
func (s *AccountService) replay(ctx context.Context, kind string, req MutationRequest) (*MutationResult, error) {
	rec, err := s.Ledger.FindByRequestID(ctx, req.AccountID, req.RequestID)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Kind != kind || !rec.Amount.Equal(req.Amount) {
		return nil, ErrDuplicateRequest
	}

	account, err := s.Accounts.GetByID(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}
	return &MutationResult{Account: account, Record: rec, Replayed: true}, nil
}
