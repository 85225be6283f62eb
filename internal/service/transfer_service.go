package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"finledger/internal/model"
	"finledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TransferService 两个账户之间的转账
//
// 【原子性】一个事务内完成四次写：
//  1. 条件扣减转出账户（余额不足由数据库在写入时判定）
//  2. 增加转入账户
//  3. 转出流水 transfer_out
//  4. 转入流水 transfer_in
//
// 任何一步失败整个事务回滚，不会出现只扣不加、有余额变化没流水的情况
type TransferService struct {
	Deps
}

func NewTransferService(d Deps) *TransferService {
	return &TransferService{Deps: d}
}

type TransferRequest struct {
	FromAccountID string
	ToAccountID   string
	Amount        decimal.Decimal
	RequestID     string
}

type TransferResult struct {
	TransferNo    string          `json:"transfer_no"`
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	FromBalance   decimal.Decimal `json:"from_balance"`
	Replayed      bool            `json:"replayed,omitempty"`
}

type transferLeg struct {
	accountID string
	delta     decimal.Decimal
}

func (s *TransferService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	const op = "transfer"
	fail := func(err error) (*TransferResult, error) {
		return nil, opError(op, req.FromAccountID, req.Amount, err)
	}

	// 1. 参数校验，不访问存储
	if err := validateAmount(req.Amount); err != nil {
		return fail(err)
	}
	if req.FromAccountID == "" {
		return fail(ErrAccountNotFound)
	}
	if req.ToAccountID == "" {
		return fail(ErrRecipientNotFound)
	}
	if req.FromAccountID == req.ToAccountID {
		return fail(ErrSameAccount)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	if req.RequestID != "" {
		result, err := s.replay(ctx, req)
		if err != nil {
			return fail(err)
		}
		if result != nil {
			return result, nil
		}
	}

	if _, err := s.Accounts.GetByID(ctx, req.ToAccountID); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return fail(ErrRecipientNotFound)
		}
		return fail(fmt.Errorf("%w: 查询收款账户: %w", ErrTransferFailed, err))
	}

	// 快速拒绝：只是提前失败，不作为余额判断依据，真正的判断在事务里的条件更新
	if s.TransferPrecheck {
		from, err := s.Accounts.GetByID(ctx, req.FromAccountID)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return fail(err)
			}
			return fail(fmt.Errorf("%w: 查询转出账户: %w", ErrTransferFailed, err))
		}
		if from.Balance.LessThan(req.Amount) {
			return fail(ErrInsufficientFunds)
		}
	}

	release, err := s.lock(ctx, req.FromAccountID)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrTransferFailed, err))
	}
	defer release()

	// 重试时复用同一组单号和金额，不根据重新读到的余额重新计算
	transferNo := idgen.GenerateTransferNo()
	outNo := idgen.GenerateTransactionNo()
	inNo := idgen.GenerateTransactionNo()
	var requestID *string
	if req.RequestID != "" {
		requestID = &req.RequestID
	}

	// 按账户ID升序加行锁，两个方向相反的转账不会互相死锁
	legs := []transferLeg{
		{accountID: req.FromAccountID, delta: req.Amount.Neg()},
		{accountID: req.ToAccountID, delta: req.Amount},
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].accountID < legs[j].accountID })

	var result *TransferResult
	attempts, err := s.Retry.Do(ctx, func(ctx context.Context) error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			balances := make(map[string]decimal.Decimal, 2)
			for _, leg := range legs {
				account, err := s.Accounts.ConditionalAdjust(ctx, tx, leg.accountID, leg.delta)
				if err != nil {
					if leg.accountID == req.ToAccountID && errors.Is(err, ErrAccountNotFound) {
						return ErrRecipientNotFound
					}
					return err
				}
				balances[leg.accountID] = account.Balance
			}

			out := &model.TransactionRecord{
				TransactionNo:         outNo,
				AccountID:             req.FromAccountID,
				Kind:                  model.KindTransferOut,
				Amount:                req.Amount,
				CounterpartyAccountID: req.ToAccountID,
				TransferNo:            transferNo,
				BalanceAfter:          balances[req.FromAccountID],
				RequestID:             requestID,
			}
			in := &model.TransactionRecord{
				TransactionNo:         inNo,
				AccountID:             req.ToAccountID,
				Kind:                  model.KindTransferIn,
				Amount:                req.Amount,
				CounterpartyAccountID: req.FromAccountID,
				TransferNo:            transferNo,
				BalanceAfter:          balances[req.ToAccountID],
			}
			if err := s.Ledger.Append(ctx, tx, out); err != nil {
				return fmt.Errorf("记录转出流水失败: %w", err)
			}
			if err := s.Ledger.Append(ctx, tx, in); err != nil {
				return fmt.Errorf("记录转入流水失败: %w", err)
			}

			if err := s.events().record(ctx, tx, EventTransferCommitted, req.FromAccountID, transferNo, out, in); err != nil {
				return err
			}

			result = &TransferResult{
				TransferNo:    transferNo,
				FromAccountID: req.FromAccountID,
				ToAccountID:   req.ToAccountID,
				Amount:        req.Amount,
				FromBalance:   balances[req.FromAccountID],
			}
			return nil
		})
	})

	if err != nil {
		if req.RequestID != "" {
			if replayed, replayErr := s.replay(ctx, req); replayErr == nil && replayed != nil {
				return replayed, nil
			}
		}

		zap.L().Warn("转账失败",
			zap.String("from", req.FromAccountID),
			zap.String("to", req.ToAccountID),
			zap.String("amount", req.Amount.String()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)

		// 余额不足、账户不存在属于业务拒绝，原样返回；其余都归为转账失败，事务已整体回滚
		switch {
		case errors.Is(err, ErrInsufficientFunds),
			errors.Is(err, ErrAccountNotFound),
			errors.Is(err, ErrRecipientNotFound):
			return fail(err)
		default:
			return fail(fmt.Errorf("%w: 尝试 %d 次: %w", ErrTransferFailed, attempts, err))
		}
	}

	zap.L().Info("转账成功",
		zap.String("transfer_no", transferNo),
		zap.String("from", req.FromAccountID),
		zap.String("to", req.ToAccountID),
		zap.String("amount", req.Amount.String()),
	)
	return result, nil
}

// replay 按幂等键查找已经完成的转账
func (s *TransferService) replay(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	rec, err := s.Ledger.FindByRequestID(ctx, req.FromAccountID, req.RequestID)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Kind != model.KindTransferOut || rec.CounterpartyAccountID != req.ToAccountID || !rec.Amount.Equal(req.Amount) {
		return nil, ErrDuplicateRequest
	}
	return &TransferResult{
		TransferNo:    rec.TransferNo,
		FromAccountID: rec.AccountID,
		ToAccountID:   rec.CounterpartyAccountID,
		Amount:        rec.Amount,
		FromBalance:   rec.BalanceAfter,
		Replayed:      true,
	}, nil
}
