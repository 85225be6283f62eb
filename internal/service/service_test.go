package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"finledger/internal/config"
	"finledger/internal/infrastructure/database"
	"finledger/internal/model"
	"finledger/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:", LogLevel: "silent"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return Deps{
		DB:           db,
		Accounts:     repository.NewAccountRepository(db),
		Ledger:       repository.NewTransactionRepository(db),
		Retry:        RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond},
		HistoryLimit: 10,
		Now:          time.Now,
	}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newAccount(t *testing.T, deps Deps, balance string) *model.Account {
	t.Helper()
	svc := NewAccountService(deps)
	a, err := svc.Register(context.Background(), "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if balance != "" && balance != "0" {
		if _, err := svc.Deposit(context.Background(), MutationRequest{AccountID: a.ID, Amount: d(balance)}); err != nil {
			t.Fatalf("seed deposit: %v", err)
		}
	}
	return a
}

func balanceOf(t *testing.T, deps Deps, accountID string) decimal.Decimal {
	t.Helper()
	a, err := deps.Accounts.GetByID(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.Balance
}

func recordsOf(t *testing.T, deps Deps, accountID string) []*model.TransactionRecord {
	t.Helper()
	var out []*model.TransactionRecord
	for rec, err := range deps.Ledger.ListByAccount(context.Background(), accountID, repository.LedgerFilter{}) {
		if err != nil {
			t.Fatalf("list ledger: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func assertBalance(t *testing.T, deps Deps, accountID, want string) {
	t.Helper()
	if got := balanceOf(t, deps, accountID); !got.Equal(d(want)) {
		t.Fatalf("balance of %s = %s, want %s", accountID, got, want)
	}
}

// failingLedger 第 failOn 次 Append 时返回错误
type failingLedger struct {
	Ledger
	failOn int
	calls  int
}

var errLedgerDown = errors.New("ledger down")

func (l *failingLedger) Append(ctx context.Context, tx *gorm.DB, rec *model.TransactionRecord) error {
	l.calls++
	if l.calls == l.failOn {
		return errLedgerDown
	}
	return l.Ledger.Append(ctx, tx, rec)
}
