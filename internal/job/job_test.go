package job

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"finledger/internal/config"
	"finledger/internal/infrastructure/database"
	"finledger/internal/infrastructure/mq"
	"finledger/internal/model"
	"finledger/internal/repository"
	"finledger/internal/service"

	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:", LogLevel: "silent"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db
}

func testDeps(db *gorm.DB) service.Deps {
	return service.Deps{
		DB:         db,
		Accounts:   repository.NewAccountRepository(db),
		Ledger:     repository.NewTransactionRepository(db),
		Outbox:     repository.NewOutboxRepository(db),
		EventTopic: "ledger_events",
		Retry:      service.DefaultRetryPolicy,
		Now:        time.Now,
	}
}

func seed(t *testing.T, deps service.Deps, amounts ...string) []string {
	t.Helper()
	svc := service.NewAccountService(deps)
	ctx := context.Background()
	var ids []string
	for _, amt := range amounts {
		a, err := svc.Register(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Deposit(ctx, service.MutationRequest{AccountID: a.ID, Amount: decimal.RequireFromString(amt)}); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, a.ID)
	}
	return ids
}

func TestOutboxSenderPublishes(t *testing.T) {
	db := newTestDB(t)
	seed(t, testDeps(db), "10", "20")

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	publisher := mq.NewPublisher(producer)
	defer publisher.Close()

	sender := NewOutboxSender(db, publisher, 3)
	if sent := sender.processPendingMessages(context.Background()); sent != 2 {
		t.Fatalf("sent=%d want=2", sent)
	}

	repo := repository.NewOutboxRepository(db)
	if n, _ := repo.CountByStatus(context.Background(), model.OutboxStatusSent); n != 2 {
		t.Fatalf("sent rows=%d want=2", n)
	}
	if n, _ := repo.CountByStatus(context.Background(), model.OutboxStatusPending); n != 0 {
		t.Fatalf("pending rows=%d want=0", n)
	}
}

func TestOutboxSenderMarksFailedAfterRetries(t *testing.T) {
	db := newTestDB(t)
	seed(t, testDeps(db), "10")

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker down"))
	producer.ExpectSendMessageAndFail(errors.New("broker down"))
	publisher := mq.NewPublisher(producer)
	defer publisher.Close()

	sender := NewOutboxSender(db, publisher, 2)
	repo := repository.NewOutboxRepository(db)
	ctx := context.Background()

	sender.processPendingMessages(ctx)
	if n, _ := repo.CountByStatus(ctx, model.OutboxStatusPending); n != 1 {
		t.Fatalf("after first failure pending=%d want=1", n)
	}

	sender.processPendingMessages(ctx)
	if n, _ := repo.CountByStatus(ctx, model.OutboxStatusFailed); n != 1 {
		t.Fatalf("after second failure failed=%d want=1", n)
	}
}

func TestOutboxSenderStop(t *testing.T) {
	db := newTestDB(t)
	sender := NewOutboxSender(db, mq.NewPublisher(mocks.NewSyncProducer(t, nil)), 1)

	done := make(chan struct{})
	go func() {
		sender.Start(context.Background())
		close(done)
	}()
	sender.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sender did not stop")
	}
}

func TestReconcileJob(t *testing.T) {
	db := newTestDB(t)
	deps := testDeps(db)
	ids := seed(t, deps, "10", "20", "30")

	transfers := service.NewTransferService(deps)
	if _, err := transfers.Transfer(context.Background(), service.TransferRequest{
		FromAccountID: ids[2], ToAccountID: ids[0], Amount: decimal.RequireFromString("5"),
	}); err != nil {
		t.Fatal(err)
	}

	j := NewReconcileJob(db, time.Minute)
	j.batchSize = 2

	report, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 3 || len(report.Mismatches) != 0 {
		t.Fatalf("report=%+v", report)
	}

	// 绕过服务层直接改余额
	if err := db.Exec("UPDATE account SET balance = 999 WHERE id = ?", ids[1]).Error; err != nil {
		t.Fatal(err)
	}
	report, err = j.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Mismatches) != 1 || report.Mismatches[0].AccountID != ids[1] {
		t.Fatalf("mismatches=%+v", report.Mismatches)
	}
	if !report.Mismatches[0].LedgerSum.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("ledger sum=%s want=20", report.Mismatches[0].LedgerSum)
	}
}

func TestReconcileEmptyAccount(t *testing.T) {
	db := newTestDB(t)
	svc := service.NewAccountService(testDeps(db))
	if _, err := svc.Register(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	report, err := NewReconcileJob(db, 0).RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 1 || len(report.Mismatches) != 0 {
		t.Fatalf("report=%+v", report)
	}
}

func TestSnapshotTxOptions(t *testing.T) {
	if opts := snapshotTxOptions("sqlite"); opts != nil {
		t.Fatalf("sqlite opts=%v", opts)
	}
	for _, dialect := range []string{"mysql", "postgres"} {
		opts := snapshotTxOptions(dialect)
		if len(opts) != 1 || opts[0].Isolation != sql.LevelRepeatableRead || !opts[0].ReadOnly {
			t.Fatalf("%s opts=%+v", dialect, opts)
		}
	}

	db := newTestDB(t)
	if name := db.Dialector.Name(); name != "sqlite" {
		t.Fatalf("dialector name=%q", name)
	}
}
