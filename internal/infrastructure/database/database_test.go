package database

import (
	"testing"

	"finledger/internal/config"
	"finledger/internal/model"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestOpenSQLiteMigrates(t *testing.T) {
	db, err := Open(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:", LogLevel: "silent"})
	if err != nil {
		t.Fatalf("Open err=%v", err)
	}
	for _, m := range []any{&model.Account{}, &model.TransactionRecord{}, &model.OutboxMessage{}} {
		if !db.Migrator().HasTable(m) {
			t.Fatalf("table for %T not migrated", m)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(&config.DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Fatal("want error for unknown driver")
	}
}

func TestGormLogsGoThroughZap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	db, err := Open(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:", LogLevel: "info"})
	if err != nil {
		t.Fatalf("Open err=%v", err)
	}
	if err := db.Exec("SELECT 1").Error; err != nil {
		t.Fatal(err)
	}

	entries := logs.FilterField(zap.String("component", "gorm")).All()
	if len(entries) == 0 {
		t.Fatal("gorm sql log not written to zap")
	}

	// silent 级别不输出
	before := logs.Len()
	quiet, err := Open(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:", LogLevel: "silent"})
	if err != nil {
		t.Fatal(err)
	}
	quiet.Exec("SELECT 1")
	if logs.Len() != before {
		t.Fatalf("silent level wrote %d entries", logs.Len()-before)
	}
}
