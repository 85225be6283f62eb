package repository

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrAccountNotFound    = errors.New("账户不存在")
	ErrAliasTaken         = errors.New("账户别名已被占用")
	ErrInsufficientFunds  = errors.New("余额不足")
	ErrConflict           = errors.New("并发写冲突，请重试")
	ErrStorageUnavailable = errors.New("存储暂时不可用")
	ErrInvalidRecord      = errors.New("流水记录不完整")
)

// MySQL 可重试的错误码
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// PostgreSQL 可重试的 SQLSTATE
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// classify 把驱动层的瞬时故障统一成 ErrStorageUnavailable，其余错误原样返回
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return err
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlLockWaitTimeout, mysqlDeadlock:
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}
