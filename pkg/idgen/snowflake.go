package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 流水号要求全局唯一、趋势递增（便于索引）、不暴露业务量
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// Snowflake 雪花算法ID生成器
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

// NewSnowflake 创建生成器，workerID 取值 0-1023
func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("workerID 必须在 0-%d 之间", maxWorkerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

var (
	defaultGenerator = &Snowflake{workerID: 1}
	initOnce         sync.Once
)

// Init 设置默认生成器的机器ID，只有第一次调用生效
func Init(workerID int64) error {
	var err error
	initOnce.Do(func() {
		var g *Snowflake
		g, err = NewSnowflake(workerID)
		if err == nil {
			defaultGenerator = g
		}
	})
	return err
}

// NextID 生成下一个ID
func NextID() int64 {
	return defaultGenerator.Generate()
}

// Generate 生成ID
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.timestamp {
		// 时钟回拨时沿用上次的时间戳，靠序列号保证唯一
		now = s.timestamp
	}

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// GenerateTransactionNo 生成流水号
// 格式：TXN + 雪花ID，例如 TXN1234567890123456
func GenerateTransactionNo() string {
	return fmt.Sprintf("TXN%d", NextID())
}

// GenerateTransferNo 生成转账单号，转出和转入两条流水共用
func GenerateTransferNo() string {
	return fmt.Sprintf("TRF%d", NextID())
}

// NewAccountID 账户ID，对外不透明
func NewAccountID() string {
	return uuid.NewString()
}
