package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"finledger/internal/model"

	"gorm.io/gorm"
)

const (
	EventBalanceChanged    = "BALANCE_CHANGED"
	EventTransferCommitted = "TRANSFER_COMMITTED"
)

// eventRecorder 在业务事务内写本地消息表，由 OutboxSender 投递
type eventRecorder struct {
	outbox EventOutbox
	topic  string
}

func (e eventRecorder) record(ctx context.Context, tx *gorm.DB, eventType, key, transferNo string, records ...*model.TransactionRecord) error {
	if e.outbox == nil || e.topic == "" {
		return nil
	}

	payload, err := json.Marshal(model.LedgerEvent{
		EventType:  eventType,
		TransferNo: transferNo,
		Records:    records,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      e.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := e.outbox.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}
