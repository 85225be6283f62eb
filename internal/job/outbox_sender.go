package job

import (
	"context"
	"time"

	"finledger/internal/model"
	"finledger/internal/repository"
	"finledger/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher 消息投递，mq.Publisher 实现
type Publisher interface {
	Publish(topic, key, value string) error
}

// OutboxSender 轮询本地消息表，把流水事件投递到 Kafka
// 投递成功标记 SENT，失败累加重试次数，超过上限标记 FAILED
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	maxRetry   int
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	log        *zap.Logger
}

func NewOutboxSender(db *gorm.DB, publisher Publisher, maxRetry int) *OutboxSender {
	if maxRetry <= 0 {
		maxRetry = 1
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		maxRetry:   maxRetry,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
		log:        logger.Component("outbox_sender"),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// processPendingMessages 处理一批待发送消息，返回发送成功的条数
func (s *OutboxSender) processPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error("查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		if updateErr := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			s.log.Error("更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
			return false
		}
		s.log.Debug("消息发送成功", zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.String("key", msg.MessageKey))
		return true
	}

	s.log.Warn("消息发送失败", zap.Int64("id", msg.ID), zap.Error(err))

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.log.Error("增加重试次数失败", zap.Int64("id", msg.ID), zap.Error(err))
	}

	if msg.RetryCount+1 >= s.maxRetry {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			s.log.Error("标记消息失败状态失败", zap.Int64("id", msg.ID), zap.Error(err))
		} else {
			s.log.Warn("消息超过最大重试次数，标记为失败", zap.Int64("id", msg.ID))
		}
	}
	return false
}
