package events

import (
	"context"
	"strings"

	"mbwayap/internal/config"
	"mbwayap/internal/model"
	"mbwayap/internal/repository"

	"gorm.io/gorm"
)

// OutboxSink 默认事件出口：写发件箱表，由 job.OutboxSender 异步投递 Kafka
type OutboxSink struct {
	outboxRepo *repository.OutboxRepository
	topics     config.KafkaTopicConfig
}

func NewOutboxSink(db *gorm.DB, topics config.KafkaTopicConfig) *OutboxSink {
	return &OutboxSink{
		outboxRepo: repository.NewOutboxRepository(db),
		topics:     topics,
	}
}

func (s *OutboxSink) Publish(ctx context.Context, tx *gorm.DB, event Event) error {
	payload, err := Marshal(event)
	if err != nil {
		return err
	}

	msg := &model.OutboxMessage{
		MessageKey: event.MessageKey(),
		Topic:      s.topicFor(event),
		Payload:    payload,
		Status:     model.OutboxStatusPending,
	}
	return s.outboxRepo.Create(ctx, tx, msg)
}

func (s *OutboxSink) topicFor(event Event) string {
	if strings.HasPrefix(event.EventName(), "charge.") {
		return s.topics.ChargeEvents
	}
	return s.topics.AuthorizationEvents
}
