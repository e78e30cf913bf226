package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// Топики доменных событий
const (
	TopicParticipantEvents = "sharing.participant"
	TopicGroupEvents       = "sharing.group"
	TopicOrphanedPayments  = "sharing.payments.orphaned"
)

// Producer публикует доменные события
type Producer interface {
	Publish(ctx context.Context, ev domain.DomainEvent) error
	// Close закрывает соединение продюсера Kafka.
	Close() error
}

type kafkaProducer struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// TopicFor выбирает топик по типу события
func TopicFor(t domain.DomainEventType) string {
	switch {
	case t == domain.EventPaymentOrphaned:
		return TopicOrphanedPayments
	case strings.HasPrefix(string(t), "group."):
		return TopicGroupEvents
	default:
		return TopicParticipantEvents
	}
}

// NewKafkaProducer создает и настраивает новый продюсер Kafka.
func NewKafkaProducer(brokers []string, log *logger.Logger) (Producer, error) {
	if len(brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}

	// RequireOne - ждем подтверждения только от лидера партиции
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	log.Infow("Kafka producer initialized", "brokers", brokers)
	return &kafkaProducer{
		writer: writer,
		log:    log,
	}, nil
}

// buildMessage собирает сообщение: ключ - ID группы, чтобы события одной группы
// попадали в одну партицию и читались по порядку
func buildMessage(ev domain.DomainEvent) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: failed to marshal message data: %w", err)
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return kafka.Message{
		Topic: TopicFor(ev.Type),
		Key:   []byte(ev.GroupID),
		Value: value,
		Time:  at,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}, nil
}

func (k *kafkaProducer) Publish(ctx context.Context, ev domain.DomainEvent) error {
	message, err := buildMessage(ev)
	if err != nil {
		k.log.Errorw("Failed to build Kafka message", "error", err, "type", ev.Type, "groupID", ev.GroupID)
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := k.writer.WriteMessages(writeCtx, message); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			k.log.Errorw("Kafka write timeout exceeded", "error", err, "topic", message.Topic, "groupID", ev.GroupID)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		k.log.Errorw("Failed to write message to Kafka", "error", err, "topic", message.Topic, "groupID", ev.GroupID)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	k.log.Debugw("Published event to Kafka", "topic", message.Topic, "type", ev.Type, "groupID", ev.GroupID)
	return nil
}

// Close закрывает Kafka Writer, вызывается при graceful shutdown.
func (k *kafkaProducer) Close() error {
	k.log.Infow("Closing Kafka producer writer...")
	if err := k.writer.Close(); err != nil {
		k.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	k.log.Infow("Kafka producer writer closed successfully")
	return nil
}
