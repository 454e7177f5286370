package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/qlido/BSM-Backend-V2/internal/config"
	"github.com/qlido/BSM-Backend-V2/internal/domain"
)

// Producer publishes sync-outcome audit events to Kafka. Publishing is
// best-effort from the engine's point of view; a dead broker never blocks
// a refresh.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewProducer creates a new audit event producer
func NewProducer(cfg *config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		topic:    cfg.AuditTopic,
		logger:   logger,
	}, nil
}

// PublishSyncEvent publishes one refresh outcome, keyed by student so a
// student's events stay ordered within their partition.
func (p *Producer) PublishSyncEvent(ctx context.Context, event domain.SyncEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling sync event: %w", err)
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.StudentID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("sending sync event: %w", err)
	}
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.producer.Close()
}
