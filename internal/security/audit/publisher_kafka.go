// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher forwards persisted entries to a Kafka topic for SIEM ingestion.
//
// Messages are keyed by actor (or action for anonymous events) so one user's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher builds an asynchronous writer. Delivery failures are
// reported to logger; they never block or fail the audit write.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Warn("audit_kafka_delivery_failed", slog.Int("messages", len(messages)), slog.Any("error", err))
				}
			},
		},
	}
}

// Publish implements [Publisher].
func (publisher *KafkaPublisher) Publish(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: kafka marshal failed: %w", err)
	}

	if err := publisher.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(messageKey(entry)),
		Value: payload,
		Time:  entry.Timestamp,
	}); err != nil {
		return fmt.Errorf("audit: kafka write failed: %w", err)
	}

	return nil
}

// Close flushes pending messages.
func (publisher *KafkaPublisher) Close() error {
	return publisher.writer.Close()
}

func messageKey(entry Entry) string {
	if entry.ActorID != nil {
		return *entry.ActorID
	}
	return entry.Action
}
