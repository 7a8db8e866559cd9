package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Producer interface {
	SendMessage(ctx context.Context, topic string, key []byte, value []byte) error
	Close() error
}

type WriterProducer struct {
	writer *kafka.Writer
}

func NewWriterProducer(brokers []string) *WriterProducer {
	return &WriterProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func (p *WriterProducer) SendMessage(ctx context.Context, topic string, key []byte, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to write message to topic %s: %w", topic, err)
	}
	return nil
}

func (p *WriterProducer) Close() error {
	return p.writer.Close()
}

// ConsoleProducer logs messages instead of sending them. Used in local
// development when no broker is running.
type ConsoleProducer struct {
	logger *zap.Logger
}

func NewConsoleProducer(logger *zap.Logger) *ConsoleProducer {
	return &ConsoleProducer{logger: logger}
}

func (p *ConsoleProducer) SendMessage(ctx context.Context, topic string, key []byte, value []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	p.logger.Info("console producer message",
		zap.String("topic", topic),
		zap.ByteString("key", key),
		zap.ByteString("value", value))
	return nil
}

func (p *ConsoleProducer) Close() error {
	return nil
}
