// The consumer drains the notification topic and pushes each message to the
// recipient's device through Firebase Cloud Messaging.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/swapden/handover/internal/db"
	"github.com/swapden/handover/internal/logger"
	"github.com/swapden/handover/internal/notify"
	"github.com/swapden/handover/internal/repository"
)

const groupID = "handover-notification-consumer"

func main() {
	log := logger.New()
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db.LoadEnv()

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = "localhost:9092"
	}

	sender, err := notify.NewFCMSender(ctx)
	if err != nil {
		log.Fatal("fcm init failed", zap.Error(err))
	}

	reader := segkafka.NewReader(segkafka.ReaderConfig{
		Brokers:        strings.Split(brokers, ","),
		GroupID:        groupID,
		Topic:          notify.Topic,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        3 * time.Second,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			log.Error("failed to close reader", zap.Error(err))
		}
	}()

	log.Info("notification consumer started",
		zap.String("topic", notify.Topic),
		zap.String("brokers", brokers))

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("consumer stopped")
				return
			}
			log.Error("failed to read message", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		var payload repository.NotificationPayload
		if err := json.Unmarshal(m.Value, &payload); err != nil {
			log.Error("skipping malformed notification",
				zap.ByteString("key", m.Key), zap.Error(err))
			continue
		}

		if err := sender.Send(ctx, payload); err != nil {
			log.Error("failed to deliver notification",
				zap.String("user_id", payload.UserID), zap.Error(err))
			continue
		}

		log.Info("notification delivered",
			zap.String("user_id", payload.UserID),
			zap.String("title", payload.Title))
	}
}
