package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/swapden/handover/internal/cache"
	"github.com/swapden/handover/internal/db"
	"github.com/swapden/handover/internal/evidence"
	"github.com/swapden/handover/internal/exchange"
	"github.com/swapden/handover/internal/kafka"
	"github.com/swapden/handover/internal/logger"
	"github.com/swapden/handover/internal/media"
	"github.com/swapden/handover/internal/notify"
	"github.com/swapden/handover/internal/repository/postgresql"
	"github.com/swapden/handover/internal/server"
	"github.com/swapden/handover/internal/settlement"
	"github.com/swapden/handover/internal/sweeper"
	"github.com/swapden/handover/internal/token"
)

func main() {
	log := logger.New()
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db.LoadEnv()

	database, err := db.NewDb(ctx)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}
	defer database.GetPool().Close()

	tokenRepo := postgresql.NewTokenRepo(database)
	exchangeRepo := postgresql.NewExchangeRepo(database)
	assetRepo := postgresql.NewAssetRepo(database)
	pointsRepo := postgresql.NewPointsRepo(database)
	outboxRepo := postgresql.NewOutboxTaskRepo(database)
	userRepo := postgresql.NewUserRepo(database)

	seedAdmin(ctx, userRepo, log)

	tokenCache := cache.NewTokenCache(tokenRepo, log)
	if err := tokenCache.LoadInitialData(ctx); err != nil {
		log.Warn("token cache warmup failed", zap.Error(err))
	}

	notifier := notify.NewOutboxNotifier(outboxRepo)
	coordinator := settlement.NewCoordinator(tokenRepo, exchangeRepo, assetRepo, pointsRepo, notifier, log)
	tokenService := token.NewService(tokenRepo, coordinator, tokenCache, log)
	exchangeService := exchange.NewService(exchangeRepo, assetRepo, tokenService, tokenRepo, coordinator, log)

	uploader, err := newUploader(ctx)
	if err != nil {
		log.Fatal("media storage init failed", zap.Error(err))
	}
	evidenceProcessor := evidence.NewProcessor(tokenRepo, uploader, coordinator, log)

	auditManager := server.NewAuditManager(2, 5, 500*time.Millisecond, outboxRepo, log)
	srv := server.New(tokenService, exchangeService, evidenceProcessor, userRepo, auditManager, log)

	publisher := kafka.NewPublisher(database, outboxRepo, newProducer(log), kafka.PublisherConfig{
		PollInterval: 2 * time.Second,
		BatchSize:    50,
		MaxAttempts:  5,
	}, log)

	expirySweeper := sweeper.New(tokenRepo, log)

	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = "9000"
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, port)
	})
	g.Go(func() error {
		publisher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return expirySweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("service stopped with error", zap.Error(err))
		return
	}
	log.Info("service stopped")
}

func seedAdmin(ctx context.Context, users *postgresql.UserRepo, log *zap.Logger) {
	username := os.Getenv("ADMIN_USERNAME")
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" || password == "" {
		return
	}
	if err := users.CreateUser(ctx, username, password); err != nil {
		log.Warn("failed to seed admin user", zap.Error(err))
	}
}

func newProducer(log *zap.Logger) kafka.Producer {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		return kafka.NewConsoleProducer(log)
	}
	return kafka.NewWriterProducer(strings.Split(brokers, ","))
}

func newUploader(ctx context.Context) (evidence.Uploader, error) {
	if bucket := os.Getenv("EVIDENCE_BUCKET"); bucket != "" {
		return media.NewGCSUploader(ctx, bucket)
	}
	dir := os.Getenv("EVIDENCE_DIR")
	if dir == "" {
		dir = "evidence-store"
	}
	return media.NewLocalUploader(dir)
}
