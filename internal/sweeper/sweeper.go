// Package sweeper expires overdue delivery tokens in the background so a
// token that nobody ever scans still reaches its terminal state.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/swapden/handover/internal/metrics"
)

const defaultSchedule = "@every 1m"

type TokenExpirer interface {
	MarkExpiredBefore(ctx context.Context, deadline time.Time) (int64, error)
}

type Sweeper struct {
	tokens   TokenExpirer
	logger   *zap.Logger
	schedule string
	cron     *cron.Cron
}

func New(tokens TokenExpirer, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		tokens:   tokens,
		logger:   logger,
		schedule: defaultSchedule,
		cron:     cron.New(),
	}
}

// Run installs the sweep job and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.sweep(ctx)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("expiry sweeper started", zap.String("schedule", s.schedule))

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("expiry sweeper stopped")
	return nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.tokens.MarkExpiredBefore(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		metrics.TokensExpiredTotal.Add(float64(expired))
		s.logger.Info("expired stale tokens", zap.Int64("count", expired))
	}
}
