package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/config"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// Pool runs one asynq server per job kind so their concurrency is independent:
// the scheduler queue is served one task at a time, calls up to CallConcurrency.
type Pool struct {
	scheduler *asynq.Server
	calls     *asynq.Server
	tickMux   *asynq.ServeMux
	callMux   *asynq.ServeMux
	logger    *logger.Logger
}

// NewPool constructs the worker pool.
func NewPool(opt asynq.RedisConnOpt, cfg config.QueueConfig, lg *logger.Logger) *Pool {
	errHandler := asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		lg.Error("queue: task failed",
			zap.String("type", task.Type()),
			zap.Int("retried", retried),
			zap.Int("max_retry", maxRetry),
			zap.Error(err),
		)
	})

	base := asynq.Config{
		RetryDelayFunc:  ExponentialBackoff(cfg.BackoffBase),
		ErrorHandler:    errHandler,
		Logger:          lg.Sugar(),
		ShutdownTimeout: cfg.ShutdownTimeout,
	}

	tickCfg := base
	tickCfg.Concurrency = 1
	tickCfg.Queues = map[string]int{QueueScheduler: 1}

	callCfg := base
	callCfg.Concurrency = cfg.CallConcurrency
	callCfg.Queues = map[string]int{QueueCalls: 1}

	return &Pool{
		scheduler: asynq.NewServer(opt, tickCfg),
		calls:     asynq.NewServer(opt, callCfg),
		tickMux:   asynq.NewServeMux(),
		callMux:   asynq.NewServeMux(),
		logger:    lg,
	}
}

// HandleTick registers the schedule-tick handler.
func (p *Pool) HandleTick(fn func(context.Context, *asynq.Task) error) {
	p.tickMux.HandleFunc(TypeScheduleTick, fn)
}

// HandleCall registers the process-user-call handler.
func (p *Pool) HandleCall(fn func(context.Context, *asynq.Task) error) {
	p.callMux.HandleFunc(TypeProcessUserCall, fn)
}

// Run starts both servers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.scheduler.Start(p.tickMux); err != nil {
		return fmt.Errorf("queue: start scheduler server: %w", err)
	}
	if err := p.calls.Start(p.callMux); err != nil {
		p.scheduler.Shutdown()
		return fmt.Errorf("queue: start call server: %w", err)
	}
	p.logger.Info("queue: worker pool started")

	<-ctx.Done()

	p.logger.Info("queue: worker pool stopping")
	p.calls.Shutdown()
	p.scheduler.Shutdown()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// ExponentialBackoff returns base, 2*base, 4*base ... for infra retries.
func ExponentialBackoff(base time.Duration) asynq.RetryDelayFunc {
	if base <= 0 {
		base = 2 * time.Second
	}
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		if n < 0 {
			n = 0
		}
		if n > 16 {
			n = 16
		}
		return base * time.Duration(1<<uint(n))
	}
}
