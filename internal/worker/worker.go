// Package worker binds queue tasks to the scheduler and call dispatcher.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/queue"
	"github.com/acme/checkin-call-engine/internal/scheduler"
	callsvc "github.com/acme/checkin-call-engine/internal/service/call"
	"github.com/acme/checkin-call-engine/internal/telemetry"
	apperrors "github.com/acme/checkin-call-engine/pkg/errors"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// TickSlot is the limiter slot that keeps one tick running per deployment.
const TickSlot = "schedule-tick"

// Ticker runs one eligibility pass.
type Ticker interface {
	Tick(ctx context.Context) (scheduler.TickResult, error)
}

// Dispatcher places one call.
type Dispatcher interface {
	Dispatch(ctx context.Context, req callsvc.Request) (callsvc.Result, error)
}

// Lock is a non-blocking deployment-wide slot.
type Lock interface {
	Acquire(ctx context.Context, name string, limit int) (bool, error)
	Release(ctx context.Context, name string, limit int) error
}

// Handlers implements the asynq task handlers.
type Handlers struct {
	ticker     Ticker
	dispatcher Dispatcher
	lock       Lock
	logger     *logger.Logger
}

// New constructs the handlers. lock may be nil when only one worker runs.
func New(ticker Ticker, dispatcher Dispatcher, lock Lock, lg *logger.Logger) *Handlers {
	return &Handlers{ticker: ticker, dispatcher: dispatcher, lock: lock, logger: lg}
}

// Register binds the handlers to the pool.
func (h *Handlers) Register(pool *queue.Pool) {
	pool.HandleTick(h.HandleScheduleTick)
	pool.HandleCall(h.HandleProcessUserCall)
}

// HandleScheduleTick runs the scheduler unless another worker holds the tick slot.
func (h *Handlers) HandleScheduleTick(ctx context.Context, _ *asynq.Task) error {
	if h.lock != nil {
		ok, err := h.lock.Acquire(ctx, TickSlot, 1)
		if err != nil {
			return fmt.Errorf("worker: acquire tick slot: %w", err)
		}
		if !ok {
			telemetry.SchedulerTicks.WithLabelValues("skipped").Inc()
			h.logger.Info("worker: tick already running elsewhere, skipping")
			return nil
		}
		defer func() {
			if err := h.lock.Release(context.WithoutCancel(ctx), TickSlot, 1); err != nil {
				h.logger.Warn("worker: release tick slot", zap.Error(err))
			}
		}()
	}

	if _, err := h.ticker.Tick(ctx); err != nil {
		return err
	}
	return nil
}

// HandleProcessUserCall dispatches one call. Transport errors are returned so
// asynq re-runs the task with backoff; invalid payloads are not retried.
func (h *Handlers) HandleProcessUserCall(ctx context.Context, task *asynq.Task) error {
	p, err := queue.DecodeCallPayload(task)
	if err != nil {
		return err
	}

	req := callsvc.Request{
		UserID:         p.UserID,
		PhoneNumber:    p.PhoneNumber,
		Name:           p.Name,
		TimeZone:       p.TimeZone,
		Day:            p.Day,
		RetryCount:     p.RetryCount,
		OriginalCallID: p.OriginalCallID,
		Source:         p.Source,
		FinalAttempt:   finalAttempt(ctx),
	}

	res, err := h.dispatcher.Dispatch(ctx, req)
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	h.logger.Debug("worker: call processed",
		zap.String("user_id", p.UserID.String()),
		zap.Bool("skipped", res.Skipped),
		zap.Bool("success", res.Success),
		zap.Bool("retry_scheduled", res.RetryScheduled),
	)
	return nil
}

func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried >= maxRetry
}
