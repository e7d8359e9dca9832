// Package retry decides whether an unsuccessful call is attempted again and
// schedules the follow-up attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/config"
	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/queue"
	"github.com/acme/checkin-call-engine/internal/repository"
	"github.com/acme/checkin-call-engine/internal/telemetry"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// Reasons reported on a Decision.
const (
	ReasonNotRetryable     = "status is not retryable"
	ReasonExhausted        = "retry budget exhausted"
	ReasonScheduled        = "retry scheduled"
	ReasonAlreadyScheduled = "retry already scheduled"
)

// Policy is the pure retry rule.
type Policy struct {
	MaxRetries int
	Delay      time.Duration
}

// NewPolicy builds a policy from configuration.
func NewPolicy(cfg config.RetryConfig) Policy {
	return Policy{MaxRetries: cfg.MaxRetries, Delay: cfg.Delay}
}

// Decision is the outcome of evaluating a finished call.
type Decision struct {
	Retry          bool
	NextRetryCount int
	Delay          time.Duration
	Reason         string
}

// Decide reports whether a call that ended with status after retryCount
// retries gets another attempt.
func (p Policy) Decide(status domain.CallStatus, retryCount int) Decision {
	if !status.Retryable() {
		return Decision{Reason: ReasonNotRetryable}
	}
	if retryCount >= p.MaxRetries {
		return Decision{Reason: ReasonExhausted}
	}
	return Decision{
		Retry:          true,
		NextRetryCount: retryCount + 1,
		Delay:          p.Delay,
		Reason:         ReasonScheduled,
	}
}

// Enqueuer schedules delayed call tasks.
type Enqueuer interface {
	EnqueueRetry(ctx context.Context, p queue.CallPayload, delay time.Duration) error
}

// Engine applies the policy to stored records and enqueues the follow-up.
// Scheduling is idempotent: a parent with a child record or a queued retry
// task is never scheduled twice.
type Engine struct {
	policy   Policy
	calls    repository.CallRecordStore
	enqueuer Enqueuer
	logger   *logger.Logger
	now      func() time.Time
}

// NewEngine wires the retry engine.
func NewEngine(policy Policy, calls repository.CallRecordStore, enqueuer Enqueuer, lg *logger.Logger) *Engine {
	return &Engine{policy: policy, calls: calls, enqueuer: enqueuer, logger: lg, now: time.Now}
}

// Policy returns the configured rule.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Schedule evaluates rec and enqueues a retry when the policy allows one.
// Decision.Retry is true only when this call enqueued the retry.
func (e *Engine) Schedule(ctx context.Context, rec *domain.CallRecord) (Decision, error) {
	decision := e.policy.Decide(rec.Status, rec.RetryCount)
	if !decision.Retry {
		if decision.Reason == ReasonExhausted {
			telemetry.RetriesScheduled.WithLabelValues("exhausted").Inc()
			e.logger.Info("retry budget exhausted",
				zap.String("call_id", rec.ID.String()),
				zap.String("user_id", rec.UserID.String()),
				zap.Int("retry_count", rec.RetryCount),
			)
		}
		return decision, nil
	}

	exists, err := e.calls.HasRetryChild(ctx, rec.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("retry: check child of %s: %w", rec.ID, err)
	}
	if exists {
		telemetry.RetriesScheduled.WithLabelValues("duplicate").Inc()
		return Decision{Reason: ReasonAlreadyScheduled}, nil
	}

	parent := rec.ID
	payload := queue.CallPayload{
		UserID:         rec.UserID,
		PhoneNumber:    rec.PhoneNumber,
		Name:           rec.UserName,
		TimeZone:       rec.TimeZone,
		RetryCount:     decision.NextRetryCount,
		OriginalCallID: &parent,
		Source:         domain.CallSourceRetry,
		Day:            rec.CallDay,
		EnqueuedAt:     e.now().UTC(),
	}
	if err := e.enqueuer.EnqueueRetry(ctx, payload, decision.Delay); err != nil {
		if errors.Is(err, queue.ErrDuplicateJob) {
			telemetry.RetriesScheduled.WithLabelValues("duplicate").Inc()
			return Decision{Reason: ReasonAlreadyScheduled}, nil
		}
		telemetry.RetriesScheduled.WithLabelValues("error").Inc()
		return Decision{}, fmt.Errorf("retry: enqueue for %s: %w", rec.ID, err)
	}

	telemetry.RetriesScheduled.WithLabelValues(string(rec.Status)).Inc()
	e.logger.Info("retry scheduled",
		zap.String("call_id", rec.ID.String()),
		zap.String("user_id", rec.UserID.String()),
		zap.String("status", string(rec.Status)),
		zap.Int("next_retry_count", decision.NextRetryCount),
		zap.Duration("delay", decision.Delay),
	)
	return decision, nil
}
