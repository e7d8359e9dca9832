package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/acme/checkin-call-engine/internal/config"
)

// ErrDuplicateJob reports that an equivalent task is already queued.
var ErrDuplicateJob = errors.New("queue: duplicate job")

// Client enqueues tasks. It is safe for concurrent use.
type Client struct {
	inner *asynq.Client
	cfg   config.QueueConfig
	now   func() time.Time
}

// NewClient builds a client over the given Redis connection.
func NewClient(opt asynq.RedisConnOpt, cfg config.QueueConfig) *Client {
	return &Client{inner: asynq.NewClient(opt), cfg: cfg, now: time.Now}
}

// EnqueueCall schedules a first-attempt call. Each user is enqueued at most
// once per local day; later attempts return ErrDuplicateJob.
func (c *Client) EnqueueCall(ctx context.Context, p CallPayload) error {
	if p.Day == "" {
		return fmt.Errorf("queue: call payload for %s has no day", p.UserID)
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = c.now().UTC()
	}
	task, err := newCallTask(p)
	if err != nil {
		return err
	}
	opts := append(c.defaultOptions(), asynq.TaskID(CallTaskID(p)))
	return c.enqueue(ctx, task, opts...)
}

// EnqueueRetry schedules a business retry after delay.
func (c *Client) EnqueueRetry(ctx context.Context, p CallPayload, delay time.Duration) error {
	if p.OriginalCallID == nil {
		return fmt.Errorf("queue: retry without original call id")
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = c.now().UTC()
	}
	task, err := newCallTask(p)
	if err != nil {
		return err
	}
	opts := append(c.defaultOptions(),
		asynq.ProcessIn(delay),
		asynq.TaskID(CallTaskID(p)),
	)
	return c.enqueue(ctx, task, opts...)
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.inner.Close()
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	if _, err := c.inner.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return ErrDuplicateJob
		}
		return fmt.Errorf("queue: enqueue %s: %w", task.Type(), err)
	}
	return nil
}

func (c *Client) defaultOptions() []asynq.Option {
	return CallOptions(c.cfg)
}

// CallOptions are the default options for process-user-call tasks.
func CallOptions(cfg config.QueueConfig) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(QueueCalls),
		asynq.MaxRetry(maxRetry(cfg.MaxAttempts)),
	}
	if cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(cfg.Retention))
	}
	if cfg.TaskTimeout > 0 {
		opts = append(opts, asynq.Timeout(cfg.TaskTimeout))
	}
	return opts
}

// CallTaskID identifies a call task: one per user and day for first
// attempts, one per parent record for retries.
func CallTaskID(p CallPayload) string {
	if p.OriginalCallID != nil {
		return fmt.Sprintf("retry:%s", p.OriginalCallID.String())
	}
	return fmt.Sprintf("call:%s:%s", p.UserID.String(), p.Day)
}

// DecodeCallPayload unmarshals a task body. Decode errors are not retried.
func DecodeCallPayload(task *asynq.Task) (CallPayload, error) {
	var p CallPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("queue: decode %s: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	return p, nil
}

func newCallTask(p CallPayload) (*asynq.Task, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal call payload: %w", err)
	}
	return asynq.NewTask(TypeProcessUserCall, body), nil
}

func maxRetry(attempts int) int {
	if attempts <= 1 {
		return 0
	}
	return attempts - 1
}
