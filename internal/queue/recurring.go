package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/pkg/logger"
)

// Recurring registers the schedule-tick task on a cron cadence.
type Recurring struct {
	opt      asynq.RedisConnOpt
	interval time.Duration
	sync     time.Duration
	logger   *logger.Logger
}

// NewRecurring constructs the registration for the given tick interval.
func NewRecurring(opt asynq.RedisConnOpt, interval, syncInterval time.Duration, lg *logger.Logger) *Recurring {
	return &Recurring{opt: opt, interval: interval, sync: syncInterval, logger: lg}
}

// Cronspec converts the tick interval into a cron expression aligned to the
// wall clock when the interval divides an hour.
func Cronspec(interval time.Duration) string {
	if interval >= time.Minute && interval <= time.Hour && interval%time.Minute == 0 && time.Hour%interval == 0 {
		minutes := int(interval / time.Minute)
		switch minutes {
		case 1:
			return "* * * * *"
		case 60:
			return "0 * * * *"
		}
		return fmt.Sprintf("*/%d * * * *", minutes)
	}
	return fmt.Sprintf("@every %s", interval)
}

// GetConfigs implements asynq.PeriodicTaskConfigProvider.
func (r *Recurring) GetConfigs() ([]*asynq.PeriodicTaskConfig, error) {
	return []*asynq.PeriodicTaskConfig{TickConfig(r.interval)}, nil
}

// TickConfig is the single periodic registration. Unique keeps concurrent
// registrations from enqueueing the same window twice.
func TickConfig(interval time.Duration) *asynq.PeriodicTaskConfig {
	uniq := interval - time.Second
	if uniq < time.Second {
		uniq = time.Second
	}
	return &asynq.PeriodicTaskConfig{
		Cronspec: Cronspec(interval),
		Task:     asynq.NewTask(TypeScheduleTick, nil),
		Opts: []asynq.Option{
			asynq.Queue(QueueScheduler),
			asynq.MaxRetry(0),
			asynq.Unique(uniq),
			asynq.Timeout(interval),
		},
	}
}

// ClearStale removes tick tasks queued by earlier deployments so a restart
// does not replay a backlog of ticks.
func (r *Recurring) ClearStale() (int, error) {
	inspector := asynq.NewInspector(r.opt)
	defer inspector.Close()

	var total int
	pending, err := inspector.DeleteAllPendingTasks(QueueScheduler)
	if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
		return total, fmt.Errorf("queue: clear pending ticks: %w", err)
	}
	total += pending

	scheduled, err := inspector.DeleteAllScheduledTasks(QueueScheduler)
	if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
		return total, fmt.Errorf("queue: clear scheduled ticks: %w", err)
	}
	total += scheduled

	return total, nil
}

// Run clears stale registrations, registers the tick once and blocks until ctx ends.
func (r *Recurring) Run(ctx context.Context) error {
	removed, err := r.ClearStale()
	if err != nil {
		return err
	}
	r.logger.Info("queue: cleared stale ticks", zap.Int("removed", removed))

	mgr, err := asynq.NewPeriodicTaskManager(asynq.PeriodicTaskManagerOpts{
		PeriodicTaskConfigProvider: r,
		RedisConnOpt:               r.opt,
		SchedulerOpts: &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   r.logger.Sugar(),
		},
		SyncInterval: r.sync,
	})
	if err != nil {
		return fmt.Errorf("queue: periodic manager: %w", err)
	}
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("queue: start periodic manager: %w", err)
	}
	r.logger.Info("queue: registered schedule tick", zap.String("cronspec", Cronspec(r.interval)))

	<-ctx.Done()
	mgr.Shutdown()
	return nil
}
