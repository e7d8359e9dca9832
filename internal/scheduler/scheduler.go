// Package scheduler decides which users are due for their check-in call.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/config"
	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/queue"
	"github.com/acme/checkin-call-engine/internal/repository"
	"github.com/acme/checkin-call-engine/internal/telemetry"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// Enqueuer accepts first-attempt call tasks.
type Enqueuer interface {
	EnqueueCall(ctx context.Context, p queue.CallPayload) error
}

// Settings tune the eligibility rule.
type Settings struct {
	Window          time.Duration
	DefaultLocation *time.Location
	DefaultCallTime string
}

// SettingsFromConfig resolves scheduler settings. The configuration has
// already been validated, so an unknown time zone falls back to UTC.
func SettingsFromConfig(cfg config.SchedulerConfig) Settings {
	loc, err := time.LoadLocation(cfg.DefaultTimeZone)
	if err != nil {
		loc = time.UTC
	}
	return Settings{Window: cfg.Window, DefaultLocation: loc, DefaultCallTime: cfg.DefaultCallTime}
}

// TickResult summarises one pass.
type TickResult struct {
	Considered int
	Eligible   int
	Enqueued   int
	Duplicates int
	Failed     int
}

// Scheduler evaluates profiles and enqueues due calls. It never writes call
// records, so re-running a tick is safe.
type Scheduler struct {
	profiles repository.ProfileStore
	calls    repository.CallRecordStore
	enqueuer Enqueuer
	settings Settings
	logger   *logger.Logger
	now      func() time.Time
}

// New constructs a scheduler.
func New(profiles repository.ProfileStore, calls repository.CallRecordStore, enqueuer Enqueuer, settings Settings, lg *logger.Logger) *Scheduler {
	if settings.DefaultLocation == nil {
		settings.DefaultLocation = time.UTC
	}
	if settings.Window <= 0 {
		settings.Window = 5 * time.Minute
	}
	return &Scheduler{
		profiles: profiles,
		calls:    calls,
		enqueuer: enqueuer,
		settings: settings,
		logger:   lg,
		now:      time.Now,
	}
}

// Tick runs one eligibility pass. Per-user failures are counted and logged;
// only a failure to list profiles aborts the tick.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	tracer := otel.Tracer("outbound.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	var result TickResult
	profiles, err := s.profiles.ListCallable(ctx)
	if err != nil {
		span.RecordError(err)
		telemetry.SchedulerTicks.WithLabelValues("error").Inc()
		return result, fmt.Errorf("scheduler: list profiles: %w", err)
	}

	now := s.now().UTC()
	for _, profile := range profiles {
		if ctx.Err() != nil {
			break
		}
		if !profile.Callable() {
			continue
		}
		result.Considered++

		lg := s.logger.With(zap.String("user_id", profile.ID.String()))

		loc, ok := domain.LoadLocation(profile.TimeZone, s.settings.DefaultLocation)
		if !ok {
			lg.Warn("scheduler: unknown time zone, using default", zap.String("time_zone", profile.TimeZone))
		}
		callTime := profile.CallTime
		if callTime == "" {
			callTime = s.settings.DefaultCallTime
		}
		callMinutes, err := domain.ParseCallTime(callTime)
		if err != nil {
			lg.Warn("scheduler: invalid call time", zap.String("call_time", callTime), zap.Error(err))
			continue
		}

		day, due := withinCallWindow(now, loc, callMinutes, s.settings.Window)
		if !due {
			continue
		}

		existing, err := s.calls.ListForUserOnDay(ctx, profile.ID, day)
		if err != nil {
			result.Failed++
			span.RecordError(err)
			lg.Error("scheduler: list calls", zap.Error(err))
			continue
		}
		if repository.HasActiveCall(existing) {
			continue
		}
		result.Eligible++

		payload := queue.CallPayload{
			UserID:      profile.ID,
			PhoneNumber: profile.PhoneNumber,
			Name:        profile.Name,
			TimeZone:    loc.String(),
			CallTime:    callTime,
			Source:      domain.CallSourceScheduler,
			Day:         day,
			EnqueuedAt:  now,
		}
		if err := s.enqueuer.EnqueueCall(ctx, payload); err != nil {
			if errors.Is(err, queue.ErrDuplicateJob) {
				result.Duplicates++
				continue
			}
			result.Failed++
			span.RecordError(err)
			lg.Error("scheduler: enqueue call", zap.Error(err))
			continue
		}
		result.Enqueued++
		telemetry.SchedulerEnqueued.Inc()
		lg.Debug("scheduler: call enqueued", zap.String("day", day))
	}

	span.SetAttributes(
		attribute.Int("profiles.considered", result.Considered),
		attribute.Int("profiles.eligible", result.Eligible),
		attribute.Int("calls.enqueued", result.Enqueued),
	)
	telemetry.SchedulerTicks.WithLabelValues("ok").Inc()
	s.logger.Info("scheduler: tick finished",
		zap.Int("considered", result.Considered),
		zap.Int("eligible", result.Eligible),
		zap.Int("enqueued", result.Enqueued),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// withinCallWindow reports whether now falls in [call, call+window) of the
// user's local clock, and the local day the window opened on. A window that
// crosses midnight belongs to the day it started. Seconds count, so a window
// that is not a whole number of minutes leaves no gap between ticks.
func withinCallWindow(now time.Time, loc *time.Location, callMinutes int, window time.Duration) (string, bool) {
	const day = 24 * time.Hour

	local := now.In(loc)
	current := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	start := time.Duration(callMinutes) * time.Minute
	end := start + window

	if current >= start && current < end {
		return local.Format(domain.DayLayout), true
	}
	if end > day && current < end-day {
		return local.AddDate(0, 0, -1).Format(domain.DayLayout), true
	}
	return "", false
}
