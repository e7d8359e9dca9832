// Package call places outbound check-in calls with the voice vendor.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/repository"
	"github.com/acme/checkin-call-engine/internal/service/retry"
	"github.com/acme/checkin-call-engine/internal/telemetry"
	"github.com/acme/checkin-call-engine/internal/telephony"
	apperrors "github.com/acme/checkin-call-engine/pkg/errors"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// VendorSlot is the limiter slot guarding concurrent vendor requests.
const VendorSlot = "vendor-calls"

// Skip reasons.
const (
	ReasonDuplicate = "call already placed or in progress today"
)

// SlotLimiter bounds concurrent vendor requests across the deployment.
type SlotLimiter interface {
	Wait(ctx context.Context, name string, limit int, interval time.Duration) error
	Release(ctx context.Context, name string, limit int) error
}

// RetryScheduler schedules a follow-up for an unsuccessful record.
type RetryScheduler interface {
	Schedule(ctx context.Context, rec *domain.CallRecord) (retry.Decision, error)
}

// Settings tune the dispatcher.
type Settings struct {
	RequestTimeout  time.Duration
	DefaultLocation *time.Location
	VendorSlots     int
	SlotPoll        time.Duration
}

// Request is a single call attempt.
type Request struct {
	UserID         uuid.UUID
	PhoneNumber    string
	Name           string
	TimeZone       string
	Day            string
	RetryCount     int
	OriginalCallID *uuid.UUID
	Source         domain.CallSource
	// FinalAttempt is set on the last queue attempt so a transport failure
	// goes through the business retry policy instead of the queue.
	FinalAttempt bool
}

// Result describes what the dispatcher did.
type Result struct {
	Skipped        bool
	Reason         string
	Success        bool
	CallID         uuid.UUID
	VendorCallID   string
	Message        string
	RetryScheduled bool
}

// Dispatcher creates the call record and asks the vendor to place the call.
type Dispatcher struct {
	calls    repository.CallRecordStore
	profiles repository.ProfileStore
	events   repository.CallEventLog
	provider telephony.Provider
	retries  RetryScheduler
	slots    SlotLimiter
	settings Settings
	logger   *logger.Logger
	now      func() time.Time
}

// NewDispatcher wires the dispatcher. slots may be nil.
func NewDispatcher(
	calls repository.CallRecordStore,
	profiles repository.ProfileStore,
	events repository.CallEventLog,
	provider telephony.Provider,
	retries RetryScheduler,
	slots SlotLimiter,
	settings Settings,
	lg *logger.Logger,
) *Dispatcher {
	if events == nil {
		events = repository.NopEventLog{}
	}
	if settings.RequestTimeout <= 0 {
		settings.RequestTimeout = 10 * time.Second
	}
	if settings.DefaultLocation == nil {
		settings.DefaultLocation = time.UTC
	}
	return &Dispatcher{
		calls:    calls,
		profiles: profiles,
		events:   events,
		provider: provider,
		retries:  retries,
		slots:    slots,
		settings: settings,
		logger:   lg,
		now:      time.Now,
	}
}

// Dispatch runs one call attempt. A returned error means the attempt should
// be re-run by the queue; vendor rejections are reported in Result instead.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if req.UserID == uuid.Nil || req.PhoneNumber == "" {
		return Result{}, fmt.Errorf("%w: user id and phone number are required", apperrors.ErrValidation)
	}

	tracer := otel.Tracer("outbound.dispatcher")
	ctx, span := tracer.Start(ctx, "call.dispatch", trace.WithAttributes(
		attribute.String("user.id", req.UserID.String()),
		attribute.Int("retry.count", req.RetryCount),
		attribute.String("call.source", string(req.Source)),
	))
	defer span.End()

	lg := d.logger.WithContext(ctx).With(
		zap.String("user_id", req.UserID.String()),
		zap.Int("retry_count", req.RetryCount),
		zap.String("source", string(req.Source)),
	)

	now := d.now().UTC()
	loc, ok := domain.LoadLocation(req.TimeZone, d.settings.DefaultLocation)
	if !ok {
		lg.Warn("unknown time zone, using default", zap.String("time_zone", req.TimeZone))
	}
	day := req.Day
	if day == "" {
		day = domain.LocalDay(now, loc)
	}

	if req.RetryCount == 0 {
		existing, err := d.calls.ListForUserOnDay(ctx, req.UserID, day)
		if err != nil {
			span.RecordError(err)
			return Result{}, fmt.Errorf("dispatcher: list calls for %s: %w", req.UserID, err)
		}
		if repository.HasActiveCall(existing) {
			telemetry.CallsDispatched.WithLabelValues("duplicate").Inc()
			lg.Info("skipping user with an active call today", zap.String("day", day))
			return Result{Skipped: true, Reason: ReasonDuplicate}, nil
		}
	}

	rec := &domain.CallRecord{
		ID:              uuid.New(),
		UserID:          req.UserID,
		PhoneNumber:     req.PhoneNumber,
		UserName:        req.Name,
		TimeZone:        loc.String(),
		CallDay:         day,
		Vendor:          d.provider.Name(),
		AgentID:         d.provider.AgentID(),
		Status:          domain.CallStatusQueued,
		RetryCount:      req.RetryCount,
		ParentCallID:    req.OriginalCallID,
		Source:          req.Source,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	if err := d.calls.Create(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			telemetry.CallsDispatched.WithLabelValues("duplicate").Inc()
			lg.Info("concurrent first attempt detected, skipping", zap.String("day", day))
			return Result{Skipped: true, Reason: ReasonDuplicate}, nil
		}
		telemetry.CallsDispatched.WithLabelValues("create_failed").Inc()
		span.RecordError(err)
		return Result{}, fmt.Errorf("dispatcher: create record: %w", err)
	}
	span.SetAttributes(attribute.String("call.id", rec.ID.String()))
	lg = lg.With(zap.String("call_id", rec.ID.String()))

	release, err := d.waitForSlot(ctx)
	if err != nil {
		return d.transportFailure(ctx, lg, span, rec, req, err)
	}
	if release != nil {
		defer release()
	}

	callCtx, cancel := context.WithTimeout(ctx, d.settings.RequestTimeout)
	started := time.Now()
	res, callErr := d.provider.InitiateCall(callCtx, telephony.InitiateRequest{
		ToNumber: req.PhoneNumber,
		AgentID:  rec.AgentID,
		Metadata: map[string]string{
			"call_id":     rec.ID.String(),
			"user_id":     req.UserID.String(),
			"name":        req.Name,
			"retry_count": strconv.Itoa(req.RetryCount),
		},
	})
	cancel()
	telemetry.VendorLatency.WithLabelValues(d.provider.Name()).Observe(time.Since(started).Seconds())

	if callErr != nil {
		return d.transportFailure(ctx, lg, span, rec, req, callErr)
	}
	if !res.Success {
		return d.rejected(ctx, lg, span, rec, res)
	}
	return d.placed(ctx, lg, span, rec, res)
}

// DispatchForUser is the manual trigger: it loads the profile and places a
// call immediately, outside the call window.
func (d *Dispatcher) DispatchForUser(ctx context.Context, userID uuid.UUID) (Result, error) {
	profile, err := d.profiles.Get(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("dispatcher: load profile %s: %w", userID, err)
	}
	if profile.PhoneNumber == "" {
		return Result{Message: "no phone number on file"}, nil
	}
	// No queue re-runs a manual attempt, so a transport error goes straight
	// to the retry policy.
	res, err := d.Dispatch(ctx, Request{
		UserID:       profile.ID,
		PhoneNumber:  profile.PhoneNumber,
		Name:         profile.Name,
		TimeZone:     profile.TimeZone,
		Source:       domain.CallSourceManual,
		FinalAttempt: true,
	})
	if err != nil {
		return res, err
	}
	switch {
	case res.Skipped:
		res.Message = "a check-in call is already in progress or completed today"
	case res.Success:
		res.Message = "check-in call initiated"
	case res.RetryScheduled:
		res.Message = "the call could not be placed, another attempt is scheduled"
	default:
		res.Message = "the call could not be placed"
	}
	return res, nil
}

func (d *Dispatcher) waitForSlot(ctx context.Context) (func(), error) {
	if d.slots == nil || d.settings.VendorSlots <= 0 {
		return nil, nil
	}
	if err := d.slots.Wait(ctx, VendorSlot, d.settings.VendorSlots, d.settings.SlotPoll); err != nil {
		return nil, err
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := d.slots.Release(rctx, VendorSlot, d.settings.VendorSlots); err != nil {
			d.logger.Warn("release vendor slot", zap.Error(err))
		}
	}, nil
}

func (d *Dispatcher) transportFailure(ctx context.Context, lg *zap.Logger, span trace.Span, rec *domain.CallRecord, req Request, cause error) (Result, error) {
	telemetry.CallsDispatched.WithLabelValues("transport_error").Inc()
	span.RecordError(cause)
	span.SetStatus(codes.Error, "vendor transport error")

	rec.VendorPayload = mustJSON(map[string]any{"error": cause.Error(), "transport": true})
	rec.SetStatus(domain.CallStatusFailed, d.now().UTC())
	if err := d.calls.Update(ctx, rec); err != nil {
		lg.Error("mark record failed after transport error", zap.Error(err))
	}
	d.appendEvent(ctx, lg, rec, rec.VendorPayload)

	if !req.FinalAttempt {
		lg.Warn("vendor transport error, queue will retry", zap.Error(cause))
		return Result{CallID: rec.ID, Message: cause.Error()}, fmt.Errorf("dispatcher: vendor request: %w", cause)
	}

	lg.Warn("vendor transport error on final attempt", zap.Error(cause))
	result := Result{CallID: rec.ID, Message: cause.Error()}
	result.RetryScheduled = d.scheduleRetry(ctx, lg, rec)
	return result, nil
}

func (d *Dispatcher) rejected(ctx context.Context, lg *zap.Logger, span trace.Span, rec *domain.CallRecord, res telephony.InitiateResult) (Result, error) {
	telemetry.CallsDispatched.WithLabelValues("rejected").Inc()
	span.SetStatus(codes.Error, "vendor rejected call")

	payload := map[string]any{"error": res.Error}
	if len(res.Raw) > 0 {
		payload["vendor_response"] = json.RawMessage(res.Raw)
	}
	rec.VendorPayload = mustJSON(payload)
	rec.SetStatus(domain.CallStatusFailed, d.now().UTC())
	if err := d.calls.Update(ctx, rec); err != nil {
		lg.Error("mark rejected record failed", zap.Error(err))
	}
	d.appendEvent(ctx, lg, rec, rec.VendorPayload)
	lg.Warn("vendor rejected call", zap.String("error", res.Error))

	result := Result{CallID: rec.ID, Message: res.Error}
	result.RetryScheduled = d.scheduleRetry(ctx, lg, rec)
	return result, nil
}

func (d *Dispatcher) placed(ctx context.Context, lg *zap.Logger, span trace.Span, rec *domain.CallRecord, res telephony.InitiateResult) (Result, error) {
	telemetry.CallsDispatched.WithLabelValues("placed").Inc()

	vendorID := res.VendorCallID
	rec.VendorCallID = &vendorID
	if len(res.Raw) > 0 {
		rec.VendorPayload = res.Raw
	}
	rec.SetStatus(domain.CallStatusRinging, d.now().UTC())
	if err := d.calls.Update(ctx, rec); err != nil {
		// The call is live at the vendor; webhooks cannot be matched until
		// an operator reconciles the record.
		telemetry.StateInconsistencies.Inc()
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("state.inconsistent", true))
		lg.Error("record update failed for live call",
			zap.Bool("critical", true),
			zap.String("vendor_call_id", vendorID),
			zap.Error(err),
		)
	}
	d.appendEvent(ctx, lg, rec, res.Raw)
	lg.Info("call placed", zap.String("vendor_call_id", vendorID))

	msg := res.Message
	if msg == "" {
		msg = "call placed"
	}
	return Result{Success: true, CallID: rec.ID, VendorCallID: vendorID, Message: msg}, nil
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, lg *zap.Logger, rec *domain.CallRecord) bool {
	if d.retries == nil {
		return false
	}
	decision, err := d.retries.Schedule(ctx, rec)
	if err != nil {
		lg.Error("schedule retry", zap.Error(err))
		return false
	}
	return decision.Retry
}

func (d *Dispatcher) appendEvent(ctx context.Context, lg *zap.Logger, rec *domain.CallRecord, payload []byte) {
	event := domain.CallEvent{
		CallID:     rec.ID,
		Source:     domain.EventSourceDispatch,
		Status:     rec.Status,
		Payload:    payload,
		OccurredAt: d.now().UTC(),
	}
	if err := d.events.Append(ctx, event); err != nil {
		lg.Warn("append call event", zap.Error(err))
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
