// Package webhook reconciles vendor status callbacks into call records.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/queue"
	"github.com/acme/checkin-call-engine/internal/repository"
	"github.com/acme/checkin-call-engine/internal/service/retry"
	"github.com/acme/checkin-call-engine/internal/telemetry"
	"github.com/acme/checkin-call-engine/internal/telephony"
	apperrors "github.com/acme/checkin-call-engine/pkg/errors"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

var (
	// ErrUnauthorized reports a missing or invalid webhook signature.
	ErrUnauthorized = fmt.Errorf("webhook: %w", apperrors.ErrUnauthorized)
	// ErrMalformedPayload reports a body the vendor adapter could not parse.
	ErrMalformedPayload = fmt.Errorf("webhook: %w", apperrors.ErrValidation)
)

// RetryScheduler schedules a follow-up for an unsuccessful record.
type RetryScheduler interface {
	Schedule(ctx context.Context, rec *domain.CallRecord) (retry.Decision, error)
}

// OutcomePublisher announces terminal call outcomes.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, msg queue.OutcomeMessage) error
}

// Ack is returned to the vendor.
type Ack struct {
	Received       bool              `json:"received"`
	CallID         string            `json:"call_id,omitempty"`
	Status         domain.CallStatus `json:"status,omitempty"`
	Applied        bool              `json:"applied"`
	Ignored        bool              `json:"ignored,omitempty"`
	RetryScheduled bool              `json:"retry_scheduled"`
	Message        string            `json:"message,omitempty"`
}

// Reconciler applies webhook events to call records.
type Reconciler struct {
	provider  telephony.Provider
	calls     repository.CallRecordStore
	events    repository.CallEventLog
	retries   RetryScheduler
	publisher OutcomePublisher
	logger    *logger.Logger
	now       func() time.Time
}

// NewReconciler wires the reconciler. events and publisher may be nil.
func NewReconciler(
	provider telephony.Provider,
	calls repository.CallRecordStore,
	events repository.CallEventLog,
	retries RetryScheduler,
	publisher OutcomePublisher,
	lg *logger.Logger,
) *Reconciler {
	if events == nil {
		events = repository.NopEventLog{}
	}
	if publisher == nil {
		publisher = queue.NopPublisher{}
	}
	return &Reconciler{
		provider:  provider,
		calls:     calls,
		events:    events,
		retries:   retries,
		publisher: publisher,
		logger:    lg,
		now:       time.Now,
	}
}

// SignatureHeader is the request header carrying the vendor signature.
func (r *Reconciler) SignatureHeader() string {
	return r.provider.SignatureHeader()
}

// Handle verifies, parses and applies one webhook delivery. Replays of the
// same delivery are harmless.
func (r *Reconciler) Handle(ctx context.Context, raw []byte, signature string) (Ack, error) {
	if !r.provider.VerifyWebhookSignature(raw, signature) {
		telemetry.WebhooksReceived.WithLabelValues("unauthorized").Inc()
		return Ack{}, ErrUnauthorized
	}

	ev, err := r.provider.ParseWebhook(raw)
	if err != nil {
		if errors.Is(err, telephony.ErrIgnoredEvent) {
			telemetry.WebhooksReceived.WithLabelValues("ignored").Inc()
			return Ack{Received: true, Ignored: true}, nil
		}
		telemetry.WebhooksReceived.WithLabelValues("malformed").Inc()
		return Ack{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	tracer := otel.Tracer("outbound.webhook")
	ctx, span := tracer.Start(ctx, "webhook.reconcile", trace.WithAttributes(
		attribute.String("vendor", r.provider.Name()),
		attribute.String("vendor.call_id", ev.VendorCallID),
		attribute.String("call.status", string(ev.Status)),
	))
	defer span.End()

	lg := r.logger.WithContext(ctx).With(
		zap.String("vendor", r.provider.Name()),
		zap.String("vendor_call_id", ev.VendorCallID),
	)

	rec, err := r.calls.GetByVendorCallID(ctx, r.provider.Name(), ev.VendorCallID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			telemetry.WebhooksReceived.WithLabelValues("unknown_call").Inc()
			lg.Warn("webhook for unknown call")
			return Ack{Received: true, Message: "unknown call"}, nil
		}
		span.RecordError(err)
		return Ack{}, fmt.Errorf("webhook: lookup call: %w", err)
	}
	lg = lg.With(zap.String("call_id", rec.ID.String()))

	wasTerminal := rec.Status.Terminal()
	applied := apply(rec, ev, r.now().UTC())
	if applied {
		if err := r.calls.Update(ctx, rec); err != nil {
			span.RecordError(err)
			return Ack{}, fmt.Errorf("webhook: update call %s: %w", rec.ID, err)
		}
		telemetry.WebhooksReceived.WithLabelValues("applied").Inc()
	} else {
		telemetry.WebhooksReceived.WithLabelValues("stale").Inc()
	}

	event := domain.CallEvent{
		CallID:       rec.ID,
		Source:       domain.EventSourceWebhook,
		Status:       ev.Status,
		VendorStatus: ev.VendorStatus,
		Payload:      ev.Raw,
		OccurredAt:   ev.Timestamp,
	}
	if err := r.events.Append(ctx, event); err != nil {
		lg.Warn("append call event", zap.Error(err))
	}

	if !wasTerminal && rec.Status.Terminal() {
		if err := r.publisher.PublishOutcome(ctx, queue.NewOutcomeMessage(rec, r.now().UTC())); err != nil {
			lg.Error("publish call outcome", zap.Error(err))
		}
	}

	ack := Ack{Received: true, CallID: rec.ID.String(), Status: rec.Status, Applied: applied}
	if rec.Status.Retryable() && r.retries != nil {
		decision, err := r.retries.Schedule(ctx, rec)
		if err != nil {
			span.RecordError(err)
			return Ack{}, fmt.Errorf("webhook: schedule retry for %s: %w", rec.ID, err)
		}
		ack.RetryScheduled = decision.Retry
		ack.Message = decision.Reason
	}

	lg.Info("webhook reconciled",
		zap.String("status", string(rec.Status)),
		zap.String("event_status", string(ev.Status)),
		zap.Bool("applied", applied),
		zap.Bool("retry_scheduled", ack.RetryScheduled),
	)
	return ack, nil
}

// apply merges ev into rec and reports whether anything changed. Status only
// moves forward. Transcript and recording belong to completed calls only and
// fill in once, so a late event can still complete them.
func apply(rec *domain.CallRecord, ev telephony.WebhookEvent, now time.Time) bool {
	changed := false
	if ev.Status.Supersedes(rec.Status) {
		rec.SetStatus(ev.Status, now)
		if len(ev.Raw) > 0 {
			rec.VendorPayload = append([]byte(nil), ev.Raw...)
		}
		changed = true
	}
	if rec.Status == domain.CallStatusCompleted {
		if rec.Transcript == nil && ev.Transcript != nil {
			rec.Transcript = ev.Transcript
			changed = true
		}
		if rec.RecordingURL == nil && ev.RecordingURL != nil {
			rec.RecordingURL = ev.RecordingURL
			changed = true
		}
	}
	if rec.DurationSeconds == nil && ev.DurationSeconds != nil {
		rec.DurationSeconds = ev.DurationSeconds
		changed = true
	}
	return changed
}
