package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/config"
	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/telemetry"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// ErrIgnoredEvent marks webhook events that carry no call status.
var ErrIgnoredEvent = errors.New("telephony: event carries no status")

// InitiateRequest describes an outbound call.
type InitiateRequest struct {
	ToNumber string
	AgentID  string
	Metadata map[string]string
}

// InitiateResult is the vendor's answer to a call request. Vendor-side
// failures are reported with Success false, never as a Go error.
type InitiateResult struct {
	Success      bool
	VendorCallID string
	Status       domain.CallStatus
	Message      string
	Error        string
	Raw          json.RawMessage
}

// WebhookEvent is a vendor callback normalized to canonical vocabulary.
type WebhookEvent struct {
	VendorCallID    string
	Status          domain.CallStatus
	VendorStatus    string
	Transcript      *string
	RecordingURL    *string
	DurationSeconds *int
	Metadata        map[string]string
	Timestamp       time.Time
	Raw             json.RawMessage
}

// Provider abstracts a voice-call vendor.
type Provider interface {
	Name() string
	AgentID() string
	SignatureHeader() string
	InitiateCall(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	ParseWebhook(raw []byte) (WebhookEvent, error)
	VerifyWebhookSignature(raw []byte, signature string) bool
}

// Kind is the closed set of supported vendors.
type Kind string

const (
	KindVapi   Kind = "vapi"
	KindRetell Kind = "retell"
	KindMock   Kind = "mock"
)

// DefaultKind is used when the configured vendor is unknown.
const DefaultKind = KindVapi

// ParseKind maps a configured name onto a Kind.
func ParseKind(name string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(name))) {
	case KindVapi:
		return KindVapi, true
	case KindRetell:
		return KindRetell, true
	case KindMock:
		return KindMock, true
	}
	return DefaultKind, false
}

// New resolves the configured vendor once. An unknown name falls back to
// DefaultKind with a warning; missing credentials are an error.
func New(cfg config.VendorConfig, lg *logger.Logger) (Provider, error) {
	kind, ok := ParseKind(cfg.Provider)
	if !ok {
		telemetry.ProviderFallbacks.Inc()
		lg.Warn("telephony: unknown provider, using default",
			zap.String("configured", cfg.Provider),
			zap.String("default", string(DefaultKind)),
		)
	}
	if cfg.AllowUnsignedWebhooks {
		lg.Warn("telephony: unsigned webhooks are accepted when no secret is configured")
	}

	var (
		p   Provider
		err error
	)
	switch kind {
	case KindRetell:
		p, err = NewRetell(cfg.Retell, cfg.RequestTimeout, cfg.AllowUnsignedWebhooks)
	case KindMock:
		p, err = NewMock(cfg.Mock, cfg.AllowUnsignedWebhooks)
	default:
		p, err = NewVapi(cfg.Vapi, cfg.RequestTimeout, cfg.AllowUnsignedWebhooks)
	}
	if err != nil {
		return nil, fmt.Errorf("telephony: %s: %w", kind, err)
	}
	return p, nil
}

// mapStatus looks value up in table; unknown values map to failed.
func mapStatus(table map[string]domain.CallStatus, value string) domain.CallStatus {
	if s, ok := table[strings.ToLower(strings.TrimSpace(value))]; ok {
		return s
	}
	return domain.CallStatusFailed
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
