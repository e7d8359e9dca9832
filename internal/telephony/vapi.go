package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/acme/checkin-call-engine/internal/config"
	"github.com/acme/checkin-call-engine/internal/domain"
	apperrors "github.com/acme/checkin-call-engine/pkg/errors"
)

// vapiStatuses covers call.status values.
var vapiStatuses = map[string]domain.CallStatus{
	"scheduled":   domain.CallStatusQueued,
	"queued":      domain.CallStatusQueued,
	"ringing":     domain.CallStatusRinging,
	"in-progress": domain.CallStatusInProgress,
	"forwarding":  domain.CallStatusInProgress,
	"ended":       domain.CallStatusCompleted,
}

// vapiEndedReasons refines an "ended" call. Anything else that ended is failed.
var vapiEndedReasons = map[string]domain.CallStatus{
	"customer-ended-call":                         domain.CallStatusCompleted,
	"assistant-ended-call":                        domain.CallStatusCompleted,
	"assistant-said-end-call-phrase":              domain.CallStatusCompleted,
	"exceeded-max-duration":                       domain.CallStatusCompleted,
	"silence-timed-out":                           domain.CallStatusCompleted,
	"customer-did-not-answer":                     domain.CallStatusNoAnswer,
	"customer-did-not-give-microphone-permission": domain.CallStatusNoAnswer,
	"voicemail":                                   domain.CallStatusNoAnswer,
	"customer-busy":                               domain.CallStatusBusy,
	"twilio-failed-to-connect-call":               domain.CallStatusFailed,
	"assistant-error":                             domain.CallStatusFailed,
	"pipeline-error":                              domain.CallStatusFailed,
}

// Vapi places calls through the Vapi REST API.
type Vapi struct {
	cfg           config.VapiConfig
	client        *http.Client
	allowUnsigned bool
}

// NewVapi validates credentials and builds the adapter.
func NewVapi(cfg config.VapiConfig, timeout time.Duration, allowUnsigned bool) (*Vapi, error) {
	switch {
	case cfg.APIKey == "":
		return nil, fmt.Errorf("%w: vapi api key is required", apperrors.ErrValidation)
	case cfg.AssistantID == "":
		return nil, fmt.Errorf("%w: vapi assistant id is required", apperrors.ErrValidation)
	case cfg.PhoneNumberID == "":
		return nil, fmt.Errorf("%w: vapi phone number id is required", apperrors.ErrValidation)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.vapi.ai"
	}
	return &Vapi{cfg: cfg, client: newHTTPClient(timeout), allowUnsigned: allowUnsigned}, nil
}

func (v *Vapi) Name() string            { return string(KindVapi) }
func (v *Vapi) AgentID() string         { return v.cfg.AssistantID }
func (v *Vapi) SignatureHeader() string { return "X-Vapi-Secret" }

type vapiCreateCall struct {
	AssistantID   string            `json:"assistantId"`
	PhoneNumberID string            `json:"phoneNumberId"`
	Customer      vapiCustomer      `json:"customer"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type vapiCustomer struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

type vapiCall struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	EndedReason string            `json:"endedReason"`
	Metadata    map[string]string `json:"metadata"`
	Message     any               `json:"message"`
}

// InitiateCall implements Provider.
func (v *Vapi) InitiateCall(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	agent := req.AgentID
	if agent == "" {
		agent = v.cfg.AssistantID
	}
	body := vapiCreateCall{
		AssistantID:   agent,
		PhoneNumberID: v.cfg.PhoneNumberID,
		Customer:      vapiCustomer{Number: req.ToNumber, Name: req.Metadata["name"]},
		Metadata:      req.Metadata,
	}

	status, resp, err := postJSON(ctx, v.client, strings.TrimRight(v.cfg.BaseURL, "/")+"/call", v.cfg.APIKey, body)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("vapi: %w", err)
	}
	if !isSuccess(status) {
		return InitiateResult{Success: false, Error: vendorError("vapi", status, resp), Raw: rawOrNil(resp)}, nil
	}

	var call vapiCall
	if err := json.Unmarshal(resp, &call); err != nil || call.ID == "" {
		return InitiateResult{Success: false, Error: "vapi: response without call id", Raw: rawOrNil(resp)}, nil
	}
	return InitiateResult{
		Success:      true,
		VendorCallID: call.ID,
		Status:       mapStatus(vapiStatuses, call.Status),
		Message:      "call queued with vapi",
		Raw:          resp,
	}, nil
}

type vapiWebhook struct {
	Message struct {
		Type            string   `json:"type"`
		Status          string   `json:"status"`
		EndedReason     string   `json:"endedReason"`
		Transcript      string   `json:"transcript"`
		RecordingURL    string   `json:"recordingUrl"`
		DurationSeconds *float64 `json:"durationSeconds"`
		Timestamp       *int64   `json:"timestamp"`
		Artifact        struct {
			Transcript   string `json:"transcript"`
			RecordingURL string `json:"recordingUrl"`
		} `json:"artifact"`
		Call vapiCall `json:"call"`
	} `json:"message"`
}

// ParseWebhook implements Provider. Only status-update and end-of-call-report
// messages carry status; other message types return ErrIgnoredEvent.
func (v *Vapi) ParseWebhook(raw []byte) (WebhookEvent, error) {
	var hook vapiWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: vapi webhook: %v", apperrors.ErrValidation, err)
	}
	msg := hook.Message

	var vendorStatus string
	switch msg.Type {
	case "status-update":
		vendorStatus = msg.Status
	case "end-of-call-report":
		vendorStatus = "ended"
	case "":
		return WebhookEvent{}, fmt.Errorf("%w: vapi webhook: missing message type", apperrors.ErrValidation)
	default:
		return WebhookEvent{}, ErrIgnoredEvent
	}
	if msg.Call.ID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: vapi webhook: missing call id", apperrors.ErrValidation)
	}

	endedReason := msg.EndedReason
	if endedReason == "" {
		endedReason = msg.Call.EndedReason
	}

	ev := WebhookEvent{
		VendorCallID: msg.Call.ID,
		Status:       VapiStatus(vendorStatus, endedReason),
		VendorStatus: vendorStatus,
		Metadata:     msg.Call.Metadata,
		Timestamp:    time.Now().UTC(),
		Raw:          raw,
	}
	if endedReason != "" {
		ev.VendorStatus = vendorStatus + ":" + endedReason
	}
	if msg.Timestamp != nil {
		ev.Timestamp = time.UnixMilli(*msg.Timestamp).UTC()
	}

	transcript := msg.Transcript
	if transcript == "" {
		transcript = msg.Artifact.Transcript
	}
	recording := msg.RecordingURL
	if recording == "" {
		recording = msg.Artifact.RecordingURL
	}
	ev.Transcript = optionalString(transcript)
	ev.RecordingURL = optionalString(recording)
	if msg.DurationSeconds != nil {
		d := int(*msg.DurationSeconds + 0.5)
		ev.DurationSeconds = &d
	}
	return ev, nil
}

// VapiStatus maps a Vapi status and ended reason onto a canonical status.
func VapiStatus(status, endedReason string) domain.CallStatus {
	s := mapStatus(vapiStatuses, status)
	if s != domain.CallStatusCompleted {
		return s
	}
	if endedReason == "" {
		return domain.CallStatusCompleted
	}
	return mapStatus(vapiEndedReasons, endedReason)
}

// VerifyWebhookSignature compares the shared secret header.
func (v *Vapi) VerifyWebhookSignature(_ []byte, signature string) bool {
	return verifySharedSecret(v.cfg.WebhookSecret, signature, v.allowUnsigned)
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return b
}

var _ Provider = (*Vapi)(nil)
