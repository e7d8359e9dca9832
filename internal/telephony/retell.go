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

var retellStatuses = map[string]domain.CallStatus{
	"registered":    domain.CallStatusQueued,
	"not_connected": domain.CallStatusFailed,
	"ongoing":       domain.CallStatusInProgress,
	"ended":         domain.CallStatusCompleted,
	"error":         domain.CallStatusFailed,
}

var retellDisconnections = map[string]domain.CallStatus{
	"user_hangup":                          domain.CallStatusCompleted,
	"agent_hangup":                         domain.CallStatusCompleted,
	"call_transfer":                        domain.CallStatusCompleted,
	"max_duration_reached":                 domain.CallStatusCompleted,
	"inactivity":                           domain.CallStatusCompleted,
	"voicemail_reached":                    domain.CallStatusNoAnswer,
	"dial_no_answer":                       domain.CallStatusNoAnswer,
	"dial_busy":                            domain.CallStatusBusy,
	"dial_failed":                          domain.CallStatusFailed,
	"invalid_destination":                  domain.CallStatusFailed,
	"telephony_provider_permission_denied": domain.CallStatusFailed,
	"error_llm_websocket_open":             domain.CallStatusFailed,
	"error_retell":                         domain.CallStatusFailed,
	"error_unknown":                        domain.CallStatusFailed,
}

// Retell places calls through the Retell AI REST API.
type Retell struct {
	cfg           config.RetellConfig
	client        *http.Client
	allowUnsigned bool
}

// NewRetell validates credentials and builds the adapter.
func NewRetell(cfg config.RetellConfig, timeout time.Duration, allowUnsigned bool) (*Retell, error) {
	switch {
	case cfg.APIKey == "":
		return nil, fmt.Errorf("%w: retell api key is required", apperrors.ErrValidation)
	case cfg.AgentID == "":
		return nil, fmt.Errorf("%w: retell agent id is required", apperrors.ErrValidation)
	case cfg.FromNumber == "":
		return nil, fmt.Errorf("%w: retell from number is required", apperrors.ErrValidation)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.retellai.com"
	}
	return &Retell{cfg: cfg, client: newHTTPClient(timeout), allowUnsigned: allowUnsigned}, nil
}

func (r *Retell) Name() string            { return string(KindRetell) }
func (r *Retell) AgentID() string         { return r.cfg.AgentID }
func (r *Retell) SignatureHeader() string { return "X-Retell-Signature" }

type retellCreateCall struct {
	FromNumber      string            `json:"from_number"`
	ToNumber        string            `json:"to_number"`
	OverrideAgentID string            `json:"override_agent_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	DynamicVars     map[string]string `json:"retell_llm_dynamic_variables,omitempty"`
}

type retellCall struct {
	CallID              string            `json:"call_id"`
	CallStatus          string            `json:"call_status"`
	DisconnectionReason string            `json:"disconnection_reason"`
	Transcript          string            `json:"transcript"`
	RecordingURL        string            `json:"recording_url"`
	DurationMS          *int64            `json:"duration_ms"`
	StartTimestamp      *int64            `json:"start_timestamp"`
	EndTimestamp        *int64            `json:"end_timestamp"`
	Metadata            map[string]string `json:"metadata"`
}

// InitiateCall implements Provider.
func (r *Retell) InitiateCall(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	agent := req.AgentID
	if agent == "" {
		agent = r.cfg.AgentID
	}
	body := retellCreateCall{
		FromNumber:      r.cfg.FromNumber,
		ToNumber:        req.ToNumber,
		OverrideAgentID: agent,
		Metadata:        req.Metadata,
	}
	if name := req.Metadata["name"]; name != "" {
		body.DynamicVars = map[string]string{"user_name": name}
	}

	url := strings.TrimRight(r.cfg.BaseURL, "/") + "/v2/create-phone-call"
	status, resp, err := postJSON(ctx, r.client, url, r.cfg.APIKey, body)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("retell: %w", err)
	}
	if !isSuccess(status) {
		return InitiateResult{Success: false, Error: vendorError("retell", status, resp), Raw: rawOrNil(resp)}, nil
	}

	var call retellCall
	if err := json.Unmarshal(resp, &call); err != nil || call.CallID == "" {
		return InitiateResult{Success: false, Error: "retell: response without call id", Raw: rawOrNil(resp)}, nil
	}
	return InitiateResult{
		Success:      true,
		VendorCallID: call.CallID,
		Status:       mapStatus(retellStatuses, call.CallStatus),
		Message:      "call registered with retell",
		Raw:          resp,
	}, nil
}

type retellWebhook struct {
	Event string     `json:"event"`
	Call  retellCall `json:"call"`
}

// ParseWebhook implements Provider.
func (r *Retell) ParseWebhook(raw []byte) (WebhookEvent, error) {
	var hook retellWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: retell webhook: %v", apperrors.ErrValidation, err)
	}
	switch hook.Event {
	case "call_started", "call_ended", "call_analyzed":
	case "":
		return WebhookEvent{}, fmt.Errorf("%w: retell webhook: missing event", apperrors.ErrValidation)
	default:
		return WebhookEvent{}, ErrIgnoredEvent
	}
	if hook.Call.CallID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: retell webhook: missing call id", apperrors.ErrValidation)
	}

	call := hook.Call
	vendorStatus := call.CallStatus
	if vendorStatus == "" {
		switch hook.Event {
		case "call_started":
			vendorStatus = "ongoing"
		default:
			vendorStatus = "ended"
		}
	}

	ev := WebhookEvent{
		VendorCallID: call.CallID,
		Status:       RetellStatus(vendorStatus, call.DisconnectionReason),
		VendorStatus: vendorStatus,
		Transcript:   optionalString(call.Transcript),
		RecordingURL: optionalString(call.RecordingURL),
		Metadata:     call.Metadata,
		Timestamp:    time.Now().UTC(),
		Raw:          raw,
	}
	if call.DisconnectionReason != "" {
		ev.VendorStatus = vendorStatus + ":" + call.DisconnectionReason
	}
	switch {
	case call.EndTimestamp != nil:
		ev.Timestamp = time.UnixMilli(*call.EndTimestamp).UTC()
	case call.StartTimestamp != nil:
		ev.Timestamp = time.UnixMilli(*call.StartTimestamp).UTC()
	}
	if call.DurationMS != nil {
		d := int((*call.DurationMS + 500) / 1000)
		ev.DurationSeconds = &d
	}
	return ev, nil
}

// RetellStatus maps a Retell call status and disconnection reason onto a canonical status.
// A call that never connected cannot be completed; its reason only tells
// no_answer and busy apart from failed.
func RetellStatus(status, reason string) domain.CallStatus {
	s := mapStatus(retellStatuses, status)
	if reason == "" {
		return s
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "ended":
		return mapStatus(retellDisconnections, reason)
	case "not_connected":
		if r := mapStatus(retellDisconnections, reason); r != domain.CallStatusCompleted {
			return r
		}
		return domain.CallStatusFailed
	}
	return s
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the body.
func (r *Retell) VerifyWebhookSignature(raw []byte, signature string) bool {
	return verifyHMAC(r.cfg.WebhookSecret, raw, signature, r.allowUnsigned)
}

var _ Provider = (*Retell)(nil)
