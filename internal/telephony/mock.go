package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/config"
	"github.com/acme/checkin-call-engine/internal/domain"
	apperrors "github.com/acme/checkin-call-engine/pkg/errors"
)

// Mock accepts or rejects calls at random without contacting anyone.
// Its webhook format is the canonical one, which makes it convenient for
// driving the engine by hand in development.
type Mock struct {
	cfg           config.MockConfig
	allowUnsigned bool

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMock constructs a mock provider.
func NewMock(cfg config.MockConfig, allowUnsigned bool) (*Mock, error) {
	if cfg.SuccessRate < 0 || cfg.SuccessRate > 1 {
		return nil, fmt.Errorf("%w: mock success rate must be within [0,1]", apperrors.ErrValidation)
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "mock-agent"
	}
	return &Mock{
		cfg:           cfg,
		allowUnsigned: allowUnsigned,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (m *Mock) Name() string            { return string(KindMock) }
func (m *Mock) AgentID() string         { return m.cfg.AgentID }
func (m *Mock) SignatureHeader() string { return "X-Mock-Signature" }

// InitiateCall implements Provider.
func (m *Mock) InitiateCall(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if err := ctx.Err(); err != nil {
		return InitiateResult{}, err
	}

	m.mu.Lock()
	roll := m.rng.Float64()
	m.mu.Unlock()

	if roll >= m.cfg.SuccessRate {
		return InitiateResult{Success: false, Error: "mock: simulated rejection"}, nil
	}

	id := uuid.NewString()
	raw, _ := json.Marshal(map[string]string{"call_id": id, "to": req.ToNumber, "status": "queued"})
	return InitiateResult{
		Success:      true,
		VendorCallID: id,
		Status:       domain.CallStatusQueued,
		Message:      "mock call accepted",
		Raw:          raw,
	}, nil
}

type mockWebhook struct {
	CallID          string            `json:"call_id"`
	Status          string            `json:"status"`
	Transcript      string            `json:"transcript"`
	RecordingURL    string            `json:"recording_url"`
	DurationSeconds *int              `json:"duration_seconds"`
	Metadata        map[string]string `json:"metadata"`
	Timestamp       *time.Time        `json:"timestamp"`
}

// ParseWebhook implements Provider. Statuses use canonical names.
func (m *Mock) ParseWebhook(raw []byte) (WebhookEvent, error) {
	var hook mockWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: mock webhook: %v", apperrors.ErrValidation, err)
	}
	if hook.CallID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: mock webhook: missing call id", apperrors.ErrValidation)
	}
	status := domain.CallStatus(hook.Status)
	if !status.Valid() {
		status = domain.CallStatusFailed
	}
	ev := WebhookEvent{
		VendorCallID:    hook.CallID,
		Status:          status,
		VendorStatus:    hook.Status,
		Transcript:      optionalString(hook.Transcript),
		RecordingURL:    optionalString(hook.RecordingURL),
		DurationSeconds: hook.DurationSeconds,
		Metadata:        hook.Metadata,
		Timestamp:       time.Now().UTC(),
		Raw:             raw,
	}
	if hook.Timestamp != nil {
		ev.Timestamp = hook.Timestamp.UTC()
	}
	return ev, nil
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the body.
func (m *Mock) VerifyWebhookSignature(raw []byte, signature string) bool {
	return verifyHMAC(m.cfg.WebhookSecret, raw, signature, m.allowUnsigned)
}

// Sign returns the signature header value for body.
func (m *Mock) Sign(body []byte) string {
	return hmacHex(m.cfg.WebhookSecret, body)
}

var _ Provider = (*Mock)(nil)
