package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/acme/checkin-call-engine/internal/config"
	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

func testVapiConfig(baseURL string) config.VapiConfig {
	return config.VapiConfig{
		BaseURL:       baseURL,
		APIKey:        "key",
		AssistantID:   "asst-1",
		PhoneNumberID: "pn-1",
		WebhookSecret: "shh",
	}
}

func TestStatusMappingIsTotal(t *testing.T) {
	for status := range vapiStatuses {
		for reason := range vapiEndedReasons {
			if got := VapiStatus(status, reason); !got.Valid() {
				t.Fatalf("vapi %s/%s mapped to invalid %q", status, reason, got)
			}
		}
		if got := VapiStatus(status, ""); !got.Valid() {
			t.Fatalf("vapi %s mapped to invalid %q", status, got)
		}
	}
	for status := range retellStatuses {
		for reason := range retellDisconnections {
			if got := RetellStatus(status, reason); !got.Valid() {
				t.Fatalf("retell %s/%s mapped to invalid %q", status, reason, got)
			}
		}
	}

	if got := VapiStatus("teleported", ""); got != domain.CallStatusFailed {
		t.Fatalf("unknown vapi status should map to failed, got %s", got)
	}
	if got := VapiStatus("ended", "solar-flare"); got != domain.CallStatusFailed {
		t.Fatalf("unknown ended reason should map to failed, got %s", got)
	}
	if got := RetellStatus("weird", ""); got != domain.CallStatusFailed {
		t.Fatalf("unknown retell status should map to failed, got %s", got)
	}
}

func TestStatusMappingRefinesEndedCalls(t *testing.T) {
	cases := []struct {
		status, reason string
		want           domain.CallStatus
	}{
		{"ended", "customer-did-not-answer", domain.CallStatusNoAnswer},
		{"ended", "customer-busy", domain.CallStatusBusy},
		{"ended", "customer-ended-call", domain.CallStatusCompleted},
		{"ringing", "", domain.CallStatusRinging},
		{"in-progress", "", domain.CallStatusInProgress},
	}
	for _, tc := range cases {
		if got := VapiStatus(tc.status, tc.reason); got != tc.want {
			t.Errorf("vapi %s/%s: expected %s, got %s", tc.status, tc.reason, tc.want, got)
		}
	}
	if got := RetellStatus("ended", "dial_busy"); got != domain.CallStatusBusy {
		t.Fatalf("expected busy, got %s", got)
	}
	if got := RetellStatus("ended", "dial_no_answer"); got != domain.CallStatusNoAnswer {
		t.Fatalf("expected no_answer, got %s", got)
	}
}

func TestRetellStatusForCallsThatNeverConnected(t *testing.T) {
	cases := []struct {
		reason string
		want   domain.CallStatus
	}{
		{"dial_no_answer", domain.CallStatusNoAnswer},
		{"dial_busy", domain.CallStatusBusy},
		{"dial_failed", domain.CallStatusFailed},
		{"user_hangup", domain.CallStatusFailed},
		{"", domain.CallStatusFailed},
	}
	for _, tc := range cases {
		if got := RetellStatus("not_connected", tc.reason); got != tc.want {
			t.Errorf("not_connected/%s: expected %s, got %s", tc.reason, tc.want, got)
		}
	}
}

func TestNewFallsBackToDefault(t *testing.T) {
	cfg := config.VendorConfig{Provider: "acme-voice", Vapi: testVapiConfig("")}
	p, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != string(DefaultKind) {
		t.Fatalf("expected default provider, got %s", p.Name())
	}
}

func TestNewFailsFastWithoutCredentials(t *testing.T) {
	cfg := config.VendorConfig{Provider: "retell"}
	if _, err := New(cfg, logger.Nop()); err == nil {
		t.Fatalf("expected configuration error")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"call_ended"}`)

	retell, err := NewRetell(config.RetellConfig{APIKey: "k", AgentID: "a", FromNumber: "+1", WebhookSecret: "secret"}, time.Second, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !retell.VerifyWebhookSignature(body, hmacHex("secret", body)) {
		t.Fatalf("expected valid signature")
	}
	if retell.VerifyWebhookSignature(body, hmacHex("other", body)) {
		t.Fatalf("expected wrong key to fail")
	}
	if retell.VerifyWebhookSignature(body, "") {
		t.Fatalf("expected empty signature to fail")
	}

	vapi, _ := NewVapi(testVapiConfig(""), time.Second, false)
	if !vapi.VerifyWebhookSignature(body, "shh") || vapi.VerifyWebhookSignature(body, "nope") {
		t.Fatalf("unexpected shared secret verification result")
	}
}

func TestVerifySignatureWithoutSecret(t *testing.T) {
	body := []byte(`{}`)

	strict, _ := NewMock(config.MockConfig{SuccessRate: 1}, false)
	if strict.VerifyWebhookSignature(body, "anything") {
		t.Fatalf("missing secret must reject by default")
	}

	lax, _ := NewMock(config.MockConfig{SuccessRate: 1}, true)
	if !lax.VerifyWebhookSignature(body, "") {
		t.Fatalf("explicit opt-out should accept unsigned webhooks")
	}
}

func TestVapiInitiateCall(t *testing.T) {
	var got vapiCreateCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/call" || r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"V1","status":"queued"}`))
	}))
	defer srv.Close()

	p, err := NewVapi(testVapiConfig(srv.URL), time.Second, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := p.InitiateCall(context.Background(), InitiateRequest{ToNumber: "+15550100", Metadata: map[string]string{"name": "Ada"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.VendorCallID != "V1" || res.Status != domain.CallStatusQueued {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got.AssistantID != "asst-1" || got.Customer.Number != "+15550100" || got.Customer.Name != "Ada" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestVapiInitiateCallVendorRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid number"}`))
	}))
	defer srv.Close()

	p, _ := NewVapi(testVapiConfig(srv.URL), time.Second, false)
	res, err := p.InitiateCall(context.Background(), InitiateRequest{ToNumber: "bad"})
	if err != nil {
		t.Fatalf("vendor rejection must not be a Go error: %v", err)
	}
	if res.Success || res.Error == "" {
		t.Fatalf("expected failure result with message, got %+v", res)
	}
}

func TestVapiInitiateCallTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	p, _ := NewVapi(testVapiConfig(url), time.Second, false)
	if _, err := p.InitiateCall(context.Background(), InitiateRequest{ToNumber: "+1"}); err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestVapiParseWebhook(t *testing.T) {
	p, _ := NewVapi(testVapiConfig(""), time.Second, false)

	raw := []byte(`{"message":{"type":"end-of-call-report","endedReason":"customer-did-not-answer","durationSeconds":12.6,"call":{"id":"V1"}}}`)
	ev, err := p.ParseWebhook(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.VendorCallID != "V1" || ev.Status != domain.CallStatusNoAnswer {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.DurationSeconds == nil || *ev.DurationSeconds != 13 {
		t.Fatalf("expected rounded duration 13, got %v", ev.DurationSeconds)
	}

	if _, err := p.ParseWebhook([]byte(`{"message":{"type":"speech-update","call":{"id":"V1"}}}`)); !errors.Is(err, ErrIgnoredEvent) {
		t.Fatalf("expected ignored event, got %v", err)
	}
	if _, err := p.ParseWebhook([]byte(`not json`)); err == nil || errors.Is(err, ErrIgnoredEvent) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if _, err := p.ParseWebhook([]byte(`{"message":{"type":"status-update","status":"ringing","call":{}}}`)); err == nil {
		t.Fatalf("expected error for missing call id")
	}
}

func TestRetellParseWebhook(t *testing.T) {
	p, _ := NewRetell(config.RetellConfig{APIKey: "k", AgentID: "a", FromNumber: "+1"}, time.Second, false)

	raw := []byte(`{"event":"call_ended","call":{"call_id":"R1","call_status":"ended","disconnection_reason":"user_hangup","transcript":"Agent: hi","duration_ms":61000,"end_timestamp":1709344920000}}`)
	ev, err := p.ParseWebhook(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Status != domain.CallStatusCompleted || ev.Transcript == nil || *ev.Transcript != "Agent: hi" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.DurationSeconds == nil || *ev.DurationSeconds != 61 {
		t.Fatalf("expected 61s, got %v", ev.DurationSeconds)
	}
	if ev.Timestamp.IsZero() || ev.Timestamp.Year() != 2024 {
		t.Fatalf("unexpected timestamp %v", ev.Timestamp)
	}
}

func TestVendorErrorKeepsRunesWhole(t *testing.T) {
	body := []byte(strings.Repeat("a", 511) + "é" + strings.Repeat("b", 10))

	msg := vendorError("vapi", http.StatusBadRequest, body)
	if !utf8.ValidString(msg) {
		t.Fatalf("vendor error is not valid UTF-8: %q", msg)
	}
	if strings.ContainsRune(msg, utf8.RuneError) {
		t.Fatalf("vendor error contains a replacement rune: %q", msg)
	}
	if want := "vapi: http 400: " + strings.Repeat("a", 511); msg != want {
		t.Fatalf("unexpected vendor error %q", msg)
	}
	if got := truncate("héllo", 2); got != "h" {
		t.Fatalf("expected rune-safe cut, got %q", got)
	}
}
