package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/checkin-call-engine/internal/api/handlers"
	"github.com/acme/checkin-call-engine/internal/auth"
	"github.com/acme/checkin-call-engine/internal/config"
	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/repository/memory"
	callsvc "github.com/acme/checkin-call-engine/internal/service/call"
	"github.com/acme/checkin-call-engine/internal/service/webhook"
	"github.com/acme/checkin-call-engine/internal/telephony"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

type stubDispatcher struct {
	userID uuid.UUID
	result callsvc.Result
}

func (s *stubDispatcher) DispatchForUser(_ context.Context, userID uuid.UUID) (callsvc.Result, error) {
	s.userID = userID
	return s.result, nil
}

type testEnv struct {
	server     *Server
	provider   *telephony.Mock
	store      *memory.CallStore
	verifier   *auth.Verifier
	dispatcher *stubDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	provider, err := telephony.NewMock(config.MockConfig{SuccessRate: 1, WebhookSecret: "hook-secret"}, false)
	require.NoError(t, err)
	verifier, err := auth.NewVerifier(config.AuthConfig{JWTSecret: "jwt-secret"})
	require.NoError(t, err)

	store := memory.NewCallStore()
	dispatcher := &stubDispatcher{}
	reconciler := webhook.NewReconciler(provider, store, nil, nil, nil, logger.Nop())

	set := handlers.NewHandlerSet(handlers.Deps{
		Webhooks:   reconciler,
		Dispatcher: dispatcher,
		Calls:      store,
		Events:     memory.NewEventLog(),
		Auth:       verifier,
		Checks: []handlers.HealthCheck{
			{Name: "postgres", Ping: func(context.Context) error { return nil }},
		},
		Logger: logger.Nop(),
	})
	server := NewServer(config.HTTPConfig{BodyLimit: 1 << 20}, "test", set)
	return &testEnv{server: server, provider: provider, store: store, verifier: verifier, dispatcher: dispatcher}
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := e.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &out)
	}
	return resp, out
}

func (e *testEnv) seedCall(t *testing.T, userID uuid.UUID) *domain.CallRecord {
	t.Helper()
	vendorID := "V1"
	rec := &domain.CallRecord{
		ID:           uuid.New(),
		UserID:       userID,
		CallDay:      "2026-03-01",
		Vendor:       "mock",
		VendorCallID: &vendorID,
		Status:       domain.CallStatusRinging,
		Source:       domain.CallSourceScheduler,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, e.store.Create(context.Background(), rec))
	return rec
}

func webhookRequest(body []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Mock-Signature", signature)
	}
	return req
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedCall(t, uuid.New())

	resp, _ := env.do(t, webhookRequest([]byte(`{"call_id":"V1","status":"completed"}`), "nope"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	got, err := env.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, got.Status)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"status":`)

	resp, _ := env.do(t, webhookRequest(body, env.provider.Sign(body)))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookAppliesStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedCall(t, uuid.New())
	body := []byte(`{"call_id":"V1","status":"completed","transcript":"hello"}`)

	resp, out := env.do(t, webhookRequest(body, env.provider.Sign(body)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["received"])
	assert.Equal(t, true, out["applied"])

	got, err := env.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCompleted, got.Status)
}

func TestCallNowRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calls/now", nil)
	resp, _ := env.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCallNowDispatchesForCaller(t *testing.T) {
	env := newTestEnv(t)
	user := uuid.New()
	callID := uuid.New()
	env.dispatcher.result = callsvc.Result{Success: true, CallID: callID, Message: "check-in call initiated"}

	token, err := env.verifier.Issue(user, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/calls/now", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, out := env.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, user, env.dispatcher.userID)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, callID.String(), out["call_id"])
}

func TestGetCallHidesOtherUsersCalls(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	rec := env.seedCall(t, owner)

	ownerToken, err := env.verifier.Issue(owner, time.Hour)
	require.NoError(t, err)
	strangerToken, err := env.verifier.Issue(uuid.New(), time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls/"+rec.ID.String(), nil)
	req.Header.Set("Authorization", "Bearer "+ownerToken)
	resp, out := env.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ringing", out["status"])

	req = httptest.NewRequest(http.MethodGet, "/api/v1/calls/"+rec.ID.String(), nil)
	req.Header.Set("Authorization", "Bearer "+strangerToken)
	resp, _ = env.do(t, req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthReportsFailures(t *testing.T) {
	provider, err := telephony.NewMock(config.MockConfig{SuccessRate: 1}, true)
	require.NoError(t, err)
	set := handlers.NewHandlerSet(handlers.Deps{
		Webhooks: webhook.NewReconciler(provider, memory.NewCallStore(), nil, nil, nil, logger.Nop()),
		Checks: []handlers.HealthCheck{
			{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }},
		},
	})
	server := NewServer(config.HTTPConfig{}, "test", set)

	resp, err := server.App().Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.server.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
