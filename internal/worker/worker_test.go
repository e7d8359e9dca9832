package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/queue"
	"github.com/acme/checkin-call-engine/internal/scheduler"
	callsvc "github.com/acme/checkin-call-engine/internal/service/call"
	apperrors "github.com/acme/checkin-call-engine/pkg/errors"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

type countingTicker struct{ ticks int }

func (c *countingTicker) Tick(context.Context) (scheduler.TickResult, error) {
	c.ticks++
	return scheduler.TickResult{}, nil
}

type stubLock struct {
	held     bool
	released int
}

func (l *stubLock) Acquire(context.Context, string, int) (bool, error) {
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *stubLock) Release(context.Context, string, int) error {
	l.held = false
	l.released++
	return nil
}

type stubDispatcher struct {
	got callsvc.Request
	err error
}

func (d *stubDispatcher) Dispatch(_ context.Context, req callsvc.Request) (callsvc.Result, error) {
	d.got = req
	return callsvc.Result{Success: d.err == nil}, d.err
}

func TestScheduleTickRunsOncePerSlot(t *testing.T) {
	ticker := &countingTicker{}
	lock := &stubLock{}
	h := New(ticker, &stubDispatcher{}, lock, logger.Nop())

	require.NoError(t, h.HandleScheduleTick(context.Background(), asynq.NewTask(queue.TypeScheduleTick, nil)))
	assert.Equal(t, 1, ticker.ticks)
	assert.Equal(t, 1, lock.released)

	lock.held = true
	require.NoError(t, h.HandleScheduleTick(context.Background(), asynq.NewTask(queue.TypeScheduleTick, nil)))
	assert.Equal(t, 1, ticker.ticks, "tick must be skipped while the slot is held")
}

func TestProcessUserCallMapsPayload(t *testing.T) {
	d := &stubDispatcher{}
	h := New(&countingTicker{}, d, nil, logger.Nop())

	parent := uuid.New()
	payload := queue.CallPayload{
		UserID:         uuid.New(),
		PhoneNumber:    "+15550100",
		Name:           "Ada",
		TimeZone:       "UTC",
		RetryCount:     1,
		OriginalCallID: &parent,
		Source:         domain.CallSourceRetry,
		Day:            "2026-03-01",
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	require.NoError(t, h.HandleProcessUserCall(context.Background(), asynq.NewTask(queue.TypeProcessUserCall, body)))
	assert.Equal(t, payload.UserID, d.got.UserID)
	assert.Equal(t, 1, d.got.RetryCount)
	assert.Equal(t, &parent, d.got.OriginalCallID)
	assert.Equal(t, "2026-03-01", d.got.Day)
	assert.False(t, d.got.FinalAttempt)
}

func TestProcessUserCallErrors(t *testing.T) {
	h := New(&countingTicker{}, &stubDispatcher{}, nil, logger.Nop())
	err := h.HandleProcessUserCall(context.Background(), asynq.NewTask(queue.TypeProcessUserCall, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	body, _ := json.Marshal(queue.CallPayload{UserID: uuid.New()})

	h = New(&countingTicker{}, &stubDispatcher{err: fmt.Errorf("%w: phone required", apperrors.ErrValidation)}, nil, logger.Nop())
	err = h.HandleProcessUserCall(context.Background(), asynq.NewTask(queue.TypeProcessUserCall, body))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	transport := errors.New("vendor unreachable")
	h = New(&countingTicker{}, &stubDispatcher{err: transport}, nil, logger.Nop())
	err = h.HandleProcessUserCall(context.Background(), asynq.NewTask(queue.TypeProcessUserCall, body))
	assert.ErrorIs(t, err, transport)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}
