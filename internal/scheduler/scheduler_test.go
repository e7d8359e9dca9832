package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/queue"
	"github.com/acme/checkin-call-engine/internal/repository/memory"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

type fakeEnqueuer struct {
	seen     map[string]bool
	payloads []queue.CallPayload
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{seen: map[string]bool{}}
}

func (f *fakeEnqueuer) EnqueueCall(_ context.Context, p queue.CallPayload) error {
	id := queue.CallTaskID(p)
	if f.seen[id] {
		return queue.ErrDuplicateJob
	}
	f.seen[id] = true
	f.payloads = append(f.payloads, p)
	return nil
}

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}

func newTestScheduler(profiles *memory.ProfileStore, calls *memory.CallStore, enq *fakeEnqueuer, at time.Time) *Scheduler {
	s := New(profiles, calls, enq, Settings{
		Window:          5 * time.Minute,
		DefaultLocation: time.UTC,
		DefaultCallTime: "21:00",
	}, logger.Nop())
	s.now = func() time.Time { return at }
	return s
}

func TestWithinCallWindow(t *testing.T) {
	ny := mustLocation(t, "America/New_York")
	call := 21 * 60

	cases := []struct {
		name  string
		local time.Time
		want  bool
	}{
		{"window opens", time.Date(2026, 3, 1, 21, 0, 0, 0, ny), true},
		{"inside window", time.Date(2026, 3, 1, 21, 4, 59, 0, ny), true},
		{"window closed", time.Date(2026, 3, 1, 21, 5, 0, 0, ny), false},
		{"before window", time.Date(2026, 3, 1, 20, 59, 0, 0, ny), false},
	}
	for _, tc := range cases {
		day, got := withinCallWindow(tc.local.UTC(), ny, call, 5*time.Minute)
		if got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
		if got && day != "2026-03-01" {
			t.Fatalf("%s: expected day 2026-03-01, got %s", tc.name, day)
		}
	}
}

func TestWithinCallWindowSpanningMidnight(t *testing.T) {
	call := 23*60 + 58

	day, ok := withinCallWindow(time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC), time.UTC, call, 5*time.Minute)
	if !ok || day != "2026-03-01" {
		t.Fatalf("expected 23:59 inside window on 2026-03-01, got %v %s", ok, day)
	}

	day, ok = withinCallWindow(time.Date(2026, 3, 2, 0, 2, 0, 0, time.UTC), time.UTC, call, 5*time.Minute)
	if !ok || day != "2026-03-01" {
		t.Fatalf("expected 00:02 to belong to the window opened on 2026-03-01, got %v %s", ok, day)
	}

	if _, ok := withinCallWindow(time.Date(2026, 3, 2, 0, 3, 0, 0, time.UTC), time.UTC, call, 5*time.Minute); ok {
		t.Fatalf("expected 00:03 outside window")
	}
}

func TestTickEnqueuesOnlyCallableUsersInWindow(t *testing.T) {
	due := domain.UserCallProfile{ID: uuid.New(), PhoneNumber: "+15550100", Name: "Ada", TimeZone: "America/New_York", CallTime: "21:00", Enabled: true}
	disabled := due
	disabled.ID = uuid.New()
	disabled.Enabled = false
	noPhone := due
	noPhone.ID = uuid.New()
	noPhone.PhoneNumber = ""
	later := due
	later.ID = uuid.New()
	later.CallTime = "22:00"

	profiles := memory.NewProfileStore(due, disabled, noPhone, later)
	enq := newFakeEnqueuer()
	// 21:02 in New York.
	at := time.Date(2026, 3, 2, 2, 2, 0, 0, time.UTC)
	s := newTestScheduler(profiles, memory.NewCallStore(), enq, at)

	res, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Considered != 2 || res.Enqueued != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	p := enq.payloads[0]
	if p.UserID != due.ID || p.RetryCount != 0 || p.Source != domain.CallSourceScheduler {
		t.Fatalf("unexpected payload %+v", p)
	}
	if p.Day != "2026-03-01" || p.TimeZone != "America/New_York" || p.CallTime != "21:00" {
		t.Fatalf("unexpected payload details %+v", p)
	}
}

func TestTickEnqueuesOncePerDay(t *testing.T) {
	user := domain.UserCallProfile{ID: uuid.New(), PhoneNumber: "+15550100", TimeZone: "UTC", CallTime: "09:00", Enabled: true}
	profiles := memory.NewProfileStore(user)
	enq := newFakeEnqueuer()
	s := newTestScheduler(profiles, memory.NewCallStore(), enq, time.Time{})

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for tick := start; tick.Before(start.Add(24 * time.Hour)); tick = tick.Add(5 * time.Minute) {
		at := tick
		s.now = func() time.Time { return at }
		if _, err := s.Tick(context.Background()); err != nil {
			t.Fatalf("tick at %s: %v", at, err)
		}
	}
	if len(enq.payloads) != 1 {
		t.Fatalf("expected exactly one enqueue across the day, got %d", len(enq.payloads))
	}
}

func TestTickWindowsThatAreNotWholeMinutes(t *testing.T) {
	cases := []struct {
		name     string
		interval time.Duration
		offset   time.Duration
	}{
		{"thirty second ticks", 30 * time.Second, 0},
		{"five and a half minute ticks", 5*time.Minute + 30*time.Second, 0},
		{"five and a half minute ticks off the minute", 5*time.Minute + 30*time.Second, 15 * time.Second},
	}
	for _, tc := range cases {
		user := domain.UserCallProfile{ID: uuid.New(), PhoneNumber: "+15550100", TimeZone: "UTC", CallTime: "21:00", Enabled: true}
		enq := newFakeEnqueuer()
		s := newTestScheduler(memory.NewProfileStore(user), memory.NewCallStore(), enq, time.Time{})
		s.settings.Window = tc.interval

		start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add(tc.offset)
		for tick := start; tick.Before(start.Add(24 * time.Hour)); tick = tick.Add(tc.interval) {
			at := tick
			s.now = func() time.Time { return at }
			if _, err := s.Tick(context.Background()); err != nil {
				t.Fatalf("%s: tick at %s: %v", tc.name, at, err)
			}
		}
		if len(enq.payloads) != 1 {
			t.Fatalf("%s: expected exactly one enqueue across the day, got %d", tc.name, len(enq.payloads))
		}
	}
}

func TestWithinCallWindowCountsSeconds(t *testing.T) {
	call := 21 * 60
	window := 5*time.Minute + 30*time.Second

	if _, ok := withinCallWindow(time.Date(2026, 3, 1, 21, 5, 15, 0, time.UTC), time.UTC, call, window); !ok {
		t.Fatalf("expected 21:05:15 inside a 5m30s window")
	}
	if _, ok := withinCallWindow(time.Date(2026, 3, 1, 21, 5, 30, 0, time.UTC), time.UTC, call, window); ok {
		t.Fatalf("expected 21:05:30 outside a 5m30s window")
	}
	if _, ok := withinCallWindow(time.Date(2026, 3, 1, 21, 0, 29, 0, time.UTC), time.UTC, call, 30*time.Second); !ok {
		t.Fatalf("expected 21:00:29 inside a 30s window")
	}
}

func TestTickSkipsUsersWithActiveCallToday(t *testing.T) {
	user := domain.UserCallProfile{ID: uuid.New(), PhoneNumber: "+15550100", TimeZone: "UTC", CallTime: "09:00", Enabled: true}
	calls := memory.NewCallStore()
	existing := &domain.CallRecord{
		ID:        uuid.New(),
		UserID:    user.ID,
		CallDay:   "2026-03-01",
		Status:    domain.CallStatusCompleted,
		CreatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	if err := calls.Create(context.Background(), existing); err != nil {
		t.Fatalf("seed: %v", err)
	}

	enq := newFakeEnqueuer()
	s := newTestScheduler(memory.NewProfileStore(user), calls, enq, time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC))
	res, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Enqueued != 0 || len(enq.payloads) != 0 {
		t.Fatalf("expected no enqueue, got %+v", res)
	}
}

func TestTickIncludesUsersWhoseCallFailed(t *testing.T) {
	user := domain.UserCallProfile{ID: uuid.New(), PhoneNumber: "+15550100", TimeZone: "UTC", CallTime: "09:00", Enabled: true}
	calls := memory.NewCallStore()
	failed := &domain.CallRecord{
		ID:        uuid.New(),
		UserID:    user.ID,
		CallDay:   "2026-03-01",
		Status:    domain.CallStatusNoAnswer,
		CreatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	if err := calls.Create(context.Background(), failed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	enq := newFakeEnqueuer()
	s := newTestScheduler(memory.NewProfileStore(user), calls, enq, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	res, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Enqueued != 1 {
		t.Fatalf("expected enqueue, got %+v", res)
	}
}

func TestTickCountsDuplicateEnqueues(t *testing.T) {
	user := domain.UserCallProfile{ID: uuid.New(), PhoneNumber: "+15550100", TimeZone: "UTC", CallTime: "09:00", Enabled: true}
	enq := newFakeEnqueuer()
	s := newTestScheduler(memory.NewProfileStore(user), memory.NewCallStore(), enq, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Duplicates != 1 || res.Enqueued != 0 {
		t.Fatalf("expected duplicate on second tick, got %+v", res)
	}
}
