package domain

import (
	"testing"
	"time"
)

func TestCallStatusSupersedes(t *testing.T) {
	cases := []struct {
		current CallStatus
		next    CallStatus
		want    bool
	}{
		{CallStatusQueued, CallStatusRinging, true},
		{CallStatusRinging, CallStatusInProgress, true},
		{CallStatusInProgress, CallStatusCompleted, true},
		{CallStatusRinging, CallStatusNoAnswer, true},
		{CallStatusQueued, CallStatusFailed, true},
		{CallStatusRinging, CallStatusRinging, false},
		{CallStatusInProgress, CallStatusRinging, false},
		{CallStatusCompleted, CallStatusRinging, false},
		{CallStatusCompleted, CallStatusFailed, false},
		{CallStatusNoAnswer, CallStatusCompleted, false},
		{CallStatusQueued, CallStatus("bogus"), false},
	}

	for _, tc := range cases {
		if got := tc.next.Supersedes(tc.current); got != tc.want {
			t.Errorf("%s -> %s: expected %v, got %v", tc.current, tc.next, tc.want, got)
		}
	}
}

func TestCallStatusSets(t *testing.T) {
	for _, s := range AllCallStatuses {
		if !s.Valid() {
			t.Fatalf("expected %s to be valid", s)
		}
		if s.Active() && s.Retryable() {
			t.Fatalf("%s cannot be both active and retryable", s)
		}
		if !s.Active() && !s.Retryable() {
			t.Fatalf("%s must be either active or retryable", s)
		}
	}
	if CallStatusCompleted.Retryable() {
		t.Fatalf("completed must never be retried")
	}
}

func TestSetStatusStampsCompletion(t *testing.T) {
	now := time.Date(2024, 3, 1, 21, 2, 0, 0, time.UTC)

	rec := &CallRecord{Status: CallStatusQueued}
	rec.SetStatus(CallStatusRinging, now)
	if rec.CompletedAt != nil {
		t.Fatalf("ringing must not set completed_at")
	}

	rec.SetStatus(CallStatusCompleted, now)
	if rec.CompletedAt == nil || !rec.CompletedAt.Equal(now) {
		t.Fatalf("expected completed_at %v, got %v", now, rec.CompletedAt)
	}

	busy := &CallRecord{Status: CallStatusRinging}
	busy.SetStatus(CallStatusBusy, now)
	if busy.CompletedAt != nil {
		t.Fatalf("busy must not set completed_at")
	}
}

func TestParseCallTime(t *testing.T) {
	cases := map[string]int{
		"21:00":    21 * 60,
		"21:00:00": 21 * 60,
		"00:05":    5,
		" 7:30 ":   7*60 + 30,
	}
	for in, want := range cases {
		got, err := ParseCallTime(in)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: expected %d, got %d", in, want, got)
		}
	}

	for _, bad := range []string{"", "21", "24:00", "12:60", "ab:cd", "1:2:3:4"} {
		if _, err := ParseCallTime(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestLoadLocationFallback(t *testing.T) {
	fallback := time.UTC

	loc, ok := LoadLocation("", fallback)
	if loc != fallback || !ok {
		t.Fatalf("empty name should use fallback silently")
	}

	loc, ok = LoadLocation("Not/AZone", fallback)
	if loc != fallback || ok {
		t.Fatalf("unknown name should use fallback and report it")
	}

	loc, ok = LoadLocation("America/New_York", fallback)
	if !ok || loc.String() != "America/New_York" {
		t.Fatalf("expected America/New_York, got %v", loc)
	}
}
