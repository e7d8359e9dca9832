// Package memory provides in-process stores with the same semantics as the
// Postgres repositories, including the one-active-first-attempt-per-day rule.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/repository"
)

// CallStore is an in-memory repository.CallRecordStore.
type CallStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]domain.CallRecord
}

// NewCallStore constructs an empty store.
func NewCallStore() *CallStore {
	return &CallStore{records: make(map[uuid.UUID]domain.CallRecord)}
}

func (s *CallStore) Create(_ context.Context, record *domain.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.ID]; ok {
		return repository.ErrConflict
	}
	if s.violatesDayRule(*record) {
		return repository.ErrConflict
	}
	s.records[record.ID] = clone(*record)
	return nil
}

func (s *CallStore) Get(_ context.Context, id uuid.UUID) (*domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := clone(rec)
	return &out, nil
}

func (s *CallStore) GetByVendorCallID(_ context.Context, vendor, vendorCallID string) (*domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.Vendor == vendor && rec.VendorCallID != nil && *rec.VendorCallID == vendorCallID {
			out := clone(rec)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *CallStore) ListForUserOnDay(_ context.Context, userID uuid.UUID, day string) ([]domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.CallRecord
	for _, rec := range s.records {
		if rec.UserID == userID && rec.CallDay == day {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *CallStore) Update(_ context.Context, record *domain.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.ID]; !ok {
		return repository.ErrNotFound
	}
	s.records[record.ID] = clone(*record)
	return nil
}

func (s *CallStore) HasRetryChild(_ context.Context, parentID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.ParentCallID != nil && *rec.ParentCallID == parentID {
			return true, nil
		}
	}
	return false, nil
}

// All returns a snapshot of every record, oldest first.
func (s *CallStore) All() []domain.CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CallRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *CallStore) violatesDayRule(candidate domain.CallRecord) bool {
	if candidate.RetryCount != 0 || !candidate.Status.Active() {
		return false
	}
	for _, rec := range s.records {
		if rec.UserID == candidate.UserID && rec.CallDay == candidate.CallDay &&
			rec.RetryCount == 0 && rec.Status.Active() {
			return true
		}
	}
	return false
}

func clone(rec domain.CallRecord) domain.CallRecord {
	if rec.VendorPayload != nil {
		rec.VendorPayload = append([]byte(nil), rec.VendorPayload...)
	}
	return rec
}

// ProfileStore is an in-memory repository.ProfileStore.
type ProfileStore struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]domain.UserCallProfile
}

// NewProfileStore seeds a store with profiles.
func NewProfileStore(profiles ...domain.UserCallProfile) *ProfileStore {
	s := &ProfileStore{profiles: make(map[uuid.UUID]domain.UserCallProfile)}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

// Put inserts or replaces a profile.
func (s *ProfileStore) Put(p domain.UserCallProfile) {
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
}

func (s *ProfileStore) ListCallable(_ context.Context) ([]domain.UserCallProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.UserCallProfile
	for _, p := range s.profiles {
		if p.Callable() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *ProfileStore) Get(_ context.Context, userID uuid.UUID) (*domain.UserCallProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

// EventLog is an in-memory repository.CallEventLog.
type EventLog struct {
	mu     sync.Mutex
	events []domain.CallEvent
}

// NewEventLog constructs an empty log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

func (l *EventLog) Append(_ context.Context, event domain.CallEvent) error {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
	return nil
}

func (l *EventLog) List(_ context.Context, callID uuid.UUID, limit int) ([]domain.CallEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.CallEvent
	for _, e := range l.events {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// All returns every event in append order.
func (l *EventLog) All() []domain.CallEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.CallEvent(nil), l.events...)
}
