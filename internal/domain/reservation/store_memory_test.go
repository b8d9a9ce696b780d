package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore is a mutex-guarded Store used by service and handler tests.
type memoryStore struct {
	mu       sync.Mutex
	holds    map[string]*Hold
	sessions map[uuid.UUID]*Session
}

func newMemoryStore() *memoryStore {
	return &memoryStore{holds: map[string]*Hold{}, sessions: map[uuid.UUID]*Session{}}
}

func latest(cur time.Time, found bool, candidate time.Time) (time.Time, bool) {
	if !found || candidate.After(cur) {
		return candidate, true
	}
	return cur, found
}

func (m *memoryStore) sessionConflictEnd(therapistID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (time.Time, bool) {
	var last time.Time
	var found bool
	for _, s := range m.sessions {
		if s.TherapistID != therapistID || s.Status == StatusCancelled {
			continue
		}
		if exclude != nil && s.ID == *exclude {
			continue
		}
		if s.overlaps(start, end) {
			last, found = latest(last, found, s.EndTime)
		}
	}
	return last, found
}

func (m *memoryStore) CreateHold(_ context.Context, h *Hold, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last time.Time
	var found bool
	for key, other := range m.holds {
		if other.TherapistID != h.TherapistID {
			continue
		}
		if other.Expired(now) {
			delete(m.holds, key)
			continue
		}
		if other.overlaps(h.StartTime, h.EndTime) {
			last, found = latest(last, found, other.EndTime)
		}
	}
	if found {
		return holdConflict(last)
	}
	if end, ok := m.sessionConflictEnd(h.TherapistID, h.StartTime, h.EndTime, h.SessionID); ok {
		return sessionConflictOnHold(end)
	}
	h.CreatedAt = now
	cp := *h
	m.holds[h.HoldKey] = &cp
	return nil
}

func (m *memoryStore) ConfirmHold(_ context.Context, holdKey string, now time.Time, build SessionBuilder) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[holdKey]
	if !ok {
		return nil, ErrHoldNotFound
	}
	if h.Expired(now) {
		return nil, ErrHoldExpired
	}
	sess, err := build(h)
	if err != nil {
		return nil, err
	}
	if end, ok := m.sessionConflictEnd(h.TherapistID, sess.StartTime, sess.EndTime, h.SessionID); ok {
		return nil, sessionConflict(end)
	}
	if existing, ok := m.sessions[sess.ID]; ok {
		if existing.Status == StatusCancelled {
			return nil, errCancelledSession(sess.ID)
		}
		sess.CreatedAt, sess.CreatedBy = existing.CreatedAt, existing.CreatedBy
	}
	cp := *sess
	m.sessions[sess.ID] = &cp
	delete(m.holds, holdKey)
	return sess, nil
}

func (m *memoryStore) CancelHold(_ context.Context, holdKey string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdKey]
	if !ok {
		return nil, nil
	}
	delete(m.holds, holdKey)
	return h, nil
}

func (m *memoryStore) CancelSessions(_ context.Context, ids []uuid.UUID, reason string, actor *string, now time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, id := range ids {
		s, ok := m.sessions[id]
		if !ok || s.Status == StatusCancelled {
			continue
		}
		s.Status = StatusCancelled
		r := reason
		s.CancellationReason = &r
		at := now
		s.CancelledAt = &at
		s.UpdatedAt = now
		s.UpdatedBy = actor
		out = append(out, id)
	}
	return out, nil
}

func (m *memoryStore) PurgeExpiredHolds(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, h := range m.holds {
		if h.Expired(now) {
			delete(m.holds, key)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) sessionsFor(therapistID uuid.UUID) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.TherapistID == therapistID && s.Status != StatusCancelled {
			out = append(out, *s)
		}
	}
	return out
}

func (m *memoryStore) holdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.holds)
}
