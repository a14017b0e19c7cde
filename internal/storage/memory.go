package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"medremind/internal/reminder"
)

// memoryStore keeps reminders in a map. The persist hook, when set, runs
// under the write lock before a change becomes visible; an error aborts it.
type memoryStore struct {
	mu      sync.RWMutex
	items   map[string]reminder.Reminder
	now     func() time.Time
	persist func(r reminder.Reminder) error
}

// NewMemory returns an empty process-local store.
func NewMemory() Store { return newMemory() }

func newMemory() *memoryStore {
	return &memoryStore{
		items: map[string]reminder.Reminder{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *memoryStore) Create(ctx context.Context, r reminder.Reminder) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r, err := prepareCreate(r, s.now())
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[r.ID]; ok {
		return "", ErrDuplicate
	}
	if err := s.commitLocked(r); err != nil {
		return "", err
	}
	return r.ID, nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (reminder.Reminder, error) {
	if err := ctx.Err(); err != nil {
		return reminder.Reminder{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.items[id]
	if !ok {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *memoryStore) UpdateIfPending(ctx context.Context, id string, mutate Mutator) (reminder.Reminder, bool, error) {
	if err := ctx.Err(); err != nil {
		return reminder.Reminder{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[id]
	if !ok {
		return reminder.Reminder{}, false, reminder.ErrNotFound
	}
	if cur.Status != reminder.StatusPending {
		return cur.Clone(), false, nil
	}
	next, err := applyMutation(cur, mutate, s.now())
	if err != nil {
		return cur.Clone(), false, err
	}
	if err := s.commitLocked(next); err != nil {
		return cur.Clone(), false, err
	}
	return next.Clone(), true, nil
}

func (s *memoryStore) commitLocked(r reminder.Reminder) error {
	if s.persist != nil {
		if err := s.persist(r); err != nil {
			return err
		}
	}
	s.items[r.ID] = r
	return nil
}

func (s *memoryStore) ListPending(ctx context.Context) ([]reminder.Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]reminder.Reminder, 0, len(s.items))
	for _, r := range s.items {
		if r.Status == reminder.StatusPending {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggerTime.Equal(out[j].TriggerTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].TriggerTime.Before(out[j].TriggerTime)
	})
	return out, nil
}

func (s *memoryStore) ListByPatient(ctx context.Context, patientID string, limit int) ([]reminder.Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []reminder.Reminder
	for _, r := range s.items {
		if r.PatientID == patientID {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Close() error { return nil }
