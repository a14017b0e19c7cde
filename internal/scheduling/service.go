// Package scheduling is the synchronous API over reminders: schedule,
// reschedule, cancel and status lookups. Every call returns once the durable
// record reflects it; delivery itself happens later in the dispatcher.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medremind/internal/eventbus"
	"medremind/internal/reminder"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

// Dispatcher is the part of the dispatcher the API drives.
type Dispatcher interface {
	// Lock excludes the dispatcher's claim step for id until unlock.
	Lock(id string) (unlock func())
	// Arm reports false when a newer generation is already armed.
	Arm(r reminder.Reminder) bool
	Disarm(id string) bool
}

type Service struct {
	store storage.Store
	disp  Dispatcher
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.Store, disp Dispatcher, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		store: store,
		disp:  disp,
		bus:   bus,
		log:   log.With(logx.String("comp", "scheduling")),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Schedule validates r, persists it as pending and arms its timer.
// Caller-supplied status and bookkeeping fields are ignored.
func (s *Service) Schedule(ctx context.Context, r reminder.Reminder) (string, error) {
	r = reminder.Reminder{
		ID:          strings.TrimSpace(r.ID),
		PatientID:   strings.TrimSpace(r.PatientID),
		Message:     r.Message,
		Subject:     r.Subject,
		Language:    r.Language,
		Channel:     r.Channel,
		Destination: r.Destination,
		TriggerTime: r.TriggerTime,
		Status:      reminder.StatusPending,
	}
	if err := reminder.Validate(&r, s.now()); err != nil {
		return "", err
	}

	id, err := s.store.Create(ctx, r)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return "", &reminder.ValidationError{Field: "id", Reason: "already exists"}
		}
		return "", fmt.Errorf("schedule: %w", err)
	}
	// Re-read under the lock: a reschedule of a caller-supplied id may have
	// committed since Create.
	unlock := s.disp.Lock(id)
	stored, err := s.store.Get(ctx, id)
	if err != nil {
		unlock()
		// The record exists; the sweep arms it if this read keeps failing.
		s.log.Warn("scheduled reminder not re-read; left to the sweep", logx.Reminder(id), logx.Err(err))
		return id, nil
	}
	s.disp.Arm(stored)
	unlock()

	s.log.Info("reminder scheduled", transitionFields(stored)...)
	eventbus.ReminderChanged(s.bus, eventbus.ReminderScheduled, stored)
	return id, nil
}

// Reschedule replaces the changed fields of a pending reminder and re-arms it.
// The previous timer is superseded and never delivers.
func (s *Service) Reschedule(ctx context.Context, id string, c reminder.Changes) (reminder.Reminder, error) {
	unlock := s.disp.Lock(id)
	defer unlock()

	now := s.now()
	r, ok, err := s.store.UpdateIfPending(ctx, id, func(x *reminder.Reminder) error {
		if x.Claimed() {
			return reminder.InvalidState(x.ID, x.Status, true)
		}
		next, err := reminder.ValidateChanges(*x, c, now)
		if err != nil {
			return err
		}
		next.Generation = x.Generation + 1
		*x = next
		return nil
	})
	if err != nil {
		return reminder.Reminder{}, err
	}
	if !ok {
		return reminder.Reminder{}, reminder.InvalidState(id, r.Status, false)
	}

	s.disp.Arm(r)
	s.log.Info("reminder rescheduled", transitionFields(r)...)
	eventbus.ReminderChanged(s.bus, eventbus.ReminderRescheduled, r)
	return r, nil
}

// Cancel moves a pending reminder to cancelled. A reminder whose attempt has
// already started cannot be cancelled; the attempt's outcome stands.
func (s *Service) Cancel(ctx context.Context, id string) error {
	unlock := s.disp.Lock(id)
	defer unlock()

	now := s.now()
	r, ok, err := s.store.UpdateIfPending(ctx, id, func(x *reminder.Reminder) error {
		if x.Claimed() {
			return reminder.InvalidState(x.ID, x.Status, true)
		}
		x.Status = reminder.StatusCancelled
		x.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	if !ok {
		return reminder.InvalidState(id, r.Status, false)
	}

	s.disp.Disarm(id)
	s.log.Info("reminder cancelled", transitionFields(r)...)
	eventbus.ReminderChanged(s.bus, eventbus.ReminderCancelled, r)
	return nil
}

// GetStatus returns the stored reminder.
func (s *Service) GetStatus(ctx context.Context, id string) (reminder.Reminder, error) {
	return s.store.Get(ctx, id)
}

// ListForPatient returns a patient's reminders, newest first.
func (s *Service) ListForPatient(ctx context.Context, patientID string, limit int) ([]reminder.Reminder, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, &reminder.ValidationError{Field: "patient_id", Reason: "required"}
	}
	return s.store.ListByPatient(ctx, patientID, limit)
}

func transitionFields(r reminder.Reminder) []logx.Field {
	return []logx.Field{
		logx.Reminder(r.ID),
		logx.String("channel", string(r.Channel)),
		logx.String("status", string(r.Status)),
		logx.Time("trigger_time", r.TriggerTime),
		logx.Int64("generation", r.Generation),
	}
}
