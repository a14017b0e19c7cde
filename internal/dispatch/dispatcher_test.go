package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"medremind/internal/channel"
	"medremind/internal/eventbus"
	"medremind/internal/reminder"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

type countingSender struct {
	calls atomic.Int32
	fn    func(ctx context.Context, d channel.Delivery) (bool, error)

	mu   sync.Mutex
	seen []channel.Delivery
	at   []time.Time
}

func (s *countingSender) Send(ctx context.Context, d channel.Delivery) (bool, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.seen = append(s.seen, d)
	s.at = append(s.at, time.Now())
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, d)
	}
	return true, nil
}

func okSender() *countingSender { return &countingSender{} }

type harness struct {
	store  storage.Store
	reg    *channel.Registry
	bus    eventbus.Bus
	events <-chan eventbus.Event
	d      *Dispatcher
}

func newHarness(t *testing.T, store storage.Store, sender channel.Sender, timeout time.Duration, cfg Config) *harness {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	reg := channel.NewRegistry()
	for _, ch := range reminder.Channels {
		reg.Register(ch, sender, timeout)
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	if cfg.Sweep == "" {
		cfg.Sweep = "-"
	}
	d := New(store, reg, bus, cfg, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
		unsub()
	})
	return &harness{store: store, reg: reg, bus: bus, events: events, d: d}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) create(t *testing.T, r reminder.Reminder) reminder.Reminder {
	t.Helper()
	if r.PatientID == "" {
		r.PatientID = "patient-1"
	}
	if r.Channel == "" {
		r.Channel = reminder.ChannelSMS
	}
	if r.Destination == "" {
		r.Destination = "+237670000001"
	}
	if r.Message == "" {
		r.Message = "Rendez-vous demain a 9h"
	}
	id, err := h.store.Create(context.Background(), r)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return got
}

func waitStatus(t *testing.T, store storage.Store, id string, want reminder.Status, within time.Duration) reminder.Reminder {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		r, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if r.Status == want {
			return r
		}
		if time.Now().After(deadline) {
			t.Fatalf("status=%s, want %s after %s (last_error=%q)", r.Status, want, within, r.LastError)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitEvent(t *testing.T, events <-chan eventbus.Event, typ string) eventbus.ReminderEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == typ {
				return e.Data.(eventbus.ReminderEvent)
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestDispatcherDeliversOnce(t *testing.T) {
	t.Parallel()

	s := okSender()
	h := newHarness(t, nil, s, time.Second, Config{})
	h.start(t)

	start := time.Now()
	r := h.create(t, reminder.Reminder{TriggerTime: start.Add(150 * time.Millisecond), Subject: "ignored for sms"})
	h.d.Arm(r)

	got := waitStatus(t, h.store, r.ID, reminder.StatusSent, 2*time.Second)
	if n := s.calls.Load(); n != 1 {
		t.Fatalf("sender calls=%d, want 1", n)
	}
	if s.at[0].Before(start.Add(150 * time.Millisecond)) {
		t.Fatalf("delivered before trigger time")
	}
	if got.ClaimToken == "" || got.AttemptedAt == nil || got.CompletedAt == nil || got.LastError != "" {
		t.Fatalf("bookkeeping not recorded: %+v", got)
	}
	if d := s.seen[0]; d.Destination != r.Destination || d.Body != r.Message || d.ReminderID != r.ID {
		t.Fatalf("delivery=%+v", d)
	}
	ev := waitEvent(t, h.events, eventbus.ReminderSent)
	if ev.ID != r.ID || ev.Status != string(reminder.StatusSent) {
		t.Fatalf("event=%+v", ev)
	}
	if _, armed := h.d.Armed(r.ID); armed {
		t.Fatalf("timer still armed after delivery")
	}
}

func TestDispatcherRecordsFailures(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	cases := []struct {
		name    string
		timeout time.Duration
		send    func(ctx context.Context, d channel.Delivery) (bool, error)
		wantErr string
	}{
		{
			name:    "provider error",
			timeout: time.Second,
			send:    func(context.Context, channel.Delivery) (bool, error) { return false, errors.New("carrier down") },
			wantErr: "carrier down",
		},
		{
			name:    "rejected",
			timeout: time.Second,
			send:    func(context.Context, channel.Delivery) (bool, error) { return false, nil },
			wantErr: "rejected",
		},
		{
			name:    "timeout ignoring context",
			timeout: 50 * time.Millisecond,
			send: func(context.Context, channel.Delivery) (bool, error) {
				<-release
				return true, nil
			},
			wantErr: "timed out",
		},
		{
			name:    "panic",
			timeout: time.Second,
			send:    func(context.Context, channel.Delivery) (bool, error) { panic("nil modem") },
			wantErr: "panic",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := &countingSender{fn: tc.send}
			h := newHarness(t, nil, s, tc.timeout, Config{})
			h.start(t)

			r := h.create(t, reminder.Reminder{TriggerTime: time.Now().Add(20 * time.Millisecond)})
			h.d.Arm(r)

			got := waitStatus(t, h.store, r.ID, reminder.StatusFailed, 2*time.Second)
			if !strings.Contains(got.LastError, tc.wantErr) {
				t.Fatalf("last_error=%q, want it to contain %q", got.LastError, tc.wantErr)
			}
			if got.CompletedAt == nil {
				t.Fatalf("completed_at not set")
			}
			ev := waitEvent(t, h.events, eventbus.ReminderFailed)
			if ev.Error != got.LastError {
				t.Fatalf("event error=%q, want %q", ev.Error, got.LastError)
			}
		})
	}
}

func TestSlowSenderDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	fast := okSender()
	slow := &countingSender{fn: func(context.Context, channel.Delivery) (bool, error) {
		<-release
		return true, nil
	}}
	h := newHarness(t, nil, fast, time.Second, Config{Pool: PoolConfig{Workers: 2}})
	// Registered after the harness so the sender unblocks before Stop waits.
	t.Cleanup(func() { close(release) })
	h.reg.Register(reminder.ChannelIVR, slow, 5*time.Second)
	h.start(t)

	stuck := h.create(t, reminder.Reminder{Channel: reminder.ChannelIVR, TriggerTime: time.Now().Add(20 * time.Millisecond)})
	quick := h.create(t, reminder.Reminder{TriggerTime: time.Now().Add(60 * time.Millisecond)})
	h.d.Arm(stuck)
	h.d.Arm(quick)

	waitStatus(t, h.store, quick.ID, reminder.StatusSent, time.Second)
	if got, _ := h.store.Get(context.Background(), stuck.ID); got.Status != reminder.StatusPending || !got.Claimed() {
		t.Fatalf("slow reminder: status=%s claimed=%v", got.Status, got.Claimed())
	}
}

func TestSupersededGenerationNeverDelivers(t *testing.T) {
	t.Parallel()

	s := okSender()
	h := newHarness(t, nil, s, time.Second, Config{})
	h.start(t)
	ctx := context.Background()

	start := time.Now()
	r := h.create(t, reminder.Reminder{TriggerTime: start.Add(100 * time.Millisecond)})
	h.d.Arm(r)

	later := start.Add(400 * time.Millisecond)
	unlock := h.d.Lock(r.ID)
	updated, ok, err := h.store.UpdateIfPending(ctx, r.ID, func(x *reminder.Reminder) error {
		x.TriggerTime = later
		x.Generation++
		return nil
	})
	if err != nil || !ok {
		t.Fatalf("UpdateIfPending ok=%v err=%v", ok, err)
	}
	h.d.Arm(updated)
	unlock()

	// An attempt carrying the old generation is a no-op.
	if err := h.d.attempt(ctx, r.ID, r.Generation); err != nil {
		t.Fatalf("stale attempt: %v", err)
	}
	if n := s.calls.Load(); n != 0 {
		t.Fatalf("stale generation delivered")
	}

	waitStatus(t, h.store, r.ID, reminder.StatusSent, 2*time.Second)
	time.Sleep(150 * time.Millisecond)
	if n := s.calls.Load(); n != 1 {
		t.Fatalf("sender calls=%d, want 1", n)
	}
	if s.at[0].Before(later) {
		t.Fatalf("delivered at the superseded time")
	}
}

func TestCancelledBeforeFireIsNotDelivered(t *testing.T) {
	t.Parallel()

	s := okSender()
	h := newHarness(t, nil, s, time.Second, Config{})
	h.start(t)

	r := h.create(t, reminder.Reminder{TriggerTime: time.Now().Add(50 * time.Millisecond)})
	h.d.Arm(r)
	// Leave the timer armed so the fire observes the cancelled record.
	if _, ok, err := h.store.UpdateIfPending(context.Background(), r.ID, func(x *reminder.Reminder) error {
		x.Status = reminder.StatusCancelled
		return nil
	}); err != nil || !ok {
		t.Fatalf("cancel ok=%v err=%v", ok, err)
	}

	time.Sleep(200 * time.Millisecond)
	if n := s.calls.Load(); n != 0 {
		t.Fatalf("cancelled reminder delivered")
	}
	got, _ := h.store.Get(context.Background(), r.ID)
	if got.Status != reminder.StatusCancelled || got.Claimed() {
		t.Fatalf("status=%s claimed=%v", got.Status, got.Claimed())
	}
}

func TestRecoveryFiresOverdueReminders(t *testing.T) {
	t.Parallel()

	s := okSender()
	h := newHarness(t, nil, s, time.Second, Config{})

	overdue := h.create(t, reminder.Reminder{TriggerTime: time.Now().Add(-time.Minute)})
	future := h.create(t, reminder.Reminder{TriggerTime: time.Now().Add(200 * time.Millisecond)})
	h.start(t)

	select {
	case <-h.d.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("recovery did not complete")
	}
	waitStatus(t, h.store, overdue.ID, reminder.StatusSent, time.Second)
	waitStatus(t, h.store, future.ID, reminder.StatusSent, 2*time.Second)
	if n := s.calls.Load(); n != 2 {
		t.Fatalf("sender calls=%d, want 2", n)
	}
	if snap := h.d.Snapshot(); !snap.Ready || snap.RecoveredAt.IsZero() {
		t.Fatalf("snapshot=%+v", snap)
	}
}

type flakyStore struct {
	storage.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) ListPending(ctx context.Context) ([]reminder.Reminder, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return f.Store.ListPending(ctx)
}

func TestRecoveryRetriesUnreachableStore(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Store: storage.NewMemory()}
	store.failures.Store(3)
	s := okSender()
	h := newHarness(t, store, s, time.Second, Config{RecoveryBackoffMin: 5 * time.Millisecond, RecoveryBackoffMax: 20 * time.Millisecond})
	r := h.create(t, reminder.Reminder{TriggerTime: time.Now().Add(-time.Second)})
	h.start(t)

	select {
	case <-h.d.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("recovery did not complete")
	}
	if n := store.calls.Load(); n != 4 {
		t.Fatalf("ListPending calls=%d, want 4", n)
	}
	waitStatus(t, h.store, r.ID, reminder.StatusSent, time.Second)
}

func TestRecoveryFinalizesStaleClaims(t *testing.T) {
	t.Parallel()

	s := okSender()
	h := newHarness(t, nil, s, 100*time.Millisecond, Config{ClaimGrace: 100 * time.Millisecond})
	ctx := context.Background()

	claim := func(r reminder.Reminder, at time.Time) {
		if _, ok, err := h.store.UpdateIfPending(ctx, r.ID, func(x *reminder.Reminder) error {
			x.ClaimToken = "dead-process"
			x.ClaimedAt = &at
			x.AttemptedAt = &at
			return nil
		}); err != nil || !ok {
			t.Fatalf("claim ok=%v err=%v", ok, err)
		}
	}
	stale := h.create(t, reminder.Reminder{TriggerTime: time.Now().Add(-time.Hour)})
	claim(stale, time.Now().Add(-time.Hour))
	fresh := h.create(t, reminder.Reminder{TriggerTime: time.Now().Add(-time.Second)})
	claim(fresh, time.Now())

	h.start(t)
	<-h.d.Ready()

	got := waitStatus(t, h.store, stale.ID, reminder.StatusFailed, time.Second)
	if got.LastError != InterruptedError {
		t.Fatalf("last_error=%q", got.LastError)
	}
	ev := waitEvent(t, h.events, eventbus.ReminderFailed)
	if ev.ID != stale.ID {
		t.Fatalf("event for %s, want %s", ev.ID, stale.ID)
	}
	if g, _ := h.store.Get(ctx, fresh.ID); g.Status != reminder.StatusPending {
		t.Fatalf("fresh claim finalized early: %s", g.Status)
	}

	// Once the lease has passed a reconcile finalizes it too.
	time.Sleep(250 * time.Millisecond)
	if _, err := h.d.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	waitStatus(t, h.store, fresh.ID, reminder.StatusFailed, time.Second)
	if n := s.calls.Load(); n != 0 {
		t.Fatalf("claimed reminders must not be delivered again, calls=%d", n)
	}
}

func TestReconcileArmsUntrackedReminders(t *testing.T) {
	t.Parallel()

	s := okSender()
	h := newHarness(t, nil, s, time.Second, Config{})
	h.start(t)
	<-h.d.Ready()

	// Created behind the dispatcher's back, as another process would.
	r := h.create(t, reminder.Reminder{TriggerTime: time.Now().Add(100 * time.Millisecond)})
	res, err := h.d.reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.armed != 1 {
		t.Fatalf("armed=%d, want 1", res.armed)
	}
	if gen, ok := h.d.Armed(r.ID); !ok || gen != r.Generation {
		t.Fatalf("Armed=(%d,%v)", gen, ok)
	}
	// A second pass finds nothing to do.
	if res, _ := h.d.reconcile(context.Background()); res.armed != 0 {
		t.Fatalf("second reconcile armed=%d", res.armed)
	}
	waitStatus(t, h.store, r.ID, reminder.StatusSent, 2*time.Second)
}

// racingStore runs afterList once, after ListPending has read its result,
// to commit a change the listed copies do not see.
type racingStore struct {
	storage.Store
	once      sync.Once
	afterList func()
}

func (s *racingStore) ListPending(ctx context.Context) ([]reminder.Reminder, error) {
	out, err := s.Store.ListPending(ctx)
	if err == nil && s.afterList != nil {
		s.once.Do(s.afterList)
	}
	return out, err
}

func TestReconcileKeepsRescheduledTimer(t *testing.T) {
	t.Parallel()

	store := &racingStore{Store: storage.NewMemory()}
	s := okSender()
	h := newHarness(t, store, s, time.Second, Config{})
	h.start(t)
	<-h.d.Ready()

	r := h.create(t, reminder.Reminder{TriggerTime: time.Now().Add(time.Hour)})
	h.d.Arm(r)

	var moved reminder.Reminder
	store.afterList = func() {
		unlock := h.d.Lock(r.ID)
		defer unlock()
		next, ok, err := h.store.UpdateIfPending(context.Background(), r.ID, func(x *reminder.Reminder) error {
			x.TriggerTime = time.Now().Add(150 * time.Millisecond)
			x.Generation++
			return nil
		})
		if err != nil || !ok {
			t.Errorf("reschedule: ok=%v err=%v", ok, err)
			return
		}
		moved = next
		h.d.Arm(next)
	}

	res, err := h.d.reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.armed != 0 {
		t.Fatalf("armed=%d from a stale listing, want 0", res.armed)
	}
	if gen, ok := h.d.Armed(r.ID); !ok || gen != moved.Generation {
		t.Fatalf("Armed=(%d,%v), want generation %d", gen, ok, moved.Generation)
	}
	waitStatus(t, h.store, r.ID, reminder.StatusSent, 2*time.Second)
	if n := s.calls.Load(); n != 1 {
		t.Fatalf("sender calls=%d, want 1", n)
	}
}

func TestReconcileSkipsCancelledAfterListing(t *testing.T) {
	t.Parallel()

	store := &racingStore{Store: storage.NewMemory()}
	s := okSender()
	h := newHarness(t, store, s, time.Second, Config{})
	h.start(t)
	<-h.d.Ready()

	r := h.create(t, reminder.Reminder{TriggerTime: time.Now().Add(-time.Second)})
	store.afterList = func() {
		unlock := h.d.Lock(r.ID)
		defer unlock()
		_, _, err := h.store.UpdateIfPending(context.Background(), r.ID, func(x *reminder.Reminder) error {
			x.Status = reminder.StatusCancelled
			return nil
		})
		if err != nil {
			t.Errorf("cancel: %v", err)
		}
	}

	res, err := h.d.reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.armed != 0 || res.overdue != 0 {
		t.Fatalf("reconcile=%+v, want nothing armed", res)
	}
	if _, ok := h.d.Armed(r.ID); ok {
		t.Fatal("cancelled reminder armed")
	}
	time.Sleep(50 * time.Millisecond)
	if n := s.calls.Load(); n != 0 {
		t.Fatalf("sender calls=%d, want 0", n)
	}
}

func TestSharedStoreDeliversOnce(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	s := &countingSender{fn: func(context.Context, channel.Delivery) (bool, error) {
		time.Sleep(20 * time.Millisecond)
		return true, nil
	}}
	a := newHarness(t, store, s, time.Second, Config{})
	b := newHarness(t, store, s, time.Second, Config{})
	a.start(t)
	b.start(t)

	var ids []string
	for i := 0; i < 10; i++ {
		r := a.create(t, reminder.Reminder{TriggerTime: time.Now().Add(50 * time.Millisecond)})
		a.d.Arm(r)
		b.d.Arm(r)
		ids = append(ids, r.ID)
	}
	for _, id := range ids {
		waitStatus(t, store, id, reminder.StatusSent, 2*time.Second)
	}
	time.Sleep(100 * time.Millisecond)
	if n := s.calls.Load(); n != int32(len(ids)) {
		t.Fatalf("sender calls=%d, want %d", n, len(ids))
	}
}

func TestSweepSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, okSender(), time.Second, Config{Sweep: "@every 1h"})
	h.start(t)
	if err := h.d.SetSweep("not a schedule"); err == nil {
		t.Fatal("SetSweep accepted an invalid spec")
	}
	if err := h.d.SetSweep("*/5 * * * *"); err != nil {
		t.Fatalf("SetSweep: %v", err)
	}
	if got := h.d.Snapshot().Sweep; got != "*/5 * * * *" {
		t.Fatalf("sweep=%q", got)
	}

	bad := New(storage.NewMemory(), nil, nil, Config{Sweep: "every day"}, logx.Nop())
	if err := bad.Start(context.Background()); err == nil {
		bad.Stop(context.Background())
		t.Fatal("Start accepted an invalid sweep")
	}
}

func TestSweepRunsReconcile(t *testing.T) {
	t.Parallel()

	s := okSender()
	h := newHarness(t, nil, s, time.Second, Config{})
	h.start(t)
	<-h.d.Ready()

	r := h.create(t, reminder.Reminder{TriggerTime: time.Now().Add(-time.Second)})
	h.d.sweep()
	waitStatus(t, h.store, r.ID, reminder.StatusSent, time.Second)
	deadline := time.Now().Add(time.Second)
	for {
		snap := h.d.Snapshot()
		if snap.Sweeps == 1 && snap.Sent == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot=%+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAttemptTimeoutFollowsSlowestChannel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, okSender(), 20*time.Second, Config{ClaimGrace: 3 * time.Second})
	if got := h.d.attemptTimeout(); got != 23*time.Second {
		t.Fatalf("attemptTimeout=%s, want 23s", got)
	}

	h.reg.Register(reminder.ChannelIVR, okSender(), 40*time.Second)
	h.d.SetClaimGrace(5 * time.Second)
	if got := h.d.attemptTimeout(); got != 45*time.Second {
		t.Fatalf("attemptTimeout=%s, want 45s", got)
	}
	if got := h.d.lease(reminder.ChannelSMS); got != 25*time.Second {
		t.Fatalf("lease(sms)=%s, want 25s", got)
	}
}
