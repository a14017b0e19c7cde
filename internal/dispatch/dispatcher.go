// Package dispatch fires pending reminders at their trigger time, exactly
// once, and records the outcome.
//
// Each pending reminder has one in-process timer. When it fires, the attempt
// is queued on a bounded worker pool; the worker claims the reminder in the
// store, calls the channel sender and persists sent or failed. Claims are
// conditional store writes, so two processes sharing a database never both
// deliver the same reminder.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"medremind/internal/channel"
	"medremind/internal/eventbus"
	"medremind/internal/reminder"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// InterruptedError is recorded on reminders whose delivery attempt was
// claimed but never completed.
const InterruptedError = "attempt interrupted"

const (
	defaultClaimGrace = 30 * time.Second
	defaultSweep      = "@every 1m"
	claimRetryDelay   = 5 * time.Second
	completeAttempts  = 4
	completeTimeout   = 10 * time.Second
	reconcileTimeout  = 30 * time.Second
	defaultBackoffMin = 500 * time.Millisecond
	defaultBackoffMax = 30 * time.Second
)

var (
	errSuperseded = errors.New("superseded by reschedule")
	errClaimed    = errors.New("already claimed")
	errClaimLost  = errors.New("claim lost")
)

type Config struct {
	Pool PoolConfig
	// ClaimGrace is added to the channel timeout to form the claim lease.
	ClaimGrace time.Duration
	// Sweep is a cron spec for the reconcile sweep; "-" disables it.
	Sweep              string
	RecoveryBackoffMin time.Duration
	RecoveryBackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	c.Pool = c.Pool.withDefaults()
	if c.ClaimGrace <= 0 {
		c.ClaimGrace = defaultClaimGrace
	}
	if c.Sweep == "" {
		c.Sweep = defaultSweep
	}
	if c.RecoveryBackoffMin <= 0 {
		c.RecoveryBackoffMin = defaultBackoffMin
	}
	if c.RecoveryBackoffMax < c.RecoveryBackoffMin {
		c.RecoveryBackoffMax = defaultBackoffMax
		if c.RecoveryBackoffMax < c.RecoveryBackoffMin {
			c.RecoveryBackoffMax = c.RecoveryBackoffMin
		}
	}
	return c
}

type Dispatcher struct {
	store    storage.Store
	channels *channel.Registry
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	pool   *Pool
	timers *timerSet
	locks  *keyedMutex

	mu      sync.Mutex
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	cron    *cron.Cron
	sweepID cron.EntryID
	ready   chan struct{}
	stats   runStats

	imu      sync.Mutex
	inflight map[string]int64
}

type runStats struct {
	recoveredAt time.Time
	sweptAt     time.Time
	sweeps      uint64
	interrupted uint64
	sent        uint64
	failed      uint64
}

func New(store storage.Store, channels *channel.Registry, bus eventbus.Bus, cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if channels == nil {
		channels = channel.NewRegistry()
	}
	log = log.With(logx.String("comp", "dispatch"))
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:    store,
		channels: channels,
		bus:      bus,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		pool:     NewPool(cfg.Pool, log),
		timers:   newTimerSet(),
		locks:    newKeyedMutex(),
		cfg:      cfg,
		ready:    make(chan struct{}),
		inflight: map[string]int64{},
	}
}

// Start launches the worker pool, the startup recovery scan and the sweep.
// It returns without waiting for recovery; see Ready.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.ctx != nil {
		d.mu.Unlock()
		return nil
	}
	cfg := d.cfg
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.ctx, d.cancel = runCtx, cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	d.pool.Start(runCtx)
	if err := d.startSweep(cfg.Sweep); err != nil {
		d.pool.Stop(context.Background())
		cancel()
		d.mu.Lock()
		d.ctx, d.cancel = nil, nil
		d.mu.Unlock()
		return err
	}

	done := d.done
	go func() {
		defer close(done)
		// Recovery stops when either the caller's ctx or Stop ends it.
		rctx, rcancel := context.WithCancel(runCtx)
		defer rcancel()
		stop := context.AfterFunc(ctx, rcancel)
		defer stop()
		if err := d.recoverPending(rctx, cfg); err != nil {
			d.log.Warn("recovery abandoned", logx.Err(err))
		}
	}()
	d.log.Info("dispatcher started", logx.String("sweep", cfg.Sweep), logx.Duration("claim_grace", cfg.ClaimGrace))
	return nil
}

// Ready is closed once the startup recovery scan has re-armed every
// pending reminder.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// Stop disarms every timer and waits for running attempts until ctx ends.
// Reminders that did not start stay pending and are recovered on next start.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.ctx == nil {
		d.mu.Unlock()
		return
	}
	cancel, done, c := d.cancel, d.done, d.cron
	d.ctx, d.cancel, d.cron, d.sweepID = nil, nil, nil, 0
	d.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	n := d.timers.stopAll()
	d.pool.Stop(ctx)
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	d.log.Info("dispatcher stopped", logx.Int("disarmed", n))
}

func (d *Dispatcher) runContext() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}

// Lock serializes callers on one reminder id with the dispatcher's own
// claim step. The returned func releases it and is safe to call twice.
func (d *Dispatcher) Lock(id string) (unlock func()) { return d.locks.Lock(id) }

// Arm (re)arms the timer for r and reports whether it did. Non-pending or
// claimed reminders are disarmed. A timer already armed for a newer
// generation is kept.
func (d *Dispatcher) Arm(r reminder.Reminder) bool {
	if r.Status != reminder.StatusPending || r.Claimed() {
		d.timers.disarm(r.ID)
		return false
	}
	if !d.timers.arm(r.ID, r.Generation, r.TriggerTime, d.fire) {
		d.log.Debug("stale arm ignored", logx.Reminder(r.ID), logx.Int64("generation", r.Generation))
		return false
	}
	d.log.Debug("timer armed", logx.Reminder(r.ID), logx.Int64("generation", r.Generation), logx.Time("trigger_time", r.TriggerTime))
	return true
}

// Disarm stops the timer for id, if any.
func (d *Dispatcher) Disarm(id string) bool {
	ok := d.timers.disarm(id)
	if ok {
		d.log.Debug("timer disarmed", logx.Reminder(id))
	}
	return ok
}

// Armed returns the generation of the live timer for id.
func (d *Dispatcher) Armed(id string) (int64, bool) { return d.timers.generation(id) }

func (d *Dispatcher) fire(id string, gen int64) {
	ctx := d.runContext()
	if ctx == nil {
		d.log.Debug("timer fired while stopped", logx.Reminder(id))
		return
	}
	if !d.markInflight(id, gen) {
		return
	}
	err := d.pool.Submit(ctx, Task{
		ID:      id,
		Name:    "deliver",
		Timeout: d.attemptTimeout(),
		Run: func(c context.Context) error {
			defer d.clearInflight(id, gen)
			return d.attempt(c, id, gen)
		},
	})
	if err != nil {
		d.clearInflight(id, gen)
		d.log.Debug("attempt not queued", logx.Reminder(id), logx.Err(err))
	}
}

func (d *Dispatcher) markInflight(id string, gen int64) bool {
	d.imu.Lock()
	defer d.imu.Unlock()
	if g, ok := d.inflight[id]; ok && g == gen {
		return false
	}
	d.inflight[id] = gen
	return true
}

func (d *Dispatcher) clearInflight(id string, gen int64) {
	d.imu.Lock()
	if g, ok := d.inflight[id]; ok && g == gen {
		delete(d.inflight, id)
	}
	d.imu.Unlock()
}

func (d *Dispatcher) isInflight(id string) bool {
	d.imu.Lock()
	defer d.imu.Unlock()
	_, ok := d.inflight[id]
	return ok
}

// attempt claims, delivers and completes one reminder.
func (d *Dispatcher) attempt(ctx context.Context, id string, gen int64) error {
	log := d.log.With(logx.Reminder(id))

	r, token, err := d.claim(ctx, id, gen)
	switch {
	case errors.Is(err, errSuperseded), errors.Is(err, errClaimed):
		log.Debug("attempt skipped", logx.Err(err))
		return nil
	case errors.Is(err, reminder.ErrNotFound):
		log.Warn("attempt skipped; reminder not found")
		return nil
	case err != nil:
		d.retryLater(id, gen)
		return fmt.Errorf("claim %s: %w", id, err)
	case token == "":
		log.Debug("attempt skipped; no longer pending", logx.String("status", string(r.Status)))
		return nil
	}

	log = log.With(logx.String("channel", string(r.Channel)))
	ok, derr := d.channels.Deliver(ctx, channel.Delivery{
		ReminderID:  r.ID,
		Channel:     r.Channel,
		Destination: r.Destination,
		Body:        r.Message,
		Subject:     r.Subject,
		Language:    r.Language,
	})
	status, lastErr := reminder.StatusSent, ""
	if !ok || derr != nil {
		status = reminder.StatusFailed
		lastErr = "not delivered"
		if derr != nil {
			lastErr = derr.Error()
		}
	}

	final, err := d.complete(ctx, id, token, status, lastErr)
	if err != nil {
		log.Error("attempt outcome not recorded", logx.String("status", string(status)), logx.Err(err))
		return fmt.Errorf("complete %s: %w", id, err)
	}

	d.mu.Lock()
	if status == reminder.StatusSent {
		d.stats.sent++
	} else {
		d.stats.failed++
	}
	d.mu.Unlock()

	if status == reminder.StatusSent {
		log.Info("reminder sent", logx.String("status", string(final.Status)))
		eventbus.ReminderChanged(d.bus, eventbus.ReminderSent, final)
		return nil
	}
	log.Warn("reminder delivery failed", logx.String("status", string(final.Status)), logx.String("error", lastErr))
	eventbus.ReminderChanged(d.bus, eventbus.ReminderFailed, final)
	if derr == nil {
		derr = channel.ErrRejected
	}
	return derr
}

// claim marks the reminder as in flight. An empty token with a nil error
// means the reminder was no longer pending.
func (d *Dispatcher) claim(ctx context.Context, id string, gen int64) (reminder.Reminder, string, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	token := uuid.NewString()
	now := d.now()
	r, ok, err := d.store.UpdateIfPending(ctx, id, func(r *reminder.Reminder) error {
		if r.Generation != gen {
			return errSuperseded
		}
		if r.Claimed() {
			return errClaimed
		}
		claimedAt, attemptedAt := now, now
		r.ClaimToken = token
		r.ClaimedAt = &claimedAt
		r.AttemptedAt = &attemptedAt
		return nil
	})
	if err != nil || !ok {
		return r, "", err
	}
	return r, token, nil
}

// complete persists the outcome of the attempt holding token. It outlives
// ctx so a shutdown mid-send still records what happened.
func (d *Dispatcher) complete(ctx context.Context, id, token string, status reminder.Status, lastErr string) (reminder.Reminder, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()

	var lastFailure error
	backoff := 100 * time.Millisecond
	for i := 0; i < completeAttempts; i++ {
		if i > 0 {
			select {
			case <-cctx.Done():
				return reminder.Reminder{}, errors.Join(lastFailure, cctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		now := d.now()
		r, ok, err := d.store.UpdateIfPending(cctx, id, func(r *reminder.Reminder) error {
			if r.ClaimToken != token {
				return errClaimLost
			}
			completedAt := now
			r.Status = status
			r.LastError = lastErr
			r.CompletedAt = &completedAt
			return nil
		})
		switch {
		case err == nil && ok:
			return r, nil
		case err == nil:
			// Someone else finalized it, e.g. a stale claim sweep in another process.
			return r, fmt.Errorf("%w: reminder is %s", errClaimLost, r.Status)
		case errors.Is(err, errClaimLost), errors.Is(err, reminder.ErrNotFound):
			return r, err
		}
		lastFailure = err
		d.log.Warn("recording outcome failed; retrying", logx.Reminder(id), logx.Int("attempt", i+1), logx.Err(err))
	}
	return reminder.Reminder{}, lastFailure
}

// retryLater re-arms a reminder whose claim could not be written, unless a
// newer timer already exists.
func (d *Dispatcher) retryLater(id string, gen int64) {
	if d.runContext() == nil {
		return
	}
	if d.timers.armIfAbsent(id, gen, d.now().Add(claimRetryDelay), d.fire) {
		d.log.Warn("claim failed; attempt re-armed", logx.Reminder(id), logx.Duration("delay", claimRetryDelay))
	}
}

// lease is how long a claim may stay open before it is considered abandoned.
func (d *Dispatcher) lease(ch reminder.Channel) time.Duration {
	d.mu.Lock()
	grace := d.cfg.ClaimGrace
	d.mu.Unlock()
	return d.channels.Timeout(ch) + grace
}

// attemptTimeout bounds one attempt on any channel. Recording the outcome
// runs on its own deadline and is not cut short by it.
func (d *Dispatcher) attemptTimeout() time.Duration {
	d.mu.Lock()
	grace := d.cfg.ClaimGrace
	d.mu.Unlock()
	return d.channels.MaxTimeout() + grace
}

// SetClaimGrace changes the grace added to channel timeouts for claim leases.
func (d *Dispatcher) SetClaimGrace(grace time.Duration) {
	if grace <= 0 {
		grace = defaultClaimGrace
	}
	d.mu.Lock()
	d.cfg.ClaimGrace = grace
	d.mu.Unlock()
}
