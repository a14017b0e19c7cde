package dispatch

import (
	"context"
	"errors"
	"time"

	"medremind/internal/eventbus"
	"medremind/internal/reminder"
	logx "medremind/pkg/logx"
)

// recoverPending re-arms every pending reminder from the store. A failing
// store is retried with jittered exponential backoff until ctx ends.
func (d *Dispatcher) recoverPending(ctx context.Context, cfg Config) error {
	backoff := cfg.RecoveryBackoffMin
	for attempt := 1; ; attempt++ {
		res, err := d.reconcile(ctx)
		if err == nil {
			d.mu.Lock()
			d.stats.recoveredAt = d.now()
			d.mu.Unlock()
			d.markReady()
			d.log.Info("recovery complete",
				logx.Int("pending", res.pending),
				logx.Int("armed", res.armed),
				logx.Int("overdue", res.overdue),
				logx.Int("interrupted", res.interrupted),
			)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := jitter(backoff)
		d.log.Error("recovery scan failed", logx.Int("attempt", attempt), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > cfg.RecoveryBackoffMax {
			backoff = cfg.RecoveryBackoffMax
		}
	}
}

func (d *Dispatcher) markReady() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.ready:
	default:
		close(d.ready)
	}
}

func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(time.Now().UnixNano() % (j + 1))
	}
	return d
}

type reconcileResult struct {
	pending     int
	armed       int
	overdue     int
	interrupted int
}

// reconcile compares the pending set in the store with the live timers.
// Unarmed reminders are armed (overdue ones fire at once) and claims older
// than their lease are finalized as failed.
func (d *Dispatcher) reconcile(ctx context.Context) (reconcileResult, error) {
	var res reconcileResult
	pending, err := d.store.ListPending(ctx)
	if err != nil {
		return res, err
	}
	res.pending = len(pending)
	now := d.now()
	for _, r := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if d.isInflight(r.ID) {
			continue
		}
		if r.Claimed() {
			if r.ClaimedAt == nil || now.Sub(*r.ClaimedAt) > d.lease(r.Channel) {
				if d.finalizeInterrupted(ctx, r) {
					res.interrupted++
				}
			}
			continue
		}
		if gen, ok := d.timers.generation(r.ID); ok && gen >= r.Generation {
			continue
		}
		cur, armed, err := d.rearm(ctx, r.ID)
		if err != nil {
			return res, err
		}
		if !armed {
			continue
		}
		if !cur.TriggerTime.After(now) {
			res.overdue++
		}
		res.armed++
	}
	return res, nil
}

// rearm arms id from a fresh read taken under its lock. The listed copy may
// already be stale: a reschedule or cancel can commit after ListPending.
func (d *Dispatcher) rearm(ctx context.Context, id string) (reminder.Reminder, bool, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	cur, err := d.store.Get(ctx, id)
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		return cur, false, nil
	case err != nil:
		return cur, false, err
	}
	if cur.Status != reminder.StatusPending || cur.Claimed() || d.isInflight(id) {
		return cur, false, nil
	}
	if gen, ok := d.timers.generation(id); ok && gen >= cur.Generation {
		return cur, false, nil
	}
	return cur, d.Arm(cur), nil
}

// finalizeInterrupted fails a reminder whose attempt was claimed by a process
// that never completed it. The claim token must still match what was listed.
func (d *Dispatcher) finalizeInterrupted(ctx context.Context, seen reminder.Reminder) bool {
	unlock := d.locks.Lock(seen.ID)
	defer unlock()

	now := d.now()
	r, ok, err := d.store.UpdateIfPending(ctx, seen.ID, func(r *reminder.Reminder) error {
		if r.ClaimToken != seen.ClaimToken {
			return errClaimLost
		}
		completedAt := now
		r.Status = reminder.StatusFailed
		r.LastError = InterruptedError
		r.CompletedAt = &completedAt
		return nil
	})
	log := d.log.With(logx.Reminder(seen.ID), logx.String("channel", string(seen.Channel)))
	switch {
	case errors.Is(err, errClaimLost):
		return false
	case err != nil:
		log.Warn("finalizing interrupted attempt failed", logx.Err(err))
		return false
	case !ok:
		return false
	}

	d.timers.disarm(seen.ID)
	d.mu.Lock()
	d.stats.interrupted++
	d.mu.Unlock()
	log.Warn("reminder delivery failed", logx.String("status", string(r.Status)), logx.String("error", InterruptedError))
	eventbus.ReminderChanged(d.bus, eventbus.ReminderFailed, r)
	return true
}
