package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "medremind/pkg/logx"

	"github.com/robfig/cron/v3"
)

var sweepParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (d *Dispatcher) startSweep(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "-" {
		d.log.Info("reconcile sweep disabled")
		return nil
	}
	if _, err := sweepParser.Parse(spec); err != nil {
		return fmt.Errorf("sweep %q: %w", spec, err)
	}

	cl := cronLogger{log: d.log}
	c := cron.New(
		cron.WithParser(sweepParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id, err := c.AddFunc(spec, d.sweep)
	if err != nil {
		return fmt.Errorf("sweep %q: %w", spec, err)
	}
	c.Start()

	d.mu.Lock()
	d.cron, d.sweepID = c, id
	d.cfg.Sweep = spec
	d.mu.Unlock()
	return nil
}

// SetSweep replaces the sweep schedule of a running dispatcher.
func (d *Dispatcher) SetSweep(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = defaultSweep
	}
	d.mu.Lock()
	running := d.ctx != nil
	old := d.cron
	same := d.cfg.Sweep == spec
	if !running {
		d.cfg.Sweep = spec
	}
	d.mu.Unlock()
	if !running || same {
		return nil
	}
	if spec != "-" {
		if _, err := sweepParser.Parse(spec); err != nil {
			return fmt.Errorf("sweep %q: %w", spec, err)
		}
	}
	if old != nil {
		<-old.Stop().Done()
	}
	d.mu.Lock()
	d.cron, d.sweepID = nil, 0
	d.cfg.Sweep = spec
	d.mu.Unlock()
	if err := d.startSweep(spec); err != nil {
		return err
	}
	d.log.Info("reconcile sweep rescheduled", logx.String("sweep", spec))
	return nil
}

// sweep is the cron job. It repairs the pending set and logs a snapshot.
func (d *Dispatcher) sweep() {
	base := d.runContext()
	if base == nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, reconcileTimeout)
	defer cancel()

	res, err := d.reconcile(ctx)
	d.mu.Lock()
	d.stats.sweeps++
	d.stats.sweptAt = d.now()
	d.mu.Unlock()
	if err != nil {
		d.log.Warn("reconcile sweep failed", logx.Err(err))
		return
	}
	if res.armed > 0 || res.interrupted > 0 {
		d.log.Info("reconcile sweep repaired reminders", logx.Int("armed", res.armed), logx.Int("interrupted", res.interrupted))
	}
	if d.log.Enabled(logx.LevelDebug) {
		snap := d.Snapshot()
		d.log.Debug("dispatcher snapshot",
			logx.Int("pending", res.pending),
			logx.Int("armed", snap.Armed),
			logx.Int("in_flight", snap.InFlight),
			logx.Int("queue_len", snap.Pool.QueueLen),
			logx.Uint64("sent", snap.Sent),
			logx.Uint64("failed", snap.Failed),
		)
	}
}

// cronLogger routes cron's own logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
