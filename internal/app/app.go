package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"medremind/internal/alerts"
	"medremind/internal/channel"
	"medremind/internal/config"
	"medremind/internal/dispatch"
	"medremind/internal/eventbus"
	"medremind/internal/events"
	rtsup "medremind/internal/runtime/supervisor"
	"medremind/internal/scheduling"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"
	"medremind/pkg/systemd"
)

const storageOpenTimeout = 30 * time.Second

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client   *http.Client
	channels *channel.Registry
	disp     *dispatch.Dispatcher
	sched    *scheduling.Service

	events *events.Forwarder
	alerts *alerts.Service
	notify *systemd.Notifier
}

// New loads the config and wires every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}

	client := &http.Client{}
	specs, err := buildChannels(cfg, client, logSvc.Logger().With(logx.String("comp", "channel")))
	if err != nil {
		return nil, err
	}
	reg := channel.NewRegistry()
	registerChannels(reg, specs)
	if len(specs) == 0 {
		log.Warn("no delivery channel enabled; every reminder will fail")
	}

	octx, cancel := context.WithTimeout(ctx, storageOpenTimeout)
	store, err := storage.Open(octx, sc, logSvc.Logger())
	cancel()
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	disp := dispatch.New(store, reg, bus, dc, logSvc.Logger())
	sched := scheduling.New(store, disp, bus, logSvc.Logger())

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		client:   client,
		channels: reg,
		disp:     disp,
		sched:    sched,
		notify:   systemd.NewNotifier(cfg.Systemd != nil && cfg.Systemd.Notify, logSvc.Logger()),
	}

	if ec, ok, err := mapEventsConfig(cfg); err != nil {
		_ = store.Close()
		return nil, err
	} else if ok {
		w, err := events.NewKafkaWriter(ec)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.events = events.NewForwarder(ec, w, bus, logSvc.Logger())
	}

	if ac, tc, ok, err := mapAlertsConfig(cfg); err != nil {
		_ = store.Close()
		return nil, err
	} else if ok {
		// NewTelegram calls getMe. On failure the daemon runs without alerts.
		tg, err := alerts.NewTelegram(tc)
		if err != nil {
			log.Warn("failure alerts disabled", logx.Err(err))
		} else {
			a.alerts = alerts.New(ac, tg, bus, logSvc.Logger())
		}
	}

	return a, nil
}

// Scheduling is the public reminder API.
func (a *App) Scheduling() *scheduling.Service { return a.sched }

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapEventsConfig(cfg); err != nil {
			return err
		}
		if _, _, _, err := mapAlertsConfig(cfg); err != nil {
			return err
		}
		// Build senders without registering them so credential errors are
		// caught before the config is committed.
		_, err := buildChannels(cfg, a.client, logx.Nop())
		return err
	})

	// Forwarders subscribe before the dispatcher publishes anything.
	if a.events != nil {
		a.events.Start(a.sup.Context())
	}
	if a.alerts != nil {
		a.alerts.Start(a.sup.Context())
	}
	if err := a.disp.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go0("systemd.ready", func(c context.Context) {
		select {
		case <-c.Done():
			return
		case <-a.disp.Ready():
		}
		a.notify.Ready()
		a.notify.Watchdog(c)
	})

	// Lifecycle events at debug level, one line per transition.
	evs, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-evs:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Any("channels", a.channels.Channels()))
	return nil
}

// applyConfig pushes the live-reloadable parts of newCfg into running
// components. Storage, events, alerts credentials and the pool size keep
// their startup values.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	for _, s := range sections {
		switch s {
		case "dispatch":
			dc, err := mapDispatchConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
				continue
			}
			if err := a.disp.SetSweep(dc.Sweep); err != nil {
				a.log.Warn("sweep not updated", logx.Err(err))
			}
			a.disp.SetClaimGrace(dc.ClaimGrace)
			if oldCfg != nil && poolChanged(oldCfg.Dispatch, newCfg.Dispatch) {
				a.log.Warn("dispatch pool size changed; restart required for changes to take effect")
			}
		case "channels":
			specs, err := buildChannels(newCfg, a.client, a.logs.Logger().With(logx.String("comp", "channel")))
			if err != nil {
				a.log.Warn("invalid channels config; keeping previous", logx.Err(err))
				continue
			}
			registerChannels(a.channels, specs)
		case "alerts":
			if a.alerts == nil {
				continue
			}
			if ac, _, ok, err := mapAlertsConfig(newCfg); err == nil && ok {
				a.alerts.Apply(ac)
			}
		}
	}

	a.log.Info("config reloaded", fields...)
}

func poolChanged(a, b config.DispatchConfig) bool {
	return a.Workers != b.Workers || a.QueueSize != b.QueueSize || a.HistorySize != b.HistorySize
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The dispatcher goes first: running attempts record their outcome and
	// publish events the forwarders still need to see.
	step("dispatcher", a.channels.MaxTimeout()+5*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("alerts", 3*time.Second, func(c context.Context) error {
		if a.alerts != nil {
			a.alerts.Stop(c)
		}
		return nil
	})
	step("events", 5*time.Second, func(c context.Context) error {
		if a.events != nil {
			return a.events.Stop(c)
		}
		return nil
	})
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log, watchdog).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
