package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/eventbus"
	"castbot/internal/httpapi"
	"castbot/internal/notifier"
	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	"castbot/internal/transport/telegram"
	logx "castbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	broadcast *broadcast.Service
	sched     *broadcast.Scheduler
	notify    *notifier.Service
	http      *httpapi.Server
	cmds      *Commands

	updates chan kit.Update
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")
	cfgm := config.NewManager(cfgPath, bootLog.With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm = config.NewManager(cfgPath, log.With(logx.String("comp", "config")))
	cfgm.Commit(cfg)

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	bcfg, _ := mapBroadcastConfig(cfg)
	bsvc := broadcast.New(bcfg, broadcast.Deps{
		Sender:     ad,
		Editor:     ad,
		Recipients: store,
		Jobs:       store,
		Bus:        bus,
	}, log.With(logx.String("comp", "broadcast")))

	sched := broadcast.NewScheduler(bsvc, log.With(logx.String("comp", "schedule")))
	if err := sched.Apply(mapSchedules(cfg)); err != nil {
		_ = store.Close()
		return nil, err
	}

	ncfg, _ := mapNotifyConfig(cfg)
	notify := notifier.New(ncfg, ad, bus, log.With(logx.String("comp", "notifier")))
	notify.SetOwners(cfg.Telegram.OwnerUserIDs)

	hcfg, _ := mapHTTPConfig(cfg)
	httpSrv := httpapi.New(hcfg, httpapi.Deps{
		Jobs:       bsvc,
		Schedules:  sched,
		Recipients: store,
	}, log.With(logx.String("comp", "http")))

	cmds := NewCommands(log.With(logx.String("comp", "commands")), ad, bsvc, store, cfg.Telegram.OwnerUserIDs)

	return &App{
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		broadcast: bsvc,
		sched:     sched,
		notify:    notify,
		http:      httpSrv,
		cmds:      cmds,
		updates:   make(chan kit.Update, 256),
	}, nil
}

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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		a.sup.Go0("telegram.menu", func(c context.Context) {
			if err := mu.UpdateMenuCommands(c, a.cmds.MenuCommands()); err != nil {
				a.log.Warn("menu commands update failed", logx.Err(err))
			}
		})
	}

	if a.broadcast.Enabled() {
		a.broadcast.Start(a.sup.Context())
	} else {
		a.log.Warn("broadcast disabled via config")
	}
	a.sched.Start(a.sup.Context())
	a.notify.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe("", 128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// progress is frequent; keep it at debug
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

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
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log)
	})

	notifySystemd(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// applyConfig pushes a committed config into every live-reloadable component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, key := range config.RestartRequired(prev, next) {
		a.log.Warn("config change requires restart to take effect", logx.String("key", key))
	}

	a.logs.Apply(mapLogConfig(next))
	a.cmds.SetOwners(next.Telegram.OwnerUserIDs)
	a.notify.SetOwners(next.Telegram.OwnerUserIDs)
	if ncfg, err := mapNotifyConfig(next); err == nil {
		a.notify.Apply(ncfg)
	}

	if bcfg, err := mapBroadcastConfig(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.broadcast.Enabled()
		a.broadcast.Apply(bcfg)
		switch {
		case wasEnabled && !bcfg.Enabled:
			a.log.Info("broadcast disabled via config; running jobs continue")
		case !wasEnabled && bcfg.Enabled:
			a.log.Info("broadcast enabled via config")
			a.broadcast.Start(a.sup.Context())
		}
	}
	if err := a.sched.Apply(mapSchedules(next)); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	}
	if hcfg, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hcfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemd(a.log, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so one component
	// can't stall the whole stop. It never extends the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("broadcast", 5*time.Second, func(c context.Context) error { a.broadcast.Stop(c); return nil })
	step("notifier", time.Second, func(c context.Context) error { a.notify.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
