package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"openwhen/internal/api"
	"openwhen/internal/config"
	"openwhen/internal/delivery"
	"openwhen/internal/eventbus"
	"openwhen/internal/observability"
	"openwhen/internal/reconcile"
	"openwhen/internal/runtime/supervisor"
	"openwhen/internal/store"
	"openwhen/internal/timer"
	logx "openwhen/pkg/logx"
	"openwhen/pkg/systemd"
)

// App wires the daemon: store, timers, delivery, engine, API and config reload.
type App struct {
	version string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   *store.Store
	timers  *timer.Service
	out     *delivery.Dispatcher
	engine  *reconcile.Engine
	metrics *observability.Metrics
	api     *api.Server

	suppressLateOnStart bool

	rescanMu    sync.Mutex
	rescanID    cron.EntryID
	rescanEvery time.Duration
}

type Option func(*App)

func WithVersion(v string) Option { return func(a *App) { a.version = v } }

// New loads the config at cfgPath (empty means defaults) and builds every component.
// Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	for _, o := range opts {
		o(a)
	}

	engCfg, sched, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.suppressLateOnStart = sched.SuppressLateOnStart
	a.rescanEvery = sched.RescanInterval

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := store.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store.New(backend, log)
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	primary, fallback, err := buildChannels(cfg, log)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.out = delivery.NewDispatcher(dcfg, primary, fallback, log)

	a.timers = timer.New(log, timer.WithLocation(sched.Location))
	a.engine = reconcile.New(engCfg, a.store, a.timers, a.out, log, a.bus)

	if cfg.Metrics.Enabled {
		a.metrics = observability.New(a.bus.Dropped)
	}
	if cfg.API.Enabled {
		acfg := api.Config{
			Addr:    cfg.API.Addr,
			Token:   cfg.API.Token,
			Pprof:   cfg.API.Pprof,
			Version: a.version,
			Health:  func() any { return a.sup.Snapshot() },
		}
		if a.metrics != nil {
			acfg.Metrics = a.metrics.Handler()
		}
		a.api = api.New(acfg, a.engine, log.With(logx.String("comp", "api")))
	}
	return a, nil
}

// Engine exposes the reconciliation engine (tests, embedding).
func (a *App) Engine() *reconcile.Engine { return a.engine }

// Done is closed when the supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the startup pass and launches the supervised loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDeliveryConfig(cfg); err != nil {
			return err
		}
		_, _, err := buildChannels(cfg, logx.Nop())
		return err
	})

	runCtx := a.sup.Context()
	a.timers.Start(runCtx)

	if a.metrics != nil {
		// subscribe before the first pass so its events are counted
		a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	}

	rep, err := a.engine.Rebuild(runCtx, reconcile.RebuildOptions{
		SuppressLateDelivery: a.suppressLateOnStart,
		Trigger:              reconcile.TriggerStartup,
	})
	if err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	for _, f := range rep.Failures {
		a.log.Warn("startup reconcile failure", logx.String("rule", f.RuleID), logx.String("op", f.Op), logx.Err(f.Err))
	}

	a.sup.GoRestart("engine.fires", func(c context.Context) error {
		return a.engine.Serve(c, a.timers.Fired())
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if err := a.scheduleRescan(a.rescanEvery); err != nil {
		return err
	}

	if a.api != nil {
		a.sup.GoRestart("api", a.api.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
			supervisor.WithMaxRestarts(5),
			supervisor.WithFatalOnFinalError(true))
	}

	events, unsub := a.bus.Subscribe(128)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started",
		logx.Int("rules", rep.Rules),
		logx.Int("scheduled", rep.Scheduled),
		logx.Duration("rescan_every", a.rescanEvery),
	)
	return nil
}

// scheduleRescan (re)registers the periodic reconciliation job.
func (a *App) scheduleRescan(every time.Duration) error {
	a.rescanMu.Lock()
	defer a.rescanMu.Unlock()
	if a.rescanID != 0 {
		a.timers.Remove(a.rescanID)
		a.rescanID = 0
	}
	id, err := a.timers.Every("reconcile.rescan", "@every "+every.String(), func(ctx context.Context) {
		if _, err := a.engine.Rebuild(ctx, reconcile.RebuildOptions{Trigger: reconcile.TriggerRescan}); err != nil {
			a.log.Warn("rescan failed", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	a.rescanID = id
	a.rescanEvery = every
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
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
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes the hot-reloadable sections into the running components.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(newCfg.Logging.Logx())

	if engCfg, sched, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(engCfg)
		a.suppressLateOnStart = sched.SuppressLateOnStart
		if sched.RescanInterval != a.rescanEvery {
			if err := a.scheduleRescan(sched.RescanInterval); err != nil {
				a.log.Warn("rescan reschedule failed", logx.Err(err))
			}
		}
	}

	if dcfg, err := mapDeliveryConfig(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.out.Apply(dcfg)
		if primary, fallback, err := buildChannels(newCfg, a.log); err != nil {
			a.log.Warn("delivery channels unchanged", logx.Err(err))
		} else {
			a.out.SetChannels(primary, fallback)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop cancels every loop and closes resources in dependency order.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("timers", 2*time.Second, func(context.Context) error { a.timers.Stop(); return nil })
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
