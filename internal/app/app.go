// Package app wires the cupcake daemon together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"cupcake/internal/config"
	"cupcake/internal/eventbus"
	"cupcake/internal/jobs"
	"cupcake/internal/metrics"
	"cupcake/internal/notify"
	"cupcake/internal/observability/pprof"
	"cupcake/internal/observers"
	"cupcake/internal/profiles"
	"cupcake/internal/runtime/supervisor"
	"cupcake/internal/snapshot"
	"cupcake/internal/storage"
	"cupcake/internal/transport/httpapi"
	"cupcake/internal/watch"
	logx "cupcake/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	metrics  *metrics.Metrics
	jobs     *jobs.Store
	probe    *probeSwitch
	snap     *snapshot.Snapshotter
	hub      *observers.Hub
	profiles *profiles.Store
	alerter  *notify.Alerter
	http     *httpapi.Server

	tickerMu     sync.Mutex
	tickerCancel context.CancelFunc

	pprofMu     sync.Mutex
	pprofCancel context.CancelFunc

	addrMu    sync.Mutex
	addr      string
	ready     chan struct{}
	readyOnce sync.Once
}

// NewApp loads the config at cfgPath ("" for built-in defaults) and builds
// every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var m *metrics.Metrics
	if !cfg.Metrics.Disabled {
		m = metrics.New()
	}

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	probe, err := mapProbe(cfg, root)
	if err != nil {
		return nil, err
	}
	ps := &probeSwitch{}
	ps.p.Store(probe)

	js := jobs.NewStore(cfg.Layout(), root)
	snap := snapshot.New(js, ps, m, root)
	snap.SetBus(bus)
	hub := observers.NewHub(observers.NewRegistry(), snap, bus, m, root, mapHubConfig(cfg))
	prof := profiles.NewStore(cfg.Profiles.CredentialsFile, cfg.Profiles.ConfigFile, root)

	var alerter *notify.Alerter
	if tc, minPeriod, ok := mapTelegram(cfg); ok {
		tg, err := notify.NewTelegram(tc)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		host, _ := os.Hostname()
		alerter = notify.NewAlerter(tg, minPeriod, host, root)
		log.Info("health alerts enabled", logx.Int64("chat_id", tc.ChatID))
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		metrics:  m,
		jobs:     js,
		probe:    ps,
		snap:     snap,
		hub:      hub,
		profiles: prof,
		alerter:  alerter,
		ready:    make(chan struct{}),
	}
	a.http = httpapi.New(httpapi.Deps{
		Jobs:     js,
		Health:   ps,
		Hub:      hub,
		Profiles: prof,
		Audit:    store,
		Metrics:  m,
		Bus:      bus,
		Runtime:  a.runtimeSnapshot,
		Log:      root,
	}, httpapi.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		LogTailLines:   cfg.HTTP.LogTailLines,
		StaticDir:      cfg.Paths.StaticDir,
	})
	return a, nil
}

func (a *App) runtimeSnapshot() supervisor.Snapshot {
	if a.sup == nil {
		return supervisor.Snapshot{}
	}
	return a.sup.Snapshot()
}

// Ready is closed once the HTTP listener is bound.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr is the bound HTTP address, empty before Ready.
func (a *App) Addr() string {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
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

func (a *App) onListening(addr net.Addr) {
	a.addrMu.Lock()
	a.addr = addr.String()
	a.addrMu.Unlock()
	a.readyOnce.Do(func() { close(a.ready) })
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapProbe(cfg, logx.Nop()); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		if _, _, ok := mapTelegram(cfg); ok && a.alerter == nil {
			a.log.Warn("telegram enabled in config; restart required for alerts to start")
		}
		return nil
	})

	serveCfg := mapServeConfig(cfg)
	a.sup.Go("http.server", func(c context.Context) error {
		return a.http.Serve(c, serveCfg, a.onListening)
	})

	a.sup.GoRestart("observers.hub", a.hub.Run)

	layout := a.jobs.Layout()
	watchOpts := watch.Options{
		Dirs:     []string{layout.SchedulerDir, layout.LogDir},
		Filter:   watch.SkipTemp,
		Debounce: config.Duration(cfg.Observers.WatchDebounce, 250*time.Millisecond),
		Log:      a.log.With(logx.String("comp", "watch")),
	}
	a.sup.GoRestart("watch.dirs", func(c context.Context) error {
		return watch.Run(c, watchOpts, watch.PublishState(a.bus))
	})

	a.startTicker(config.Duration(cfg.Observers.RefreshInterval, config.DefaultRefreshInterval))
	a.startPprof(cfg)

	if a.alerter != nil {
		a.sup.GoRestart("notify.health", func(c context.Context) error {
			return a.alerter.Run(c, a.bus)
		})
	}

	// Optional: log events for observability/debug.
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
				// Keep this debug-level; the ticker fires every interval.
				a.log.Debug("event", logx.String("type", e.Type), logx.String("source", e.Source))
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

	a.log.Info("app started",
		logx.String("scheduler_dir", layout.SchedulerDir),
		logx.String("log_dir", layout.LogDir),
		logx.String("config", a.cfgm.Path()),
	)
	return nil
}

// startTicker (re)starts the periodic refresh signal.
func (a *App) startTicker(interval time.Duration) {
	a.tickerMu.Lock()
	defer a.tickerMu.Unlock()
	if a.tickerCancel != nil {
		a.tickerCancel()
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	a.tickerCancel = cancel
	a.sup.Go("state.ticker", func(context.Context) error {
		return observers.RunTicker(ctx, a.bus, interval)
	})
}

// startPprof (re)starts the profiling listener. A listener error never
// stops the app; the loop keeps retrying with backoff.
func (a *App) startPprof(cfg *config.Config) {
	pc, err := mapPprofConfig(cfg)
	if err != nil {
		a.log.Warn("invalid pprof config; profiling disabled", logx.Err(err))
		return
	}
	pprof.ApplyRuntimeRates(pc)

	a.pprofMu.Lock()
	defer a.pprofMu.Unlock()
	if a.pprofCancel != nil {
		a.pprofCancel()
		a.pprofCancel = nil
	}
	if !pc.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	a.pprofCancel = cancel
	log := a.log.With(logx.String("comp", "pprof"))
	a.sup.GoRestart("pprof.server", func(context.Context) error {
		return pprof.Serve(ctx, pc, log, nil)
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("keys", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.hub.Apply(mapHubConfig(newCfg))

	if oldCfg.Health != newCfg.Health {
		if p, err := mapProbe(newCfg, a.logs.Logger()); err != nil {
			a.log.Warn("invalid health config; keeping previous", logx.Err(err))
		} else {
			a.probe.p.Store(p)
		}
	}

	oldTick := config.Duration(oldCfg.Observers.RefreshInterval, config.DefaultRefreshInterval)
	newTick := config.Duration(newCfg.Observers.RefreshInterval, config.DefaultRefreshInterval)
	if oldTick != newTick {
		a.startTicker(newTick)
	}

	for _, sec := range sections {
		if sec == "pprof" {
			a.startPprof(newCfg)
		}
	}

	if a.alerter != nil {
		if _, minPeriod, ok := mapTelegram(newCfg); ok {
			a.alerter.SetMinPeriod(minPeriod)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

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
		}
	}

	// HTTP shutdown, the hub and watchers all run under the supervisor.
	shutdown := mapServeConfig(a.cfgm.Get()).ShutdownTimeout
	step("supervisor", shutdown+2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
