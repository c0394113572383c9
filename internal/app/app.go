package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"sigwatch/internal/blocks"
	_ "sigwatch/internal/blocks/builtin"
	"sigwatch/internal/config"
	"sigwatch/internal/dispatch"
	"sigwatch/internal/eventbus"
	"sigwatch/internal/maintenance"
	"sigwatch/internal/metrics"
	"sigwatch/internal/notifier"
	"sigwatch/internal/pipeline"
	"sigwatch/internal/runtime/supervisor"
	"sigwatch/internal/source/httpin"
	"sigwatch/internal/source/natsio"
	"sigwatch/internal/source/telegramin"
	"sigwatch/internal/storage"
	"sigwatch/internal/timer"
	kit "sigwatch/internal/transport"
	"sigwatch/internal/transport/telegram"
	logx "sigwatch/pkg/logx"
	"sigwatch/pkg/systemd"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store

	adapter  *telegram.Adapter
	sender   kit.Sender
	notif    *notifier.Service
	natsConn *nats.Conn

	pipe  *pipeline.Pipeline
	disp  *dispatch.Service
	http  *httpin.Server
	natsq *natsio.Subscriber
	maint *maintenance.Service

	updates chan kit.Message
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, bus: eventbus.New(), metrics: metrics.New(), updates: make(chan kit.Message, 256)}

	if tok := strings.TrimSpace(cfg.Telegram.Token); tok != "" {
		poll, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{Token: tok, PollTimeout: poll}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		a.adapter, a.sender = ad, ad
	}

	logSvc, log := logx.New(mapLogConfig(cfg), a.sender)
	a.logs, a.log = logSvc, log.With(logx.String("comp", "app"))

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log, a.metrics)
		if err != nil {
			return nil, err
		}
		a.store = st
	} else {
		a.log.Warn("storage disabled; repeatable timeouts will not survive a restart")
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	ndeps := notifier.Deps{Log: log.With(logx.String("comp", "notifier")), Bus: a.bus, Metrics: a.metrics}
	if a.store != nil {
		ndeps.Store = a.store
	}
	a.notif = notifier.New(ncfg, a.sender, ndeps)

	ncf := mapNATSConfig(cfg)
	if ncf.URL != "" {
		nc, err := natsio.Connect(ncf, log.With(logx.String("comp", "nats")))
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.natsConn = nc
	}

	a.pipe, err = pipeline.Build(cfg.Blocks, cfg.Entry, a.pipelineDeps(cfg))
	if err != nil {
		a.closeConns()
		return nil, err
	}
	a.disp = dispatch.New(mapDispatchConfig(cfg), a.pipe.Process, log, a.metrics)

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		a.closeConns()
		return nil, err
	}
	a.http = httpin.New(hcfg, httpin.Deps{Log: log, Submit: a.disp, Metrics: a.metrics, Health: a.Health})
	a.natsq = natsio.NewSubscriber(ncf, a.natsConn, a.disp, log)

	var compacter maintenance.Compacter
	if a.store != nil {
		compacter = a.store
	}
	a.maint = maintenance.New(mapMaintenanceConfig(cfg), compacter, log)
	return a, nil
}

func (a *App) pipelineDeps(cfg *config.Config) pipeline.Deps {
	d := pipeline.Deps{
		Log:       a.log.With(logx.String("comp", "block")),
		Metrics:   a.metrics,
		Bus:       a.bus,
		Scheduler: timer.System{},
		ReadyWait: cfg.ReadyWait(),
	}
	if a.store != nil {
		d.Store = a.store
	}
	if a.sender != nil {
		d.Notifier = a.notif
	}
	if a.natsConn != nil {
		d.NATS = a.natsConn
	}
	return d
}

func (a *App) closeConns() {
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
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

// Start brings the pipeline up before any source so restored timers are armed first.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)

	if err := a.pipe.Start(run); err != nil {
		return err
	}
	a.notif.Start(run)
	a.disp.Start(run)

	cfg := a.cfgm.Get()
	if a.adapter != nil && cfg.Telegram.Source {
		if err := a.adapter.Start(run, a.updates); err != nil {
			return err
		}
		a.sup.GoRestart("telegram.source", func(c context.Context) error {
			return telegramin.Run(c, a.updates, a.disp, a.log)
		})
	}
	if err := a.natsq.Start(run); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	a.http.Start(run)
	if err := a.maint.Start(run); err != nil {
		return err
	}

	a.sup.Go0("systemd.ready", func(c context.Context) {
		if err := a.pipe.WaitReady(c); err != nil {
			return
		}
		sent, err := systemd.Ready()
		if err != nil {
			a.log.Warn("sd_notify failed", logx.Err(err))
		}
		_, _ = systemd.Status(fmt.Sprintf("running %d blocks", len(a.pipe.Names())))
		a.log.Info("ready", logx.Bool("sd_notify", sent), logx.Any("blocks", a.pipe.Readiness()))
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.Health().Ready })
	})

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
				a.log.Debug("event", logx.String("type", e.Type), logx.String("block", e.Block), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("entry", a.pipe.Entry()),
		logx.Int("blocks", len(a.pipe.Names())),
		logx.Bool("storage", a.store != nil),
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("nats", a.natsConn != nil))
	return nil
}

// validateReload rejects configs whose blocks would not build. The trial pipeline is
// never started.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	_, err := pipeline.Build(cfg.Blocks, cfg.Entry, a.pipelineDeps(cfg))
	return err
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, blocksChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	_, _ = systemd.Reloading()
	defer func() {
		_, _ = systemd.Ready()
		_, _ = systemd.Status("config reloaded: " + strings.Join(sections, ","))
	}()

	a.logs.Apply(mapLogConfig(newCfg))

	if changed["notifier"] {
		prevEnabled := a.notif.Enabled()
		ncfg, err := mapNotifierConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
			switch {
			case prevEnabled && !ncfg.Enabled:
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !prevEnabled && ncfg.Enabled:
				a.notif.Start(ctx)
			}
		}
	}
	if changed["http"] {
		if hcfg, err := mapHTTPConfig(newCfg); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hcfg)
		}
	}

	var restart []string
	for _, s := range []string{"telegram", "storage", "nats", "dispatch", "engine", "maintenance", "blocks"} {
		if changed[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		fields := []logx.Field{logx.String("sections", strings.Join(restart, ","))}
		if len(blocksChanged) > 0 {
			fields = append(fields, logx.Any("blocks", blocksChanged))
		}
		a.log.Warn("config changed; restart required for changes to take effect", fields...)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReload, Data: map[string]any{"changed": sections}})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Health is the /healthz report: ready once every timeout block restored its timers.
func (a *App) Health() httpin.Report {
	rep := httpin.Report{Ready: true, Blocks: a.pipe.Readiness(), Supervisors: map[string]supervisor.Snapshot{}}
	for _, ok := range rep.Blocks {
		rep.Ready = rep.Ready && ok
	}
	snap := a.disp.Snapshot()
	rep.Dispatch = &snap
	sups := map[string]*supervisor.Supervisor{
		"app":      a.sup,
		"dispatch": a.disp.Supervisor(),
		"notifier": a.notif.Supervisor(),
		"http":     a.http.Supervisor(),
	}
	if a.adapter != nil {
		sups["telegram"] = a.adapter.Supervisor()
	}
	for name, s := range sups {
		if s != nil {
			rep.Supervisors[name] = s.Snapshot()
		}
	}
	return rep
}

// Pipeline exposes the block graph (diagnostics and tests).
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Sources first so nothing new reaches the pipeline, then the pipeline itself.
	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("nats.source", 2*time.Second, a.natsq.Stop)
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("dispatch", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("pipeline", 3*time.Second, a.pipe.Stop)
	step("maintenance", time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("nats", time.Second, func(context.Context) error {
		if a.natsConn != nil {
			return a.natsConn.Drain()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// stopStep runs fn with an upper bound so one component can't stall the whole stop.
// The caller's deadline is never extended.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return context.DeadlineExceeded
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
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Duration("took", took), logx.Err(err))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return stepCtx.Err()
	}
}

var _ blocks.Notifier = (*notifier.Service)(nil)
