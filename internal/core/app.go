// Package core wires the daemon together and owns its lifecycle: config,
// logging, ledger, platform session, and the poll trigger.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"skypost/internal/bsky"
	"skypost/internal/config"
	"skypost/internal/dispatch"
	"skypost/internal/embed"
	"skypost/internal/ledger"
	"skypost/internal/notify"
	"skypost/internal/sheet"
	logx "skypost/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	loc    *time.Location
	store  ledger.Store
	client *bsky.Client
	feed   *sheet.Client
	disp   *dispatch.Dispatcher
	notif  *notify.Notifier

	mu          sync.Mutex
	trigCancel  context.CancelFunc
	cycleFlight bool

	wg sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("info")
	config.LoadDotEnv(bootLog)

	cfgm := config.NewManager(cfgPath)
	cfgm.SetLogger(bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	loc := time.UTC
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			_ = logs.Close()
			return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
		}
	}

	busy, err := config.ParseDurationField("ledger.busy_timeout", cfg.Ledger.BusyTimeout)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := ledger.Open(ledger.Config{
		Driver:        cfg.Ledger.Driver,
		Path:          cfg.Ledger.Path,
		BusyTimeout:   busy,
		RedisAddr:     cfg.Ledger.RedisAddr,
		RedisPassword: cfg.Ledger.RedisPassword,
		RedisDB:       cfg.Ledger.RedisDB,
		RedisKey:      cfg.Ledger.RedisKey,
	}, log.With(logx.String("comp", "ledger")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	apiTimeout, err := config.ParseDurationOrDefault("bluesky.timeout", cfg.Bluesky.Timeout, 60*time.Second)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	client := bsky.New(bsky.Config{
		Host:       cfg.Bluesky.Host,
		Timeout:    apiTimeout,
		RatePerSec: cfg.Bluesky.RatePerSec,
	}, log.With(logx.String("comp", "bsky")))

	feedTimeout, err := config.ParseDurationOrDefault("sheet.timeout", cfg.Sheet.Timeout, 30*time.Second)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	feed := sheet.NewClient(cfg.Sheet.URL, feedTimeout, log.With(logx.String("comp", "sheet")))

	resolver := embed.NewResolver(client, log.With(logx.String("comp", "embed")))
	disp := dispatch.New(client, resolver, store,
		dispatch.Config{HeadlessFallback: cfg.Dispatch.HeadlessFallback},
		log.With(logx.String("comp", "dispatch")))

	var notif *notify.Notifier
	if cfg.Notify != nil {
		notif, err = notify.New(notify.Config{
			TelegramToken: cfg.Notify.TelegramToken,
			ChatID:        cfg.Notify.ChatID,
			RatePerMin:    cfg.Notify.RatePerMin,
		}, log.With(logx.String("comp", "notify")))
		if err != nil {
			_ = store.Close()
			_ = logs.Close()
			return nil, err
		}
	}

	app := &App{
		cfgm:   cfgm,
		logs:   logs,
		log:    log,
		loc:    loc,
		store:  store,
		client: client,
		feed:   feed,
		disp:   disp,
		notif:  notif,
	}

	cfgm.SetValidator(func(c *config.Config) error {
		if err := c.Validate(); err != nil {
			return err
		}
		_, err := ParseSchedule(c.Schedule)
		return err
	})
	return app, nil
}

// Start logs in, launches the poll trigger and the config watcher, and
// reports readiness to systemd. It returns once the daemon is running.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.log.Info("logging in", logx.String("handle", cfg.Bluesky.Handle))
	if err := a.client.Login(ctx, cfg.Bluesky.Handle, cfg.Bluesky.AppPassword); err != nil {
		return err
	}

	if err := a.startTrigger(ctx, cfg.Schedule); err != nil {
		return err
	}

	a.cfgm.SetOnChange(func(c *config.Config) { a.applyConfig(ctx, c) })
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.startWatchdog(ctx)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify: ready")
	}

	a.log.Info("started", logx.String("schedule", cfg.Schedule),
		logx.String("timezone", a.loc.String()),
		logx.Bool("headless_fallback", cfg.Dispatch.HeadlessFallback))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_ = ctx
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.mu.Lock()
	cancel := a.trigCancel
	a.trigCancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = err
	}
	if err := a.logs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// applyConfig picks up the reloadable knobs: log level/sinks, headless
// fallback, and the poll schedule. Credentials, ledger driver and timezone
// changes require a restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.disp.SetConfig(dispatch.Config{HeadlessFallback: cfg.Dispatch.HeadlessFallback})
	if err := a.startTrigger(ctx, cfg.Schedule); err != nil {
		a.log.Warn("schedule change not applied", logx.Err(err))
	}
}

// startTrigger (re)starts the poll trigger. An interval trigger fires one
// cycle immediately and then every period; a cron trigger follows its
// expression, also with one immediate cycle.
func (a *App) startTrigger(ctx context.Context, schedule string) error {
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.trigCancel != nil {
		a.trigCancel()
	}
	tctx, cancel := context.WithCancel(ctx)
	a.trigCancel = cancel
	a.mu.Unlock()

	switch spec.Kind {
	case SpecInterval:
		a.log.Info("poll trigger: interval", logx.Duration("every", spec.Every))
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runCycle(tctx)
			t := time.NewTicker(spec.Every)
			defer t.Stop()
			for {
				select {
				case <-tctx.Done():
					return
				case <-t.C:
					a.runCycle(tctx)
				}
			}
		}()
	case SpecCron:
		a.log.Info("poll trigger: cron", logx.String("expr", spec.Cron))
		c := cron.New(cron.WithLocation(a.loc))
		if _, err := c.AddFunc(spec.Cron, func() { a.runCycle(tctx) }); err != nil {
			cancel()
			return fmt.Errorf("cron schedule %q: %w", spec.Cron, err)
		}
		c.Start()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runCycle(tctx)
			<-tctx.Done()
			<-c.Stop().Done()
		}()
	}
	return nil
}

// runCycle executes one fetch-normalize-dispatch pass. Any error abandons
// the cycle: it is logged and reported, the ledger keeps whatever units were
// already committed, and the next trigger retries from scratch.
func (a *App) runCycle(ctx context.Context) {
	a.mu.Lock()
	if a.cycleFlight {
		// A slow cycle outlived its period; skip rather than overlap.
		a.mu.Unlock()
		a.log.Warn("previous cycle still running, skipping trigger")
		return
	}
	a.cycleFlight = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cycleFlight = false
		a.mu.Unlock()
	}()

	started := time.Now()
	a.log.Debug("fetching sheet")
	rows, err := a.feed.Fetch(ctx)
	if err != nil {
		a.cycleFailed(err)
		return
	}

	items := make([]sheet.PostItem, 0, len(rows))
	normLog := a.log.With(logx.String("comp", "normalize"))
	for _, row := range rows {
		items = append(items, sheet.Normalize(row, a.loc, normLog))
	}

	if err := a.disp.RunCycle(ctx, items); err != nil {
		a.cycleFailed(err)
		return
	}
	a.log.Info("cycle complete",
		logx.Int("rows", len(rows)),
		logx.Duration("took", time.Since(started)))
}

func (a *App) cycleFailed(err error) {
	a.log.Error("cycle abandoned", logx.Err(err))
	a.notif.CycleFailed(err)
}

// startWatchdog pings the systemd watchdog, when one is armed, at half its
// timeout.
func (a *App) startWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}
