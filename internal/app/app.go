// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dutybot/internal/bot"
	"dutybot/internal/calendar"
	"dutybot/internal/config"
	"dutybot/internal/duty"
	"dutybot/internal/notify"
	"dutybot/internal/ratelimit"
	"dutybot/internal/scheduler"
	"dutybot/internal/storage"
	kit "dutybot/internal/transport"
	"dutybot/internal/transport/telegram"
	"dutybot/pkg/logx"
)

const defaultTimezone = "Europe/Moscow"

type StopReason string

const (
	StopReasonSignal StopReason = "signal"
	StopReasonFatal  StopReason = "fatal"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter kit.Adapter
	oracle  *calendar.Service
	source  *duty.RosterSource
	limiter *ratelimit.Limiter
	sched   *scheduler.Service
	disp    *notify.Dispatcher
	router  *bot.Router
	store   *storage.Store

	updates chan kit.Update

	mu  sync.Mutex
	loc *time.Location
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	loc, err := loadLocation(cfg.Notify.Timezone)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		loc:     loc,
		updates: make(chan kit.Update, 256),
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}
	a.adapter = adapter

	a.logs, a.log = logx.New(logxConfig(cfg), adapter)
	a.log = a.log.With(logx.String("comp", "app"))
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.GroupChatID != 0 {
		a.logs.SetTelegramTarget(cfg.Telegram.GroupChatID, cfg.Logging.Telegram.ThreadID)
	}

	calCfg, err := calendarConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.oracle = calendar.New(calCfg, a.log.With(logx.String("comp", "calendar")))

	a.source = duty.NewRosterSource(cfg.Duty.RosterPath, loc)

	rateCfg, err := rateLimitConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.limiter = ratelimit.New(rateCfg)

	a.sched = scheduler.New(scheduler.Config{
		Hour:     cfg.Notify.Hour,
		Minute:   cfg.Notify.Minute,
		Location: loc,
		TestMode: cfg.Notify.TestMode,
	}, a.log.With(logx.String("comp", "scheduler")))

	storeCfg, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(storeCfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	a.disp = notify.New(notify.Config{
		GroupChatID:    cfg.Telegram.GroupChatID,
		SpreadsheetURL: cfg.Notify.SpreadsheetURL,
		MaxAttempts:    cfg.Notify.MaxAttempts,
		Location:       loc,
	}, a.oracle, a.source, adapter, a.sched, a.log.With(logx.String("comp", "notify")))
	a.disp.SetModeSource(func() bool { return a.sched.Mode() == scheduler.ModeTest })
	if a.store != nil {
		a.disp.SetDeliveryLog(a.store)
	}

	a.sched.SetNotifyJob(func() { a.disp.Run(context.Background()) })

	a.router = bot.NewRouter(adapter, a.limiter, a.log.With(logx.String("comp", "commands")))
	a.router.SetAdmins(cfg.Telegram.AdminUserIDs)
	a.router.Register(bot.Commands(bot.Deps{
		Source:     a.source,
		Oracle:     a.oracle,
		Notifier:   a.disp,
		Scheduler:  a.sched,
		Limiter:    a.limiter,
		Deliveries: a.store,
		Settings:   a.settings,
	})...)

	return a, nil
}

func (a *App) settings() bot.Settings {
	cfg := a.cfgm.Get()
	a.mu.Lock()
	loc := a.loc
	a.mu.Unlock()
	return bot.Settings{
		GroupChatID:    cfg.Telegram.GroupChatID,
		NotifyHour:     cfg.Notify.Hour,
		NotifyMinute:   cfg.Notify.Minute,
		SpreadsheetURL: cfg.Notify.SpreadsheetURL,
		Location:       loc,
	}
}

// Done is closed when the app context is canceled (fatal error or Stop).
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

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	// warm the day cache for the current month; the daily entry keeps it
	// warm across month boundaries and restarts of the lookup service
	a.sup.Go0("calendar.prefetch", func(c context.Context) {
		now := time.Now().In(a.location())
		if err := a.oracle.PrefetchMonth(c, now.Year(), now.Month()); err != nil {
			a.log.Warn("month prefetch failed", logx.Err(err))
		}
	})
	if err := a.sched.AddDaily(scheduler.JobPrefetch, 0, 5, func() {
		now := time.Now().In(a.location())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.oracle.PrefetchMonth(ctx, now.Year(), now.Month()); err != nil {
			a.log.Warn("month prefetch failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}

	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		a.sup.Go0("menu.update", func(c context.Context) {
			if err := mu.UpdateMenuCommands(c, a.router.MenuCommands()); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts, keep only the newest
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(cfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("mode", a.sched.Mode().String()))
	return nil
}

// applyConfig pushes a validated reload into the running services.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logxConfig(cfg))
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.GroupChatID != 0 {
		a.logs.SetTelegramTarget(cfg.Telegram.GroupChatID, cfg.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}

	loc, err := loadLocation(cfg.Notify.Timezone)
	if err != nil {
		a.log.Warn("invalid timezone on reload, keeping previous", logx.Err(err))
		loc = a.location()
	}
	a.mu.Lock()
	a.loc = loc
	a.mu.Unlock()

	if calCfg, err := calendarConfig(cfg); err == nil {
		a.oracle.Apply(calCfg)
	} else {
		a.log.Warn("calendar config rejected on reload", logx.Err(err))
	}

	if rateCfg, err := rateLimitConfig(cfg); err == nil {
		a.limiter.Apply(rateCfg)
	} else {
		a.log.Warn("rate limit config rejected on reload", logx.Err(err))
	}

	a.source.Apply(cfg.Duty.RosterPath, loc)
	a.router.SetAdmins(cfg.Telegram.AdminUserIDs)

	a.disp.Apply(notify.Config{
		GroupChatID:    cfg.Telegram.GroupChatID,
		SpreadsheetURL: cfg.Notify.SpreadsheetURL,
		MaxAttempts:    cfg.Notify.MaxAttempts,
		Location:       loc,
	})

	a.sched.Apply(scheduler.Config{
		Hour:     cfg.Notify.Hour,
		Minute:   cfg.Notify.Minute,
		Location: loc,
	})

	a.log.Info("config reloaded")
}

func (a *App) location() *time.Location {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loc
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// bounded per-component stop steps so one component cannot stall the
	// whole shutdown
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("name", name))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// ---- config mapping ----

func logxConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func calendarConfig(cfg *config.Config) (calendar.Config, error) {
	ttl, err := config.ParseDurationOrDefault("calendar.cache_ttl", cfg.Calendar.CacheTTL, time.Hour)
	if err != nil {
		return calendar.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("calendar.timeout", cfg.Calendar.Timeout, 10*time.Second)
	if err != nil {
		return calendar.Config{}, err
	}
	return calendar.Config{
		Token:    cfg.Calendar.Token,
		Country:  cfg.Calendar.Country,
		BaseURL:  cfg.Calendar.BaseURL,
		CacheTTL: ttl,
		Timeout:  timeout,
	}, nil
}

func rateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	window, err := config.ParseDurationOrDefault("rate_limit.window", cfg.RateLimit.Window, 60*time.Second)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{Window: window, PerUser: cfg.RateLimit.PerUser}, nil
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Enabled:     cfg.Storage.Enabled,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("notify.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func validate(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if cfg.Notify.Hour < 0 || cfg.Notify.Hour > 23 {
		return fmt.Errorf("notify.hour must be in 0..23")
	}
	if cfg.Notify.Minute < 0 || cfg.Notify.Minute > 59 {
		return fmt.Errorf("notify.minute must be in 0..59")
	}
	if cfg.Notify.MaxAttempts < 0 {
		return fmt.Errorf("notify.max_attempts must be >= 0")
	}
	if _, err := loadLocation(cfg.Notify.Timezone); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0); err != nil {
		return err
	}
	if _, err := calendarConfig(cfg); err != nil {
		return err
	}
	if _, err := rateLimitConfig(cfg); err != nil {
		return err
	}
	if _, err := storageConfig(cfg); err != nil {
		return err
	}
	return nil
}
