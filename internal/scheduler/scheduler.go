// Package scheduler runs the notification jobs: a daily wall-clock cron
// entry in production mode, a fast cadence in test mode, and named
// one-shot timers for retries. Mode state lives here and nowhere else.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dutybot/pkg/logx"
)

// Mode selects which job set is registered.
type Mode int

const (
	ModeProduction Mode = iota
	ModeTest
)

func (m Mode) String() string {
	if m == ModeTest {
		return "test"
	}
	return "production"
}

// Job names. Mode switches replace exactly the jobs of the outgoing mode.
const (
	JobDaily    = "notify.daily"
	JobTestKick = "notify.test.kick"
	JobTestTick = "notify.test.tick"
	JobPrefetch = "calendar.prefetch"
	JobRetry    = "notify.retry"
)

const (
	testKickDelay  = 10 * time.Second
	testTickFirst  = 70 * time.Second
	testTickPeriod = 60 * time.Second
)

type Config struct {
	Hour     int
	Minute   int
	Location *time.Location
	TestMode bool
}

// JobInfo describes one registered job for diagnostics.
type JobInfo struct {
	Name string
	Next time.Time
}

type onceTimer struct {
	timer  *time.Timer
	fireAt time.Time
}

type dailySpec struct {
	sched cron.Schedule
	job   cron.Job
}

// Service owns the cron runner and the named one-shot timers.
type Service struct {
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	mode    Mode
	cron    *cron.Cron
	entries map[string]cron.EntryID
	// daily holds the mode-independent cron entries so they survive a
	// cron rebuild on timezone change.
	daily   map[string]dailySpec
	timers  map[string]*onceTimer
	started bool

	notify func() // fired by the mode job set

	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Service{
		log:     log,
		cfg:     cfg,
		entries: make(map[string]cron.EntryID),
		daily:   make(map[string]dailySpec),
		timers:  make(map[string]*onceTimer),
		now:     time.Now,
	}
	if cfg.TestMode {
		s.mode = ModeTest
	}
	s.cron = cron.New(cron.WithLocation(cfg.Location))
	return s
}

// SetNotifyJob installs the function fired by the mode job set. Must be
// called before Start.
func (s *Service) SetNotifyJob(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: already started")
	}
	if s.notify == nil {
		return fmt.Errorf("scheduler: notify job not set")
	}

	s.registerModeLocked(s.mode)
	s.cron.Start()
	s.started = true
	s.log.Info("scheduler started",
		logx.String("mode", s.mode.String()),
		logx.String("tz", s.cfg.Location.String()))
	return nil
}

// Stop halts future firings. In-flight jobs finish on their own; Stop
// waits for them up to the ctx deadline.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	for name, ot := range s.timers {
		ot.timer.Stop()
		delete(s.timers, name)
	}
	done := s.cron.Stop()
	s.mu.Unlock()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: jobs still running at stop deadline")
	}
}

func (s *Service) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode replaces the current mode's job set with the new one inside a
// single critical section. Returns false when the mode was already set.
func (s *Service) SetMode(mode Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == s.mode {
		return false
	}

	s.unregisterModeLocked(s.mode)
	s.mode = mode
	if s.started {
		s.registerModeLocked(mode)
	}
	s.log.Info("scheduler mode switched", logx.String("mode", mode.String()))
	return true
}

// Apply updates the notification time and timezone. The current mode's
// jobs are re-registered so production picks up the new wall-clock slot.
func (s *Service) Apply(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	locChanged := cfg.Location.String() != s.cfg.Location.String()
	s.cfg.Hour = cfg.Hour
	s.cfg.Minute = cfg.Minute
	s.cfg.Location = cfg.Location

	if !s.started {
		return
	}
	if locChanged {
		// cron cannot change location in place; rebuild it
		s.unregisterModeLocked(s.mode)
		s.cron.Stop()
		s.cron = cron.New(cron.WithLocation(cfg.Location))
		s.cron.Start()
		for name, ds := range s.daily {
			s.entries[name] = s.cron.Schedule(ds.sched, ds.job)
		}
		s.registerModeLocked(s.mode)
		return
	}
	s.unregisterModeLocked(s.mode)
	s.registerModeLocked(s.mode)
}

// ScheduleOnce registers (or replaces) a named one-shot job.
func (s *Service) ScheduleOnce(name string, delay time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}

	if prev, ok := s.timers[name]; ok {
		prev.timer.Stop()
	}

	fireAt := s.now().Add(delay)
	job := s.safe(name, fn)
	t := time.AfterFunc(delay, func() {
		s.mu.Lock()
		if ot, ok := s.timers[name]; ok && ot.fireAt.Equal(fireAt) {
			delete(s.timers, name)
		}
		s.mu.Unlock()
		job()
	})
	s.timers[name] = &onceTimer{timer: t, fireAt: fireAt}
}

// CancelOnce removes a named one-shot job if it has not fired yet.
func (s *Service) CancelOnce(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ot, ok := s.timers[name]
	if !ok {
		return false
	}
	ot.timer.Stop()
	delete(s.timers, name)
	return true
}

// AddDaily registers a mode-independent daily cron entry.
func (s *Service) AddDaily(name string, hour, minute int, fn func()) error {
	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("scheduler: %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}
	job := cron.FuncJob(s.safe(name, fn))
	s.daily[name] = dailySpec{sched: sched, job: job}
	s.entries[name] = s.cron.Schedule(sched, job)
	return nil
}

// Snapshot lists registered jobs with their next firing, sorted by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.entries)+len(s.timers))
	for name, id := range s.entries {
		out = append(out, JobInfo{Name: name, Next: s.cron.Entry(id).Next})
	}
	for name, ot := range s.timers {
		out = append(out, JobInfo{Name: name, Next: ot.fireAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// registerModeLocked adds the job set for mode. Caller holds s.mu.
func (s *Service) registerModeLocked(mode Mode) {
	run := s.safe("notify", s.notify)

	switch mode {
	case ModeProduction:
		spec := fmt.Sprintf("%d %d * * *", s.cfg.Minute, s.cfg.Hour)
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			s.log.Error("daily spec rejected", logx.String("spec", spec), logx.Err(err))
			return
		}
		s.entries[JobDaily] = s.cron.Schedule(sched, cron.FuncJob(run))
	case ModeTest:
		fireAt := s.now().Add(testKickDelay)
		t := time.AfterFunc(testKickDelay, func() {
			s.mu.Lock()
			if ot, ok := s.timers[JobTestKick]; ok && ot.fireAt.Equal(fireAt) {
				delete(s.timers, JobTestKick)
			}
			s.mu.Unlock()
			run()
		})
		s.timers[JobTestKick] = &onceTimer{timer: t, fireAt: fireAt}

		s.entries[JobTestTick] = s.cron.Schedule(
			delayedEvery{anchor: s.now().Add(testTickFirst), period: testTickPeriod},
			cron.FuncJob(run),
		)
	}
}

// unregisterModeLocked removes exactly the jobs owned by mode. Caller
// holds s.mu.
func (s *Service) unregisterModeLocked(mode Mode) {
	var names []string
	switch mode {
	case ModeProduction:
		names = []string{JobDaily}
	case ModeTest:
		names = []string{JobTestTick}
		if ot, ok := s.timers[JobTestKick]; ok {
			ot.timer.Stop()
			delete(s.timers, JobTestKick)
		}
	}
	for _, name := range names {
		if id, ok := s.entries[name]; ok {
			s.cron.Remove(id)
			delete(s.entries, name)
		}
	}
}

func (s *Service) safe(name string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked",
					logx.String("job", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		fn()
	}
}

// delayedEvery fires once at anchor and then every period. It backs the
// test cadence: one firing shortly after the switch, then a steady tick.
type delayedEvery struct {
	anchor time.Time
	period time.Duration
}

func (d delayedEvery) Next(t time.Time) time.Time {
	if t.Before(d.anchor) {
		return d.anchor
	}
	elapsed := t.Sub(d.anchor)
	steps := elapsed/d.period + 1
	return d.anchor.Add(steps * d.period)
}
