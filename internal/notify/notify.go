// Package notify orchestrates one delivery cycle: check the workday,
// fetch the duty text, gate the send, and drive the retry ladder on
// failure.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dutybot/internal/duty"
	"dutybot/internal/storage"
	kit "dutybot/internal/transport"
	"dutybot/pkg/logx"
)

// Oracle answers working-day questions. Lookup failures degrade inside
// the oracle; this interface never returns errors.
type Oracle interface {
	IsWorkingDay(ctx context.Context, date time.Time) bool
	DayLabel(ctx context.Context, date time.Time) string
}

// Sender is the outbound side of the chat transport.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Delayer registers a named one-shot job, replacing any pending job of
// the same name.
type Delayer interface {
	ScheduleOnce(name string, delay time.Duration, fn func())
}

// DeliveryLog records delivery attempts. Append errors are logged and
// otherwise ignored; the log is an audit trail, not a dependency.
type DeliveryLog interface {
	AppendDelivery(ctx context.Context, e storage.DeliveryEntry) error
}

const retryJobName = "notify.retry"

const defaultMaxAttempts = 5

// minSendSpacing is the floor between two delivery attempts counted
// from the last successful send.
const minSendSpacing = 60 * time.Second

type Config struct {
	GroupChatID    int64
	SpreadsheetURL string
	MaxAttempts    int
	Location       *time.Location
}

// Dispatcher owns the retry state for the notification cycle. One
// instance per process; all methods are safe for concurrent use.
type Dispatcher struct {
	oracle     Oracle
	source     duty.Source
	sender     Sender
	delayer    Delayer
	deliveries DeliveryLog
	testMode   func() bool
	log        logx.Logger

	mu          sync.Mutex
	cfg         Config
	attempts    int
	lastSuccess time.Time

	// outbound gate: at most one send per minute, waiting callers queue
	outbound *rate.Limiter

	now func() time.Time
}

func New(cfg Config, oracle Oracle, source duty.Source, sender Sender, delayer Delayer, log logx.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Dispatcher{
		oracle:   oracle,
		source:   source,
		sender:   sender,
		delayer:  delayer,
		testMode: func() bool { return false },
		log:      log,
		cfg:      cfg,
		outbound: rate.NewLimiter(rate.Every(minSendSpacing), 1),
		now:      time.Now,
	}
}

// SetModeSource installs the test-mode probe (owned by the scheduler).
func (d *Dispatcher) SetModeSource(fn func() bool) {
	if fn != nil {
		d.testMode = fn
	}
}

func (d *Dispatcher) SetDeliveryLog(dl DeliveryLog) { d.deliveries = dl }

func (d *Dispatcher) Apply(cfg Config) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// Attempts returns the current consecutive-failure count.
func (d *Dispatcher) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// LastSuccess returns when the last delivery went through (zero if never).
func (d *Dispatcher) LastSuccess() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSuccess
}

// Run performs one scheduled delivery cycle.
func (d *Dispatcher) Run(ctx context.Context) {
	d.cycle(ctx, storage.KindScheduled)
}

// RunRetry performs a retry cycle. It refuses to fire within a minute
// of the last successful send, rescheduling itself for the remainder.
func (d *Dispatcher) RunRetry(ctx context.Context) {
	d.mu.Lock()
	last := d.lastSuccess
	now := d.now()
	d.mu.Unlock()

	if !last.IsZero() {
		if since := now.Sub(last); since < minSendSpacing {
			wait := minSendSpacing - since
			d.log.Warn("retry too soon after a successful send",
				logx.Duration("wait", wait))
			d.delayer.ScheduleOnce(retryJobName, wait, func() {
				d.RunRetry(context.Background())
			})
			return
		}
	}
	d.cycle(ctx, storage.KindRetry)
}

// SendManual composes and sends the test-marked message to an arbitrary
// chat, bypassing the workday check and the retry ladder.
func (d *Dispatcher) SendManual(ctx context.Context, to kit.ChatTarget) error {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	now := d.now().In(cfg.Location)
	text := d.source.TodayDuty(ctx)
	msg := fmt.Sprintf("⏱️ <b>Тест</b> (%s)\n\n%s\n\n%s",
		now.Format("15:04:05"), spreadsheetLink(cfg.SpreadsheetURL), text)

	_, err := d.sender.SendText(ctx, to, msg, &kit.SendOptions{
		ParseMode:      kit.ParseModeHTML,
		DisablePreview: true,
	})
	d.record(ctx, storage.DeliveryEntry{
		At:     now,
		Kind:   storage.KindManual,
		OK:     err == nil,
		Detail: errDetail(err),
	})
	return err
}

func (d *Dispatcher) cycle(ctx context.Context, kind string) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	now := d.now().In(cfg.Location)
	test := d.testMode()
	to := kit.ChatTarget{ChatID: cfg.GroupChatID}

	if !d.oracle.IsWorkingDay(ctx, now) {
		label := d.oracle.DayLabel(ctx, now)
		d.log.Info("non-working day, delivery skipped",
			logx.String("date", now.Format("02.01.2006")),
			logx.String("day", label))

		// the skip notice is a test-mode courtesy only
		if test {
			msg := fmt.Sprintf("📅 <b>Сегодня %s</b>\n\nУведомление о дежурстве не отправляется.\n%s",
				label, spreadsheetAnchor(cfg.SpreadsheetURL, "📅 График дежурств"))
			_, err := d.sender.SendText(ctx, to, msg, &kit.SendOptions{
				ParseMode:      kit.ParseModeHTML,
				DisablePreview: true,
			})
			if err != nil {
				d.log.Warn("skip notice failed", logx.Err(err))
			}
		}
		d.record(ctx, storage.DeliveryEntry{
			At:     now,
			Kind:   storage.KindSkip,
			OK:     true,
			Detail: label,
		})
		return
	}

	// DutySource failures already come back as user-facing text and do
	// not enter the retry ladder.
	text := d.source.TodayDuty(ctx)

	var msg string
	if test {
		msg = fmt.Sprintf("⏱️ <b>Тест</b> (%s)\n\n%s\n\n%s",
			now.Format("15:04:05"), spreadsheetLink(cfg.SpreadsheetURL), text)
	} else {
		msg = fmt.Sprintf("%s\n\n%s", spreadsheetLink(cfg.SpreadsheetURL), text)
	}

	if err := d.outbound.Wait(ctx); err != nil {
		d.log.Warn("outbound gate interrupted", logx.Err(err))
		return
	}

	_, err := d.sender.SendText(ctx, to, msg, &kit.SendOptions{
		ParseMode:      kit.ParseModeHTML,
		DisablePreview: true,
	})

	d.mu.Lock()
	if err == nil {
		d.attempts = 0
		d.lastSuccess = d.now()
		d.mu.Unlock()

		d.log.Info("notification sent", logx.String("at", now.Format("15:04:05")))
		d.record(ctx, storage.DeliveryEntry{At: now, Kind: kind, OK: true})
		return
	}

	d.attempts++
	attempt := d.attempts
	maxAttempts := cfg.MaxAttempts
	if attempt > maxAttempts {
		d.attempts = 0
	}
	d.mu.Unlock()

	d.record(ctx, storage.DeliveryEntry{
		At:      now,
		Kind:    kind,
		OK:      false,
		Attempt: attempt,
		Detail:  errDetail(err),
	})

	if attempt > maxAttempts {
		d.log.Error("delivery failed, retry ladder exhausted",
			logx.Int("attempts", maxAttempts), logx.Err(err))
		return
	}

	delay := retryDelay(attempt)
	d.log.Warn("delivery failed, retry scheduled",
		logx.Int("attempt", attempt),
		logx.Duration("delay", delay),
		logx.Err(err))
	d.delayer.ScheduleOnce(retryJobName, delay, func() {
		d.RunRetry(context.Background())
	})
}

// retryDelay doubles from the second retry on, with a 60 s floor:
// 60, 60, 120, 240, 480 seconds across five attempts.
func retryDelay(attempt int) time.Duration {
	d := time.Minute
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (d *Dispatcher) record(ctx context.Context, e storage.DeliveryEntry) {
	if d.deliveries == nil {
		return
	}
	if err := d.deliveries.AppendDelivery(ctx, e); err != nil && err != storage.ErrDisabled {
		d.log.Warn("delivery log append failed", logx.Err(err))
	}
}

func spreadsheetLink(url string) string {
	return spreadsheetAnchor(url, "📅 Открыть график дежурств")
}

func spreadsheetAnchor(url, label string) string {
	if url == "" {
		return label
	}
	return fmt.Sprintf(`<a href="%s">%s</a>`, url, label)
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
