package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"dutybot/internal/storage"
	kit "dutybot/internal/transport"
	"dutybot/pkg/logx"
)

type fakeOracle struct {
	working bool
	label   string
}

func (f *fakeOracle) IsWorkingDay(ctx context.Context, date time.Time) bool { return f.working }
func (f *fakeOracle) DayLabel(ctx context.Context, date time.Time) string   { return f.label }

type fakeSource struct{ text string }

func (f *fakeSource) TodayDuty(ctx context.Context) string { return f.text }

type fakeSender struct {
	mu   sync.Mutex
	fail int // fail this many sends, then succeed
	sent []string
	errs int
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		f.errs++
		return kit.MessageRef{}, errors.New("telegram: timeout")
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type scheduled struct {
	name  string
	delay time.Duration
	fn    func()
}

type fakeDelayer struct {
	mu   sync.Mutex
	jobs []scheduled
}

func (f *fakeDelayer) ScheduleOnce(name string, delay time.Duration, fn func()) {
	f.mu.Lock()
	f.jobs = append(f.jobs, scheduled{name: name, delay: delay, fn: fn})
	f.mu.Unlock()
}

func (f *fakeDelayer) pop() (scheduled, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return scheduled{}, false
	}
	j := f.jobs[len(f.jobs)-1]
	f.jobs = f.jobs[:len(f.jobs)-1]
	return j, true
}

func (f *fakeDelayer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeLog struct {
	mu      sync.Mutex
	entries []storage.DeliveryEntry
}

func (f *fakeLog) AppendDelivery(ctx context.Context, e storage.DeliveryEntry) error {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
	return nil
}

func newTestDispatcher(sender *fakeSender, delayer *fakeDelayer, working bool) *Dispatcher {
	d := New(
		Config{GroupChatID: -100, SpreadsheetURL: "https://example.org/sheet", Location: time.UTC},
		&fakeOracle{working: working, label: "Выходной день"},
		&fakeSource{text: "📋 <b>Дежурство на 03.09.2026</b>"},
		sender,
		delayer,
		logx.Nop(),
	)
	d.outbound = rate.NewLimiter(rate.Inf, 1)
	return d
}

func TestRetryLadderDelays(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{fail: 1000}
	delayer := &fakeDelayer{}
	d := newTestDispatcher(sender, delayer, true)

	d.Run(context.Background())

	var delays []time.Duration
	for {
		j, ok := delayer.pop()
		if !ok {
			break
		}
		if j.name != "notify.retry" {
			t.Fatalf("retry job named %q", j.name)
		}
		delays = append(delays, j.delay)
		j.fn()
	}

	want := []time.Duration{60 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("got %d retries %v, want %d", len(delays), delays, len(want))
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("retry %d delay = %v, want %v", i+1, delays[i], want[i])
		}
	}
	if got := d.Attempts(); got != 0 {
		t.Fatalf("attempts after exhaustion = %d, want 0", got)
	}
}

func TestFailThenSucceedResetsAttempts(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{fail: 1}
	delayer := &fakeDelayer{}
	d := newTestDispatcher(sender, delayer, true)

	d.Run(context.Background())
	if got := d.Attempts(); got != 1 {
		t.Fatalf("attempts after failure = %d, want 1", got)
	}

	j, ok := delayer.pop()
	if !ok {
		t.Fatalf("no retry scheduled")
	}
	j.fn()

	if got := d.Attempts(); got != 0 {
		t.Fatalf("attempts after successful retry = %d, want 0", got)
	}
	if sender.sentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", sender.sentCount())
	}
	if d.LastSuccess().IsZero() {
		t.Fatalf("lastSuccess not recorded")
	}
}

func TestNonWorkingDaySkipsSilentlyInProduction(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	delayer := &fakeDelayer{}
	d := newTestDispatcher(sender, delayer, false)

	flog := &fakeLog{}
	d.SetDeliveryLog(flog)

	d.Run(context.Background())

	if sender.sentCount() != 0 {
		t.Fatalf("production skip sent a message: %q", sender.lastSent())
	}
	if delayer.count() != 0 {
		t.Fatalf("skip scheduled a retry")
	}
	if len(flog.entries) != 1 || flog.entries[0].Kind != storage.KindSkip {
		t.Fatalf("skip not recorded: %+v", flog.entries)
	}
}

func TestNonWorkingDayNoticeInTestMode(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	delayer := &fakeDelayer{}
	d := newTestDispatcher(sender, delayer, false)
	d.SetModeSource(func() bool { return true })

	d.Run(context.Background())

	if sender.sentCount() != 1 {
		t.Fatalf("test-mode skip notice not sent")
	}
	msg := sender.lastSent()
	for _, frag := range []string{"Сегодня Выходной день", "не отправляется", "График дежурств"} {
		if !strings.Contains(msg, frag) {
			t.Fatalf("notice %q missing %q", msg, frag)
		}
	}
	if delayer.count() != 0 {
		t.Fatalf("skip notice scheduled a retry")
	}
}

func TestMessageComposition(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	d := newTestDispatcher(sender, &fakeDelayer{}, true)

	d.Run(context.Background())
	msg := sender.lastSent()
	if !strings.Contains(msg, `<a href="https://example.org/sheet">📅 Открыть график дежурств</a>`) {
		t.Fatalf("spreadsheet link missing: %q", msg)
	}
	if !strings.Contains(msg, "Дежурство на") {
		t.Fatalf("duty text missing: %q", msg)
	}
	if strings.Contains(msg, "Тест") {
		t.Fatalf("production message carries the test marker: %q", msg)
	}

	d.SetModeSource(func() bool { return true })
	d.Run(context.Background())
	if !strings.Contains(sender.lastSent(), "⏱️ <b>Тест</b>") {
		t.Fatalf("test marker missing: %q", sender.lastSent())
	}
}

func TestRetryGateAfterRecentSuccess(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	delayer := &fakeDelayer{}
	d := newTestDispatcher(sender, delayer, true)

	base := time.Date(2026, time.September, 3, 10, 0, 0, 0, time.UTC)
	cur := base
	d.now = func() time.Time { return cur }

	d.Run(context.Background())
	if sender.sentCount() != 1 {
		t.Fatalf("seed send failed")
	}

	// 20s after the success a retry fires; it must wait the remaining 40s
	cur = base.Add(20 * time.Second)
	d.RunRetry(context.Background())

	if sender.sentCount() != 1 {
		t.Fatalf("gated retry still sent")
	}
	j, ok := delayer.pop()
	if !ok {
		t.Fatalf("gated retry did not reschedule itself")
	}
	if j.delay != 40*time.Second {
		t.Fatalf("reschedule delay = %v, want 40s", j.delay)
	}

	// past the spacing window the retry goes through
	cur = base.Add(61 * time.Second)
	d.RunRetry(context.Background())
	if sender.sentCount() != 2 {
		t.Fatalf("retry after spacing window did not send")
	}
}

func TestSendManual(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	d := newTestDispatcher(sender, &fakeDelayer{}, false)

	flog := &fakeLog{}
	d.SetDeliveryLog(flog)

	if err := d.SendManual(context.Background(), kit.ChatTarget{ChatID: 42}); err != nil {
		t.Fatalf("SendManual: %v", err)
	}
	if !strings.Contains(sender.lastSent(), "⏱️ <b>Тест</b>") {
		t.Fatalf("manual send missing test marker: %q", sender.lastSent())
	}
	if len(flog.entries) != 1 || flog.entries[0].Kind != storage.KindManual || !flog.entries[0].OK {
		t.Fatalf("manual delivery not recorded: %+v", flog.entries)
	}
}

func TestRetryDelayLadder(t *testing.T) {
	t.Parallel()

	want := map[int]time.Duration{
		1: 60 * time.Second,
		2: 60 * time.Second,
		3: 120 * time.Second,
		4: 240 * time.Second,
		5: 480 * time.Second,
	}
	for attempt, d := range want {
		if got := retryDelay(attempt); got != d {
			t.Fatalf("retryDelay(%d) = %v, want %v", attempt, got, d)
		}
	}
}
