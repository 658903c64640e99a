package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"dutybot/internal/calendar"
	"dutybot/internal/duty"
	"dutybot/internal/ratelimit"
	"dutybot/internal/scheduler"
	"dutybot/internal/storage"
	kit "dutybot/internal/transport"
	"dutybot/pkg/logx"
)

// DayOracle is the calendar view the commands need.
type DayOracle interface {
	DayInfo(ctx context.Context, date time.Time) (*calendar.DayInfo, bool)
	IsWorkingDay(ctx context.Context, date time.Time) bool
	DayLabel(ctx context.Context, date time.Time) string
}

// Notifier is the dispatcher view the commands need.
type Notifier interface {
	SendManual(ctx context.Context, to kit.ChatTarget) error
	Attempts() int
	LastSuccess() time.Time
}

// ModeSwitcher is the scheduler view the commands need.
type ModeSwitcher interface {
	Mode() scheduler.Mode
	SetMode(scheduler.Mode) bool
	Snapshot() []scheduler.JobInfo
}

// DeliveryReader reads back the delivery log. A disabled store satisfies
// it by returning nothing.
type DeliveryReader interface {
	RecentDeliveries(ctx context.Context, limit int) ([]storage.DeliveryEntry, error)
}

// Settings is the live config snapshot the commands render.
type Settings struct {
	GroupChatID    int64
	NotifyHour     int
	NotifyMinute   int
	SpreadsheetURL string
	Location       *time.Location
}

type Deps struct {
	Source     duty.Source
	Oracle     DayOracle
	Notifier   Notifier
	Scheduler  ModeSwitcher
	Limiter    *ratelimit.Limiter
	Deliveries DeliveryReader
	Settings   func() Settings

	Now func() time.Time // defaults to time.Now
}

// Commands builds the full command set.
func Commands(d Deps) []Command {
	if d.Now == nil {
		d.Now = time.Now
	}
	return []Command{
		{
			Name:        "duty",
			Description: "кто сегодня дежурит",
			RateLimited: true,
			Handle:      d.cmdDuty,
		},
		{
			Name:        "time",
			Description: "текущее время и режим",
			Handle:      d.cmdTime,
		},
		{
			Name:        "test",
			Description: "тестовое уведомление",
			RateLimited: true,
			Handle:      d.cmdTest,
		},
		{
			Name:        "status",
			Description: "статус бота",
			Handle:      d.cmdStatus,
		},
		{
			Name:        "chatid",
			Description: "информация о чате",
			Handle:      d.cmdChatID,
		},
		{
			Name:        "calendar",
			Description: "тип сегодняшнего дня",
			Handle:      d.cmdCalendar,
		},
		{
			Name:   "test_on",
			Access: AccessAdminOnly,
			Handle: d.cmdTestOn,
		},
		{
			Name:   "test_off",
			Access: AccessAdminOnly,
			Handle: d.cmdTestOff,
		},
		{
			Name:   "reset_rate",
			Access: AccessAdminOnly,
			Handle: d.cmdResetRate,
		},
	}
}

func (d Deps) cmdDuty(ctx context.Context, req *Request) error {
	set := d.Settings()
	text := d.Source.TodayDuty(ctx)
	return req.ReplyHTML(ctx, fmt.Sprintf("%s\n\n%s", sheetLink(set.SpreadsheetURL), text))
}

func (d Deps) cmdTime(ctx context.Context, req *Request) error {
	set := d.Settings()
	now := d.Now().In(set.Location)

	msg := fmt.Sprintf("🕐 Текущее время: %s %s\nРежим: %s",
		now.Format("02.01.2006 15:04:05"), tzLabel(now), modeLabel(d.Scheduler.Mode()))
	if req.IsAdmin {
		msg += fmt.Sprintf("\nВаш ID: %d (админ)", req.FromID)
	}
	return req.Reply(ctx, msg)
}

func (d Deps) cmdTest(ctx context.Context, req *Request) error {
	if err := d.Notifier.SendManual(ctx, req.Chat); err != nil {
		_ = req.Reply(ctx, "❌ Не удалось отправить тестовое уведомление")
		return err
	}
	return nil
}

func (d Deps) cmdStatus(ctx context.Context, req *Request) error {
	set := d.Settings()
	now := d.Now().In(set.Location)

	limits := d.rateLimitLines(req, now)
	jobs := jobLines(d.Scheduler.Snapshot(), set.Location)

	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Статус бота</b>\n\n")
	fmt.Fprintf(&b, "Режим: %s\n", modeLabel(d.Scheduler.Mode()))
	fmt.Fprintf(&b, "Группа: %d\n", set.GroupChatID)
	fmt.Fprintf(&b, "Время: %02d:%02d %s\n\n", set.NotifyHour, set.NotifyMinute, tzLabel(now))
	fmt.Fprintf(&b, "<b>Rate limits:</b>\n%s\n\n", limits)
	fmt.Fprintf(&b, "<b>Задачи:</b>\n%s", jobs)

	if req.IsAdmin {
		if n := d.Notifier.Attempts(); n > 0 {
			fmt.Fprintf(&b, "\n\nНеудачных попыток отправки: %d", n)
		}
		if last := d.Notifier.LastSuccess(); !last.IsZero() {
			fmt.Fprintf(&b, "\n\nПоследняя отправка: %s", last.In(set.Location).Format("02.01.2006 15:04:05"))
		}
		if d.Deliveries != nil {
			if rows, err := d.Deliveries.RecentDeliveries(ctx, 5); err == nil && len(rows) > 0 {
				fmt.Fprintf(&b, "\n\n<b>Последние доставки:</b>")
				for _, r := range rows {
					mark := "✅"
					if !r.OK {
						mark = "❌"
					}
					fmt.Fprintf(&b, "\n• %s %s %s", r.At.In(set.Location).Format("02.01 15:04:05"), r.Kind, mark)
				}
			}
		}
	}

	return req.ReplyHTML(ctx, b.String())
}

func (d Deps) rateLimitLines(req *Request, now time.Time) string {
	snap := d.Limiter.Snapshot()

	if req.IsAdmin {
		if len(snap) == 0 {
			return "Нет вызовов"
		}
		ids := make([]string, 0, len(snap))
		for id := range snap {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		lines := make([]string, 0, len(ids))
		for _, id := range ids {
			lines = append(lines, fmt.Sprintf("• %s: %.0fs назад", id, now.Sub(snap[id]).Seconds()))
		}
		return strings.Join(lines, "\n")
	}

	suffix := fmt.Sprintf(":%d", req.FromID)
	for id, at := range snap {
		if strings.HasSuffix(id, suffix) {
			return fmt.Sprintf("• Ваш последний вызов: %.0fs назад", now.Sub(at).Seconds())
		}
	}
	return "• Вы еще не вызывали /duty"
}

func jobLines(jobs []scheduler.JobInfo, loc *time.Location) string {
	if len(jobs) == 0 {
		return "Нет активных задач"
	}
	lines := make([]string, 0, len(jobs))
	for _, j := range jobs {
		next := "—"
		if !j.Next.IsZero() {
			next = j.Next.In(loc).Format("02.01.2006 15:04:05")
		}
		lines = append(lines, fmt.Sprintf("• %s: %s", j.Name, next))
	}
	return strings.Join(lines, "\n")
}

func (d Deps) cmdChatID(ctx context.Context, req *Request) error {
	msg := req.Update.Message

	var b strings.Builder
	fmt.Fprintf(&b, "📌 <b>Информация о чате</b>\n\n")
	fmt.Fprintf(&b, "ID: <code>%d</code>\n", msg.ChatID)
	fmt.Fprintf(&b, "Тип: %s\n", msg.ChatType)
	if msg.ChatTitle != "" {
		fmt.Fprintf(&b, "Название: %s\n", msg.ChatTitle)
	}
	return req.ReplyHTML(ctx, b.String())
}

func (d Deps) cmdCalendar(ctx context.Context, req *Request) error {
	set := d.Settings()
	now := d.Now().In(set.Location)

	info, exact := d.Oracle.DayInfo(ctx, now)
	working := d.Oracle.IsWorkingDay(ctx, now)

	var msg string
	if exact && info != nil {
		note := info.Note
		if note == "" {
			note = "—"
		}
		msg = fmt.Sprintf(
			"📅 <b>Информация о дне</b>\n\nДата: %s\nТип: %s\nРабочий: %s\nID типа: %d\nПримечание: %s",
			now.Format("02.01.2006"), d.Oracle.DayLabel(ctx, now), yesNo(working), info.TypeID, note)
	} else {
		msg = fmt.Sprintf(
			"📅 <b>Информация о дне (запасной режим)</b>\n\nДата: %s\nРабочий: %s\n(API временно недоступен)",
			now.Format("02.01.2006"), yesNo(working))
	}
	return req.ReplyHTML(ctx, msg)
}

func (d Deps) cmdTestOn(ctx context.Context, req *Request) error {
	if !d.Scheduler.SetMode(scheduler.ModeTest) {
		return req.Reply(ctx, "⚠️ Тестовый режим уже включен")
	}
	if err := req.Reply(ctx, "✅ Тестовый режим ВКЛЮЧЕН\nУведомления каждую минуту"); err != nil {
		return err
	}
	d.announce(ctx, req, "🔴 <b>Тестовый режим включен</b>\nУведомления каждую минуту")
	return nil
}

func (d Deps) cmdTestOff(ctx context.Context, req *Request) error {
	if !d.Scheduler.SetMode(scheduler.ModeProduction) {
		return req.Reply(ctx, "⚠️ Тестовый режим уже выключен")
	}
	set := d.Settings()
	at := fmt.Sprintf("%02d:%02d %s", set.NotifyHour, set.NotifyMinute, tzLabel(d.Now().In(set.Location)))
	if err := req.Reply(ctx, fmt.Sprintf("✅ Тестовый режим ВЫКЛЮЧЕН\nУведомления в %s", at)); err != nil {
		return err
	}
	d.announce(ctx, req, fmt.Sprintf("🟢 <b>Тестовый режим выключен</b>\nУведомления в %s", at))
	return nil
}

func (d Deps) cmdResetRate(ctx context.Context, req *Request) error {
	n := d.Limiter.Reset()
	return req.Reply(ctx, fmt.Sprintf("✅ Rate limit counters reset (удалено %d записей)", n))
}

// announce posts a mode-change notice to the group, best effort.
func (d Deps) announce(ctx context.Context, req *Request, text string) {
	set := d.Settings()
	if set.GroupChatID == 0 || set.GroupChatID == req.Chat.ChatID {
		return
	}
	_, err := req.Adapter.SendText(ctx, kit.ChatTarget{ChatID: set.GroupChatID}, text, &kit.SendOptions{
		ParseMode:      kit.ParseModeHTML,
		DisablePreview: true,
	})
	if err != nil {
		req.Log.Warn("group announcement failed", logx.Err(err))
	}
}

func sheetLink(url string) string {
	label := "📅 Открыть график дежурств"
	if url == "" {
		return label
	}
	return fmt.Sprintf(`<a href="%s">%s</a>`, url, label)
}

func modeLabel(m scheduler.Mode) string {
	if m == scheduler.ModeTest {
		return "🔴 ТЕСТОВЫЙ"
	}
	return "🟢 РАБОЧИЙ"
}

func tzLabel(now time.Time) string {
	return now.Format("MST")
}

func yesNo(v bool) string {
	if v {
		return "✅"
	}
	return "❌"
}
