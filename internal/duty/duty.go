// Package duty resolves who is on duty today and formats the
// notification text.
package duty

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"
)

// Source produces the duty message for today. The returned string is
// always user-facing text, including error states.
type Source interface {
	TodayDuty(ctx context.Context) string
}

var monthsRu = [...]string{
	time.January:   "Январь",
	time.February:  "Февраль",
	time.March:     "Март",
	time.April:     "Апрель",
	time.May:       "Май",
	time.June:      "Июнь",
	time.July:      "Июль",
	time.August:    "Август",
	time.September: "Сентябрь",
	time.October:   "Октябрь",
	time.November:  "Ноябрь",
	time.December:  "Декабрь",
}

// MonthKey returns the roster section name for t, e.g. "Февраль 2026".
func MonthKey(t time.Time) string {
	return fmt.Sprintf("%s %d", monthsRu[t.Month()], t.Year())
}

type rosterFile struct {
	Months map[string]map[string]rosterDay `yaml:"months"`
}

type rosterDay struct {
	Leaders   []string `yaml:"leaders"`
	Followers []string `yaml:"followers"`
}

// RosterSource reads duty assignments from a YAML roster file. The file
// is re-read on every lookup so edits apply without a restart.
type RosterSource struct {
	mu   sync.Mutex
	path string
	loc  *time.Location

	now func() time.Time
}

func NewRosterSource(path string, loc *time.Location) *RosterSource {
	if loc == nil {
		loc = time.UTC
	}
	return &RosterSource{path: path, loc: loc, now: time.Now}
}

func (r *RosterSource) Apply(path string, loc *time.Location) {
	r.mu.Lock()
	if path != "" {
		r.path = path
	}
	if loc != nil {
		r.loc = loc
	}
	r.mu.Unlock()
}

func (r *RosterSource) TodayDuty(ctx context.Context) string {
	r.mu.Lock()
	path := r.path
	loc := r.loc
	r.mu.Unlock()

	today := r.now().In(loc)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("❌ Ошибка при чтении графика: %v", err)
	}

	var roster rosterFile
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return fmt.Sprintf("❌ Ошибка при чтении графика: %v", err)
	}

	monthKey := MonthKey(today)
	month, ok := roster.Months[monthKey]
	if !ok {
		names := make([]string, 0, len(roster.Months))
		for k := range roster.Months {
			names = append(names, k)
		}
		sort.Strings(names)
		return fmt.Sprintf("❌ Не найден раздел '%s'.\nДоступные разделы: %s",
			monthKey, strings.Join(names, ", "))
	}

	day := month[today.Format("02.01")]
	return FormatDuty(today, day.Leaders, day.Followers)
}

// FormatDuty builds the duty announcement. HTML parse mode is assumed.
func FormatDuty(date time.Time, leaders, followers []string) string {
	dateStr := date.Format("02.01.2006")

	leaders = trimNames(leaders)
	followers = trimNames(followers)

	if len(leaders) == 0 && len(followers) == 0 {
		return fmt.Sprintf("ℹ️ На %s дежурные не назначены.", dateStr)
	}

	parts := []string{fmt.Sprintf("📋 <b>Дежурство на %s</b>", dateStr)}

	if len(leaders) > 0 {
		word := "Ведущие"
		if len(leaders) == 1 {
			word = "Ведущий"
		}
		parts = append(parts, fmt.Sprintf("👤 <b>%s:</b>\n%s", word, bulletList(leaders)))
	}
	if len(followers) > 0 {
		word := "Ведомые"
		if len(followers) == 1 {
			word = "Ведомый"
		}
		parts = append(parts, fmt.Sprintf("👥 <b>%s:</b>\n%s", word, bulletList(followers)))
	}

	return strings.Join(parts, "\n\n")
}

func trimNames(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func bulletList(names []string) string {
	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("• ")
		b.WriteString(n)
	}
	return b.String()
}
