package duty

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMonthKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		date time.Time
		want string
	}{
		{time.Date(2026, time.February, 14, 0, 0, 0, 0, time.UTC), "Февраль 2026"},
		{time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC), "Сентябрь 2026"},
		{time.Date(2027, time.January, 31, 0, 0, 0, 0, time.UTC), "Январь 2027"},
	}
	for _, tc := range cases {
		if got := MonthKey(tc.date); got != tc.want {
			t.Fatalf("MonthKey(%v) = %q, want %q", tc.date, got, tc.want)
		}
	}
}

func TestFormatDuty(t *testing.T) {
	t.Parallel()

	date := time.Date(2026, time.September, 3, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		leaders   []string
		followers []string
		want      []string
		exact     string
	}{
		{
			name:    "single leader",
			leaders: []string{"Иванов И."},
			want:    []string{"📋 <b>Дежурство на 03.09.2026</b>", "👤 <b>Ведущий:</b>\n• Иванов И."},
		},
		{
			name:    "plural leaders",
			leaders: []string{"Иванов И.", "Петров П."},
			want:    []string{"👤 <b>Ведущие:</b>\n• Иванов И.\n• Петров П."},
		},
		{
			name:      "single follower",
			followers: []string{"Сидоров С."},
			want:      []string{"👥 <b>Ведомый:</b>\n• Сидоров С."},
		},
		{
			name:      "both groups",
			leaders:   []string{"Иванов И."},
			followers: []string{"Петров П.", "Сидоров С."},
			want:      []string{"👤 <b>Ведущий:</b>", "👥 <b>Ведомые:</b>"},
		},
		{
			name:  "nobody assigned",
			exact: "ℹ️ На 03.09.2026 дежурные не назначены.",
		},
		{
			name:      "blank names ignored",
			leaders:   []string{"  ", ""},
			followers: []string{" "},
			exact:     "ℹ️ На 03.09.2026 дежурные не назначены.",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := FormatDuty(date, tc.leaders, tc.followers)
			if tc.exact != "" {
				if got != tc.exact {
					t.Fatalf("got %q, want %q", got, tc.exact)
				}
				return
			}
			for _, frag := range tc.want {
				if !strings.Contains(got, frag) {
					t.Fatalf("message %q missing %q", got, frag)
				}
			}
		})
	}
}

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	return path
}

func TestRosterSourceTodayDuty(t *testing.T) {
	t.Parallel()

	path := writeRoster(t, `
months:
  "Сентябрь 2026":
    "03.09":
      leaders: ["Иванов И."]
      followers: ["Петров П.", "Сидоров С."]
`)

	r := NewRosterSource(path, time.UTC)
	r.now = func() time.Time {
		return time.Date(2026, time.September, 3, 9, 0, 0, 0, time.UTC)
	}

	got := r.TodayDuty(context.Background())
	for _, frag := range []string{"Дежурство на 03.09.2026", "Иванов И.", "Ведомые", "Сидоров С."} {
		if !strings.Contains(got, frag) {
			t.Fatalf("message %q missing %q", got, frag)
		}
	}
}

func TestRosterSourceMissingMonth(t *testing.T) {
	t.Parallel()

	path := writeRoster(t, `
months:
  "Август 2026": {}
`)

	r := NewRosterSource(path, time.UTC)
	r.now = func() time.Time {
		return time.Date(2026, time.September, 3, 9, 0, 0, 0, time.UTC)
	}

	got := r.TodayDuty(context.Background())
	if !strings.Contains(got, "❌ Не найден раздел 'Сентябрь 2026'") {
		t.Fatalf("unexpected message: %q", got)
	}
	if !strings.Contains(got, "Август 2026") {
		t.Fatalf("available sections not listed: %q", got)
	}
}

func TestRosterSourceMissingDay(t *testing.T) {
	t.Parallel()

	path := writeRoster(t, `
months:
  "Сентябрь 2026":
    "04.09":
      leaders: ["Иванов И."]
`)

	r := NewRosterSource(path, time.UTC)
	r.now = func() time.Time {
		return time.Date(2026, time.September, 3, 9, 0, 0, 0, time.UTC)
	}

	if got := r.TodayDuty(context.Background()); got != "ℹ️ На 03.09.2026 дежурные не назначены." {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestRosterSourceUnreadableFile(t *testing.T) {
	t.Parallel()

	r := NewRosterSource(filepath.Join(t.TempDir(), "missing.yaml"), time.UTC)
	if got := r.TodayDuty(context.Background()); !strings.HasPrefix(got, "❌ Ошибка при чтении графика") {
		t.Fatalf("unexpected message: %q", got)
	}
}
