package app

import (
	"strings"
	"testing"
	"time"

	"dutybot/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{
			Token:       "123:abc",
			GroupChatID: -100200300,
		},
		Notify: config.NotifyConfig{
			Hour:     10,
			Minute:   0,
			Timezone: "Europe/Moscow",
		},
		Calendar: config.CalendarConfig{Token: "cal"},
		Duty:     config.DutyConfig{RosterPath: "roster.yaml"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"ok", func(*config.Config) {}, ""},
		{"missing token", func(c *config.Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"hour too big", func(c *config.Config) { c.Notify.Hour = 24 }, "notify.hour"},
		{"negative minute", func(c *config.Config) { c.Notify.Minute = -1 }, "notify.minute"},
		{"negative attempts", func(c *config.Config) { c.Notify.MaxAttempts = -1 }, "notify.max_attempts"},
		{"bad timezone", func(c *config.Config) { c.Notify.Timezone = "Mars/Olympus" }, "notify.timezone"},
		{"bad poll timeout", func(c *config.Config) { c.Telegram.PollTimeout = "yes" }, "telegram.poll_timeout"},
		{"bad cache ttl", func(c *config.Config) { c.Calendar.CacheTTL = "week" }, "calendar.cache_ttl"},
		{"bad rate window", func(c *config.Config) { c.RateLimit.Window = "-1s" }, "rate_limit.window"},
		{"bad busy timeout", func(c *config.Config) {
			c.Storage = &config.StorageConfig{Enabled: true, Path: "x.db", BusyTimeout: "soon"}
		}, "storage.busy_timeout"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mutate(cfg)
			err := validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("validate = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadLocationDefault(t *testing.T) {
	t.Parallel()

	loc, err := loadLocation("")
	if err != nil {
		t.Fatalf("loadLocation: %v", err)
	}
	if loc.String() != defaultTimezone {
		t.Fatalf("default location = %s", loc)
	}
}

func TestCalendarConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cc, err := calendarConfig(cfg)
	if err != nil {
		t.Fatalf("calendarConfig: %v", err)
	}
	if cc.CacheTTL != time.Hour {
		t.Fatalf("cache ttl = %v", cc.CacheTTL)
	}
	if cc.Timeout != 10*time.Second {
		t.Fatalf("timeout = %v", cc.Timeout)
	}
	if cc.Token != "cal" {
		t.Fatalf("token = %q", cc.Token)
	}
}

func TestStorageConfigNilSection(t *testing.T) {
	t.Parallel()

	sc, err := storageConfig(baseConfig())
	if err != nil {
		t.Fatalf("storageConfig: %v", err)
	}
	if sc.Enabled {
		t.Fatalf("absent storage section must stay disabled")
	}
}
