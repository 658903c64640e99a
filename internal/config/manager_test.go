package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
  group_chat_id: -100200300
  admin_user_ids: [11, 22]
logging:
  level: "info"
  console: true
  file:
    enabled: false
    path: ""
  telegram:
    enabled: false
    thread_id: 0
    min_level: "warn"
    rate_per_sec: 1
notify:
  hour: 10
  minute: 0
  timezone: "Europe/Moscow"
  test_mode: false
  spreadsheet_url: "https://example.org/sheet"
calendar:
  token: "cal-token"
rate_limit:
  window: "60s"
duty:
  roster_path: "./roster.yaml"
`

func TestParseYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.GroupChatID != -100200300 {
		t.Fatalf("group chat id = %d", cfg.Telegram.GroupChatID)
	}
	if len(cfg.Telegram.AdminUserIDs) != 2 || cfg.Telegram.AdminUserIDs[1] != 22 {
		t.Fatalf("admin ids = %v", cfg.Telegram.AdminUserIDs)
	}
	if cfg.Notify.Hour != 10 || cfg.Notify.Minute != 0 {
		t.Fatalf("notify time = %d:%d", cfg.Notify.Hour, cfg.Notify.Minute)
	}
	if cfg.Storage != nil {
		t.Fatalf("storage should be nil when absent")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.yaml", validYAML+"\nbogus_section:\n  x: 1\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected unknown-key error")
	}
}

func TestParseRejectsUnknownNestedKey(t *testing.T) {
	t.Parallel()

	body := strings.Replace(validYAML, "  hour: 10", "  hour: 10\n  hours: 10", 1)
	m := NewManager(writeConfig(t, "config.yaml", body))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected unknown-key error for notify.hours")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	body := `{
  "telegram": {"token": "t", "group_chat_id": 1, "admin_user_ids": []},
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}, "telegram": {"enabled": false, "thread_id": 0, "min_level": "", "rate_per_sec": 0}},
  "notify": {"hour": 9, "minute": 30, "test_mode": true},
  "calendar": {"token": "c"},
  "rate_limit": {},
  "duty": {"roster_path": "r.yaml"}
}`
	m := NewManager(writeConfig(t, "config.json", body))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Notify.TestMode || cfg.Notify.Minute != 30 {
		t.Fatalf("notify = %+v", cfg.Notify)
	}
}

func TestLoadThenGet(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get returned a different config pointer")
	}
}

func TestParseDurations(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"90s", 0, 90 * time.Second, false},
		{"2m", 0, 2 * time.Minute, false},
		{"", 10 * time.Second, 10 * time.Second, false},
		{"nonsense", 0, 0, true},
		{"-5s", 0, 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationOrDefault("x", tc.raw, tc.def)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.raw, got, tc.want)
		}
	}
}

func TestSubscribeDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.yaml")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{}
	m.publish(first)
	m.publish(second)

	select {
	case got := <-ch:
		if got != second {
			t.Fatalf("expected the newest config after overflow")
		}
	default:
		t.Fatalf("expected a pending config")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.yaml")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	// Unsubscribing twice is harmless.
	m.Unsubscribe(ch)
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	validated := 0
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		validated++
		return nil
	})

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher time to attach before mutating the file.
	time.Sleep(300 * time.Millisecond)
	body := strings.Replace(validYAML, "hour: 10", "hour: 11", 1)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Notify.Hour != 11 {
			t.Fatalf("published hour = %d, want 11", cfg.Notify.Hour)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload published")
	}
	if validated == 0 {
		t.Fatalf("validator was not consulted")
	}
	if m.Get().Notify.Hour != 11 {
		t.Fatalf("Get not updated after reload")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not return after cancel")
	}
}

func TestWatchRejectsInvalidReload(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := m.Get()

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Notify.Hour > 23 {
			return errors.New("notify.hour out of range")
		}
		return nil
	})

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	time.Sleep(300 * time.Millisecond)
	body := strings.Replace(validYAML, "hour: 10", "hour: 99", 1)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-sub:
		t.Fatalf("invalid config must not be published")
	case <-time.After(1500 * time.Millisecond):
	}
	if m.Get() != before {
		t.Fatalf("invalid config must not be committed")
	}
}
