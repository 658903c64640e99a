package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dutybot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Enabled: true, Path: filepath.Join(t.TempDir(), "log.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestDisabledStore(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Enabled: false}, logx.Nop())
	if err != nil {
		t.Fatalf("Open disabled: %v", err)
	}
	if st != nil {
		t.Fatalf("disabled store must be nil")
	}

	if err := st.AppendDelivery(context.Background(), DeliveryEntry{Kind: KindManual}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("append on nil store = %v, want ErrDisabled", err)
	}
	rows, err := st.RecentDeliveries(context.Background(), 5)
	if err != nil || rows != nil {
		t.Fatalf("read on nil store = %v, %v", rows, err)
	}
}

func TestAppendAndReadBack(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	entries := []DeliveryEntry{
		{At: time.Date(2026, time.September, 1, 10, 0, 0, 0, time.UTC), Kind: KindScheduled, OK: false, Attempt: 1, Detail: "telegram: timeout"},
		{At: time.Date(2026, time.September, 1, 10, 1, 0, 0, time.UTC), Kind: KindRetry, OK: true, Attempt: 2},
		{At: time.Date(2026, time.September, 2, 10, 0, 0, 0, time.UTC), Kind: KindSkip, OK: true, Detail: "non-working day"},
	}
	for _, e := range entries {
		if err := st.AppendDelivery(ctx, e); err != nil {
			t.Fatalf("append %v: %v", e.Kind, err)
		}
	}

	got, err := st.RecentDeliveries(ctx, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[0].Kind != KindSkip || got[1].Kind != KindRetry {
		t.Fatalf("wrong order: %v then %v", got[0].Kind, got[1].Kind)
	}
	if !got[1].OK || got[1].Attempt != 2 {
		t.Fatalf("retry row mangled: %+v", got[1])
	}
	if got[0].Detail != "non-working day" {
		t.Fatalf("detail mangled: %q", got[0].Detail)
	}
	if !got[0].At.Equal(entries[2].At) {
		t.Fatalf("at mangled: %v", got[0].At)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Enabled: true}, logx.Nop()); err == nil {
		t.Fatalf("expected error for missing path")
	}
}
