package recordlog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghalamif/PortRelay/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestFileLogAppendReadAndRepair(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

	l, err := OpenFileLog(dir, WithClock(clock.now))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	for _, id := range []string{"r1", "r2"} {
		if err := l.Append(&domain.Record{ID: id, PortPath: "COM3"}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash in the middle of a line.
	path := filepath.Join(dir, FileName(clock.t))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for garbage: %v", err)
	}
	if _, err := f.Write([]byte(`{"id":"r3","po`)); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	l, err = OpenFileLog(dir, WithClock(clock.now))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	if err := l.Append(&domain.Record{ID: "r4"}); err != nil {
		t.Fatalf("append after repair: %v", err)
	}

	var ids []string
	skipped, err := l.ReadDay(clock.t, func(r *domain.Record) error {
		ids = append(ids, r.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("read day: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("expected partial line to be repaired, skipped=%d", skipped)
	}
	if len(ids) != 3 || ids[0] != "r1" || ids[2] != "r4" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestFileLogRotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)}

	l, err := OpenFileLog(dir, WithClock(clock.now), WithRetentionDays(2))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer l.Close()

	for i := 0; i < 4; i++ {
		if err := l.Append(&domain.Record{ID: "r"}); err != nil {
			t.Fatalf("append: %v", err)
		}
		clock.t = clock.t.Add(24 * time.Hour)
	}
	if err := l.Append(&domain.Record{ID: "last"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	days, err := l.Days()
	if err != nil {
		t.Fatalf("days: %v", err)
	}
	want := []string{"2026-03-03", "2026-03-04", "2026-03-05"}
	if len(days) != len(want) {
		t.Fatalf("expected days %v, got %v", want, days)
	}
	for i := range want {
		if days[i] != want[i] {
			t.Fatalf("expected days %v, got %v", want, days)
		}
	}
}

func TestFileLogClosed(t *testing.T) {
	l, err := OpenFileLog(t.TempDir())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Append(&domain.Record{}); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
