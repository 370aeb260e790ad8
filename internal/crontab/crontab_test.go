package crontab_test

import (
	"testing"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/crontab"
)

func TestValidate(t *testing.T) {
	valid := []string{"* * * * *", "0 20 * * *", "*/5 * * * *", "0 0 1,15 * *", "30 4 * * 1-5"}
	for _, expr := range valid {
		if !crontab.Validate(expr) {
			t.Errorf("Validate(%q) = false, want true", expr)
		}
	}
	invalid := []string{"", "* * * *", "61 * * * *", "* * * * * *", "foo"}
	for _, expr := range invalid {
		if crontab.Validate(expr) {
			t.Errorf("Validate(%q) = true, want false", expr)
		}
	}
}

func TestNextOccurrence_UTC(t *testing.T) {
	after := time.Date(2026, 1, 15, 10, 2, 0, 0, time.UTC)
	next, err := crontab.NextOccurrence("*/15 * * * *", "", after)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 15, 10, 15, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}

func TestNextOccurrence_Timezone(t *testing.T) {
	// 20:00 in Tokyo (UTC+9) is 11:00 UTC.
	after := time.Date(2026, 1, 15, 10, 2, 0, 0, time.UTC)
	next, err := crontab.NextOccurrence("0 20 * * *", "Asia/Tokyo", after)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}

func TestNextOccurrence_StrictlyAfter(t *testing.T) {
	after := time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)
	next, err := crontab.NextOccurrence("0 11 * * *", "", after)
	if err != nil {
		t.Fatal(err)
	}
	if !next.After(after) {
		t.Fatalf("next = %s is not strictly after %s", next, after)
	}
	want := time.Date(2026, 1, 16, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}

func TestNextOccurrence_NoFutureOccurrence(t *testing.T) {
	// Feb 30 never exists.
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := crontab.NextOccurrence("0 0 30 2 *", "", after)
	if err != nil {
		t.Fatal(err)
	}
	if !next.IsZero() {
		t.Fatalf("expected zero time for impossible schedule, got %s", next)
	}
}

func TestNextOccurrence_InvalidExpr(t *testing.T) {
	if _, err := crontab.NextOccurrence("bogus", "", time.Now()); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestNextOccurrence_InvalidTimezone(t *testing.T) {
	if _, err := crontab.NextOccurrence("* * * * *", "Not/AZone", time.Now()); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestNextAfterMissed_SkipsPastRuns(t *testing.T) {
	// Schedule last advanced three days ago; all missed daily runs are skipped.
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	stale := now.AddDate(0, 0, -3)
	next, err := crontab.NextAfterMissed("0 6 * * *", "", stale, now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}
