package domain_test

import (
	"testing"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
)

func TestRetryDelay_ExponentialMinutes(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{0, time.Minute}, // clamped
	}
	for _, c := range cases {
		if got := domain.RetryDelay(c.attempts); got != c.want {
			t.Errorf("RetryDelay(%d) = %s, want %s", c.attempts, got, c.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	terminal := []domain.JobStatus{domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []domain.JobStatus{domain.StatusPending, domain.StatusProcessing, domain.StatusWaiting}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestMatchTags(t *testing.T) {
	jobTags := []string{"billing", "eu"}

	cases := []struct {
		name  string
		query []string
		mode  domain.TagQueryMode
		want  bool
	}{
		{"exact match", []string{"eu", "billing"}, domain.TagModeExact, true},
		{"exact subset", []string{"billing"}, domain.TagModeExact, false},
		{"all subset", []string{"billing"}, domain.TagModeAll, true},
		{"all missing", []string{"billing", "us"}, domain.TagModeAll, false},
		{"any hit", []string{"us", "eu"}, domain.TagModeAny, true},
		{"any miss", []string{"us"}, domain.TagModeAny, false},
		{"none hit", []string{"us"}, domain.TagModeNone, true},
		{"none miss", []string{"eu"}, domain.TagModeNone, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := domain.MatchTags(jobTags, c.query, c.mode); got != c.want {
				t.Fatalf("MatchTags(%v, %v, %s) = %v, want %v", jobTags, c.query, c.mode, got, c.want)
			}
		})
	}
}
