package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
)

func TestParseTokenTimeout(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"2d", 48 * time.Hour},
	}
	for _, c := range cases {
		got, err := domain.ParseTokenTimeout(c.in)
		if err != nil {
			t.Fatalf("ParseTokenTimeout(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseTokenTimeout(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestParseTokenTimeout_Invalid(t *testing.T) {
	for _, in := range []string{"", "s", "10", "10w", "-5m", "0h", "1.5h"} {
		if _, err := domain.ParseTokenTimeout(in); !errors.Is(err, domain.ErrInvalidTimeout) {
			t.Errorf("ParseTokenTimeout(%q): expected ErrInvalidTimeout, got %v", in, err)
		}
	}
}
