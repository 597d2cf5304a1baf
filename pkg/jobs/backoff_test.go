package jobs

import (
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name         string
		attemptsMade int
		base         time.Duration
		max          time.Duration
		want         time.Duration
	}{
		{name: "first retry uses base", attemptsMade: 1, base: time.Second, max: time.Minute, want: time.Second},
		{name: "zero attempts uses base", attemptsMade: 0, base: time.Second, max: time.Minute, want: time.Second},
		{name: "doubles", attemptsMade: 3, base: time.Second, max: time.Minute, want: 4 * time.Second},
		{name: "caps at max", attemptsMade: 10, base: time.Second, max: 30 * time.Second, want: 30 * time.Second},
		{name: "base above max", attemptsMade: 1, base: time.Hour, max: time.Minute, want: time.Minute},
		{name: "defaults", attemptsMade: 2, want: 2 * DefaultBackoff},
		{name: "huge attempts do not overflow", attemptsMade: 500, base: time.Second, max: DefaultMaxBackoff, want: DefaultMaxBackoff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryDelay(tt.attemptsMade, tt.base, tt.max); got != tt.want {
				t.Fatalf("RetryDelay(%d) = %s, want %s", tt.attemptsMade, got, tt.want)
			}
		})
	}
}

func TestPageBounds(t *testing.T) {
	tests := []struct {
		total, start, end int
		lo, hi            int
		ok                bool
	}{
		{total: 10, start: 0, end: 4, lo: 0, hi: 5, ok: true},
		{total: 10, start: 8, end: 20, lo: 8, hi: 10, ok: true},
		{total: 10, start: 2, end: -1, lo: 2, hi: 10, ok: true},
		{total: 10, start: 12, end: 20, ok: false},
		{total: 0, start: 0, end: -1, ok: false},
		{total: 3, start: 2, end: 1, ok: false},
	}
	for _, tt := range tests {
		lo, hi, ok := pageBounds(tt.total, tt.start, tt.end)
		if ok != tt.ok || (ok && (lo != tt.lo || hi != tt.hi)) {
			t.Fatalf("pageBounds(%d,%d,%d) = %d,%d,%v", tt.total, tt.start, tt.end, lo, hi, ok)
		}
	}
}
