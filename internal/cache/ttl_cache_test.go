package cache

import (
	"testing"
	"time"
)

func TestGetReturnsUnexpiredValue(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTLCacheWithNow[string, int](func() time.Time { return now })

	c.Set("tier:42", 7, time.Minute)
	got, ok := c.Get("tier:42")
	if !ok || got != 7 {
		t.Fatalf("expected cached 7, got %d ok=%v", got, ok)
	}
}

func TestGetEvictsExpiredValue(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTLCacheWithNow[string, int](func() time.Time { return now })

	c.Set("tier:42", 7, time.Minute)
	now = now.Add(2 * time.Minute)

	if _, ok := c.Get("tier:42"); ok {
		t.Fatalf("expected expired entry to miss")
	}
	if _, ok := c.Get("tier:42"); ok {
		t.Fatalf("expected evicted entry to stay gone")
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTLCacheWithNow[string, string](func() time.Time { return now })

	c.Set("k", "v", 0)
	now = now.Add(24 * time.Hour)

	if got, ok := c.Get("k"); !ok || got != "v" {
		t.Fatalf("expected pinned entry to survive, got %q ok=%v", got, ok)
	}
}
