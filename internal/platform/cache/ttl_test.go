package cache

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func TestTTLCache_GetSet(t *testing.T) {
	c := NewTTLCache[string, int](WithDefaultTTL(time.Minute))

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("expected 1, got %d (ok=%v)", v, ok)
	}
	if !c.Has("a") {
		t.Error("expected Has(a)")
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Size != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestTTLCache_ExpiredOnRead(t *testing.T) {
	clock := newFakeClock()
	c := NewTTLCache[string, string](WithDefaultTTL(time.Minute), WithClock(clock.Now))

	c.Set("k", "v")
	clock.Advance(59 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected entry to be live before expiry")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to be expired at its expiry instant")
	}
	if c.Len() != 0 {
		t.Errorf("expected expired entry to be removed on read, len=%d", c.Len())
	}
	if c.Has("k") {
		t.Error("expected Has to be false after expiry")
	}
}

func TestTTLCache_NoTTL(t *testing.T) {
	clock := newFakeClock()
	c := NewTTLCache[string, int](WithClock(clock.Now))

	c.Set("forever", 7)
	clock.Advance(365 * 24 * time.Hour)
	if v, ok := c.Get("forever"); !ok || v != 7 {
		t.Fatalf("expected entry without ttl to survive, got %d (ok=%v)", v, ok)
	}
}

func TestTTLCache_EvictsOldestCreated(t *testing.T) {
	clock := newFakeClock()
	c := NewTTLCache[string, int](WithMaxEntries(2), WithClock(clock.Now))

	c.Set("a", 1)
	clock.Advance(time.Second)
	c.Set("b", 2)
	clock.Advance(time.Second)

	// reading a must not protect it: eviction is by creation time
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a")
	}

	c.Set("c", 3)
	if c.Has("a") {
		t.Error("expected oldest entry a to be evicted")
	}
	if !c.Has("b") || !c.Has("c") {
		t.Error("expected b and c to remain")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("expected 1 eviction, got %d", got)
	}

	// overwriting an existing key at capacity evicts nothing
	clock.Advance(time.Second)
	c.Set("b", 20)
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("expected evictions to stay at 1, got %d", got)
	}
	if c.Len() != 2 {
		t.Errorf("expected len 2, got %d", c.Len())
	}
}

func TestTTLCache_GetOrSet(t *testing.T) {
	c := NewTTLCache[string, int](WithDefaultTTL(time.Minute))

	calls := 0
	fetch := func() (int, error) {
		calls++
		return 42, nil
	}
	for i := 0; i < 3; i++ {
		v, err := c.GetOrSet("x", fetch)
		if err != nil || v != 42 {
			t.Fatalf("unexpected result %d, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("expected fetch once, got %d", calls)
	}

	boom := errors.New("boom")
	if _, err := c.GetOrSet("y", func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if c.Has("y") {
		t.Error("failed fetch must not be cached")
	}
}

func TestTTLCache_DeleteExpiredAndClear(t *testing.T) {
	clock := newFakeClock()
	c := NewTTLCache[string, int](WithClock(clock.Now))

	c.SetWithTTL("short1", 1, time.Minute)
	c.SetWithTTL("short2", 2, time.Minute)
	c.SetWithTTL("long", 3, time.Hour)
	c.Set("forever", 4)

	clock.Advance(2 * time.Minute)
	if n := c.DeleteExpired(); n != 2 {
		t.Errorf("expected 2 expired entries removed, got %d", n)
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 remaining, got %d", c.Len())
	}

	c.Delete("long")
	if c.Has("long") {
		t.Error("expected long to be deleted")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected empty cache after Clear, got %d", c.Len())
	}
}
