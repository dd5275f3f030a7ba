package cache

import (
	"bytes"
	"testing"
	"time"
)

func TestGetReturnsStoredPayloadWhileFresh(t *testing.T) {
	c := New(4)
	c.Set("a", []byte(`{"v":1}`), time.Minute)

	got, ok := c.Get("a")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if !bytes.Equal(got, []byte(`{"v":1}`)) {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestGetCopiesPayload(t *testing.T) {
	c := New(4)
	c.Set("a", []byte("original"), time.Minute)

	first, _ := c.Get("a")
	first[0] = 'X'

	second, _ := c.Get("a")
	if string(second) != "original" {
		t.Fatalf("stored payload was mutated: %s", second)
	}
}

func TestExpiredEntryMissesAndIsRemoved(t *testing.T) {
	c := New(4)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	c.Set("a", []byte("x"), 5*time.Minute)
	current = current.Add(5*time.Minute + time.Second)

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be removed, len=%d", c.Len())
	}
}

func TestLRUEvictionUnderPressure(t *testing.T) {
	c := New(2)
	c.Set("a", []byte("1"), time.Minute)
	c.Set("b", []byte("2"), time.Minute)

	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected hit for a")
	}
	c.Set("c", []byte("3"), time.Minute)

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("expected c to be present")
	}
}

func TestSetReplacesExistingKey(t *testing.T) {
	c := New(2)
	c.Set("a", []byte("old"), time.Minute)
	c.Set("a", []byte("new"), time.Minute)

	got, ok := c.Get("a")
	if !ok || string(got) != "new" {
		t.Fatalf("expected replacement payload, got %q ok=%v", got, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("expected single entry after replace, len=%d", c.Len())
	}
}

func TestInvalidateDropsEntry(t *testing.T) {
	c := New(2)
	c.Set("a", []byte("1"), time.Minute)
	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected invalidated entry to miss")
	}
}

func TestNonPositiveTTLIsNotStored(t *testing.T) {
	c := New(2)
	c.Set("a", []byte("1"), 0)
	if c.Len() != 0 {
		t.Fatalf("expected zero-ttl entry to be skipped")
	}
}
