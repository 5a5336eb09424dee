package cache

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSetAndGet(t *testing.T) {
	// WHAT: Basic round trip through the cache.
	// WHY: Everything downstream assumes Get returns what Set stored.
	c := New[string](10, 1024*1024, nil)
	c.Set("k1", "hello")

	got, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got != "hello" {
		t.Errorf("value: got %q, want %q", got, "hello")
	}

	if _, ok := c.Get("absent"); ok {
		t.Error("expected miss for absent key")
	}
}

func TestEntryCountCeiling(t *testing.T) {
	// WHAT: Inserting past maxEntries evicts down to the ceiling.
	// WHY: The entry-count bound must hold after every Set.
	c := New[string](3, 1024*1024, nil)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		c.Set(k, "v-"+k)
	}

	st := c.Stats()
	if st.Entries > 3 {
		t.Errorf("entries: got %d, want <= 3", st.Entries)
	}
}

func TestByteCeiling(t *testing.T) {
	// WHAT: Cumulative bytes past the ceiling trigger eviction.
	// WHY: The resident-size invariant shields memory from large result sets.
	big := strings.Repeat("x", 400)
	c := New[string](100, 1000, nil)
	for i := 0; i < 10; i++ {
		c.Set(string(rune('a'+i)), big)
	}

	st := c.Stats()
	if st.Bytes > 1000 {
		t.Errorf("bytes: got %d, want <= 1000", st.Bytes)
	}
	if st.Entries > 100 {
		t.Errorf("entries: got %d, want <= 100", st.Entries)
	}
}

func TestOversizeNotAdmitted(t *testing.T) {
	// WHAT: A payload above MaxItemBytes is a silent no-op.
	// WHY: One huge view result must not flush the whole cache.
	c := New[string](10, 10*1024*1024, nil)
	c.Set("huge", strings.Repeat("z", MaxItemBytes+1))

	if _, ok := c.Get("huge"); ok {
		t.Error("oversize payload should not be cached")
	}
	if st := c.Stats(); st.Entries != 0 {
		t.Errorf("entries: got %d, want 0", st.Entries)
	}
}

func TestEvictionPrefersCold(t *testing.T) {
	// WHAT: The frequently accessed entry survives eviction.
	// WHY: Eviction ranks by recency-weighted frequency, ascending.
	c := New[string](2, 1024*1024, nil)
	c.Set("hot", "a")
	c.Set("cold", "b")
	for i := 0; i < 5; i++ {
		c.Get("hot")
	}
	c.Set("new", "c") // forces one eviction

	if _, ok := c.Get("hot"); !ok {
		t.Error("hot entry should survive eviction")
	}
}

func TestInvalidate(t *testing.T) {
	// WHAT: Pattern invalidation removes matching keys and reports the count.
	// WHY: Upstream writes must be able to force related reads to refetch.
	c := New[string](10, 1024*1024, nil)
	c.Set("view:abc|p1", "1")
	c.Set("view:abc|p2", "2")
	c.Set("view:xyz|p1", "3")

	n := c.Invalidate("view:abc")
	if n != 2 {
		t.Errorf("removed: got %d, want 2", n)
	}
	if _, ok := c.Get("view:xyz|p1"); !ok {
		t.Error("non-matching key should remain")
	}
}

func TestSweepRemovesOldEntries(t *testing.T) {
	// WHAT: The age sweep drops entries past maxAge regardless of hits.
	// WHY: Staleness must be bounded even for hot entries.
	c := New[string](10, 1024*1024, nil)
	c.Set("old", "v")
	c.entries["old"].createdAt = time.Now().Add(-2 * time.Hour)
	c.Get("old") // recent access must not save it

	if n := c.sweep(time.Hour); n != 1 {
		t.Errorf("swept: got %d, want 1", n)
	}
	if _, ok := c.Get("old"); ok {
		t.Error("old entry should be gone")
	}
}

func TestStartSweeperRunsUntilCancelled(t *testing.T) {
	// WHAT: StartSweeper holds its goroutine for the life of the context and
	// returns promptly once the context is cancelled.
	// WHY: A caller that invokes it synchronously never gets control back,
	// so it must always be launched on its own goroutine.
	c := New[string](10, 1024*1024, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.StartSweeper(ctx, time.Millisecond, time.Hour)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("sweeper returned while its context was still alive")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}

func TestHitRate(t *testing.T) {
	// WHAT: Stats reports hit rate over hits+misses.
	c := New[string](10, 1024*1024, nil)
	c.Set("k", "v")
	c.Get("k")
	c.Get("k")
	c.Get("nope")

	st := c.Stats()
	if st.Hits != 2 || st.Misses != 1 {
		t.Fatalf("counters: got %d/%d, want 2/1", st.Hits, st.Misses)
	}
	want := 2.0 / 3.0
	if st.HitRate < want-0.001 || st.HitRate > want+0.001 {
		t.Errorf("hit rate: got %f, want %f", st.HitRate, want)
	}
}
