package btreecache

import "testing"

func TestGetMissOnEmptyCache(t *testing.T) {
	c := New(2)
	if _, ok := c.Get(1); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestPutThenGetHits(t *testing.T) {
	c := New(2)
	c.Put(1, "a")
	v, ok := c.Get(1)
	if !ok || v != "a" {
		t.Fatalf("got (%v, %v), want (a, true)", v, ok)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Put(1, "a")
	c.Put(2, "b")
	c.Get(1) // touch 1, making 2 the least recently used
	c.Put(3, "c")

	if _, ok := c.Get(2); ok {
		t.Fatal("expected 2 to have been evicted")
	}
	if _, ok := c.Get(1); !ok {
		t.Fatal("expected 1 to survive (recently touched)")
	}
	if _, ok := c.Get(3); !ok {
		t.Fatal("expected 3 to be present (just inserted)")
	}
	if c.Len() != 2 {
		t.Fatalf("got len %d, want 2", c.Len())
	}
}

func TestUpdateUIDPreservesValueAndMRUPosition(t *testing.T) {
	c := New(3)
	c.Put(1, "node-a")
	c.Put(2, "node-b")
	c.UpdateUID(1, 100)

	if _, ok := c.Get(1); ok {
		t.Fatal("old key should no longer resolve")
	}
	v, ok := c.Get(100)
	if !ok || v != "node-a" {
		t.Fatalf("got (%v, %v), want (node-a, true)", v, ok)
	}

	c.Put(3, "node-c")  // order, most recent first: 3, 100, 2
	c.UpdateUID(2, 200) // 200 keeps 2's place at the back
	c.Put(4, "node-d")  // at capacity: the back entry is evicted
	if _, ok := c.Get(200); ok {
		t.Fatal("UpdateUID moved the entry to the front instead of keeping its MRU position")
	}
}

func TestDropRemovesEntry(t *testing.T) {
	c := New(2)
	c.Put(1, "a")
	c.Drop(1)
	if _, ok := c.Get(1); ok {
		t.Fatal("expected entry to be gone after Drop")
	}
}

func TestZeroCapacityDisablesCaching(t *testing.T) {
	c := New(0)
	c.Put(1, "a")
	if _, ok := c.Get(1); ok {
		t.Fatal("zero-capacity cache should never hit")
	}
	if c.Len() != 0 {
		t.Fatalf("got len %d, want 0", c.Len())
	}
}
