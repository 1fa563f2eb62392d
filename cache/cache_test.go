package cache

import "testing"

func TestLookupMissInstallsPending(t *testing.T) {
	c, err := New(10, 10)
	if err != nil {
		t.Fatal(err)
	}
	res, _ := c.Lookup("k1", Low)
	if res != Miss {
		t.Fatalf("expected Miss, got %v", res)
	}
	res, _ = c.Lookup("k1", Low)
	if res != Wait {
		t.Fatalf("expected Wait on second lookup, got %v", res)
	}
}

func TestInsertTransitionsPendingToReady(t *testing.T) {
	c, err := New(10, 10)
	if err != nil {
		t.Fatal(err)
	}
	c.Lookup("k1", Low)
	c.Insert("k1", "img1", Low)
	res, img := c.Lookup("k1", Low)
	if res != Hit || img != "img1" {
		t.Fatalf("expected Hit(img1), got %v %v", res, img)
	}
}

func TestRemoveClearsPendingForRetry(t *testing.T) {
	c, _ := New(10, 10)
	c.Lookup("k1", Low)
	c.Remove("k1")
	res, _ := c.Lookup("k1", Low)
	if res != Miss {
		t.Fatalf("expected Miss after Remove, got %v", res)
	}
}

// TestEvictionLRU exercises scenario S6 from the spec: low_tier_limit
// = 2, insert k1, k2, touch k1, insert k3 evicts k2.
func TestEvictionLRU(t *testing.T) {
	c, err := New(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	c.Insert("k1", "img1", Low)
	c.Insert("k2", "img2", Low)
	if res, _ := c.Lookup("k1", Low); res != Hit {
		t.Fatalf("expected k1 hit to touch it MRU")
	}
	c.Insert("k3", "img3", Low)

	if res, _ := c.Lookup("k2", Low); res != Miss {
		t.Fatalf("expected k2 evicted (Miss), got %v", res)
	}
	if res, _ := c.Lookup("k1", Low); res != Hit {
		t.Fatalf("expected k1 still present")
	}
	if res, _ := c.Lookup("k3", Low); res != Hit {
		t.Fatalf("expected k3 still present")
	}
}

// TestHighTierDisabled covers the boundary behavior: high_tier_limit =
// 0 folds every High request onto Low.
func TestHighTierDisabled(t *testing.T) {
	c, err := New(0, 10)
	if err != nil {
		t.Fatal(err)
	}
	c.Insert("k1", "img1", High)
	if size := c.Size(High); size != 0 {
		t.Fatalf("expected High tier to report 0 entries, got %d", size)
	}
	if size := c.Size(Low); size != 1 {
		t.Fatalf("expected entry folded into Low, got %d", size)
	}
	if res, _ := c.Lookup("k1", High); res != Hit {
		t.Fatalf("expected Hit when looking up under High hint")
	}
}

// TestPendingSurvivesClear ensures Pending entries are retained across
// Clear/ClearAll, per the spec.
func TestPendingSurvivesClear(t *testing.T) {
	c, _ := New(10, 10)
	c.Lookup("pending-key", Low)
	c.Insert("ready-key", "img", Low)

	c.ClearAll()
	c.ClearAll() // idempotent

	if res, _ := c.Lookup("ready-key", Low); res != Miss {
		t.Fatalf("expected ready-key cleared")
	}
	if res, _ := c.Lookup("pending-key", Low); res != Wait {
		t.Fatalf("expected pending-key retained across clear, got %v", res)
	}
}

func TestPromoteMovesBetweenTiers(t *testing.T) {
	c, err := New(10, 10)
	if err != nil {
		t.Fatal(err)
	}
	c.Insert("k1", "img1", Low)
	c.Promote("k1", High)
	if c.Size(Low) != 0 {
		t.Fatalf("expected k1 removed from Low")
	}
	if c.Size(High) != 1 {
		t.Fatalf("expected k1 present in High")
	}
	if res, img := c.Lookup("k1", High); res != Hit || img != "img1" {
		t.Fatalf("expected Hit(img1) in High, got %v %v", res, img)
	}
}
