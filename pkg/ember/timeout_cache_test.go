package ember

import "testing"

func TestTimeoutCacheExtractEarliestFirst(t *testing.T) {
	c := NewTimeoutCache()
	c.Update(1, 30)
	c.Update(2, 10)
	c.Update(3, 20)

	id, ok := c.Extract(100)
	if !ok || id != 2 {
		t.Fatalf("expected id 2 first, got %d ok=%v", id, ok)
	}
	id, ok = c.Extract(100)
	if !ok || id != 3 {
		t.Fatalf("expected id 3 second, got %d ok=%v", id, ok)
	}
	id, ok = c.Extract(100)
	if !ok || id != 1 {
		t.Fatalf("expected id 1 third, got %d ok=%v", id, ok)
	}
}

func TestTimeoutCacheExtractRespectsNow(t *testing.T) {
	c := NewTimeoutCache()
	c.Update(1, 50)

	if _, ok := c.Extract(10); ok {
		t.Fatalf("expected no extraction before expiry")
	}
	if _, ok := c.Extract(50); !ok {
		t.Fatalf("expected extraction once now reaches expiry")
	}
}

func TestTimeoutCacheRenewSupersedesOldExpiry(t *testing.T) {
	c := NewTimeoutCache()
	c.Renew(1, 0, 100)
	c.Renew(1, 50, 10)

	if _, ok := c.Extract(59); ok {
		t.Fatalf("expected the renewed (later logical, but smaller absolute) expiry to win and not have expired yet at 59")
	}
	id, ok := c.Extract(60)
	if !ok || id != 1 {
		t.Fatalf("expected id 1 to expire at 60, got %d ok=%v", id, ok)
	}
}

func TestTimeoutCacheClearRemovesUntilRenewed(t *testing.T) {
	c := NewTimeoutCache()
	c.Update(1, 5)
	c.Clear(1)

	if _, ok := c.Extract(100); ok {
		t.Fatalf("expected no extraction after clear")
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("expected 0 live entries after clear, got %d", got)
	}

	c.Update(1, 5)
	id, ok := c.Extract(100)
	if !ok || id != 1 {
		t.Fatalf("expected id 1 extractable again after a fresh update, got %d ok=%v", id, ok)
	}
}

func TestTimeoutCacheEveryLiveIDAppearsAtMostOnce(t *testing.T) {
	c := NewTimeoutCache()
	for i := 0; i < 5; i++ {
		c.Update(1, int64(i))
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("expected exactly 1 live entry for a repeatedly-updated id, got %d", got)
	}
}

func TestTimeoutCacheLazyDeleteSkipsStaleEntries(t *testing.T) {
	c := NewTimeoutCache()
	c.Update(1, 10)
	c.Update(1, 20) // re-keys id 1's entry; the superseded expiry=10 must not win
	c.Update(2, 15)

	id, ok := c.Extract(100)
	if !ok || id != 2 {
		t.Fatalf("expected id 2 (real earliest), got %d ok=%v", id, ok)
	}
	id, ok = c.Extract(100)
	if !ok || id != 1 {
		t.Fatalf("expected id 1 next, got %d ok=%v", id, ok)
	}
	if _, ok := c.Extract(100); ok {
		t.Fatalf("expected no more extractions")
	}
}
