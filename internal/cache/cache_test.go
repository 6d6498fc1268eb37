package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetGetDelete", func(t *testing.T) {
		if err := c.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := c.Get(ctx, tenantID, "k1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "v1" {
			t.Errorf("expected 'v1', got '%s'", val)
		}

		if err := c.Delete(ctx, tenantID, "k1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "k1"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("MissIsNotError", func(t *testing.T) {
		val, err := c.Get(ctx, tenantID, "absent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil on miss, got %v", val)
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = c.Set(ctx, tenantID, "short", []byte("x"), 10*time.Millisecond)
		if val, _ := c.Get(ctx, tenantID, "short"); val == nil {
			t.Fatal("expected value before expiry")
		}
		time.Sleep(20 * time.Millisecond)
		if val, _ := c.Get(ctx, tenantID, "short"); val != nil {
			t.Error("expected nil after expiry")
		}
	})

	t.Run("EvictsLeastRecentlyUsed", func(t *testing.T) {
		small := NewLRUCache(3)
		for _, k := range []string{"a", "b", "c"} {
			_ = small.Set(ctx, tenantID, k, []byte(k), time.Minute)
		}
		_, _ = small.Get(ctx, tenantID, "a")
		_ = small.Set(ctx, tenantID, "d", []byte("d"), time.Minute)

		if val, _ := small.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		for _, k := range []string{"a", "c", "d"} {
			if val, _ := small.Get(ctx, tenantID, k); val == nil {
				t.Errorf("expected %q to survive eviction", k)
			}
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_ = c.Set(ctx, "tenant-a", "shared", []byte("a"), time.Minute)
		_ = c.Set(ctx, "tenant-b", "shared", []byte("b"), time.Minute)

		a, _ := c.Get(ctx, "tenant-a", "shared")
		b, _ := c.Get(ctx, "tenant-b", "shared")
		if string(a) != "a" || string(b) != "b" {
			t.Errorf("tenant values leaked: a=%q b=%q", a, b)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := c.Set(ctx, "", "k", []byte("v"), time.Minute); err == nil {
			t.Error("expected error for empty tenantID on Set")
		}
		if _, err := c.Get(ctx, "", "k"); err == nil {
			t.Error("expected error for empty tenantID on Get")
		}
		if err := c.Delete(ctx, "", "k"); err == nil {
			t.Error("expected error for empty tenantID on Delete")
		}
	})

	t.Run("AccountProfile", func(t *testing.T) {
		p := &domain.AccountProfile{AccountID: "acc-1", Count: 12, Mean: 82.5, StdDev: 21.25}
		if err := c.SetProfile(ctx, tenantID, p, time.Minute); err != nil {
			t.Fatalf("SetProfile failed: %v", err)
		}

		got, err := c.GetProfile(ctx, tenantID, "acc-1")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if got == nil || got.AccountID != p.AccountID || got.Count != p.Count || got.Mean != p.Mean || got.StdDev != p.StdDev {
			t.Errorf("expected %+v, got %+v", p, got)
		}

		missing, err := c.GetProfile(ctx, tenantID, "acc-unknown")
		if err != nil || missing != nil {
			t.Errorf("expected nil, nil on miss, got %+v, %v", missing, err)
		}
	})

	t.Run("ProfileRequiresAccountID", func(t *testing.T) {
		if err := c.SetProfile(ctx, tenantID, &domain.AccountProfile{}, time.Minute); err == nil {
			t.Error("expected error for profile without accountId")
		}
		if err := c.SetProfile(ctx, tenantID, nil, time.Minute); err == nil {
			t.Error("expected error for nil profile")
		}
	})

	t.Run("CorruptProfile", func(t *testing.T) {
		_ = c.Set(ctx, tenantID, ProfileKey("acc-bad"), []byte("{not json"), time.Minute)
		if _, err := c.GetProfile(ctx, tenantID, "acc-bad"); err == nil {
			t.Error("expected decode error for corrupt profile")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		s := NewLRUCache(50)
		_ = s.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_ = s.Set(ctx, tenantID, "k2", []byte("v2"), time.Minute)
		_, _ = s.Get(ctx, tenantID, "k1")
		_, _ = s.Get(ctx, tenantID, "nope")

		st := s.Stats()
		if st.Size != 2 || st.Capacity != 50 {
			t.Errorf("expected size 2 capacity 50, got %+v", st)
		}
		if st.Hits != 1 || st.Misses != 1 {
			t.Errorf("expected 1 hit and 1 miss, got %+v", st)
		}
	})

	t.Run("CloseClears", func(t *testing.T) {
		cc := NewLRUCache(10)
		_ = cc.Set(ctx, tenantID, "k", []byte("v"), time.Minute)
		if err := cc.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if val, _ := cc.Get(ctx, tenantID, "k"); val != nil {
			t.Error("expected cache to be empty after Close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()

		if _, ok := c.(*LRUCache); !ok {
			t.Errorf("expected *LRUCache, got %T", c)
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
