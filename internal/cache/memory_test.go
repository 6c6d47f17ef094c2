package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryCacheSetGet(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	ctx := context.Background()

	if err := mc.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	val, found, err := mc.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(val) != "v" {
		t.Errorf("value = %q, want v", val)
	}

	_, found, _ = mc.Get(ctx, "missing")
	if found {
		t.Error("missing key reported found")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	ctx := context.Background()

	mc.Set(ctx, "short", []byte("v"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, found, _ := mc.Get(ctx, "short"); found {
		t.Error("expired entry reported found")
	}
}

func TestMemoryCacheDelete(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	ctx := context.Background()

	mc.Set(ctx, "k", []byte("v"), time.Minute)
	mc.Delete(ctx, "k")

	if _, found, _ := mc.Get(ctx, "k"); found {
		t.Error("deleted entry reported found")
	}
}

func TestMemoryCacheGetMultiple(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	ctx := context.Background()

	mc.SetMultiple(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}, time.Minute)
	mc.Set(ctx, "expired", []byte("3"), -time.Second)

	result, err := mc.GetMultiple(ctx, []string{"a", "b", "expired", "missing"})
	if err != nil {
		t.Fatalf("getmultiple: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("results = %d, want 2 (expired and missing skipped)", len(result))
	}
	if string(result["a"]) != "1" || string(result["b"]) != "2" {
		t.Errorf("results = %v, want a=1 b=2", result)
	}
}

func TestMemoryCacheEvictsClosestToExpiry(t *testing.T) {
	mc := NewMemoryCache(2, time.Hour) // sweep manually
	defer mc.Close()
	ctx := context.Background()

	mc.Set(ctx, "soon", []byte("1"), time.Minute)
	mc.Set(ctx, "later", []byte("2"), time.Hour)
	mc.Set(ctx, "latest", []byte("3"), 2*time.Hour)

	mc.cleanup()

	if _, found, _ := mc.Get(ctx, "soon"); found {
		t.Error("entry closest to expiry survived eviction")
	}
	for _, key := range []string{"later", "latest"} {
		if _, found, _ := mc.Get(ctx, key); !found {
			t.Errorf("entry %q evicted, want kept", key)
		}
	}
}

func TestMemoryCacheCloseIsIdempotent(t *testing.T) {
	mc := NewMemoryCache(10, time.Minute)
	if err := mc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMemoryCacheConcurrentAccess(t *testing.T) {
	mc := NewMemoryCache(1000, time.Minute)
	defer mc.Close()
	ctx := context.Background()

	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("g%d-k%d", g, i)
				mc.Set(ctx, key, []byte("v"), time.Minute)
				mc.Get(ctx, key)
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}
}
