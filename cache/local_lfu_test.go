package cache

import (
	"testing"
)

func TestLFUCacheSetGet(t *testing.T) {
	cache, err := NewLFUCache(DefaultLocalCacheConfig())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	if ok := cache.Set("key1", testAsset("value1"), 6); !ok {
		t.Fatal("Set should succeed")
	}

	asset, found := cache.Get("key1")
	if !found {
		t.Fatal("Value should be found")
	}
	if string(asset.Body) != "value1" {
		t.Fatalf("Expected 'value1', got %s", asset.Body)
	}
}

func TestLFUCacheDeleteAndClear(t *testing.T) {
	cache, err := NewLFUCache(DefaultLocalCacheConfig())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("key1", testAsset("value1"), 1)
	cache.Set("key2", testAsset("value2"), 1)

	cache.Delete("key1")
	if _, found := cache.Get("key1"); found {
		t.Fatal("Value should not be found after deletion")
	}

	cache.Clear()
	if _, found := cache.Get("key2"); found {
		t.Fatal("Cache should be empty after clear")
	}
}

func TestLFUCacheMetrics(t *testing.T) {
	cache, err := NewLFUCache(DefaultLocalCacheConfig())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("key1", testAsset("value1"), 1)
	cache.Get("key1")
	cache.Get("missing")

	metrics := cache.Metrics()
	if metrics.Hits != 1 {
		t.Fatalf("Expected 1 hit, got %d", metrics.Hits)
	}
	if metrics.Misses != 1 {
		t.Fatalf("Expected 1 miss, got %d", metrics.Misses)
	}
	if metrics.Size != DefaultLocalCacheConfig().MaxCost {
		t.Fatalf("Expected size %d, got %d", DefaultLocalCacheConfig().MaxCost, metrics.Size)
	}
}
