package cache

import (
	"testing"

	"github.com/huykn/triage-edge/types"
)

func testAsset(body string) types.Asset {
	return types.Asset{Status: 200, Body: []byte(body)}
}

func TestLRUCacheNew(t *testing.T) {
	cache, err := NewLRUCache(100)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	if cache.maxSize != 100 {
		t.Fatalf("Expected maxSize 100, got %d", cache.maxSize)
	}
}

func TestLRUCacheNewWithZeroSize(t *testing.T) {
	_, err := NewLRUCache(0)
	if err == nil {
		t.Fatal("Expected error when creating cache with size 0")
	}
}

func TestLRUCacheGetAfterUpdate(t *testing.T) {
	cache, err := NewLRUCache(100)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("key1", testAsset("value1"), 1)
	cache.Set("key1", testAsset("value2"), 1)

	asset, found := cache.Get("key1")
	if !found {
		t.Fatal("Value should be found")
	}
	if string(asset.Body) != "value2" {
		t.Fatalf("Expected 'value2', got %s", asset.Body)
	}
}

func TestLRUCacheDeleteAndClear(t *testing.T) {
	cache, err := NewLRUCache(100)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("key1", testAsset("value1"), 1)
	cache.Set("key2", testAsset("value2"), 1)
	cache.Delete("key1")
	cache.Delete("nonexistent")

	if _, found := cache.Get("key1"); found {
		t.Fatal("Value should not be found after deletion")
	}

	cache.Clear()
	if _, found := cache.Get("key2"); found {
		t.Fatal("Cache should be empty after clear")
	}
}

func TestLRUCacheEvictionsCounted(t *testing.T) {
	cache, err := NewLRUCache(2)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("a", testAsset("a"), 1)
	cache.Set("b", testAsset("b"), 1)
	cache.Get("a") // a becomes most recent
	cache.Set("c", testAsset("c"), 1)

	if _, found := cache.Get("b"); found {
		t.Fatal("Least recently used entry should be evicted")
	}

	metrics := cache.Metrics()
	if metrics.Evictions != 1 {
		t.Fatalf("Expected 1 eviction, got %d", metrics.Evictions)
	}
	if metrics.Size != 2 {
		t.Fatalf("Expected size 2, got %d", metrics.Size)
	}
	if metrics.Hits != 1 || metrics.Misses != 1 {
		t.Fatalf("Expected 1 hit and 1 miss, got %d/%d", metrics.Hits, metrics.Misses)
	}
}

func TestLRUCacheFactoryCreate(t *testing.T) {
	factory := NewLRUCacheFactory(10)
	cache, err := factory.Create()
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("key", testAsset("value"), 1)
	if _, found := cache.Get("key"); !found {
		t.Fatal("Value should be found")
	}
}
