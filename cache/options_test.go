package cache

import (
	"testing"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.PodID == "" {
		t.Fatal("PodID should not be empty")
	}

	if opts.Version != 1 {
		t.Fatalf("Expected version 1, got %d", opts.Version)
	}

	if opts.MaxDynamicEntries != 100 {
		t.Fatalf("Expected MaxDynamicEntries 100, got %d", opts.MaxDynamicEntries)
	}

	if opts.InvalidationChannel == "" {
		t.Fatal("InvalidationChannel should not be empty")
	}

	if opts.ContextTimeout == 0 {
		t.Fatal("ContextTimeout should not be zero")
	}
}

func TestDefaultLocalCacheConfig(t *testing.T) {
	config := DefaultLocalCacheConfig()

	if config.NumCounters <= 0 {
		t.Fatal("NumCounters should be positive")
	}

	if config.MaxCost <= 0 {
		t.Fatal("MaxCost should be positive")
	}

	if config.BufferItems <= 0 {
		t.Fatal("BufferItems should be positive")
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		valid  bool
	}{
		{"Valid options", func(*Options) {}, true},
		{"Empty PodID", func(o *Options) { o.PodID = "" }, false},
		{"Zero version", func(o *Options) { o.Version = 0 }, false},
		{"Zero dynamic bound", func(o *Options) { o.MaxDynamicEntries = 0 }, false},
		{"Redis without channel", func(o *Options) {
			o.RedisAddr = "localhost:6379"
			o.InvalidationChannel = ""
		}, false},
		{"Invalid NumCounters", func(o *Options) { o.LocalCacheConfig.NumCounters = 0 }, false},
		{"Custom factory skips ristretto checks", func(o *Options) {
			o.LocalCacheConfig = LocalCacheConfig{}
			o.LocalCacheFactory = NewLRUCacheFactory(10)
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.valid && err != nil {
				t.Fatalf("Expected valid options, got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Fatal("Expected invalid options, got no error")
			}
		})
	}
}
