package triageedge

import (
	"github.com/huykn/triage-edge/cache"
	"github.com/huykn/triage-edge/types"
)

// Logger is an alias for cache.Logger.
type Logger = cache.Logger

// LocalCache is an alias for cache.LocalCache.
type LocalCache = cache.LocalCache

// LocalCacheFactory is an alias for cache.LocalCacheFactory.
type LocalCacheFactory = cache.LocalCacheFactory

// LocalCacheConfig is an alias for cache.LocalCacheConfig.
type LocalCacheConfig = cache.LocalCacheConfig

// CacheStatus is an alias for cache.Status.
type CacheStatus = cache.Status

// PatientRecord is an alias for types.PatientRecord.
type PatientRecord = types.PatientRecord

// Settings is an alias for types.Settings.
type Settings = types.Settings

// ExportDocument is an alias for types.ExportDocument.
type ExportDocument = types.ExportDocument

// DefaultLocalCacheConfig returns default local cache configuration for Ristretto.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return cache.DefaultLocalCacheConfig()
}
