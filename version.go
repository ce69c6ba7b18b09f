package triageedge

import (
	"runtime"

	"github.com/huykn/triage-edge/offline"
)

// Version is the current version of the triage-edge agent.
const Version = "v0.1.0"

// VersionInfo provides version information.
type VersionInfo struct {
	Version       string
	GoVersion     string
	SchemaVersion int
}

// GetVersionInfo returns the current version information.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:       Version,
		GoVersion:     runtime.Version(),
		SchemaVersion: offline.KnownSchemaVersion(),
	}
}
