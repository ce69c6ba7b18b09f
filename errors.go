package triageedge

import (
	"github.com/huykn/triage-edge/cache"
	"github.com/huykn/triage-edge/types"
)

// ErrStorageUnavailable is returned when the offline store cannot be opened or written.
var ErrStorageUnavailable = types.ErrStorageUnavailable

// ErrNotFound is returned when a record or cache entry is missing.
var ErrNotFound = types.ErrNotFound

// ErrNetworkFailure is returned when the network could not be reached.
var ErrNetworkFailure = types.ErrNetworkFailure

// ErrMalformedPayload is returned for undecodable push payloads and import files.
var ErrMalformedPayload = types.ErrMalformedPayload

// ErrTimeout is returned when a bridge call is not answered in time.
var ErrTimeout = types.ErrTimeout

// ErrAgentClosed is returned when operations are performed on a closed agent.
var ErrAgentClosed = cache.NewError("agent is closed")

// ErrInvalidConfig is returned when the agent configuration is invalid.
var ErrInvalidConfig = cache.ErrInvalidConfig
