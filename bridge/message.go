// Package bridge carries typed request/response messages between the
// foreground application and the agent, plus broadcast events from the
// agent to every connected foreground.
package bridge

import (
	"encoding/json"
)

// Operation names understood by the agent.
const (
	OpSavePatient      = "SAVE_PATIENT"
	OpGetPatients      = "GET_PATIENTS"
	OpGetPatient       = "GET_PATIENT"
	OpUpdatePatient    = "UPDATE_PATIENT"
	OpDeletePatient    = "DELETE_PATIENT"
	OpGetPendingData   = "GET_PENDING_DATA"
	OpClearPendingData = "CLEAR_PENDING_DATA"
	OpExportData       = "EXPORT_DATA"
	OpImportData       = "IMPORT_DATA"
	OpPerformSync      = "PERFORM_SYNC"
	OpGetSettings      = "GET_SETTINGS"
	OpSaveSettings     = "SAVE_SETTINGS"
	OpGetCacheStatus   = "GET_CACHE_STATUS"
)

// Broadcast event types.
const (
	EventNavigate = "NAVIGATE"
)

// Message is a request from the foreground. ID correlates the reply.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers exactly one Message.
type Reply struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Failure        `json:"error,omitempty"`
}

// Failure describes why an operation failed.
type Failure struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

func (f *Failure) Error() string {
	return f.Op + ": " + f.Message
}

// Event is pushed from the agent to every connected foreground.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func failure(id, op string, err error) Reply {
	return Reply{ID: id, Success: false, Error: &Failure{Op: op, Message: err.Error()}}
}
