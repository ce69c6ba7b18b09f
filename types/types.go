package types

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// InvalidationEvent represents a cache synchronization event.
// It is published when one agent instance changes a shared cache generation
// so peers sharing the same backend can drop their hot entries.
type InvalidationEvent struct {
	Key        string `json:"key"`
	Generation string `json:"generation"`
	Sender     string `json:"sender"`
	Action     Action `json:"action"`
}

// Action is the kind of change carried by an InvalidationEvent.
type Action string

const (
	Set        Action = "set"
	Invalidate Action = "invalidate"
	Delete     Action = "delete"
	Clear      Action = "clear"
)

// ShellGeneration returns the name of the shell cache generation for version.
func ShellGeneration(version int) string {
	return fmt.Sprintf("shell-v%d", version)
}

// DynamicGeneration returns the name of the dynamic cache generation for version.
func DynamicGeneration(version int) string {
	return fmt.Sprintf("dynamic-v%d", version)
}

// Asset is a captured response held in a cache generation.
type Asset struct {
	Key        string      `json:"key"`
	Status     int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	Generation string      `json:"generation"`
	StoredAt   time.Time   `json:"storedAt"`
}

// OK reports whether the captured status is 2xx.
func (a *Asset) OK() bool {
	return a.Status >= 200 && a.Status < 300
}

// RequestKey returns the cache identity of a request: the upper-cased method
// and the URL without its fragment.
func RequestKey(method, rawURL string) string {
	if method == "" {
		method = http.MethodGet
	}
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		rawURL = rawURL[:i]
	}
	return strings.ToUpper(method) + " " + rawURL
}

// Priority is the triage priority class of a patient.
type Priority string

const (
	PriorityImmediate  Priority = "immediate"
	PriorityVeryUrgent Priority = "very-urgent"
	PriorityUrgent     Priority = "urgent"
	PriorityStandard   Priority = "standard"
	PriorityNonUrgent  Priority = "non-urgent"
)

var priorityRank = map[Priority]int{
	PriorityImmediate:  1,
	PriorityVeryUrgent: 2,
	PriorityUrgent:     3,
	PriorityStandard:   4,
	PriorityNonUrgent:  5,
}

// Rank returns the position of p in the ordered priority set, 1 being the
// most urgent. Unknown priorities rank 0.
func (p Priority) Rank() int {
	return priorityRank[p]
}

// Valid reports whether p belongs to the priority set.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Status is the lifecycle status of a patient.
type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusInTreatment Status = "in-treatment"
	StatusAdmitted    Status = "admitted"
	StatusDischarged  Status = "discharged"
)

// SyncStatus tracks whether a record has been acknowledged remotely.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

// Demographics holds identifying patient data.
type Demographics struct {
	Name      string `json:"name"`
	Age       int    `json:"age,omitempty"`
	Sex       string `json:"sex,omitempty"`
	BirthDate string `json:"birthDate,omitempty"`
}

// Vitals is a snapshot of vital signs taken at triage.
type Vitals struct {
	HeartRate       int     `json:"heartRate,omitempty"`
	RespiratoryRate int     `json:"respiratoryRate,omitempty"`
	SystolicBP      int     `json:"systolicBP,omitempty"`
	DiastolicBP     int     `json:"diastolicBP,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	OxygenSat       int     `json:"oxygenSat,omitempty"`
	GCS             int     `json:"gcs,omitempty"`
	PainScore       int     `json:"painScore,omitempty"`
}

// PatientRecord is a triaged patient. ID is assigned by the foreground and
// never changes.
type PatientRecord struct {
	ID             string       `json:"id"`
	Demographics   Demographics `json:"demographics"`
	Vitals         Vitals       `json:"vitals"`
	ChiefComplaint string       `json:"chiefComplaint"`
	Priority       Priority     `json:"priority"`
	Status         Status       `json:"status"`
	AssignedTo     string       `json:"assignedTo,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	SyncedAt       *time.Time   `json:"syncedAt,omitempty"`
	SyncStatus     SyncStatus   `json:"syncStatus"`
}

// WriteType names the remote operation a PendingWrite replays.
type WriteType string

const (
	WritePatientUpsert WriteType = "patient.upsert"
	WritePatientDelete WriteType = "patient.delete"
)

// PendingWrite is a queued outbound mutation. Seq gives the FIFO replay order.
type PendingWrite struct {
	Seq       int64           `json:"seq"`
	Type      WriteType       `json:"type"`
	RecordID  string          `json:"recordId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Settings is the local-only settings singleton.
type Settings struct {
	RetentionDays        int       `json:"retentionDays"`
	ProtocolMode         string    `json:"protocolMode"`
	VoiceEnabled         bool      `json:"voiceEnabled"`
	NotificationsEnabled bool      `json:"notificationsEnabled"`
	AutoSync             bool      `json:"autoSync"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// DefaultSettings returns the settings used before the user saves any.
func DefaultSettings() Settings {
	return Settings{
		RetentionDays:        30,
		ProtocolMode:         "manchester",
		VoiceEnabled:         false,
		NotificationsEnabled: true,
		AutoSync:             true,
	}
}

// Features is the feature-toggle view of Settings handed to components.
type Features struct {
	VoiceEnabled         bool
	NotificationsEnabled bool
	AutoSync             bool
	ProtocolMode         string
}

// Features derives the toggle set from s.
func (s Settings) Features() Features {
	return Features{
		VoiceEnabled:         s.VoiceEnabled,
		NotificationsEnabled: s.NotificationsEnabled,
		AutoSync:             s.AutoSync,
		ProtocolMode:         s.ProtocolMode,
	}
}

// ExportVersion tags backup documents produced by this module.
const ExportVersion = "1"

// ExportDocument is the backup interchange format.
type ExportDocument struct {
	Version    string          `json:"version"`
	ExportedAt time.Time       `json:"exportedAt"`
	Patients   []PatientRecord `json:"patients"`
}

// CurrentGenerations records which shell and dynamic generations serve requests.
type CurrentGenerations struct {
	Version int    `json:"version"`
	Shell   string `json:"shell"`
	Dynamic string `json:"dynamic"`
}

// Contains reports whether name is one of the current generations.
func (c CurrentGenerations) Contains(name string) bool {
	return name != "" && (name == c.Shell || name == c.Dynamic)
}
