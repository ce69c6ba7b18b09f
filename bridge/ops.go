package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huykn/triage-edge/cache"
	"github.com/huykn/triage-edge/offline"
	cachesync "github.com/huykn/triage-edge/sync"
	"github.com/huykn/triage-edge/types"
)

// PatientStore is the durable state the operations work on.
type PatientStore interface {
	SavePatient(ctx context.Context, rec *types.PatientRecord) (types.PendingWrite, error)
	GetPatient(ctx context.Context, id string) (types.PatientRecord, error)
	UpdatePatient(ctx context.Context, id string, mutate func(*types.PatientRecord) error) (types.PatientRecord, error)
	DeletePatient(ctx context.Context, id string) error
	ListPatients(ctx context.Context, filter offline.PatientFilter) ([]types.PatientRecord, error)
	PatientsByIndex(ctx context.Context, index offline.Index, value string) ([]types.PatientRecord, error)
	PendingPatients(ctx context.Context) ([]types.PatientRecord, error)
	PendingWrites(ctx context.Context) ([]types.PendingWrite, error)
	ClearPendingWrites(ctx context.Context) (int, error)
	ImportPatients(ctx context.Context, records []types.PatientRecord) (int, error)
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
	GetSettings(ctx context.Context) (types.Settings, error)
	PutSettings(ctx context.Context, settings types.Settings) (types.Settings, error)
}

// Syncer runs a reconciliation batch.
type Syncer interface {
	Sync(ctx context.Context) (cachesync.Result, error)
}

// CacheStatuser reports the edge cache generations.
type CacheStatuser interface {
	Status(ctx context.Context) (cache.Status, error)
}

// Scorer derives a priority for a record saved without one.
type Scorer func(rec types.PatientRecord) types.Priority

// Services are the dependencies of the built-in operations. Store is
// required; the rest are optional.
type Services struct {
	Store  PatientStore
	Sync   Syncer
	Cache  CacheStatuser
	Scorer Scorer

	// WriteNoted is called after every successful patient mutation.
	WriteNoted func()

	// SettingsChanged is called with the stored settings after SAVE_SETTINGS.
	SettingsChanged func(types.Settings)

	Logger cache.Logger
	Now    func() time.Time
}

type ops struct {
	Services
}

// Register installs the handlers of every built-in operation on d.
func Register(d *Dispatcher, s Services) {
	if s.Logger == nil {
		s.Logger = cache.NewNoOpLogger()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	o := &ops{Services: s}

	d.Handle(OpSavePatient, o.savePatient)
	d.Handle(OpGetPatients, o.getPatients)
	d.Handle(OpGetPatient, o.getPatient)
	d.Handle(OpUpdatePatient, o.updatePatient)
	d.Handle(OpDeletePatient, o.deletePatient)
	d.Handle(OpGetPendingData, o.getPendingData)
	d.Handle(OpClearPendingData, o.clearPendingData)
	d.Handle(OpExportData, o.exportData)
	d.Handle(OpImportData, o.importData)
	d.Handle(OpPerformSync, o.performSync)
	d.Handle(OpGetSettings, o.getSettings)
	d.Handle(OpSaveSettings, o.saveSettings)
	d.Handle(OpGetCacheStatus, o.getCacheStatus)
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload is required", types.ErrMalformedPayload)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrMalformedPayload, err)
	}
	return nil
}

type idPayload struct {
	ID string `json:"id"`
}

func decodeID(payload json.RawMessage) (string, error) {
	var p idPayload
	if err := decode(payload, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.ID) == "" {
		return "", fmt.Errorf("%w: id is required", types.ErrMalformedPayload)
	}
	return p.ID, nil
}

func (o *ops) noteWrite() {
	if o.WriteNoted != nil {
		o.WriteNoted()
	}
}

func (o *ops) savePatient(ctx context.Context, payload json.RawMessage) (any, error) {
	var rec types.PatientRecord
	if err := decode(payload, &rec); err != nil {
		return nil, err
	}
	if rec.Priority == "" {
		if o.Scorer == nil {
			return nil, fmt.Errorf("%w: priority is required", types.ErrMalformedPayload)
		}
		rec.Priority = o.Scorer(rec)
	}
	if !rec.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", types.ErrMalformedPayload, rec.Priority)
	}
	if rec.Status == "" {
		rec.Status = types.StatusWaiting
	}

	saved := rec
	_, err := o.Store.SavePatient(ctx, &saved)
	if errors.Is(err, types.ErrStorageUnavailable) {
		o.Logger.Warn("Save failed, running retention cleanup before retry", "id", rec.ID, "error", err)
		if purged, cleanupErr := o.purgeExpired(ctx); cleanupErr == nil {
			o.Logger.Info("Retention cleanup finished", "purged", purged)
		}
		saved = rec
		_, err = o.Store.SavePatient(ctx, &saved)
	}
	if err != nil {
		return nil, err
	}
	o.noteWrite()
	return saved, nil
}

func (o *ops) purgeExpired(ctx context.Context) (int, error) {
	settings, err := o.Store.GetSettings(ctx)
	if err != nil {
		settings = types.DefaultSettings()
	}
	days := settings.RetentionDays
	if days <= 0 {
		days = types.DefaultSettings().RetentionDays
	}
	return o.Store.PurgeExpired(ctx, o.Now().AddDate(0, 0, -days))
}

type patientsQuery struct {
	Priority   types.Priority   `json:"priority"`
	Status     types.Status     `json:"status"`
	SyncStatus types.SyncStatus `json:"syncStatus"`
	Since      time.Time        `json:"since"`
	Limit      int              `json:"limit"`
	Index      offline.Index    `json:"index"`
	Value      string           `json:"value"`
}

func (o *ops) getPatients(ctx context.Context, payload json.RawMessage) (any, error) {
	var q patientsQuery
	if len(payload) > 0 && string(payload) != "null" {
		if err := decode(payload, &q); err != nil {
			return nil, err
		}
	}
	if q.Index != "" {
		return o.Store.PatientsByIndex(ctx, q.Index, q.Value)
	}
	return o.Store.ListPatients(ctx, offline.PatientFilter{
		Priority:   q.Priority,
		Status:     q.Status,
		SyncStatus: q.SyncStatus,
		Since:      q.Since,
		Limit:      q.Limit,
	})
}

func (o *ops) getPatient(ctx context.Context, payload json.RawMessage) (any, error) {
	id, err := decodeID(payload)
	if err != nil {
		return nil, err
	}
	return o.Store.GetPatient(ctx, id)
}

type updatePayload struct {
	ID      string          `json:"id"`
	Changes json.RawMessage `json:"changes"`
}

// updatePatient merges the changes object onto the stored record inside the
// store's read-modify-write transaction.
func (o *ops) updatePatient(ctx context.Context, payload json.RawMessage) (any, error) {
	var p updatePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", types.ErrMalformedPayload)
	}
	if len(p.Changes) == 0 {
		return nil, fmt.Errorf("%w: changes are required", types.ErrMalformedPayload)
	}
	updated, err := o.Store.UpdatePatient(ctx, p.ID, func(rec *types.PatientRecord) error {
		if err := json.Unmarshal(p.Changes, rec); err != nil {
			return fmt.Errorf("%w: %v", types.ErrMalformedPayload, err)
		}
		if !rec.Priority.Valid() {
			return fmt.Errorf("%w: unknown priority %q", types.ErrMalformedPayload, rec.Priority)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.noteWrite()
	return updated, nil
}

func (o *ops) deletePatient(ctx context.Context, payload json.RawMessage) (any, error) {
	id, err := decodeID(payload)
	if err != nil {
		return nil, err
	}
	if err := o.Store.DeletePatient(ctx, id); err != nil {
		return nil, err
	}
	o.noteWrite()
	return idPayload{ID: id}, nil
}

// PendingData is the GET_PENDING_DATA reply.
type PendingData struct {
	Patients []types.PatientRecord `json:"patients"`
	Writes   []types.PendingWrite  `json:"writes"`
}

func (o *ops) getPendingData(ctx context.Context, _ json.RawMessage) (any, error) {
	patients, err := o.Store.PendingPatients(ctx)
	if err != nil {
		return nil, err
	}
	writes, err := o.Store.PendingWrites(ctx)
	if err != nil {
		return nil, err
	}
	return PendingData{Patients: patients, Writes: writes}, nil
}

func (o *ops) clearPendingData(ctx context.Context, _ json.RawMessage) (any, error) {
	n, err := o.Store.ClearPendingWrites(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"cleared": n}, nil
}

func (o *ops) exportData(ctx context.Context, _ json.RawMessage) (any, error) {
	patients, err := o.Store.ListPatients(ctx, offline.PatientFilter{})
	if err != nil {
		return nil, err
	}
	return types.ExportDocument{
		Version:    types.ExportVersion,
		ExportedAt: o.Now().UTC(),
		Patients:   patients,
	}, nil
}

func (o *ops) importData(ctx context.Context, payload json.RawMessage) (any, error) {
	var doc types.ExportDocument
	if err := decode(payload, &doc); err != nil {
		return nil, err
	}
	if doc.Version != types.ExportVersion {
		return nil, fmt.Errorf("%w: unsupported export version %q", types.ErrMalformedPayload, doc.Version)
	}
	n, err := o.Store.ImportPatients(ctx, doc.Patients)
	if err != nil {
		return nil, err
	}
	o.noteWrite()
	return map[string]int{"imported": n}, nil
}

// performSync answers with the batch result. A batch stopped by a failed
// write still succeeds as an operation; the result carries the error.
func (o *ops) performSync(ctx context.Context, _ json.RawMessage) (any, error) {
	if o.Sync == nil {
		return nil, errors.New("sync is not configured")
	}
	result, err := o.Sync.Sync(ctx)
	if err != nil && result.Error == "" {
		return nil, err
	}
	return result, nil
}

func (o *ops) getSettings(ctx context.Context, _ json.RawMessage) (any, error) {
	return o.Store.GetSettings(ctx)
}

func (o *ops) saveSettings(ctx context.Context, payload json.RawMessage) (any, error) {
	current, err := o.Store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	// absent fields keep their stored value
	if err := decode(payload, &current); err != nil {
		return nil, err
	}
	if current.RetentionDays <= 0 {
		return nil, fmt.Errorf("%w: retentionDays must be positive", types.ErrMalformedPayload)
	}
	saved, err := o.Store.PutSettings(ctx, current)
	if err != nil {
		return nil, err
	}
	if o.SettingsChanged != nil {
		o.SettingsChanged(saved)
	}
	return saved, nil
}

func (o *ops) getCacheStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	if o.Cache == nil {
		return nil, errors.New("cache is not configured")
	}
	return o.Cache.Status(ctx)
}
