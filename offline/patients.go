package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huykn/triage-edge/types"
)

// Index names a secondary index over the patients collection.
type Index string

const (
	ByPriority Index = "by_priority"
	ByStatus   Index = "by_status"
	ByCreated  Index = "by_created"
)

// PatientFilter narrows ListPatients. Zero fields match everything.
type PatientFilter struct {
	Priority   types.Priority
	Status     types.Status
	SyncStatus types.SyncStatus
	Since      time.Time
	Limit      int
}

const patientColumns = `doc`

// stamp applies the put side effects: UpdatedAt is always refreshed,
// CreatedAt and SyncStatus are initialised when absent.
func (s *Store) stamp(rec *types.PatientRecord) {
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.SyncStatus == "" {
		rec.SyncStatus = types.SyncPending
	}
}

func validatePatient(rec *types.PatientRecord) error {
	if rec == nil {
		return fmt.Errorf("patient record is required")
	}
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return fmt.Errorf("patient id is required")
	}
	return nil
}

func writePatient(ctx context.Context, ex execContexter, rec types.PatientRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode patient %s: %w", rec.ID, err)
	}
	var syncedAt any
	if rec.SyncedAt != nil {
		syncedAt = toMillis(*rec.SyncedAt)
	}
	_, err = ex.ExecContext(ctx, `
INSERT INTO patients (id, priority, status, sync_status, created_at, updated_at, synced_at, doc)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	priority = excluded.priority,
	status = excluded.status,
	sync_status = excluded.sync_status,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at,
	synced_at = excluded.synced_at,
	doc = excluded.doc
`,
		rec.ID,
		string(rec.Priority),
		string(rec.Status),
		string(rec.SyncStatus),
		toMillis(rec.CreatedAt),
		toMillis(rec.UpdatedAt),
		syncedAt,
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("put patient %s: %w", rec.ID, err)
	}
	return nil
}

func readPatient(ctx context.Context, ex execContexter, id string) (types.PatientRecord, error) {
	var doc string
	err := ex.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PatientRecord{}, fmt.Errorf("patient %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return types.PatientRecord{}, fmt.Errorf("get patient %s: %w", id, err)
	}
	var rec types.PatientRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return types.PatientRecord{}, fmt.Errorf("decode patient %s: %w", id, err)
	}
	return rec, nil
}

// keepCreatedAt carries the stored creation time of an existing record over
// to rec, so re-putting a record never moves it in creation order.
func keepCreatedAt(ctx context.Context, ex execContexter, rec *types.PatientRecord) error {
	current, err := readPatient(ctx, ex, rec.ID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rec.CreatedAt = current.CreatedAt
	return nil
}

// PutPatient stores rec without queueing a remote write. rec is stamped in place.
func (s *Store) PutPatient(ctx context.Context, rec *types.PatientRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := validatePatient(rec); err != nil {
		return err
	}
	candidate := *rec
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := keepCreatedAt(ctx, tx, &candidate); err != nil {
			return err
		}
		s.stamp(&candidate)
		return writePatient(ctx, tx, candidate)
	})
	if err != nil {
		return err
	}
	*rec = candidate
	return nil
}

// SavePatient stores rec as pending and queues its upsert in the same
// transaction, so a record is never durable without its pending write.
func (s *Store) SavePatient(ctx context.Context, rec *types.PatientRecord) (types.PendingWrite, error) {
	if err := s.ready(ctx); err != nil {
		return types.PendingWrite{}, err
	}
	if err := validatePatient(rec); err != nil {
		return types.PendingWrite{}, err
	}

	candidate := *rec
	var write types.PendingWrite
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := keepCreatedAt(ctx, tx, &candidate); err != nil {
			return err
		}
		s.stamp(&candidate)
		candidate.SyncStatus = types.SyncPending
		if err := writePatient(ctx, tx, candidate); err != nil {
			return err
		}
		var err error
		write, err = enqueueUpsert(ctx, tx, candidate, candidate.UpdatedAt)
		return err
	})
	if err != nil {
		return types.PendingWrite{}, err
	}
	*rec = candidate
	return write, nil
}

// GetPatient returns the stored record for id.
func (s *Store) GetPatient(ctx context.Context, id string) (types.PatientRecord, error) {
	if err := s.ready(ctx); err != nil {
		return types.PatientRecord{}, err
	}
	rec, err := readPatient(ctx, s.sqlDB, strings.TrimSpace(id))
	return rec, classify(err)
}

// UpdatePatient applies mutate to the current stored value of id and queues
// the result, all in one transaction. The record's ID cannot be changed.
// A missing record is an error.
func (s *Store) UpdatePatient(ctx context.Context, id string, mutate func(*types.PatientRecord) error) (types.PatientRecord, error) {
	if err := s.ready(ctx); err != nil {
		return types.PatientRecord{}, err
	}
	id = strings.TrimSpace(id)

	var updated types.PatientRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := readPatient(ctx, tx, id)
		if err != nil {
			return err
		}
		next := current
		if err := mutate(&next); err != nil {
			return err
		}
		if next.ID != current.ID {
			return fmt.Errorf("patient id is immutable: %s -> %s", current.ID, next.ID)
		}
		next.CreatedAt = current.CreatedAt
		s.stamp(&next)
		next.SyncStatus = types.SyncPending
		if err := writePatient(ctx, tx, next); err != nil {
			return err
		}
		if _, err := enqueueUpsert(ctx, tx, next, next.UpdatedAt); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return types.PatientRecord{}, err
	}
	return updated, nil
}

// DeletePatient removes id and queues the remote delete. Deleting a missing
// record succeeds without queueing anything.
func (s *Store) DeletePatient(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM patients WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete patient %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete patient %s rows affected: %w", id, err)
		}
		if n == 0 {
			return nil
		}
		_, err = enqueue(ctx, tx, types.PendingWrite{
			Type:      types.WritePatientDelete,
			RecordID:  id,
			CreatedAt: s.now(),
		})
		return err
	})
}

// ListPatients returns patients matching filter in creation order.
func (s *Store) ListPatients(ctx context.Context, filter PatientFilter) ([]types.PatientRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SyncStatus != "" {
		where = append(where, "sync_status = ?")
		args = append(args, string(filter.SyncStatus))
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(filter.Since))
	}

	query := `SELECT ` + patientColumns + ` FROM patients`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryPatients(ctx, query, args...)
}

// PatientsByIndex looks patients up through a secondary index. ByPriority and
// ByStatus match value exactly; ByCreated treats value as an RFC 3339 lower bound.
func (s *Store) PatientsByIndex(ctx context.Context, index Index, value string) ([]types.PatientRecord, error) {
	switch index {
	case ByPriority:
		return s.ListPatients(ctx, PatientFilter{Priority: types.Priority(value)})
	case ByStatus:
		return s.ListPatients(ctx, PatientFilter{Status: types.Status(value)})
	case ByCreated:
		since, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("index %s: invalid time %q: %w", index, value, err)
		}
		return s.ListPatients(ctx, PatientFilter{Since: since})
	default:
		return nil, fmt.Errorf("unknown index %q", index)
	}
}

// PendingPatients returns records not yet acknowledged remotely, oldest first.
func (s *Store) PendingPatients(ctx context.Context) ([]types.PatientRecord, error) {
	return s.ListPatients(ctx, PatientFilter{SyncStatus: types.SyncPending})
}

// ImportPatients writes records exactly as given, replacing existing ones with
// the same ID. Pending records get an upsert queued. Nothing is written if any
// record is invalid.
func (s *Store) ImportPatients(ctx context.Context, records []types.PatientRecord) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	for i := range records {
		if err := validatePatient(&records[i]); err != nil {
			return 0, fmt.Errorf("%w: record %d: %v", types.ErrMalformedPayload, i, err)
		}
		if records[i].SyncStatus == "" {
			records[i].SyncStatus = types.SyncPending
		}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			if err := writePatient(ctx, tx, rec); err != nil {
				return err
			}
			if rec.SyncStatus != types.SyncPending {
				continue
			}
			if _, err := enqueueUpsert(ctx, tx, rec, s.now()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// PurgeExpired deletes synced records last updated before cutoff. Pending
// records are never purged.
func (s *Store) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM patients
WHERE sync_status = ?
AND updated_at < ?
`, string(types.SyncSynced), toMillis(cutoff))
	if err != nil {
		return 0, classify(fmt.Errorf("purge expired patients: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify(fmt.Errorf("purge expired rows affected: %w", err))
	}
	return int(n), nil
}

func (s *Store) queryPatients(ctx context.Context, query string, args ...any) ([]types.PatientRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query patients: %w", err))
	}
	defer rows.Close()

	records := make([]types.PatientRecord, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, classify(fmt.Errorf("scan patient: %w", err))
		}
		var rec types.PatientRecord
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("decode patient: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate patients: %w", err))
	}
	return records, nil
}
