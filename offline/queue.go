package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/huykn/triage-edge/types"
)

func enqueue(ctx context.Context, ex execContexter, write types.PendingWrite) (types.PendingWrite, error) {
	if write.Type == "" {
		return types.PendingWrite{}, fmt.Errorf("write type is required")
	}
	if write.RecordID == "" {
		return types.PendingWrite{}, fmt.Errorf("write record id is required")
	}
	if write.CreatedAt.IsZero() {
		write.CreatedAt = time.Now().UTC()
	}
	result, err := ex.ExecContext(ctx, `
INSERT INTO pending_writes (type, record_id, payload, created_at)
VALUES (?, ?, ?, ?)
`, string(write.Type), write.RecordID, string(write.Payload), toMillis(write.CreatedAt))
	if err != nil {
		return types.PendingWrite{}, fmt.Errorf("enqueue %s %s: %w", write.Type, write.RecordID, err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return types.PendingWrite{}, fmt.Errorf("enqueue %s %s: %w", write.Type, write.RecordID, err)
	}
	write.Seq = seq
	write.CreatedAt = fromMillis(toMillis(write.CreatedAt))
	return write, nil
}

func enqueueUpsert(ctx context.Context, ex execContexter, rec types.PatientRecord, at time.Time) (types.PendingWrite, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return types.PendingWrite{}, fmt.Errorf("encode patient %s: %w", rec.ID, err)
	}
	return enqueue(ctx, ex, types.PendingWrite{
		Type:      types.WritePatientUpsert,
		RecordID:  rec.ID,
		Payload:   payload,
		CreatedAt: at,
	})
}

// EnqueueWrite appends write to the pending queue and returns it with its sequence.
func (s *Store) EnqueueWrite(ctx context.Context, write types.PendingWrite) (types.PendingWrite, error) {
	if err := s.ready(ctx); err != nil {
		return types.PendingWrite{}, err
	}
	if write.CreatedAt.IsZero() {
		write.CreatedAt = s.now()
	}
	out, err := enqueue(ctx, s.sqlDB, write)
	return out, classify(err)
}

// PendingWrites returns the queue in replay order.
func (s *Store) PendingWrites(ctx context.Context) ([]types.PendingWrite, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT seq, type, record_id, payload, created_at
FROM pending_writes
ORDER BY seq ASC
`)
	if err != nil {
		return nil, classify(fmt.Errorf("query pending writes: %w", err))
	}
	defer rows.Close()

	writes := make([]types.PendingWrite, 0)
	for rows.Next() {
		var (
			w         types.PendingWrite
			kind      string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&w.Seq, &kind, &w.RecordID, &payload, &createdAt); err != nil {
			return nil, classify(fmt.Errorf("scan pending write: %w", err))
		}
		w.Type = types.WriteType(kind)
		if payload != "" {
			w.Payload = json.RawMessage(payload)
		}
		w.CreatedAt = fromMillis(createdAt)
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate pending writes: %w", err))
	}
	return writes, nil
}

// CountPendingWrites returns the queue length.
func (s *Store) CountPendingWrites(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_writes`).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("count pending writes: %w", err))
	}
	return n, nil
}

// AckWrite removes an acknowledged write. When it was the last queued write
// for its record, the record is marked synced at syncedAt. Both changes
// happen in one transaction. Acknowledging an unknown sequence returns
// types.ErrNotFound.
func (s *Store) AckWrite(ctx context.Context, seq int64, syncedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if syncedAt.IsZero() {
		syncedAt = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var recordID string
		err := tx.QueryRowContext(ctx, `SELECT record_id FROM pending_writes WHERE seq = ?`, seq).Scan(&recordID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("pending write %d: %w", seq, types.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get pending write %d: %w", seq, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_writes WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("delete pending write %d: %w", seq, err)
		}

		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_writes WHERE record_id = ?`, recordID).Scan(&remaining); err != nil {
			return fmt.Errorf("count writes for %s: %w", recordID, err)
		}
		if remaining > 0 {
			return nil
		}

		rec, err := readPatient(ctx, tx, recordID)
		if errors.Is(err, types.ErrNotFound) {
			// deleted locally; nothing left to mark
			return nil
		}
		if err != nil {
			return err
		}
		at := syncedAt.UTC()
		rec.SyncStatus = types.SyncSynced
		rec.SyncedAt = &at
		return writePatient(ctx, tx, rec)
	})
}

// ClearPendingWrites drops the whole queue and returns how many writes were removed.
// Records keep their pending status.
func (s *Store) ClearPendingWrites(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM pending_writes`)
	if err != nil {
		return 0, classify(fmt.Errorf("clear pending writes: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify(fmt.Errorf("clear pending writes rows affected: %w", err))
	}
	return int(n), nil
}

const settingsKey = "app"

// GetSettings returns the stored settings, or the defaults when none were saved.
func (s *Store) GetSettings(ctx context.Context) (types.Settings, error) {
	if err := s.ready(ctx); err != nil {
		return types.Settings{}, err
	}
	var doc string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT doc FROM settings WHERE key = ?`, settingsKey).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DefaultSettings(), nil
	}
	if err != nil {
		return types.Settings{}, classify(fmt.Errorf("get settings: %w", err))
	}
	var settings types.Settings
	if err := json.Unmarshal([]byte(doc), &settings); err != nil {
		return types.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// PutSettings overwrites the settings singleton. Settings are never queued.
func (s *Store) PutSettings(ctx context.Context, settings types.Settings) (types.Settings, error) {
	if err := s.ready(ctx); err != nil {
		return types.Settings{}, err
	}
	settings.UpdatedAt = s.now().UTC()
	doc, err := json.Marshal(settings)
	if err != nil {
		return types.Settings{}, fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO settings (key, doc, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at
`, settingsKey, string(doc), toMillis(settings.UpdatedAt))
	if err != nil {
		return types.Settings{}, classify(fmt.Errorf("put settings: %w", err))
	}
	return settings, nil
}
