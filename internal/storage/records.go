package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hyperjump/kioku/internal/models"
)

const recordColumns = `id, scope_id, display_name, source_kind, status, total_chunks, completed_chunks,
	size_bytes, page_count, attempts, last_error, metadata, created_at, updated_at, indexed_at`

// InsertRecord writes a PENDING record, its units and a queued job in one transaction.
// ErrExists is returned if the record ID is already in use.
func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *models.IndexRecord, units []*models.ContentUnit) (*models.IndexJob, error) {
	var job *models.IndexJob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM index_records WHERE id = ?`, rec.ID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("record %s: %w", rec.ID, ErrExists)
		}
		if err := s.insertRecord(ctx, tx, rec); err != nil {
			return err
		}
		if err := s.insertUnits(ctx, tx, units); err != nil {
			return err
		}
		job, err = s.insertJob(ctx, tx, rec.ScopeID, rec.ID)
		return err
	})
	if err != nil {
		return nil, wrap("insert record", err)
	}
	return job, nil
}

// ReplaceRecord swaps the units of an existing record for new ones and queues a new pass.
// The record keeps its status until a worker claims the job. When the record does not exist it
// is created as by InsertRecord. A pass that is queued but not yet claimed is reused, since it
// will read the new units; a running pass makes the call fail with ErrJobActive. The IDs of chunks
// removed with the old units are returned.
func (s *SQLiteStore) ReplaceRecord(ctx context.Context, rec *models.IndexRecord, units []*models.ContentUnit) (*models.IndexJob, []string, error) {
	var (
		job     *models.IndexJob
		removed []string
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var scopeID string
		err := tx.QueryRowContext(ctx, `SELECT scope_id FROM index_records WHERE id = ?`, rec.ID).Scan(&scopeID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := s.insertRecord(ctx, tx, rec); err != nil {
				return err
			}
		case err != nil:
			return err
		case scopeID != rec.ScopeID:
			return fmt.Errorf("record %s: %w", rec.ID, ErrExists)
		default:
			var running int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM index_jobs WHERE record_id = ? AND state = ?`,
				rec.ID, string(models.JobRunning)).Scan(&running); err != nil {
				return err
			}
			if running > 0 {
				return fmt.Errorf("record %s: %w", rec.ID, ErrJobActive)
			}
			job, err = queuedJob(ctx, tx, rec.ID)
			if err != nil {
				return err
			}
			removed, err = chunkIDs(ctx, tx, `SELECT id FROM chunks WHERE record_id = ?`, rec.ID)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM content_units WHERE record_id = ?`, rec.ID); err != nil {
				return err
			}
			meta, err := marshalMetadata(rec.Metadata)
			if err != nil {
				return err
			}
			rec.UpdatedAt = s.timestamp()
			if _, err := tx.ExecContext(ctx,
				`UPDATE index_records SET display_name = ?, size_bytes = ?, page_count = ?, metadata = ?,
				 total_chunks = 0, completed_chunks = 0, updated_at = ? WHERE id = ?`,
				rec.DisplayName, rec.SizeBytes, rec.PageCount, meta, rec.UpdatedAt, rec.ID,
			); err != nil {
				return err
			}
			if err := logChange(ctx, tx, rec.ScopeID, "record", rec.ID, "update", rec.UpdatedAt); err != nil {
				return err
			}
		}
		if err := s.insertUnits(ctx, tx, units); err != nil {
			return err
		}
		if job != nil {
			return nil
		}
		job, err = s.insertJob(ctx, tx, rec.ScopeID, rec.ID)
		return err
	})
	if err != nil {
		return nil, nil, wrap("replace record", err)
	}
	return job, removed, nil
}

// queuedJob returns the record's unclaimed job, or nil when it has none.
func queuedJob(ctx context.Context, tx *sql.Tx, recordID string) (*models.IndexJob, error) {
	var (
		j     models.IndexJob
		state string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, record_id, scope_id, state, attempts, enqueued_at FROM index_jobs
		 WHERE record_id = ? AND state = ? ORDER BY enqueued_at, rowid LIMIT 1`,
		recordID, string(models.JobQueued),
	).Scan(&j.ID, &j.RecordID, &j.ScopeID, &state, &j.Attempts, &j.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.State = models.JobState(state)
	return &j, nil
}

func (s *SQLiteStore) insertRecord(ctx context.Context, tx *sql.Tx, rec *models.IndexRecord) error {
	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	now := s.timestamp()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = now
	rec.Status = models.StatusPending

	_, err = tx.ExecContext(ctx,
		`INSERT INTO index_records (id, scope_id, display_name, source_kind, status, size_bytes, page_count,
		 metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ScopeID, rec.DisplayName, string(rec.SourceKind), string(rec.Status), rec.SizeBytes,
		rec.PageCount, meta, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return logChange(ctx, tx, rec.ScopeID, "record", rec.ID, "create", now)
}

func (s *SQLiteStore) insertUnits(ctx context.Context, tx *sql.Tx, units []*models.ContentUnit) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO content_units (id, scope_id, record_id, source_kind, page_number, raw_text, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := s.timestamp()
	for _, u := range units {
		meta, err := marshalMetadata(u.Metadata)
		if err != nil {
			return err
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		u.CreatedAt = u.CreatedAt.UTC()
		if _, err := stmt.ExecContext(ctx, u.ID, u.ScopeID, u.RecordID, string(u.SourceKind), u.PageNumber,
			u.RawText, meta, u.CreatedAt); err != nil {
			return err
		}
		if err := logChange(ctx, tx, u.ScopeID, "unit", u.ID, "create", now); err != nil {
			return err
		}
	}
	return nil
}

// GetRecord returns a record by ID within scope.
func (s *SQLiteStore) GetRecord(ctx context.Context, scopeID, id string) (*models.IndexRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM index_records WHERE scope_id = ? AND id = ?`, scopeID, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get record", err)
	}
	return rec, nil
}

// ListRecords returns records in scope, newest first. An empty status lists every status.
func (s *SQLiteStore) ListRecords(ctx context.Context, scopeID string, status models.IndexStatus, offset, limit int) ([]*models.IndexRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + ` FROM index_records WHERE scope_id = ?`
	args := []interface{}{scopeID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list records", err)
	}
	defer rows.Close()

	var recs []*models.IndexRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wrap("list records", err)
		}
		recs = append(recs, rec)
	}
	return recs, wrap("list records", rows.Err())
}

// DeleteRecord removes a record; units, chunks and jobs cascade. The removed chunk IDs are
// returned so callers can drop them from the keyword index.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, scopeID, id string) ([]string, error) {
	var removed []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = chunkIDs(ctx, tx, `SELECT id FROM chunks WHERE scope_id = ? AND record_id = ?`, scopeID, id)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM index_records WHERE scope_id = ? AND id = ?`, scopeID, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("record %s: %w", id, ErrNotFound)
		}
		return logChange(ctx, tx, scopeID, "record", id, "delete", s.timestamp())
	})
	if err != nil {
		return nil, wrap("delete record", err)
	}
	return removed, nil
}

// DeleteScope removes every record in scope and returns the removed chunk IDs.
func (s *SQLiteStore) DeleteScope(ctx context.Context, scopeID string) ([]string, error) {
	var removed []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = chunkIDs(ctx, tx, `SELECT id FROM chunks WHERE scope_id = ?`, scopeID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM index_records WHERE scope_id = ?`, scopeID); err != nil {
			return err
		}
		return logChange(ctx, tx, scopeID, "scope", scopeID, "delete", s.timestamp())
	})
	if err != nil {
		return nil, wrap("delete scope", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.IndexRecord, error) {
	var (
		rec       models.IndexRecord
		kind      string
		status    string
		meta      sql.NullString
		indexedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.ScopeID, &rec.DisplayName, &kind, &status, &rec.TotalChunks,
		&rec.CompletedChunks, &rec.SizeBytes, &rec.PageCount, &rec.Attempts, &rec.LastError, &meta,
		&rec.CreatedAt, &rec.UpdatedAt, &indexedAt)
	if err != nil {
		return nil, err
	}
	rec.SourceKind = models.SourceKind(kind)
	rec.Status = models.IndexStatus(status)
	rec.Metadata = unmarshalMetadata(meta.String)
	rec.IndexedAt = nullTime(indexedAt)
	return &rec, nil
}

func chunkIDs(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func newID() string {
	return uuid.New().String()
}
