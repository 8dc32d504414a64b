package storage

import (
	"context"
	"database/sql"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/vector"
)

// UnitsForRecord returns a record's content units ordered by page number.
func (s *SQLiteStore) UnitsForRecord(ctx context.Context, scopeID, recordID string) ([]*models.ContentUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope_id, record_id, source_kind, page_number, raw_text, metadata, created_at
		 FROM content_units WHERE scope_id = ? AND record_id = ? ORDER BY page_number, id`,
		scopeID, recordID,
	)
	if err != nil {
		return nil, wrap("units for record", err)
	}
	defer rows.Close()

	var units []*models.ContentUnit
	for rows.Next() {
		var (
			u    models.ContentUnit
			kind string
			meta sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.ScopeID, &u.RecordID, &kind, &u.PageNumber, &u.RawText, &meta, &u.CreatedAt); err != nil {
			return nil, wrap("units for record", err)
		}
		u.SourceKind = models.SourceKind(kind)
		u.Metadata = unmarshalMetadata(meta.String)
		units = append(units, &u)
	}
	return units, wrap("units for record", rows.Err())
}

// UpsertChunks writes chunks with their vectors in one transaction, in the order given.
// Rows are keyed by (parent_id, sequence_index): an existing row is overwritten in place and
// keeps its original created_at, so re-running a pass never duplicates chunks.
func (s *SQLiteStore) UpsertChunks(ctx context.Context, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO chunks (id, parent_id, record_id, scope_id, sequence_index, text, char_start, char_end,
			 vector, scale, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (parent_id, sequence_index) DO UPDATE SET
			 text = excluded.text, char_start = excluded.char_start, char_end = excluded.char_end,
			 vector = excluded.vector, scale = excluded.scale`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := s.timestamp()
		for _, c := range chunks {
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			var (
				blob  interface{}
				scale sql.NullFloat64
			)
			if c.Vector != nil {
				blob = vector.EncodeValues(c.Vector.Values)
				scale = sql.NullFloat64{Float64: float64(c.Vector.Scale), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, c.ID, c.ParentID, c.RecordID, c.ScopeID, c.SequenceIndex, c.Text,
				c.CharStart, c.CharEnd, blob, scale, c.CreatedAt.UTC()); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("upsert chunks", err)
}

// PruneChunks deletes a unit's chunks with sequence_index >= fromSeq, left over from a
// previous pass that produced more chunks. The removed IDs are returned.
func (s *SQLiteStore) PruneChunks(ctx context.Context, parentID string, fromSeq int) ([]string, error) {
	var removed []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = chunkIDs(ctx, tx,
			`SELECT id FROM chunks WHERE parent_id = ? AND sequence_index >= ?`, parentID, fromSeq)
		if err != nil || len(removed) == 0 {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM chunks WHERE parent_id = ? AND sequence_index >= ?`, parentID, fromSeq)
		return err
	})
	if err != nil {
		return nil, wrap("prune chunks", err)
	}
	return removed, nil
}

// ChunksForRecord returns a record's chunks ordered by page and sequence, vectors included.
func (s *SQLiteStore) ChunksForRecord(ctx context.Context, scopeID, recordID string) ([]*models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.parent_id, c.record_id, c.scope_id, c.sequence_index, c.text, c.char_start, c.char_end,
		 c.vector, c.scale, c.created_at
		 FROM chunks c JOIN content_units u ON u.id = c.parent_id
		 WHERE c.scope_id = ? AND c.record_id = ?
		 ORDER BY u.page_number, c.parent_id, c.sequence_index`,
		scopeID, recordID,
	)
	if err != nil {
		return nil, wrap("chunks for record", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, wrap("chunks for record", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, wrap("chunks for record", rows.Err())
}

// ReadyChunks loads the given chunk IDs from scope, skipping chunks whose record is not READY.
// The result is keyed by chunk ID and carries source name, kind and page for display.
func (s *SQLiteStore) ReadyChunks(ctx context.Context, scopeID string, ids []string) (map[string]*models.RankedChunk, error) {
	out := make(map[string]*models.RankedChunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, scopeID, string(models.StatusReady))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.parent_id, c.record_id, c.scope_id, c.sequence_index, c.text, c.char_start, c.char_end,
		 c.vector, c.scale, c.created_at, r.display_name, u.source_kind, u.page_number
		 FROM chunks c
		 JOIN content_units u ON u.id = c.parent_id
		 JOIN index_records r ON r.id = c.record_id
		 WHERE c.scope_id = ? AND r.status = ? AND c.id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return nil, wrap("ready chunks", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rc   models.RankedChunk
			kind string
		)
		c, err := scanChunk(rows, &rc.SourceName, &kind, &rc.PageNumber)
		if err != nil {
			return nil, wrap("ready chunks", err)
		}
		rc.Chunk = c
		rc.SourceKind = models.SourceKind(kind)
		out[c.ID] = &rc
	}
	return out, wrap("ready chunks", rows.Err())
}

// ReadyVectors returns every quantized vector in scope whose record is READY.
func (s *SQLiteStore) ReadyVectors(ctx context.Context, scopeID string) ([]vector.Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.vector, c.scale FROM chunks c
		 JOIN index_records r ON r.id = c.record_id
		 WHERE c.scope_id = ? AND r.status = ? AND c.vector IS NOT NULL`,
		scopeID, string(models.StatusReady),
	)
	if err != nil {
		return nil, wrap("ready vectors", err)
	}
	defer rows.Close()

	var out []vector.Candidate
	for rows.Next() {
		var (
			id    string
			blob  []byte
			scale float64
		)
		if err := rows.Scan(&id, &blob, &scale); err != nil {
			return nil, wrap("ready vectors", err)
		}
		out = append(out, vector.Candidate{
			ID:     id,
			Vector: models.QuantizedVector{Values: vector.DecodeValues(blob), Scale: float32(scale)},
		})
	}
	return out, wrap("ready vectors", rows.Err())
}

func scanChunk(row rowScanner, extra ...interface{}) (*models.Chunk, error) {
	var (
		c     models.Chunk
		blob  []byte
		scale sql.NullFloat64
	)
	dest := []interface{}{&c.ID, &c.ParentID, &c.RecordID, &c.ScopeID, &c.SequenceIndex, &c.Text,
		&c.CharStart, &c.CharEnd, &blob, &scale, &c.CreatedAt}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if blob != nil && scale.Valid {
		c.Vector = &models.QuantizedVector{Values: vector.DecodeValues(blob), Scale: float32(scale.Float64)}
	}
	return &c, nil
}
