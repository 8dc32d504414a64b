package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/hyperjump/kioku/internal/models"
)

func logChange(ctx context.Context, tx *sql.Tx, scopeID, entity, entityID, op string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO change_log (scope_id, entity, entity_id, op, at) VALUES (?, ?, ?, ?, ?)`,
		scopeID, entity, entityID, op, at,
	)
	return err
}

// ListChanges returns change log entries with seq > after, oldest first.
func (s *SQLiteStore) ListChanges(ctx context.Context, after int64, limit int) ([]*models.Change, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, scope_id, entity, entity_id, op, at FROM change_log WHERE seq > ? ORDER BY seq LIMIT ?`,
		after, limit,
	)
	if err != nil {
		return nil, wrap("list changes", err)
	}
	defer rows.Close()

	var changes []*models.Change
	for rows.Next() {
		var c models.Change
		if err := rows.Scan(&c.Seq, &c.ScopeID, &c.Entity, &c.EntityID, &c.Op, &c.At); err != nil {
			return nil, wrap("list changes", err)
		}
		changes = append(changes, &c)
	}
	return changes, wrap("list changes", rows.Err())
}

// Stats counts records by status, units, chunks, vectors and jobs. An empty scopeID counts
// across all scopes.
func (s *SQLiteStore) Stats(ctx context.Context, scopeID string) (*Stats, error) {
	where, args := "", []interface{}{}
	if scopeID != "" {
		where, args = " WHERE scope_id = ?", []interface{}{scopeID}
	}

	st := &Stats{Records: make(map[models.IndexStatus]int64)}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM index_records`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, wrap("stats", err)
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, wrap("stats", err)
		}
		st.Records[models.IndexStatus(status)] = n
	}
	rows.Close()

	and := " WHERE "
	if where != "" {
		and = where + " AND "
	}
	counts := []struct {
		dest  *int64
		query string
	}{
		{&st.Units, `SELECT COUNT(*) FROM content_units` + where},
		{&st.Chunks, `SELECT COUNT(*) FROM chunks` + where},
		{&st.Vectors, `SELECT COUNT(*) FROM chunks` + and + `vector IS NOT NULL`},
		{&st.QueuedJobs, `SELECT COUNT(*) FROM index_jobs` + and + `state = 'queued'`},
		{&st.RunningJobs, `SELECT COUNT(*) FROM index_jobs` + and + `state = 'running'`},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, args...).Scan(c.dest); err != nil {
			return nil, wrap("stats", err)
		}
	}
	return st, nil
}
