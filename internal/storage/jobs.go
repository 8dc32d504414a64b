package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
)

func (s *SQLiteStore) insertJob(ctx context.Context, tx *sql.Tx, scopeID, recordID string) (*models.IndexJob, error) {
	job := &models.IndexJob{
		ID:         newID(),
		RecordID:   recordID,
		ScopeID:    scopeID,
		State:      models.JobQueued,
		EnqueuedAt: s.timestamp(),
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO index_jobs (id, record_id, scope_id, state, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.RecordID, job.ScopeID, string(job.State), job.EnqueuedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueueJob queues a new indexing pass for an existing record. The record keeps its current
// status until a worker claims the job. ErrJobActive is returned if a pass is already queued
// or running.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, scopeID, recordID string) (*models.IndexJob, error) {
	var job *models.IndexJob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM index_records WHERE scope_id = ? AND id = ?`, scopeID, recordID,
		).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("record %s: %w", recordID, ErrNotFound)
		}
		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM index_jobs WHERE record_id = ? AND state IN (?, ?)`,
			recordID, string(models.JobQueued), string(models.JobRunning),
		).Scan(&active); err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("record %s: %w", recordID, ErrJobActive)
		}
		var err error
		job, err = s.insertJob(ctx, tx, scopeID, recordID)
		return err
	})
	if err != nil {
		return nil, wrap("enqueue job", err)
	}
	return job, nil
}

// ClaimJob takes the oldest queued job whose scope has no running job, marks it running and
// moves its record to INDEXING. It returns nil, nil when nothing is claimable. A job whose record
// cannot start a pass from its current status is failed and the next one is tried.
func (s *SQLiteStore) ClaimJob(ctx context.Context) (*models.IndexJob, error) {
	var job *models.IndexJob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for {
			var j models.IndexJob
			var state string
			err := tx.QueryRowContext(ctx,
				`SELECT j.id, j.record_id, j.scope_id, j.state, j.attempts, j.enqueued_at
				 FROM index_jobs j
				 WHERE j.state = ? AND NOT EXISTS (
					SELECT 1 FROM index_jobs r WHERE r.scope_id = j.scope_id AND r.state = ?)
				 ORDER BY j.enqueued_at, j.rowid
				 LIMIT 1`,
				string(models.JobQueued), string(models.JobRunning),
			).Scan(&j.ID, &j.RecordID, &j.ScopeID, &state, &j.Attempts, &j.EnqueuedAt)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}

			now := s.timestamp()
			if reason := checkTransition(ctx, tx, j.RecordID, models.StatusIndexing); reason != nil {
				if !errors.Is(reason, ErrInvalidTransition) {
					return reason
				}
				s.logger.Warn("dropping job for record in unexpected status",
					zap.String("job_id", j.ID), zap.String("record_id", j.RecordID), zap.Error(reason))
				if _, err := tx.ExecContext(ctx,
					`UPDATE index_jobs SET state = ?, last_error = ?, finished_at = ? WHERE id = ?`,
					string(models.JobFailed), reason.Error(), now, j.ID,
				); err != nil {
					return err
				}
				continue
			}

			j.State = models.JobRunning
			j.StartedAt = &now
			if _, err := tx.ExecContext(ctx,
				`UPDATE index_jobs SET state = ?, started_at = ? WHERE id = ?`,
				string(j.State), now, j.ID,
			); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE index_records SET status = ?, completed_chunks = 0, attempts = ?, last_error = '', updated_at = ?
				 WHERE id = ?`,
				string(models.StatusIndexing), j.Attempts, now, j.RecordID,
			); err != nil {
				return err
			}
			if err := logChange(ctx, tx, j.ScopeID, "record", j.RecordID, "update", now); err != nil {
				return err
			}
			job = &j
			return nil
		}
	})
	if err != nil {
		return nil, wrap("claim job", err)
	}
	return job, nil
}

// checkTransition fails with ErrInvalidTransition when the record's status may not move to next.
func checkTransition(ctx context.Context, tx *sql.Tx, recordID string, next models.IndexStatus) error {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT status FROM index_records WHERE id = ?`, recordID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !models.IndexStatus(current).CanTransitionTo(next) {
		return fmt.Errorf("record %s: %s to %s: %w", recordID, current, next, ErrInvalidTransition)
	}
	return nil
}

// RecordAttempt counts one failed embedding attempt against the job and its record.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, job *models.IndexJob, errMsg string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		if _, err := tx.ExecContext(ctx,
			`UPDATE index_jobs SET attempts = attempts + 1, last_error = ? WHERE id = ?`, errMsg, job.ID,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE index_records SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
			errMsg, now, job.RecordID,
		)
		return err
	})
	if err != nil {
		return wrap("record attempt", err)
	}
	job.Attempts++
	job.LastError = errMsg
	return nil
}

// UpdateProgress persists completed/total chunk counts on a record.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, recordID string, completed, total int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE index_records SET completed_chunks = ?, total_chunks = ?, updated_at = ? WHERE id = ?`,
		completed, total, s.timestamp(), recordID,
	)
	return wrap("update progress", err)
}

// CompleteJob marks the job done and the record READY with its final chunk count.
func (s *SQLiteStore) CompleteJob(ctx context.Context, job *models.IndexJob, totalChunks int) error {
	return s.finishJob(ctx, "complete job", job, models.JobDone, models.StatusReady, "", &totalChunks)
}

// FailJob marks the job failed and the record FAILED with errMsg. FAILED records are not
// retried automatically.
func (s *SQLiteStore) FailJob(ctx context.Context, job *models.IndexJob, errMsg string) error {
	return s.finishJob(ctx, "fail job", job, models.JobFailed, models.StatusFailed, errMsg, nil)
}

func (s *SQLiteStore) finishJob(ctx context.Context, op string, job *models.IndexJob, state models.JobState,
	status models.IndexStatus, errMsg string, totalChunks *int) error {
	now := s.timestamp()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE index_jobs SET state = ?, last_error = ?, finished_at = ? WHERE id = ? AND state = ?`,
			string(state), errMsg, now, job.ID, string(models.JobRunning),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("job %s is not running: %w", job.ID, ErrNotFound)
		}
		if err := checkTransition(ctx, tx, job.RecordID, status); err != nil {
			return err
		}
		if totalChunks != nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE index_records SET status = ?, total_chunks = ?, completed_chunks = ?, last_error = '',
				 updated_at = ?, indexed_at = ? WHERE id = ?`,
				string(status), *totalChunks, *totalChunks, now, now, job.RecordID,
			)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE index_records SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				string(status), errMsg, now, job.RecordID,
			)
		}
		if err != nil {
			return err
		}
		return logChange(ctx, tx, job.ScopeID, "record", job.RecordID, "update", now)
	})
	if err != nil {
		return wrap(op, err)
	}
	job.State = state
	job.LastError = errMsg
	job.FinishedAt = &now
	return nil
}

// RecoverJobs returns jobs left running by an unclean shutdown to the queue and moves their
// records back to PENDING. It must run before any worker starts.
func (s *SQLiteStore) RecoverJobs(ctx context.Context) (int, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		if _, err := tx.ExecContext(ctx,
			`UPDATE index_records SET status = ?, updated_at = ?
			 WHERE id IN (SELECT record_id FROM index_jobs WHERE state = ?)`,
			string(models.StatusPending), now, string(models.JobRunning),
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE index_jobs SET state = ?, started_at = NULL WHERE state = ?`,
			string(models.JobQueued), string(models.JobRunning),
		)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, wrap("recover jobs", err)
	}
	return int(n), nil
}

// JobsForRecord returns a record's jobs, oldest first.
func (s *SQLiteStore) JobsForRecord(ctx context.Context, recordID string) ([]*models.IndexJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, scope_id, state, attempts, last_error, enqueued_at, started_at, finished_at
		 FROM index_jobs WHERE record_id = ? ORDER BY enqueued_at, rowid`, recordID)
	if err != nil {
		return nil, wrap("jobs for record", err)
	}
	defer rows.Close()

	var jobs []*models.IndexJob
	for rows.Next() {
		var (
			j                   models.IndexJob
			state               string
			started, finishedAt sql.NullTime
		)
		if err := rows.Scan(&j.ID, &j.RecordID, &j.ScopeID, &state, &j.Attempts, &j.LastError,
			&j.EnqueuedAt, &started, &finishedAt); err != nil {
			return nil, wrap("jobs for record", err)
		}
		j.State = models.JobState(state)
		j.StartedAt = nullTime(started)
		j.FinishedAt = nullTime(finishedAt)
		jobs = append(jobs, &j)
	}
	return jobs, wrap("jobs for record", rows.Err())
}
