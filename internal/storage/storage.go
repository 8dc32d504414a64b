// Package storage persists records, content units, chunks with their quantized vectors,
// indexing jobs and the change log. Every read and write is partitioned by scope.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/vector"
)

var (
	// ErrNotFound is returned when a record does not exist in the requested scope.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when a record ID is already taken.
	ErrExists = errors.New("already exists")
	// ErrJobActive is returned when a record already has a queued or running job.
	ErrJobActive = errors.New("record already has an active indexing job")
	// ErrInvalidTransition is returned when a record's status may not move to the requested one.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Error is a persistence failure. Op names the store operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExists) || errors.Is(err, ErrJobActive) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Stats summarises store contents. An empty scope in Stats() covers every scope.
type Stats struct {
	Records     map[models.IndexStatus]int64 `json:"records"`
	Units       int64                        `json:"units"`
	Chunks      int64                        `json:"chunks"`
	Vectors     int64                        `json:"vectors"`
	QueuedJobs  int64                        `json:"queued_jobs"`
	RunningJobs int64                        `json:"running_jobs"`
}

// Store is the persistence interface used by the ingestor, indexer and retriever.
type Store interface {
	// Records
	InsertRecord(ctx context.Context, rec *models.IndexRecord, units []*models.ContentUnit) (*models.IndexJob, error)
	ReplaceRecord(ctx context.Context, rec *models.IndexRecord, units []*models.ContentUnit) (*models.IndexJob, []string, error)
	GetRecord(ctx context.Context, scopeID, id string) (*models.IndexRecord, error)
	ListRecords(ctx context.Context, scopeID string, status models.IndexStatus, offset, limit int) ([]*models.IndexRecord, error)
	DeleteRecord(ctx context.Context, scopeID, id string) ([]string, error)
	DeleteScope(ctx context.Context, scopeID string) ([]string, error)

	// Units and chunks
	UnitsForRecord(ctx context.Context, scopeID, recordID string) ([]*models.ContentUnit, error)
	UpsertChunks(ctx context.Context, chunks []*models.Chunk) error
	PruneChunks(ctx context.Context, parentID string, fromSeq int) ([]string, error)
	ChunksForRecord(ctx context.Context, scopeID, recordID string) ([]*models.Chunk, error)
	ReadyChunks(ctx context.Context, scopeID string, ids []string) (map[string]*models.RankedChunk, error)
	ReadyVectors(ctx context.Context, scopeID string) ([]vector.Candidate, error)

	// Jobs
	ClaimJob(ctx context.Context) (*models.IndexJob, error)
	EnqueueJob(ctx context.Context, scopeID, recordID string) (*models.IndexJob, error)
	RecordAttempt(ctx context.Context, job *models.IndexJob, errMsg string) error
	UpdateProgress(ctx context.Context, recordID string, completed, total int) error
	CompleteJob(ctx context.Context, job *models.IndexJob, totalChunks int) error
	FailJob(ctx context.Context, job *models.IndexJob, errMsg string) error
	RecoverJobs(ctx context.Context) (int, error)
	JobsForRecord(ctx context.Context, recordID string) ([]*models.IndexJob, error)

	// Change log and stats
	ListChanges(ctx context.Context, after int64, limit int) ([]*models.Change, error)
	Stats(ctx context.Context, scopeID string) (*Stats, error)

	Close() error
}
