package models

import "time"

// IndexStatus is the lifecycle state of an IndexRecord.
type IndexStatus string

const (
	StatusPending  IndexStatus = "PENDING"
	StatusIndexing IndexStatus = "INDEXING"
	StatusReady    IndexStatus = "READY"
	StatusFailed   IndexStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s IndexStatus) Valid() bool {
	switch s {
	case StatusPending, StatusIndexing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether a record may move from s to next during normal operation.
// READY and FAILED only move on by starting a new INDEXING pass.
func (s IndexStatus) CanTransitionTo(next IndexStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusIndexing
	case StatusIndexing:
		return next == StatusReady || next == StatusFailed
	case StatusReady, StatusFailed:
		return next == StatusIndexing
	}
	return false
}

// IndexRecord tracks indexing status and metadata for one ingested document or turn.
type IndexRecord struct {
	ID              string                 `json:"id" db:"id"`
	ScopeID         string                 `json:"scope_id" db:"scope_id"`
	DisplayName     string                 `json:"display_name" db:"display_name"`
	SourceKind      SourceKind             `json:"source_kind" db:"source_kind"`
	Status          IndexStatus            `json:"status" db:"status"`
	TotalChunks     int                    `json:"total_chunks" db:"total_chunks"`
	CompletedChunks int                    `json:"completed_chunks" db:"completed_chunks"`
	SizeBytes       int64                  `json:"size_bytes" db:"size_bytes"`
	PageCount       int                    `json:"page_count" db:"page_count"`
	Attempts        int                    `json:"attempts" db:"attempts"`
	LastError       string                 `json:"last_error,omitempty" db:"last_error"`
	Metadata        map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at" db:"updated_at"`
	IndexedAt       *time.Time             `json:"indexed_at,omitempty" db:"indexed_at"`
}

// DocumentInput is the input for ingesting a multi-page document or a single turn.
// ID is optional; when empty a random ID is assigned.
type DocumentInput struct {
	ID          string                 `json:"id,omitempty"`
	ScopeID     string                 `json:"scope_id"`
	DisplayName string                 `json:"display_name"`
	SourceKind  SourceKind             `json:"source_kind,omitempty"`
	Pages       []PageText             `json:"pages"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at,omitempty"`
}

// JobState is the queue state of an IndexJob.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// IndexJob is one durable indexing pass over a record.
type IndexJob struct {
	ID         string     `json:"id" db:"id"`
	RecordID   string     `json:"record_id" db:"record_id"`
	ScopeID    string     `json:"scope_id" db:"scope_id"`
	State      JobState   `json:"state" db:"state"`
	Attempts   int        `json:"attempts" db:"attempts"`
	LastError  string     `json:"last_error,omitempty" db:"last_error"`
	EnqueuedAt time.Time  `json:"enqueued_at" db:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// Progress is an indexing progress snapshot for observers.
type Progress struct {
	RecordID  string      `json:"record_id"`
	ScopeID   string      `json:"scope_id"`
	Status    IndexStatus `json:"status"`
	Completed int         `json:"completed"`
	Total     int         `json:"total"`
}

// Change is one entry of the store's append-only change log.
type Change struct {
	Seq      int64     `json:"seq" db:"seq"`
	ScopeID  string    `json:"scope_id" db:"scope_id"`
	Entity   string    `json:"entity" db:"entity"`
	EntityID string    `json:"entity_id" db:"entity_id"`
	Op       string    `json:"op" db:"op"`
	At       time.Time `json:"at" db:"at"`
}
