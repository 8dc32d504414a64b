package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/fileid"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
)

// FileIngester is the part of the ingestor the sink needs.
type FileIngester interface {
	IngestFile(ctx context.Context, scopeID, path string) (*models.IndexRecord, bool, error)
}

// RecordDeleter removes a record together with its keyword entries.
type RecordDeleter interface {
	DeleteRecord(ctx context.Context, scopeID, recordID string) error
}

var _ FileIngester = (*ingest.Ingestor)(nil)

// DefaultBusyRetry is how long the sink waits before re-ingesting a file whose record is being
// indexed.
const DefaultBusyRetry = 2 * time.Second

// Sink turns watcher callbacks into ingest and delete calls.
type Sink struct {
	ctx       context.Context
	ingest    FileIngester
	deleter   RecordDeleter
	logger    *zap.Logger
	busyRetry time.Duration

	mu      sync.Mutex
	retries map[string]*time.Timer
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithBusyRetry sets the delay before a save that arrived during indexing is ingested again.
func WithBusyRetry(d time.Duration) SinkOption {
	return func(s *Sink) {
		if d > 0 {
			s.busyRetry = d
		}
	}
}

// NewSink creates a sink. ctx bounds every call made from the callbacks.
func NewSink(ctx context.Context, in FileIngester, deleter RecordDeleter, logger *zap.Logger, opts ...SinkOption) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		ctx:       ctx,
		ingest:    in,
		deleter:   deleter,
		logger:    logger,
		busyRetry: DefaultBusyRetry,
		retries:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Index ingests path into scope. Unchanged files are skipped by the ingestor. A save that lands
// while the file's record is being indexed is retried until that pass finishes.
func (s *Sink) Index(scope, path string) {
	rec, skipped, err := s.ingest.IngestFile(s.ctx, scope, path)
	switch {
	case errors.Is(err, storage.ErrJobActive):
		s.logger.Debug("file busy indexing, retrying later", zap.String("path", path), zap.Duration("delay", s.busyRetry))
		s.retryLater(scope, path)
	case err != nil && models.IsValidation(err):
		s.logger.Info("file not ingested", zap.String("path", path), zap.String("scope_id", scope), zap.Error(err))
	case err != nil:
		s.logger.Warn("file ingest failed", zap.String("path", path), zap.String("scope_id", scope), zap.Error(err))
	case skipped:
		s.logger.Debug("file unchanged", zap.String("path", path))
	default:
		s.logger.Info("file queued for indexing",
			zap.String("path", path),
			zap.String("scope_id", scope),
			zap.String("record_id", rec.ID),
		)
	}
}

func (s *Sink) retryLater(scope, path string) {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.retries[path]; ok {
		t.Reset(s.busyRetry)
		return
	}
	s.retries[path] = time.AfterFunc(s.busyRetry, func() {
		s.mu.Lock()
		delete(s.retries, path)
		s.mu.Unlock()
		if s.ctx.Err() == nil {
			s.Index(scope, path)
		}
	})
}

// Remove deletes the record that was ingested from path.
func (s *Sink) Remove(scope, path string) {
	s.mu.Lock()
	if t, ok := s.retries[path]; ok {
		t.Stop()
		delete(s.retries, path)
	}
	s.mu.Unlock()
	id := fileid.RecordID(scope, path)
	err := s.deleter.DeleteRecord(s.ctx, scope, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("file removal failed", zap.String("path", path), zap.String("scope_id", scope), zap.Error(err))
		return
	}
	s.logger.Debug("file removed", zap.String("path", path), zap.String("record_id", id))
}
