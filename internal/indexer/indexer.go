package indexer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/pkg/utils"
)

const (
	DefaultWorkers      = 1
	DefaultMaxAttempts  = 3
	DefaultRetryDelay   = time.Second
	DefaultPollInterval = 2 * time.Second
	DefaultBatchSize    = 32
)

var chunkNamespace = uuid.MustParse("0b3f6a54-96a1-4f0e-8d0c-4c7f2e1d9a37")

// ProgressFunc observes indexing progress. It is called from worker goroutines and must not block.
type ProgressFunc func(models.Progress)

// Indexer runs queued index jobs: it chunks each record's units, embeds and quantizes the chunks,
// writes them with their vectors, adds them to the keyword index and moves the record to READY
// or FAILED.
type Indexer struct {
	store    storage.Store
	keyword  keyword.Index
	embedder embedding.Embedder
	chunker  *Chunker

	workers      int
	maxAttempts  int
	retryDelay   time.Duration
	pollInterval time.Duration
	batchSize    int
	progress     ProgressFunc
	logger       *zap.Logger

	wake chan struct{}
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for job events.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithProgress sets an observer for progress updates.
func WithProgress(fn ProgressFunc) IndexerOption {
	return func(idx *Indexer) { idx.progress = fn }
}

// WithWorkers sets the number of concurrent workers. Jobs of one scope still run one at a time.
func WithWorkers(n int) IndexerOption {
	return func(idx *Indexer) {
		if n > 0 {
			idx.workers = n
		}
	}
}

// WithRetry sets how many transient embedding failures a job tolerates and the base delay
// between attempts.
func WithRetry(maxAttempts int, delay time.Duration) IndexerOption {
	return func(idx *Indexer) {
		if maxAttempts > 0 {
			idx.maxAttempts = maxAttempts
		}
		if delay > 0 {
			idx.retryDelay = delay
		}
	}
}

// WithPollInterval sets how often idle workers look for jobs without being notified.
func WithPollInterval(d time.Duration) IndexerOption {
	return func(idx *Indexer) {
		if d > 0 {
			idx.pollInterval = d
		}
	}
}

// WithBatchSize sets how many chunks are embedded per call.
func WithBatchSize(n int) IndexerOption {
	return func(idx *Indexer) {
		if n > 0 {
			idx.batchSize = n
		}
	}
}

// NewIndexer creates an indexer. embedder is normally wrapped in an embedding.Limiter shared with
// the retriever so the global in-flight cap covers every caller.
func NewIndexer(store storage.Store, kw keyword.Index, embedder embedding.Embedder, chunker *Chunker, opts ...IndexerOption) *Indexer {
	idx := &Indexer{
		store:        store,
		keyword:      kw,
		embedder:     embedder,
		chunker:      chunker,
		workers:      DefaultWorkers,
		maxAttempts:  DefaultMaxAttempts,
		retryDelay:   DefaultRetryDelay,
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		logger:       zap.NewNop(),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Notify wakes an idle worker. It never blocks.
func (idx *Indexer) Notify() {
	select {
	case idx.wake <- struct{}{}:
	default:
	}
}

// Recover requeues jobs left running by an unclean shutdown. Run calls it before starting workers.
func (idx *Indexer) Recover(ctx context.Context) (int, error) {
	n, err := idx.store.RecoverJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to recover jobs: %w", err)
	}
	if n > 0 {
		idx.logger.Info("indexer recovered interrupted jobs", zap.Int("jobs", n))
	}
	return n, nil
}

// Run recovers interrupted jobs and then processes the queue until ctx is cancelled.
func (idx *Indexer) Run(ctx context.Context) error {
	if _, err := idx.Recover(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < idx.workers; i++ {
		worker := i
		g.Go(func() error {
			idx.work(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (idx *Indexer) work(ctx context.Context, worker int) {
	ticker := time.NewTicker(idx.pollInterval)
	defer ticker.Stop()
	for {
		processed, err := idx.ProcessNext(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			idx.logger.Error("indexer worker error", zap.Int("worker", worker), zap.Error(err))
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-idx.wake:
		case <-ticker.C:
		}
	}
}

// ProcessNext claims and runs one job. It reports false when no job was claimable.
// Job failures are recorded on the record, not returned; the error is only for store failures.
func (idx *Indexer) ProcessNext(ctx context.Context) (bool, error) {
	job, err := idx.store.ClaimJob(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, idx.process(ctx, job)
}

// Drain runs jobs until none is claimable and returns how many were processed.
func (idx *Indexer) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		processed, err := idx.ProcessNext(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

type pendingUnit struct {
	unitID string
	chunks []*models.Chunk
}

func (idx *Indexer) process(ctx context.Context, job *models.IndexJob) error {
	log := idx.logger.With(
		zap.String("scope_id", job.ScopeID),
		zap.String("record_id", job.RecordID),
		zap.String("job_id", job.ID),
	)
	rec, err := idx.store.GetRecord(ctx, job.ScopeID, job.RecordID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("indexer record deleted before indexing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	units, err := idx.store.UnitsForRecord(ctx, job.ScopeID, job.RecordID)
	if err != nil {
		return idx.fail(ctx, log, job, err)
	}

	var (
		plan []pendingUnit
		all  []*models.Chunk
	)
	for _, u := range units {
		spans := idx.chunker.Split(u.RawText)
		pu := pendingUnit{unitID: u.ID, chunks: make([]*models.Chunk, len(spans))}
		for seq, sp := range spans {
			pu.chunks[seq] = &models.Chunk{
				ID:            ChunkID(u.ID, seq),
				ParentID:      u.ID,
				RecordID:      job.RecordID,
				ScopeID:       job.ScopeID,
				SequenceIndex: seq,
				Text:          sp.Text,
				CharStart:     sp.Offset,
				CharEnd:       sp.End,
			}
		}
		plan = append(plan, pu)
		all = append(all, pu.chunks...)
	}
	total := len(all)
	if err := idx.store.UpdateProgress(ctx, job.RecordID, 0, total); err != nil {
		return idx.fail(ctx, log, job, err)
	}
	idx.report(job, models.StatusIndexing, 0, total)
	log.Debug("indexer job started", zap.Int("units", len(units)), zap.Int("chunks", total))

	var indexed []string
	for start := 0; start < total; start += idx.batchSize {
		end := start + idx.batchSize
		if end > total {
			end = total
		}
		batch := all[start:end]
		if err := idx.embedInto(ctx, log, job, batch); err != nil {
			if ctx.Err() != nil {
				log.Debug("indexer job interrupted", zap.Error(err))
				return nil
			}
			return idx.fail(ctx, log, job, err)
		}
		if err := idx.store.UpsertChunks(ctx, batch); err != nil {
			return idx.fail(ctx, log, job, err)
		}
		if err := idx.keyword.IndexChunks(ctx, job.ScopeID, rec.DisplayName, batch); err != nil {
			return idx.fail(ctx, log, job, err)
		}
		for _, c := range batch {
			indexed = append(indexed, c.ID)
		}
		if err := idx.store.UpdateProgress(ctx, job.RecordID, end, total); err != nil {
			return idx.fail(ctx, log, job, err)
		}
		idx.report(job, models.StatusIndexing, end, total)
		log.Debug("indexer batch stored", zap.Int("completed", end), zap.Int("total", total))
	}

	for _, pu := range plan {
		stale, err := idx.store.PruneChunks(ctx, pu.unitID, len(pu.chunks))
		if err != nil {
			return idx.fail(ctx, log, job, err)
		}
		if err := idx.keyword.Delete(ctx, job.ScopeID, stale); err != nil {
			return idx.fail(ctx, log, job, err)
		}
	}

	if err := idx.store.CompleteJob(ctx, job, total); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted while indexing; the cascade removed the rows but not the keyword entries.
			log.Info("indexer record deleted during indexing")
			return idx.keyword.Delete(ctx, job.ScopeID, indexed)
		}
		return err
	}
	idx.report(job, models.StatusReady, total, total)
	log.Info("indexer record ready", zap.Int("chunks", total))
	return nil
}

// embedInto embeds batch and sets each chunk's quantized vector. Transient failures are retried
// until the job has used its attempts. When the provider is switched off the chunks keep a nil
// vector and are only searchable lexically.
func (idx *Indexer) embedInto(ctx context.Context, log *zap.Logger, job *models.IndexJob, batch []*models.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}
	for {
		results := idx.embedder.EmbedBatch(ctx, texts)
		err := firstError(results, len(texts))
		if err == nil {
			for i, r := range results {
				q := vector.Quantize(r.Vector)
				batch[i].Vector = &q
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, embedding.ErrUnavailable) {
			for _, c := range batch {
				c.Vector = nil
			}
			return nil
		}
		if embedding.IsPermanent(err) {
			return err
		}
		if attemptErr := idx.store.RecordAttempt(ctx, job, err.Error()); attemptErr != nil {
			return attemptErr
		}
		if job.Attempts >= idx.maxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", job.Attempts, err)
		}
		delay := utils.CalculateBackoff(idx.retryDelay, job.Attempts)
		log.Warn("indexer embedding failed, retrying",
			zap.Int("attempt", job.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func firstError(results []embedding.Result, want int) error {
	if len(results) != want {
		return &embedding.PermanentError{Err: fmt.Errorf("embedder returned %d results for %d texts", len(results), want)}
	}
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

func (idx *Indexer) fail(ctx context.Context, log *zap.Logger, job *models.IndexJob, cause error) error {
	if ctx.Err() != nil {
		// Left running; Recover requeues it on the next start.
		log.Debug("indexer job interrupted", zap.Error(cause))
		return nil
	}
	if err := idx.store.FailJob(ctx, job, cause.Error()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to mark job failed: %w (cause: %v)", err, cause)
	}
	idx.report(job, models.StatusFailed, 0, 0)
	log.Error("indexer record failed", zap.Int("attempts", job.Attempts), zap.Error(cause))
	return nil
}

func (idx *Indexer) report(job *models.IndexJob, status models.IndexStatus, completed, total int) {
	if idx.progress == nil {
		return
	}
	idx.progress(models.Progress{
		RecordID:  job.RecordID,
		ScopeID:   job.ScopeID,
		Status:    status,
		Completed: completed,
		Total:     total,
	})
}

// Reindex queues a new pass over a record. The record moves to INDEXING when a worker claims the
// job. storage.ErrJobActive is returned if a pass is already queued or running.
func (idx *Indexer) Reindex(ctx context.Context, scopeID, recordID string) (*models.IndexJob, error) {
	job, err := idx.store.EnqueueJob(ctx, scopeID, recordID)
	if err != nil {
		return nil, err
	}
	idx.Notify()
	return job, nil
}

// DeleteRecord removes a record with its units, chunks and jobs, then drops its chunks from the
// keyword index.
func (idx *Indexer) DeleteRecord(ctx context.Context, scopeID, recordID string) error {
	ids, err := idx.store.DeleteRecord(ctx, scopeID, recordID)
	if err != nil {
		return err
	}
	if err := idx.keyword.Delete(ctx, scopeID, ids); err != nil {
		return fmt.Errorf("failed to delete from keyword index: %w", err)
	}
	idx.logger.Debug("indexer record deleted", zap.String("scope_id", scopeID), zap.String("record_id", recordID))
	return nil
}

// DeleteScope removes everything stored for a scope.
func (idx *Indexer) DeleteScope(ctx context.Context, scopeID string) error {
	if _, err := idx.store.DeleteScope(ctx, scopeID); err != nil {
		return err
	}
	if err := idx.keyword.DropScope(ctx, scopeID); err != nil {
		return fmt.Errorf("failed to drop keyword index: %w", err)
	}
	idx.logger.Info("indexer scope deleted", zap.String("scope_id", scopeID))
	return nil
}

// ChunkID is the stable ID of the seq-th chunk of a unit, so a re-run overwrites rather than
// duplicates.
func ChunkID(unitID string, seq int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(unitID+":"+strconv.Itoa(seq))).String()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
