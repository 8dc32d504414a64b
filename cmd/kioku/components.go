package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/indexer"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/storage"
)

// components holds every long-lived part of the engine.
type components struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	store      *storage.SQLiteStore
	keyword    *keyword.BleveIndex
	embedder   *embedding.Limiter
	ingestor   *ingest.Ingestor
	indexer    *indexer.Indexer
	engine     *search.Engine
}

func newComponents(cfg *config.Config, logger *zap.Logger) (*components, error) {
	store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath, storage.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	kw, err := keyword.NewBleveIndex(cfg.Storage.BleveIndexPath, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}
	emb, err := embedding.FromConfig(&cfg.Embedding, logger)
	if err != nil {
		_ = kw.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	logger.Info("embedder initialized",
		zap.String("provider", cfg.Embedding.Provider),
		zap.Int("dimensions", emb.Dimensions()),
	)

	idx := indexer.NewIndexer(store, kw, emb,
		indexer.NewChunker(cfg.Chunking.MaxLength, cfg.Chunking.Overlap),
		indexer.WithLogger(logger),
		indexer.WithWorkers(cfg.Indexer.Workers),
		indexer.WithRetry(cfg.Indexer.MaxAttempts, cfg.Indexer.RetryDelay),
		indexer.WithPollInterval(cfg.Indexer.PollInterval),
		indexer.WithBatchSize(cfg.Embedding.BatchSize),
		indexer.WithProgress(func(p models.Progress) {
			logger.Debug("indexing progress",
				zap.String("record_id", p.RecordID),
				zap.String("status", string(p.Status)),
				zap.Int("completed", p.Completed),
				zap.Int("total", p.Total),
			)
		}),
	)
	in := ingest.NewIngestor(store,
		ingest.WithLogger(logger),
		ingest.WithNotifier(idx.Notify),
		ingest.WithKeywordIndex(kw),
		ingest.WithLimits(cfg.Ingest.MaxBytes, cfg.Ingest.MaxPages),
	)
	engine := search.NewEngine(store,
		embedding.NewCachedEmbedder(emb, cfg.Embedding.CacheSize),
		kw,
		retrievalOptions(&cfg.Retrieval),
		search.WithLogger(logger),
	)

	return &components{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		keyword:  kw,
		embedder: emb,
		ingestor: in,
		indexer:  idx,
		engine:   engine,
	}, nil
}

func retrievalOptions(r *config.RetrievalConfig) search.Options {
	return search.Options{
		LexicalWeight:  r.LexicalWeight,
		VectorWeight:   r.VectorWeight,
		TopKCandidates: r.TopKCandidates,
		MinVectorScore: r.MinVectorScore,
		DefaultK:       r.DefaultK,
		MaxK:           r.MaxK,
		Keyword: &keyword.SearchOptions{
			SourceBoost:  r.SourceBoost,
			PhraseBoost:  r.PhraseBoost,
			FuzzyEnabled: r.Fuzzy,
			Fuzziness:    r.Fuzziness,
		},
	}
}

// Close releases every component. Errors are logged.
func (c *components) Close() {
	if err := c.embedder.Close(); err != nil {
		c.logger.Warn("embedder close failed", zap.Error(err))
	}
	if err := c.keyword.Close(); err != nil {
		c.logger.Warn("keyword index close failed", zap.Error(err))
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("storage close failed", zap.Error(err))
	}
	_ = c.logger.Sync()
}

// diskUsage returns the bytes used by the database and the keyword index.
func (c *components) diskUsage() int64 {
	n, err := c.store.DiskUsage(c.cfg.Storage.BleveIndexPath)
	if err != nil {
		c.logger.Warn("disk usage failed", zap.Error(err))
	}
	return n
}
