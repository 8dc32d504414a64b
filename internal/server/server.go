// Package server provides the HTTP API for kioku.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/indexer"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/watcher"
)

// WatchService manages watched source directories at runtime.
type WatchService interface {
	Sources() []watcher.Source
	AddSource(src watcher.Source, syncExisting bool) error
	RemoveSource(dir string) error
}

// Server is the HTTP server for the kioku API.
type Server struct {
	engine     *search.Engine
	ingestor   *ingest.Ingestor
	indexer    *indexer.Indexer
	storage    storage.Store
	config     *config.Config
	logger     *zap.Logger
	watch      WatchService
	configPath string
	configMu   sync.Mutex
	server     *http.Server
}

// NewServer creates a server with the given dependencies. watch may be nil, in which case the
// watch endpoints answer 501. When configPath is set, watch source edits are saved to it.
func NewServer(
	engine *search.Engine,
	ingestor *ingest.Ingestor,
	idx *indexer.Indexer,
	store storage.Store,
	cfg *config.Config,
	logger *zap.Logger,
	watch WatchService,
	configPath string,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:     engine,
		ingestor:   ingestor,
		indexer:    idx,
		storage:    store,
		config:     cfg,
		logger:     logger,
		watch:      watch,
		configPath: configPath,
	}
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/scopes/{scope}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteScope)
			r.Post("/units", s.handleIngestUnit)
			r.Post("/turns", s.handleIngestTurn)
			r.Post("/documents", s.handleIngestDocument)
			r.Post("/documents/upload", s.handleUploadDocument)
			r.Get("/records", s.handleListRecords)
			r.Get("/records/{id}", s.handleGetRecord)
			r.Get("/records/{id}/jobs", s.handleRecordJobs)
			r.Post("/records/{id}/reindex", s.handleReindexRecord)
			r.Delete("/records/{id}", s.handleDeleteRecord)
			r.Post("/retrieve", s.handleRetrieve)
			r.Post("/context", s.handleContext)
		})
		r.Get("/changes", s.handleChanges)
		r.Get("/status", s.handleStatus)
		r.Get("/watch/sources", s.handleWatchSourcesList)
		r.Post("/watch/sources", s.handleWatchSourcesAdd)
		r.Delete("/watch/sources", s.handleWatchSourcesRemove)
	})
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
