package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/assembler"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/watcher"
)

const (
	maxUploadBytes    = 64 << 20
	defaultListLimit  = 50
	maxListLimit      = 500
	defaultChangesCap = 100
	maxChangesCap     = 1000
)

type unitRequest struct {
	Kind     string                 `json:"kind"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type turnRequest struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type retrieveRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type contextRequest struct {
	Query   string `json:"query"`
	K       int    `json:"k"`
	Budget  int    `json:"budget,omitempty"`
	Complex *bool  `json:"complex,omitempty"`
}

type contextResponse struct {
	Context   *assembler.Block      `json:"context"`
	Chunks    []*models.RankedChunk `json:"chunks"`
	Degraded  bool                  `json:"degraded,omitempty"`
	QueryTime int64                 `json:"query_time_ms"`
}

func (s *Server) handleIngestUnit(w http.ResponseWriter, r *http.Request) {
	var req unitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind, err := models.ParseSourceKind(req.Kind)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	id, err := s.ingestor.Ingest(r.Context(), chi.URLParam(r, "scope"), kind, req.Text, req.Metadata)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleIngestTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.ingestor.IngestTurn(r.Context(), chi.URLParam(r, "scope"), req.Text, req.Timestamp)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	var input models.DocumentInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	input.ScopeID = chi.URLParam(r, "scope")
	s.logger.Debug("ingest document request", zap.String("scope_id", input.ScopeID), zap.String("name", input.DisplayName))
	rec, err := s.ingestor.IngestDocument(r.Context(), &input)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "cannot read file")
		return
	}
	rec, err := s.ingestor.IngestUpload(r.Context(), chi.URLParam(r, "scope"), header.Filename, content)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var status models.IndexStatus
	if v := q.Get("status"); v != "" {
		status = models.IndexStatus(strings.ToUpper(v))
		if !status.Valid() {
			s.respondError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return
		}
	}
	offset := queryInt(q.Get("offset"), 0, 0, -1)
	limit := queryInt(q.Get("limit"), defaultListLimit, 1, maxListLimit)
	recs, err := s.storage.ListRecords(r.Context(), chi.URLParam(r, "scope"), status, offset, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if recs == nil {
		recs = []*models.IndexRecord{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"records": recs, "offset": offset, "limit": limit})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.storage.GetRecord(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecordJobs(w http.ResponseWriter, r *http.Request) {
	rec, err := s.storage.GetRecord(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	jobs, err := s.storage.JobsForRecord(r.Context(), rec.ID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleReindexRecord(w http.ResponseWriter, r *http.Request) {
	job, err := s.indexer.Reindex(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	scope, id := chi.URLParam(r, "scope"), chi.URLParam(r, "id")
	s.logger.Debug("delete record request", zap.String("scope_id", scope), zap.String("record_id", id))
	if err := s.indexer.DeleteRecord(r.Context(), scope, id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDeleteScope(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if err := s.indexer.DeleteScope(r.Context(), scope); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := s.engine.Retrieve(r.Context(), &models.RetrieveQuery{
		ScopeID: chi.URLParam(r, "scope"),
		Query:   req.Query,
		K:       req.K,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := s.engine.Retrieve(r.Context(), &models.RetrieveQuery{
		ScopeID: chi.URLParam(r, "scope"),
		Query:   req.Query,
		K:       req.K,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	budget := req.Budget
	if budget <= 0 {
		budget = s.config.Assembly.DefaultBudget
		isComplex := search.IsComplex(req.Query)
		if req.Complex != nil {
			isComplex = *req.Complex
		}
		if isComplex {
			budget = s.config.Assembly.ComplexBudget
		}
	}
	s.respondJSON(w, http.StatusOK, contextResponse{
		Context:   assembler.Assemble(resp.Chunks, budget),
		Chunks:    resp.Chunks,
		Degraded:  resp.Degraded,
		QueryTime: resp.QueryTime,
	})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := strconv.ParseInt(q.Get("after"), 10, 64)
	if q.Get("after") != "" && err != nil {
		s.respondError(w, http.StatusBadRequest, "after must be an integer")
		return
	}
	limit := queryInt(q.Get("limit"), defaultChangesCap, 1, maxChangesCap)
	changes, err := s.storage.ListChanges(r.Context(), after, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	next := after
	if len(changes) > 0 {
		next = changes[len(changes)-1].Seq
	}
	if changes == nil {
		changes = []*models.Change{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"changes": changes, "next": next})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.Stats(r.Context(), r.URL.Query().Get("scope"))
	if err != nil {
		s.logger.Error("status: stats failed", zap.Error(err))
		s.respondErr(w, err)
		return
	}
	resp := map[string]interface{}{
		"records":      stats.Records,
		"units":        stats.Units,
		"chunks":       stats.Chunks,
		"vectors":      stats.Vectors,
		"queued_jobs":  stats.QueuedJobs,
		"running_jobs": stats.RunningJobs,
	}
	cfg := s.config
	resp["config"] = map[string]interface{}{
		"embedding_provider":   cfg.Embedding.Provider,
		"embedding_dimensions": cfg.Embedding.Dimensions,
		"chunk_max_length":     cfg.Chunking.MaxLength,
		"chunk_overlap":        cfg.Chunking.Overlap,
		"database_path":        cfg.Storage.DatabasePath,
		"bleve_index_path":     cfg.Storage.BleveIndexPath,
	}
	db := cfg.Storage.DatabasePath
	diskBytes, err := storage.DiskUsageBytes(db, db+"-wal", db+"-shm", cfg.Storage.BleveIndexPath)
	if err == nil {
		resp["disk_usage_bytes"] = diskBytes
	} else {
		s.logger.Warn("status: disk usage failed", zap.Error(err))
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWatchSourcesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"sources": toWatchSources(s.watch.Sources())})
}

type watchAddRequest struct {
	Path  string `json:"path"`
	Scope string `json:"scope"`
	Sync  *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchSourcesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" || strings.TrimSpace(req.Scope) == "" {
		s.respondError(w, http.StatusBadRequest, "path and scope are required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add source request", zap.String("path", abs), zap.String("scope_id", req.Scope))
	if err := s.watch.AddSource(watcher.Source{Directory: abs, Scope: req.Scope}, syncExisting); err != nil {
		s.logger.Error("watch add source failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatch(func() { s.config.AddWatchSource(abs, req.Scope) })
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "scope": req.Scope, "status": "added"})
}

func (s *Server) handleWatchSourcesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if err := s.watch.RemoveSource(abs); err != nil {
		s.logger.Error("watch remove source failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatch(func() { s.config.RemoveWatchSource(abs) })
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

// persistWatch applies edit to the in-memory config and saves it when a config path is known.
func (s *Server) persistWatch(edit func()) {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	edit()
	if s.configPath == "" {
		return
	}
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

type watchSourceJSON struct {
	Directory string `json:"directory"`
	Scope     string `json:"scope"`
}

func toWatchSources(src []watcher.Source) []watchSourceJSON {
	out := make([]watchSourceJSON, len(src))
	for i, s := range src {
		out[i] = watchSourceJSON{Directory: s.Directory, Scope: s.Scope}
	}
	return out
}

// queryInt parses v, falling back to def, and clamps to [min, max]. A negative max means no upper bound.
func queryInt(v string, def, min, max int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		n = def
	}
	if n < min {
		n = min
	}
	if max >= 0 && n > max {
		n = max
	}
	return n
}

// respondErr maps domain errors to HTTP status codes.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	switch {
	case models.IsValidation(err):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrExists), errors.Is(err, storage.ErrJobActive):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
