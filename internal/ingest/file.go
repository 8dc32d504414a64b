package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/fileid"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
)

const (
	metaKeySourcePath  = "source_path"
	metaKeySourceMtime = "source_mtime"
	metaKeySourceSize  = "source_size"
)

// IngestFile extracts the file at path and ingests it into scopeID under a record ID derived from
// the scope and absolute path, so ingesting the same file again replaces its previous content.
// A file already ingested with the same size and mtime is skipped and its existing record is
// returned with skipped set.
func (in *Ingestor) IngestFile(ctx context.Context, scopeID, path string) (rec *models.IndexRecord, skipped bool, err error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, false, &models.ValidationError{Field: "scope_id", Reason: "cannot be empty"}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, false, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, false, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, false, fmt.Errorf("not a regular file: %s", absPath)
	}

	recordID := fileid.RecordID(scopeID, absPath)
	if existing, ok := in.unchanged(ctx, scopeID, recordID, absPath, info); ok {
		in.logger.Debug("ingest skipping unchanged file", zap.String("path", absPath))
		return existing, true, nil
	}

	pages, err := in.extractor.Extract(absPath)
	if err != nil {
		return nil, false, fmt.Errorf("extract content: %w", err)
	}
	rec, units, err := in.prepare(&models.DocumentInput{
		ID:          recordID,
		ScopeID:     scopeID,
		DisplayName: filepath.Base(absPath),
		SourceKind:  models.SourceDocument,
		Pages:       pages,
		Metadata: map[string]interface{}{
			metaKeySourcePath:  absPath,
			metaKeySourceMtime: strconv.FormatInt(info.ModTime().UnixNano(), 10),
			metaKeySourceSize:  strconv.FormatInt(info.Size(), 10),
		},
	})
	if err != nil {
		return nil, false, err
	}

	job, removed, err := in.store.ReplaceRecord(ctx, rec, units)
	if err != nil {
		return nil, false, fmt.Errorf("failed to store record: %w", err)
	}
	if len(removed) > 0 && in.keyword != nil {
		if err := in.keyword.Delete(ctx, scopeID, removed); err != nil {
			in.logger.Warn("ingest failed to drop stale chunks from keyword index",
				zap.String("record_id", recordID), zap.Error(err))
		}
	}
	in.logger.Debug("ingest file queued",
		zap.String("path", absPath),
		zap.String("record_id", recordID),
		zap.String("job_id", job.ID),
		zap.Int("pages", len(units)),
	)
	in.wake()

	stored, err := in.store.GetRecord(ctx, scopeID, recordID)
	if err != nil {
		return rec, false, nil
	}
	return stored, false, nil
}

// unchanged reports whether the file is already recorded with the same path, mtime and size.
// FAILED records are never considered unchanged so saving the file again retries it.
func (in *Ingestor) unchanged(ctx context.Context, scopeID, recordID, absPath string, info os.FileInfo) (*models.IndexRecord, bool) {
	rec, err := in.store.GetRecord(ctx, scopeID, recordID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			in.logger.Warn("ingest record lookup failed", zap.String("record_id", recordID), zap.Error(err))
		}
		return nil, false
	}
	if rec.Status == models.StatusFailed || rec.Metadata == nil {
		return nil, false
	}
	if rec.Metadata[metaKeySourcePath] != absPath {
		return nil, false
	}
	// Stored as strings: UnixNano exceeds float64 precision once round-tripped through JSON.
	if metadataInt64(rec.Metadata, metaKeySourceMtime) != info.ModTime().UnixNano() ||
		metadataInt64(rec.Metadata, metaKeySourceSize) != info.Size() {
		return nil, false
	}
	return rec, true
}

func metadataInt64(m map[string]interface{}, key string) int64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case string:
		x, _ := strconv.ParseInt(n, 10, 64)
		return x
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// IngestDirectory walks dir and ingests each regular file whose extension is in allowedExts
// (every file when allowedExts is empty). It returns the number of files ingested or refreshed;
// unchanged files are not counted. Files rejected by validation are logged and skipped.
func (in *Ingestor) IngestDirectory(ctx context.Context, scopeID, dir string, allowedExts []string) (n int, err error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", absDir)
	}
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !ExtensionAllowed(filepath.Ext(path), allowedExts) {
			return nil
		}
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		_, skipped, ingestErr := in.IngestFile(ctx, scopeID, path)
		if models.IsValidation(ingestErr) {
			in.logger.Warn("ingest rejected file", zap.String("path", path), zap.Error(ingestErr))
			return nil
		}
		if ingestErr != nil {
			return ingestErr
		}
		if !skipped {
			n++
		}
		return nil
	})
	return n, err
}

// ExtensionAllowed reports whether ext is in allowed, ignoring case and the leading dot.
// An empty allowed list admits every extension.
func ExtensionAllowed(ext string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}

// IngestUpload extracts an uploaded file's content, using the extension of name to pick the
// format, and ingests it as a new document record in scopeID.
func (in *Ingestor) IngestUpload(ctx context.Context, scopeID, name string, content []byte) (*models.IndexRecord, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}
	pages, err := in.extractor.ExtractBytes(content, filepath.Ext(name))
	if err != nil {
		return nil, &models.ValidationError{Field: "file", Reason: fmt.Sprintf("cannot extract text: %v", err)}
	}
	return in.IngestDocument(ctx, &models.DocumentInput{
		ScopeID:     scopeID,
		DisplayName: name,
		SourceKind:  models.SourceDocument,
		Pages:       pages,
		Metadata:    map[string]interface{}{"upload_name": name},
	})
}
