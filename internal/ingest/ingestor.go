// Package ingest validates incoming text and documents, writes them as content units under an
// index record, and queues them for the indexer.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/extract"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/pkg/utils"
)

const (
	// DefaultMaxBytes is the default ceiling on the text of one ingested item.
	DefaultMaxBytes = 2 << 20
	// DefaultMaxPages is the default ceiling on the pages of one document.
	DefaultMaxPages = 2000

	displayNameLen = 80
)

// KeywordDeleter removes chunk IDs from the lexical index.
type KeywordDeleter interface {
	Delete(ctx context.Context, scopeID string, ids []string) error
}

// Ingestor writes validated input to the store and wakes the indexer.
type Ingestor struct {
	store     storage.Store
	keyword   KeywordDeleter
	extractor *extract.Extractor
	notify    func()
	maxBytes  int64
	maxPages  int
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(in *Ingestor) { in.logger = l }
}

// WithNotifier sets the function called after a job has been queued. It must not block.
func WithNotifier(fn func()) Option {
	return func(in *Ingestor) { in.notify = fn }
}

// WithKeywordIndex sets the lexical index that stale chunks are removed from when a file is
// re-ingested.
func WithKeywordIndex(k KeywordDeleter) Option {
	return func(in *Ingestor) { in.keyword = k }
}

// WithExtractor sets the extractor used by IngestFile.
func WithExtractor(e *extract.Extractor) Option {
	return func(in *Ingestor) { in.extractor = e }
}

// WithLimits sets the size and page ceilings. Non-positive values keep the defaults.
func WithLimits(maxBytes int64, maxPages int) Option {
	return func(in *Ingestor) {
		if maxBytes > 0 {
			in.maxBytes = maxBytes
		}
		if maxPages > 0 {
			in.maxPages = maxPages
		}
	}
}

// WithClock overrides the time source used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(in *Ingestor) { in.now = now }
}

// NewIngestor creates an ingestor over store.
func NewIngestor(store storage.Store, opts ...Option) *Ingestor {
	in := &Ingestor{
		store:    store,
		maxBytes: DefaultMaxBytes,
		maxPages: DefaultMaxPages,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.extractor == nil {
		in.extractor = extract.NewExtractor()
	}
	return in
}

// Ingest stores rawText as a single content unit under a new record and queues it for indexing.
// It returns the unit ID. Blank or oversized text fails with a *models.ValidationError and
// nothing is written.
func (in *Ingestor) Ingest(ctx context.Context, scopeID string, kind models.SourceKind, rawText string, metadata map[string]interface{}) (string, error) {
	if !kind.Valid() {
		return "", &models.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown source kind %q", kind)}
	}
	rec, err := in.IngestDocument(ctx, &models.DocumentInput{
		ScopeID:     scopeID,
		DisplayName: displayName(rawText),
		SourceKind:  kind,
		Pages:       []models.PageText{{Number: 1, Text: rawText}},
		Metadata:    metadata,
	})
	if err != nil {
		return "", err
	}
	return unitID(rec.ID, 1), nil
}

// IngestTurn stores one conversational turn as a MEMORY unit created at the turn's timestamp.
// A zero timestamp means now.
func (in *Ingestor) IngestTurn(ctx context.Context, scopeID, text string, at time.Time) (string, error) {
	if at.IsZero() {
		at = in.now()
	}
	at = at.UTC()
	rec, err := in.IngestDocument(ctx, &models.DocumentInput{
		ScopeID:     scopeID,
		DisplayName: "turn " + at.Format(time.RFC3339),
		SourceKind:  models.SourceMemory,
		Pages:       []models.PageText{{Number: 1, Text: text}},
		CreatedAt:   at,
	})
	if err != nil {
		return "", err
	}
	return unitID(rec.ID, 1), nil
}

// IngestDocument validates a multi-page document and writes its record, one unit per page and a
// queued job in a single transaction. Pages without text are skipped; a document with no text at
// all is rejected.
func (in *Ingestor) IngestDocument(ctx context.Context, input *models.DocumentInput) (*models.IndexRecord, error) {
	rec, units, err := in.prepare(input)
	if err != nil {
		return nil, err
	}
	job, err := in.store.InsertRecord(ctx, rec, units)
	if err != nil {
		return nil, fmt.Errorf("failed to store record: %w", err)
	}
	in.logger.Debug("ingest record queued",
		zap.String("scope_id", rec.ScopeID),
		zap.String("record_id", rec.ID),
		zap.String("job_id", job.ID),
		zap.Int("pages", len(units)),
	)
	in.wake()
	return rec, nil
}

func (in *Ingestor) prepare(input *models.DocumentInput) (*models.IndexRecord, []*models.ContentUnit, error) {
	if input == nil {
		return nil, nil, &models.ValidationError{Reason: "document is required"}
	}
	scopeID := strings.TrimSpace(input.ScopeID)
	if scopeID == "" {
		return nil, nil, &models.ValidationError{Field: "scope_id", Reason: "cannot be empty"}
	}
	kind := input.SourceKind
	if kind == "" {
		kind = models.SourceDocument
	}
	if !kind.Valid() {
		return nil, nil, &models.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown source kind %q", kind)}
	}
	if len(input.Pages) > in.maxPages {
		return nil, nil, &models.ValidationError{
			Field:  "pages",
			Reason: fmt.Sprintf("%d pages exceeds the limit of %d", len(input.Pages), in.maxPages),
		}
	}

	id := input.ID
	if id == "" {
		id = uuid.New().String()
	}
	var (
		units []*models.ContentUnit
		size  int64
		seen  = make(map[int]bool, len(input.Pages))
	)
	for i, p := range input.Pages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		number := p.Number
		if number <= 0 {
			number = i + 1
		}
		if seen[number] {
			return nil, nil, &models.ValidationError{Field: "pages", Reason: fmt.Sprintf("duplicate page number %d", number)}
		}
		seen[number] = true
		size += int64(len(p.Text))
		units = append(units, &models.ContentUnit{
			ID:         unitID(id, number),
			ScopeID:    scopeID,
			RecordID:   id,
			SourceKind: kind,
			PageNumber: number,
			RawText:    p.Text,
			CreatedAt:  input.CreatedAt,
		})
	}
	if len(units) == 0 {
		return nil, nil, &models.ValidationError{Field: "text", Reason: "cannot be blank"}
	}
	if size > in.maxBytes {
		return nil, nil, &models.ValidationError{
			Field:  "text",
			Reason: fmt.Sprintf("%d bytes exceeds the limit of %d", size, in.maxBytes),
		}
	}

	name := strings.TrimSpace(input.DisplayName)
	if name == "" {
		name = displayName(units[0].RawText)
	}
	rec := &models.IndexRecord{
		ID:          id,
		ScopeID:     scopeID,
		DisplayName: name,
		SourceKind:  kind,
		SizeBytes:   size,
		PageCount:   len(units),
		Metadata:    input.Metadata,
		CreatedAt:   input.CreatedAt,
	}
	return rec, units, nil
}

func (in *Ingestor) wake() {
	if in.notify != nil {
		in.notify()
	}
}

// unitID derives a page's unit ID from its record so a re-ingested file reuses the same IDs.
func unitID(recordID string, page int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", recordID, page))).String()
}

// displayName returns the first line of text, shortened for listings.
func displayName(text string) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	return utils.Truncate(line, displayNameLen)
}
