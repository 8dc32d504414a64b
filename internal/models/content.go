// Package models defines core data structures for content units, chunks, index records, and retrieval results.
package models

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind tells which feature a content unit belongs to.
type SourceKind string

const (
	// SourceMemory is a conversational turn.
	SourceMemory SourceKind = "MEMORY"
	// SourceDocument is a page of an uploaded document.
	SourceDocument SourceKind = "DOCUMENT"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	return k == SourceMemory || k == SourceDocument
}

// ParseSourceKind parses s case-insensitively. Empty input defaults to SourceDocument.
func ParseSourceKind(s string) (SourceKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(SourceDocument):
		return SourceDocument, nil
	case string(SourceMemory):
		return SourceMemory, nil
	default:
		return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown source kind %q", s)}
	}
}

// ContentUnit is one ingested text source: a conversational turn or a document page.
// Units are immutable once written.
type ContentUnit struct {
	ID         string                 `json:"id" db:"id"`
	ScopeID    string                 `json:"scope_id" db:"scope_id"`
	RecordID   string                 `json:"record_id" db:"record_id"`
	SourceKind SourceKind             `json:"source_kind" db:"source_kind"`
	PageNumber int                    `json:"page_number" db:"page_number"`
	RawText    string                 `json:"raw_text" db:"raw_text"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}

// PageText is the plain text of one page as produced by the extraction layer.
type PageText struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// QuantizedVector is an int8 embedding with the scale needed to reconstruct floats.
type QuantizedVector struct {
	Values []int8  `json:"values"`
	Scale  float32 `json:"scale"`
}

// Dimensions returns the vector length.
func (q *QuantizedVector) Dimensions() int {
	if q == nil {
		return 0
	}
	return len(q.Values)
}

// Chunk is an overlapping slice of a content unit's text. CharStart and CharEnd are rune offsets
// into the parent's RawText. Vector is nil when the chunk has no embedding.
type Chunk struct {
	ID            string           `json:"id" db:"id"`
	ParentID      string           `json:"parent_id" db:"parent_id"`
	RecordID      string           `json:"record_id" db:"record_id"`
	ScopeID       string           `json:"scope_id" db:"scope_id"`
	SequenceIndex int              `json:"sequence_index" db:"sequence_index"`
	Text          string           `json:"text" db:"text"`
	CharStart     int              `json:"char_start" db:"char_start"`
	CharEnd       int              `json:"char_end" db:"char_end"`
	Vector        *QuantizedVector `json:"-" db:"-"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
}
