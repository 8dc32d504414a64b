// Package extract turns document files into plain text with page boundaries.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
)

// Extractor extracts plain text pages from document files.
type Extractor struct{}

// NewExtractor returns a new Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

type extractFunc func(content []byte) ([]models.PageText, error)

var extractors = map[string]extractFunc{
	".pdf":  extractPDF,
	".docx": extractDOCX,
	".odt":  extractWithCat,
	".rtf":  extractWithCat,
	".xlsx": extractExcel,
	".pptx": extractPPTX,
	".odp":  extractODP,
	".ods":  extractODS,
	".txt":  extractPlain,
	".md":   extractPlain,
	".rst":  extractPlain,
	"":      extractPlain,
}

// SupportedExtensions returns the extensions with a dedicated extractor, sorted.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(extractors))
	for ext := range extractors {
		if ext != "" {
			exts = append(exts, ext)
		}
	}
	sort.Strings(exts)
	return exts
}

// Extract reads the file at path and returns its pages.
// Page numbers start at 1. Pages without text are dropped but numbering is preserved, so a
// PDF whose second page is a scanned image yields pages 1 and 3.
func (e *Extractor) Extract(path string) ([]models.PageText, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, strings.ToLower(filepath.Ext(path)))
}

// ExtractBytes extracts pages from content based on the given extension.
// ext should include the leading dot (e.g. ".pdf"). Unknown extensions are read as plain text.
// PDF pages, spreadsheet sheets and presentation slides each become one page; DOCX is split on
// explicit page breaks; other formats are a single page.
func (e *Extractor) ExtractBytes(content []byte, ext string) ([]models.PageText, error) {
	fn, ok := extractors[strings.ToLower(ext)]
	if !ok {
		fn = extractPlain
	}
	pages, err := fn(content)
	if err != nil {
		return nil, err
	}
	return nonEmpty(pages), nil
}

func single(text string) []models.PageText {
	return []models.PageText{{Number: 1, Text: text}}
}

func nonEmpty(pages []models.PageText) []models.PageText {
	out := pages[:0]
	for _, p := range pages {
		p.Text = strings.TrimSpace(p.Text)
		if p.Text != "" {
			out = append(out, p)
		}
	}
	return out
}
