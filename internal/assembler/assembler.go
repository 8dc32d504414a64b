// Package assembler turns ranked chunks into a budget-bounded context block with citation handles.
package assembler

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/kioku/internal/models"
)

const separator = "\n\n"

// Citation identifies the source of one included chunk. Number is the [n] handle used in Text.
type Citation struct {
	Number        int               `json:"number"`
	Handle        string            `json:"handle"`
	RecordID      string            `json:"record_id"`
	ChunkID       string            `json:"chunk_id"`
	SourceName    string            `json:"source_name"`
	SourceKind    models.SourceKind `json:"source_kind"`
	PageStart     int               `json:"page_start"`
	PageEnd       int               `json:"page_end"`
	SequenceIndex int               `json:"sequence_index"`
}

// Block is assembled context ready for a prompt.
type Block struct {
	Text       string     `json:"text"`
	ChunkCount int        `json:"chunk_count"`
	Truncated  bool       `json:"truncated"`
	Citations  []Citation `json:"citations"`
	// Used is the number of characters of Text.
	Used   int `json:"used"`
	Budget int `json:"budget"`
}

// Assemble appends chunks in ranked order while they fit in budget characters, counting the
// citation header and separators. A chunk is never cut: leading chunks larger than the whole
// budget are dropped and Truncated is set. Once a chunk is included, the first chunk that does
// not fit the remaining budget ends assembly. The budget is a hard ceiling; sizing it for the query is up to the caller.
func Assemble(chunks []*models.RankedChunk, budget int) *Block {
	block := &Block{Budget: budget, Citations: []Citation{}}
	if budget <= 0 {
		block.Truncated = len(chunks) > 0
		return block
	}

	var b strings.Builder
	for _, rc := range chunks {
		if rc == nil || rc.Chunk == nil {
			continue
		}
		number := len(block.Citations) + 1
		entry := render(number, rc)
		size := utf8.RuneCountInString(entry)
		if size > budget && block.ChunkCount == 0 {
			block.Truncated = true
			continue
		}
		needed := size
		if block.ChunkCount > 0 {
			needed += len(separator)
		}
		if block.Used+needed > budget {
			break
		}
		if block.ChunkCount > 0 {
			b.WriteString(separator)
		}
		b.WriteString(entry)
		block.Used += needed
		block.ChunkCount++
		block.Citations = append(block.Citations, citation(number, rc))
	}
	block.Text = b.String()
	return block
}

// Handle returns the citation handle for number.
func Handle(number int) string {
	return fmt.Sprintf("[%d]", number)
}

func render(number int, rc *models.RankedChunk) string {
	return Handle(number) + " " + label(rc) + "\n" + rc.Chunk.Text
}

func label(rc *models.RankedChunk) string {
	name := rc.SourceName
	if name == "" {
		name = rc.Chunk.RecordID
	}
	if rc.SourceKind == models.SourceDocument && rc.PageNumber > 0 {
		return fmt.Sprintf("%s p.%d", name, rc.PageNumber)
	}
	return name
}

func citation(number int, rc *models.RankedChunk) Citation {
	return Citation{
		Number:        number,
		Handle:        Handle(number),
		RecordID:      rc.Chunk.RecordID,
		ChunkID:       rc.Chunk.ID,
		SourceName:    rc.SourceName,
		SourceKind:    rc.SourceKind,
		PageStart:     rc.PageNumber,
		PageEnd:       rc.PageNumber,
		SequenceIndex: rc.Chunk.SequenceIndex,
	}
}
