// Package cli renders retrieval results, context blocks, records and status for the kioku CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/hyperjump/kioku/internal/assembler"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// FormatFor returns OutputJSON when asJSON is set.
func FormatFor(asJSON bool) OutputFormat {
	if asJSON {
		return OutputJSON
	}
	return OutputText
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteRetrieveResults writes ranked chunks to w in the given format.
func WriteRetrieveResults(w io.Writer, response *models.RetrieveResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d chunks in %dms", len(response.Chunks), response.QueryTime)
	if response.Degraded {
		fmt.Fprint(w, " (lexical only)")
	}
	fmt.Fprint(w, "\n\n")
	for _, rc := range response.Chunks {
		writeOneChunk(w, rc)
	}
	return nil
}

func writeOneChunk(w io.Writer, rc *models.RankedChunk) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Rank: %d | Score: %.4f (Lexical: %.4f, Vector: %.4f)\n",
		rc.Rank, rc.Score, rc.LexicalScore, rc.VectorScore)
	fmt.Fprintf(w, "Source: %s", rc.SourceName)
	if rc.SourceKind == models.SourceDocument {
		fmt.Fprintf(w, " p.%d", rc.PageNumber)
	}
	fmt.Fprintf(w, " | Record: %s\n", rc.Chunk.RecordID)
	fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(rc.Chunk.Text, 200))
}

// WriteContext writes an assembled context block. Text output is the block itself followed by
// its sources, ready to paste into a prompt.
func WriteContext(w io.Writer, block *assembler.Block, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, block)
	}
	fmt.Fprintln(w, block.Text)
	fmt.Fprintf(w, "\n-- %d chunks, %d/%d characters", block.ChunkCount, block.Used, block.Budget)
	if block.Truncated {
		fmt.Fprint(w, ", truncated")
	}
	fmt.Fprintln(w, " --")
	for _, c := range block.Citations {
		fmt.Fprintf(w, "%s %s (record %s)\n", c.Handle, c.SourceName, c.RecordID)
	}
	return nil
}

// WriteRecords writes a record listing as a table.
func WriteRecords(w io.Writer, records []*models.IndexRecord, format OutputFormat) error {
	if format == OutputJSON {
		if records == nil {
			records = []*models.IndexRecord{}
		}
		return WriteJSON(w, records)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tKIND\tSTATUS\tCHUNKS\tPAGES\n")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			r.ID,
			utils.Truncate(r.DisplayName, 40),
			r.SourceKind,
			statusLabel(r),
			progressLabel(r),
			r.PageCount,
		)
	}
	return tw.Flush()
}

func statusLabel(r *models.IndexRecord) string {
	if r.Status == models.StatusFailed && r.LastError != "" {
		return fmt.Sprintf("%s (%s)", r.Status, utils.Truncate(r.LastError, 40))
	}
	return string(r.Status)
}

func progressLabel(r *models.IndexRecord) string {
	if r.Status == models.StatusIndexing {
		return fmt.Sprintf("%d/%d", r.CompletedChunks, r.TotalChunks)
	}
	return fmt.Sprintf("%d", r.TotalChunks)
}

// Status is the store summary printed by the status command.
type Status struct {
	*storage.Stats
	DiskUsageBytes int64  `json:"disk_usage_bytes"`
	Provider       string `json:"embedding_provider"`
	Dimensions     int    `json:"embedding_dimensions"`
	// KeywordEntries is the keyword index size for a single scope; nil when status covers all scopes.
	KeywordEntries *uint64 `json:"keyword_entries,omitempty"`
}

// WriteStatus writes a status summary.
func WriteStatus(w io.Writer, st *Status, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, st)
	}
	statuses := make([]string, 0, len(st.Records))
	for s := range st.Records {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = fmt.Sprintf("%s=%d", s, st.Records[models.IndexStatus(s)])
	}
	fmt.Fprintf(w, "Records:    %s\n", strings.Join(parts, " "))
	fmt.Fprintf(w, "Units:      %d\n", st.Units)
	fmt.Fprintf(w, "Chunks:     %d (%d with vectors)\n", st.Chunks, st.Vectors)
	if st.KeywordEntries != nil {
		fmt.Fprintf(w, "Keywords:   %d indexed chunks\n", *st.KeywordEntries)
	}
	fmt.Fprintf(w, "Jobs:       %d queued, %d running\n", st.QueuedJobs, st.RunningJobs)
	fmt.Fprintf(w, "Embedding:  %s (%d dims)\n", st.Provider, st.Dimensions)
	fmt.Fprintf(w, "Disk usage: %s\n", HumanBytes(st.DiskUsageBytes))
	return nil
}

// HumanBytes formats n with a binary unit suffix.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// BuildQuery joins positional args with spaces so multi-word queries work with or without quotes.
func BuildQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
