package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperjump/kioku/internal/assembler"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
)

func sampleResponse() *models.RetrieveResponse {
	return &models.RetrieveResponse{
		ScopeID:   "alice",
		Query:     "tea",
		QueryTime: 7,
		Degraded:  true,
		Chunks: []*models.RankedChunk{{
			Chunk:        &models.Chunk{ID: "c1", RecordID: "r1", Text: "green tea " + strings.Repeat("x", 300)},
			SourceName:   "tea.pdf",
			SourceKind:   models.SourceDocument,
			PageNumber:   3,
			Score:        0.9,
			LexicalScore: 0.9,
			Rank:         1,
		}},
	}
}

func TestWriteRetrieveResults_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRetrieveResults(&buf, sampleResponse(), OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded models.RetrieveResponse
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if len(decoded.Chunks) != 1 || decoded.Chunks[0].Chunk.ID != "c1" || !decoded.Degraded {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestWriteRetrieveResults_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRetrieveResults(&buf, sampleResponse(), OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Found 1 chunks in 7ms (lexical only)", "Rank: 1", "Source: tea.pdf p.3", "Record: r1", "..."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, strings.Repeat("x", 250)) {
		t.Error("chunk text should be truncated")
	}
}

func TestWriteContext_Text(t *testing.T) {
	block := assembler.Assemble(sampleResponse().Chunks, 1000)
	var buf bytes.Buffer
	if err := WriteContext(&buf, block, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "[1] tea.pdf p.3\n") {
		t.Errorf("unexpected context start:\n%s", out)
	}
	if !strings.Contains(out, "[1] tea.pdf (record r1)") {
		t.Errorf("missing citation line:\n%s", out)
	}
}

func TestWriteRecords_Text(t *testing.T) {
	recs := []*models.IndexRecord{
		{ID: "r1", DisplayName: "notes.txt", SourceKind: models.SourceDocument, Status: models.StatusReady, TotalChunks: 4, PageCount: 1},
		{ID: "r2", DisplayName: "slides.pptx", SourceKind: models.SourceDocument, Status: models.StatusFailed, LastError: "rate limited", PageCount: 9},
		{ID: "r3", DisplayName: "big.pdf", SourceKind: models.SourceDocument, Status: models.StatusIndexing, CompletedChunks: 2, TotalChunks: 8, PageCount: 3},
	}
	var buf bytes.Buffer
	if err := WriteRecords(&buf, recs, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"STATUS", "notes.txt", "FAILED (rate limited)", "2/8"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteRecords_JSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecords(&buf, nil, OutputJSON); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("got %q, want []", buf.String())
	}
}

func TestWriteStatus(t *testing.T) {
	st := &Status{
		Stats: &storage.Stats{
			Records: map[models.IndexStatus]int64{models.StatusReady: 3, models.StatusFailed: 1},
			Units:   5, Chunks: 12, Vectors: 12, QueuedJobs: 2,
		},
		DiskUsageBytes: 3 << 20,
		Provider:       "stub",
		Dimensions:     256,
	}
	var buf bytes.Buffer
	if err := WriteStatus(&buf, st, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"FAILED=1 READY=3", "12 (12 with vectors)", "2 queued", "3.0 MiB"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := WriteStatus(&buf, st, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["chunks"] != float64(12) || decoded["disk_usage_bytes"] != float64(3<<20) {
		t.Errorf("decoded = %v", decoded)
	}
	if _, ok := decoded["keyword_entries"]; ok {
		t.Errorf("keyword_entries should be omitted without a scope: %v", decoded)
	}

	entries := uint64(7)
	st.KeywordEntries = &entries
	buf.Reset()
	if err := WriteStatus(&buf, st, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Keywords:   7 indexed chunks") {
		t.Errorf("output missing keyword count:\n%s", buf.String())
	}
}

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 30, "5.0 GiB"},
	}
	for _, tt := range tests {
		if got := HumanBytes(tt.n); got != tt.want {
			t.Errorf("HumanBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"tea"}, "tea"},
		{[]string{"green", "tea"}, "green tea"},
		{[]string{"  green tea "}, "green tea"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := BuildQuery(tt.args); got != tt.want {
			t.Errorf("BuildQuery(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestFormatFor(t *testing.T) {
	if FormatFor(true) != OutputJSON || FormatFor(false) != OutputText {
		t.Error("FormatFor mismatch")
	}
}
