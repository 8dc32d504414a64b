package indexer

import (
	"math/rand"
	"strings"
	"testing"
)

// reassemble rebuilds the source from spans by dropping each window's leading overlap.
func reassemble(spans []Span) string {
	var b strings.Builder
	prevEnd := 0
	for _, s := range spans {
		r := []rune(s.Text)
		b.WriteString(string(r[prevEnd-s.Offset:]))
		prevEnd = s.End
	}
	return b.String()
}

func TestChunk_scenarioThreeThousand(t *testing.T) {
	text := strings.Repeat("abcdefghij", 300)
	spans := Chunk(text, 1200, 150)
	if len(spans) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(spans))
	}
	wantOffsets := [][2]int{{0, 1200}, {1050, 2250}, {2100, 3000}}
	for i, s := range spans {
		if s.Offset != wantOffsets[i][0] || s.End != wantOffsets[i][1] {
			t.Errorf("chunk %d range = [%d,%d), want %v", i, s.Offset, s.End, wantOffsets[i])
		}
	}
	for i := 1; i < len(spans); i++ {
		if got := spans[i-1].End - spans[i].Offset; got != 150 {
			t.Errorf("overlap between %d and %d = %d, want 150", i-1, i, got)
		}
	}
}

func TestChunk_empty(t *testing.T) {
	if spans := Chunk("", 10, 2); spans != nil {
		t.Errorf("empty text should return nil, got %v", spans)
	}
}

func TestChunk_shortTextSingleChunk(t *testing.T) {
	spans := Chunk("short text", 100, 20)
	if len(spans) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(spans))
	}
	if spans[0].Text != "short text" || spans[0].Offset != 0 || spans[0].End != 10 {
		t.Errorf("unexpected span %+v", spans[0])
	}
}

func TestChunk_overlapClamped(t *testing.T) {
	c := NewChunker(10, 9)
	if c.Overlap() != 5 {
		t.Fatalf("overlap should clamp to maxLen/2, got %d", c.Overlap())
	}
	spans := c.Split(strings.Repeat("x", 25))
	for i := 1; i < len(spans); i++ {
		if got := spans[i-1].End - spans[i].Offset; got != 5 {
			t.Errorf("overlap = %d, want 5", got)
		}
	}
	if got := Chunk(strings.Repeat("y", 30), 10, -3); len(got) != 3 {
		t.Errorf("negative overlap should behave as 0, got %d chunks", len(got))
	}
}

func TestChunk_runesNotBytes(t *testing.T) {
	text := strings.Repeat("日本語テキスト", 10) // 70 runes
	spans := Chunk(text, 20, 5)
	for _, s := range spans {
		if n := len([]rune(s.Text)); n > 20 {
			t.Errorf("span has %d runes, want <= 20", n)
		}
	}
	if got := reassemble(spans); got != text {
		t.Errorf("reassembled text differs")
	}
}

func TestChunk_roundTripAndCount(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []rune("abc def\nghé🙂")
	for iter := 0; iter < 200; iter++ {
		n := rng.Intn(400)
		rs := make([]rune, n)
		for i := range rs {
			rs[i] = alphabet[rng.Intn(len(alphabet))]
		}
		text := string(rs)
		maxLen := 1 + rng.Intn(60)
		overlap := rng.Intn(maxLen)
		spans := Chunk(text, maxLen, overlap)
		if got := reassemble(spans); got != text {
			t.Fatalf("round trip failed for maxLen=%d overlap=%d", maxLen, overlap)
		}
		eff := clampOverlap(maxLen, overlap)
		if n > maxLen {
			want := (n - eff + (maxLen - eff) - 1) / (maxLen - eff)
			if len(spans) != want {
				t.Fatalf("n=%d maxLen=%d overlap=%d: %d chunks, want %d", n, maxLen, eff, len(spans), want)
			}
		}
		for i, s := range spans {
			if s.End-s.Offset > maxLen {
				t.Fatalf("span %d exceeds maxLen", i)
			}
			if i > 0 && spans[i-1].End-s.Offset != eff {
				t.Fatalf("span %d overlap = %d, want %d", i, spans[i-1].End-s.Offset, eff)
			}
		}
	}
}

func TestChunk_deterministic(t *testing.T) {
	text := strings.Repeat("determinism ", 50)
	a := Chunk(text, 64, 8)
	b := Chunk(text, 64, 8)
	if len(a) != len(b) {
		t.Fatal("chunk counts differ")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("span %d differs", i)
		}
	}
}
