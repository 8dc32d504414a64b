package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeQuery(t *testing.T) {
	shape := AnalyzeQuery(`Where is "blue binder" kept? -archive NOT basement notes, notes`)
	assert.Equal(t, []string{"blue binder"}, shape.Phrases)
	assert.Equal(t, []string{"archive"}, shape.Negated)
	assert.Equal(t, 1, shape.Operators)
	assert.Equal(t, 1, shape.Questions)
	assert.Equal(t, []string{"where", "is", "kept", "basement", "notes"}, shape.Terms)
}

func TestIsComplex(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"basil", false},
		{"when should I water basil?", false},
		{`"tea" and "oolong"`, true},
		{"compare the three pricing plans and summarize trade offs for teams", true},
		{"what changed? who approved it?", true},
		{"launch NOT delayed", true},
		{"budget -draft", true},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, IsComplex(tt.query))
		})
	}
}
