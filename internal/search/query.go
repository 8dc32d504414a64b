package search

import (
	"regexp"
	"strings"
	"unicode"
)

// complexTermCount is the number of distinct terms at which a query is treated as complex.
const complexTermCount = 8

var phraseRegex = regexp.MustCompile(`"([^"]+)"`)

// QueryShape describes the surface structure of a query string.
type QueryShape struct {
	Original  string
	Terms     []string
	Phrases   []string
	Negated   []string
	Operators int
	Questions int
}

// AnalyzeQuery splits a query into terms, quoted phrases, negated terms and boolean operators.
func AnalyzeQuery(query string) *QueryShape {
	shape := &QueryShape{
		Original: query,
		Terms:    []string{},
		Phrases:  []string{},
		Negated:  []string{},
	}
	shape.Questions = strings.Count(query, "?")

	for _, match := range phraseRegex.FindAllStringSubmatch(query, -1) {
		if phrase := strings.ToLower(strings.TrimSpace(match[1])); phrase != "" {
			shape.Phrases = append(shape.Phrases, phrase)
		}
	}
	remaining := phraseRegex.ReplaceAllString(query, " ")

	seen := make(map[string]bool)
	for _, word := range strings.Fields(remaining) {
		switch {
		case word == "AND" || word == "OR" || word == "NOT":
			shape.Operators++
			continue
		case strings.HasPrefix(word, "-") && len(word) > 1:
			if t := normalizeToken(word[1:]); t != "" {
				shape.Negated = append(shape.Negated, t)
			}
			continue
		}
		t := normalizeToken(word)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		shape.Terms = append(shape.Terms, t)
	}
	return shape
}

// Complex reports whether the query asks for more than a single lookup: many terms, several
// phrases or questions, or explicit boolean structure.
func (q *QueryShape) Complex() bool {
	switch {
	case len(q.Terms) >= complexTermCount:
		return true
	case len(q.Phrases) > 1, q.Questions > 1:
		return true
	case q.Operators > 0 || len(q.Negated) > 0:
		return true
	}
	return false
}

// IsComplex is shorthand for AnalyzeQuery(query).Complex().
func IsComplex(query string) bool {
	return AnalyzeQuery(query).Complex()
}

func normalizeToken(token string) string {
	token = strings.ToLower(token)
	return strings.TrimFunc(token, func(r rune) bool {
		return unicode.IsPunct(r) && r != '-' && r != '_'
	})
}
