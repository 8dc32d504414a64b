package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/lu4p/cat"

	"github.com/hyperjump/kioku/internal/models"
)

// extractPlain returns content as a single page. Invalid UTF-8 sequences are replaced with
// the replacement character.
func extractPlain(content []byte) ([]models.PageText, error) {
	s := string(content)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\ufffd")
	}
	return single(s), nil
}

// extractWithCat handles ODT and RTF, which lu4p/cat detects from the content itself.
func extractWithCat(content []byte) ([]models.PageText, error) {
	text, err := cat.FromBytes(content)
	if err != nil {
		return nil, err
	}
	return single(text), nil
}
