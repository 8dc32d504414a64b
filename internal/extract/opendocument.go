package extract

import (
	"fmt"
	"regexp"

	"github.com/hyperjump/kioku/internal/models"
)

const odfContentPath = "content.xml"

var (
	// odfText matches the innermost text:p, text:h and text:span elements.
	odfText = regexp.MustCompile(`<text:(?:p|h|span)[^>]*>([^<]*)</text:(?:p|h|span)>`)
	// odpPage and odsTable start a new slide or sheet.
	odpPage  = regexp.MustCompile(`<draw:page[\s>]`)
	odsTable = regexp.MustCompile(`<table:table[\s>]`)
)

func extractODP(content []byte) ([]models.PageText, error) {
	return extractODF(content, "ODP", odpPage)
}

func extractODS(content []byte) ([]models.PageText, error) {
	return extractODF(content, "ODS", odsTable)
}

// extractODF reads content.xml of an OpenDocument package and returns one page per section
// started by sep. Text before the first section is ignored.
func extractODF(content []byte, format string, sep *regexp.Regexp) ([]models.PageText, error) {
	zr, err := openZip(content, format)
	if err != nil {
		return nil, err
	}
	xml, err := readZipEntry(zr, odfContentPath)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", format, err)
	}
	if xml == nil {
		return nil, fmt.Errorf("extract %s: %s not found", format, odfContentPath)
	}
	sections := sep.Split(string(xml), -1)
	pages := make([]models.PageText, 0, len(sections))
	for i, s := range sections[1:] {
		pages = append(pages, models.PageText{Number: i + 1, Text: joinMatches(odfText, s)})
	}
	return pages, nil
}
