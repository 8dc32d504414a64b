package extract

import (
	"archive/zip"
	"fmt"
	"regexp"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
)

const (
	docxDocumentXMLPath = "word/document.xml"
	contentTypesPath    = "[Content_Types].xml"
	docxMainContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
)

var (
	// wtTag matches <w:t>text</w:t> with any attributes.
	wtTag = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	// pageBreak matches an explicit page break run.
	pageBreak = regexp.MustCompile(`<w:br[^>]*w:type="page"[^>]*/>`)

	partNameRe  = regexp.MustCompile(`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"`)
	partNameRe2 = regexp.MustCompile(`<Override[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"[^>]+PartName="([^"]+)"`)
)

// docxMainDocumentPath reads the main part name from [Content_Types].xml, falling back to
// word/document.xml. Either attribute order is accepted.
func docxMainDocumentPath(zr *zip.Reader) string {
	ct, err := readZipEntry(zr, contentTypesPath)
	if err != nil || ct == nil {
		return docxDocumentXMLPath
	}
	for _, re := range []*regexp.Regexp{partNameRe, partNameRe2} {
		if m := re.FindStringSubmatch(string(ct)); len(m) > 1 {
			return strings.TrimPrefix(m[1], "/")
		}
	}
	return docxDocumentXMLPath
}

// extractDOCX pulls every <w:t> node from the main document part. lu4p/cat is not used here
// because its paragraph regex misses <w:p> elements that carry attributes. Explicit page breaks
// start a new page; Word's layout-driven pagination is not visible in the file.
func extractDOCX(content []byte) ([]models.PageText, error) {
	zr, err := openZip(content, "DOCX")
	if err != nil {
		return nil, err
	}
	docPath := docxMainDocumentPath(zr)
	docXML, err := readZipEntry(zr, docPath)
	if err != nil {
		return nil, fmt.Errorf("extract DOCX: %w", err)
	}
	if docXML == nil {
		return nil, fmt.Errorf("extract DOCX: %s not found", docPath)
	}

	var pages []models.PageText
	for i, part := range pageBreak.Split(string(docXML), -1) {
		pages = append(pages, models.PageText{Number: i + 1, Text: joinMatches(wtTag, part)})
	}
	return pages, nil
}
