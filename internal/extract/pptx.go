package extract

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/hyperjump/kioku/internal/models"
)

var (
	// slidePath matches ppt/slides/slideN.xml and captures N.
	slidePath = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	// atTag matches <a:t>text</a:t> with any attributes.
	atTag = regexp.MustCompile(`<a:t[^>]*>([^<]*)</a:t>`)
)

// extractPPTX returns one page per slide, numbered by the slide's file name so that
// slide10 follows slide9 regardless of zip order.
func extractPPTX(content []byte) ([]models.PageText, error) {
	zr, err := openZip(content, "PPTX")
	if err != nil {
		return nil, err
	}
	var pages []models.PageText
	for _, f := range zr.File {
		m := slidePath.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		xml, err := readZipEntry(zr, f.Name)
		if err != nil {
			return nil, err
		}
		pages = append(pages, models.PageText{Number: n, Text: joinMatches(atTag, string(xml))})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })
	return pages, nil
}
