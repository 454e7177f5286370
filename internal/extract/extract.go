// Package extract turns raw portal HTML into numeric facts. It does no I/O;
// the output depends solely on the input markup.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/qlido/BSM-Backend-V2/internal/domain"
)

var (
	decimalRe  = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
	positiveRe = regexp.MustCompile(`\(상점 : (\d+)`)
	negativeRe = regexp.MustCompile(`\(벌점 : (\d+)`)
)

// Score extracts the meister score from the score page: the first table
// cell whose text is a decimal number. A page with no such cell yields 0,
// not an error; some students simply have no recorded score yet.
func Score(html string) (float64, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, &domain.ParseError{Op: "score", Err: err}
	}

	var score float64
	doc.Find("td").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.TrimSpace(sel.Text())
		if !decimalRe.MatchString(text) {
			return true
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return true
		}
		score = v
		return false
	})
	return score, nil
}

// Points sums the merit and demerit counts across every point entry on the
// listing page. The portal page-merges multiple entries, each carrying its
// own bracketed count; a malformed single entry is skipped rather than
// aborting the scan.
func Points(html string) (positive, negative int, err error) {
	if _, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err != nil {
		return 0, 0, &domain.ParseError{Op: "point", Err: err}
	}

	for _, m := range positiveRe.FindAllStringSubmatch(html, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		positive += n
	}
	for _, m := range negativeRe.FindAllStringSubmatch(html, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		negative += n
	}
	return positive, negative, nil
}
