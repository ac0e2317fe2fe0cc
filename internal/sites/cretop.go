package sites

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// RawHTMLField carries an unparsed fragment from extraction to hooks.
const RawHTMLField = "_raw_html"

func init() {
	Register("cretop", Cretop{})
}

// Cretop expands the detail card captured in _raw_html. The card lists
// label/value pairs as span.list-tit followed by one or more span.list-info.
type Cretop struct{}

var cretopLabels = map[string]string{
	"대표자명":    "대표자명",
	"기업유형/형태": "기업유형",
	"사업자번호":   "사업자번호",
	"산업분류":    "산업분류",
	"주소":      "주소",
}

// BeforeSave implements SaveHook.
func (Cretop) BeforeSave(row map[string]string) (map[string]string, bool) {
	raw := row[RawHTMLField]
	delete(row, RawHTMLField)
	if raw == "" {
		return row, true
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return row, true
	}
	doc.Find("span.list-tit").Each(func(_ int, title *goquery.Selection) {
		field, ok := cretopLabels[strings.TrimSpace(title.Text())]
		if !ok {
			return
		}
		var b strings.Builder
		title.NextAllFiltered("span.list-info").Each(func(_ int, info *goquery.Selection) {
			b.WriteString(strings.TrimSpace(info.Text()))
		})
		row[field] = b.String()
	})
	return row, true
}
