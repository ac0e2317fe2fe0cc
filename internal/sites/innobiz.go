package sites

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

func init() {
	Register("innobiz", Innobiz{})
}

// Innobiz recovers homepage links the listing hides inside HTML comments and
// repairs the doubled scheme the site emits.
type Innobiz struct{}

var htmlComment = regexp.MustCompile(`(?s)<!--(.*?)-->`)

// BeforeSave implements SaveHook.
func (Innobiz) BeforeSave(row map[string]string) (map[string]string, bool) {
	raw := row[RawHTMLField]
	delete(row, RawHTMLField)
	for _, m := range htmlComment.FindAllStringSubmatch(raw, -1) {
		if !strings.Contains(m[1], "href") {
			continue
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(m[1]))
		if err != nil {
			continue
		}
		if href := strings.TrimSpace(doc.Find("a[href]").First().AttrOr("href", "")); href != "" {
			row["홈페이지"] = href
			break
		}
	}
	if hp, ok := row["홈페이지"]; ok {
		row["홈페이지"] = fixScheme(hp)
	}
	return row, true
}

var doubledSchemes = []struct{ broken, fixed string }{
	{"http://https://", "https://"},
	{"https://https://", "https://"},
	{"http://http://", "http://"},
}

func fixScheme(u string) string {
	for _, s := range doubledSchemes {
		if rest, ok := strings.CutPrefix(u, s.broken); ok {
			return s.fixed + rest
		}
	}
	return u
}
