package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// CSS extracts rows from HTML with goquery selectors.
//
// A field selector is either "sel" (trimmed text of the first match),
// "sel > attr" (attribute of the first match) or "self > attr" for the row
// element itself. The pseudo attribute "inner_html" returns the outer HTML.
type CSS struct {
	base   string
	fields map[string]fieldSelector
}

type fieldSelector struct {
	selector string
	attr     string
}

// NewCSS builds a CSS strategy.
func NewCSS(rules Rules) *CSS {
	base := rules.BaseSelector
	if base == "" {
		base = "body"
	}
	fields := make(map[string]fieldSelector, len(rules.Fields))
	for name, raw := range rules.Fields {
		fields[name] = parseFieldSelector(raw)
	}
	return &CSS{base: base, fields: fields}
}

func parseFieldSelector(raw string) fieldSelector {
	if i := strings.LastIndex(raw, " > "); i >= 0 {
		return fieldSelector{selector: strings.TrimSpace(raw[:i]), attr: strings.TrimSpace(raw[i+3:])}
	}
	return fieldSelector{selector: strings.TrimSpace(raw), attr: "text"}
}

// Extract implements crawler.Strategy. Rows whose fields are all empty are dropped.
func (c *CSS) Extract(body []byte) ([]map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var rows []map[string]string
	doc.Find(c.base).Each(func(_ int, el *goquery.Selection) {
		row := make(map[string]string, len(c.fields))
		for name, fs := range c.fields {
			row[name] = fs.value(el)
		}
		if nonEmpty(row) {
			rows = append(rows, row)
		}
	})
	return rows, nil
}

func (fs fieldSelector) value(row *goquery.Selection) string {
	target := row
	if fs.selector != "self" {
		target = row.Find(fs.selector).First()
	}
	if target.Length() == 0 {
		return ""
	}
	switch fs.attr {
	case "text":
		return strings.TrimSpace(target.Text())
	case "inner_html":
		html, err := goquery.OuterHtml(target)
		if err != nil {
			return ""
		}
		return html
	default:
		return strings.TrimSpace(target.AttrOr(fs.attr, ""))
	}
}
