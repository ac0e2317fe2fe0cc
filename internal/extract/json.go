package extract

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned for payloads that are not valid JSON.
var ErrInvalidJSON = errors.New("invalid json payload")

// JSON extracts rows from API responses. BasePath and field paths use dotted
// notation, e.g. "response.body.items".
type JSON struct {
	base   string
	fields map[string]string
}

// NewJSON builds a JSON strategy.
func NewJSON(rules Rules) *JSON {
	return &JSON{base: rules.BasePath, fields: rules.Fields}
}

// Extract implements crawler.Strategy. A base path resolving to a single
// object yields one row; anything else that is not an array yields none.
func (j *JSON) Extract(body []byte) ([]map[string]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidJSON
	}
	root := gjson.ParseBytes(body)
	if j.base != "" {
		root = root.Get(j.base)
	}
	var items []gjson.Result
	switch {
	case root.IsArray():
		items = root.Array()
	case root.IsObject():
		items = []gjson.Result{root}
	}

	rows := make([]map[string]string, 0, len(items))
	for _, item := range items {
		if !item.IsObject() {
			continue
		}
		row := make(map[string]string, len(j.fields))
		for name, path := range j.fields {
			row[name] = scalar(item.Get(path))
		}
		if nonEmpty(row) {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func scalar(r gjson.Result) string {
	switch r.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return strings.TrimSpace(r.Str)
	case gjson.False:
		return ""
	default:
		return r.String()
	}
}
