package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
)

// XML extracts rows from XML exports without loading the whole document.
// Field selectors are XPath expressions relative to the row element; a bare
// child tag name is the common case.
type XML struct {
	rowXPath string
	filter   string
	fields   map[string]string
}

// NewXML builds an XML strategy.
func NewXML(rules Rules) (*XML, error) {
	if rules.RowXPath == "" {
		return nil, errors.New("xml strategy requires row_xpath")
	}
	return &XML{rowXPath: rules.RowXPath, filter: rules.Filter, fields: rules.Fields}, nil
}

// Extract implements crawler.Strategy.
func (x *XML) Extract(body []byte) ([]map[string]string, error) {
	var rows []map[string]string
	err := x.Stream(bytes.NewReader(body), func(row map[string]string) error {
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

// Stream calls fn once per matching row. Rows failing Filter are skipped by
// the parser and never materialized. A non-nil error from fn stops the scan.
func (x *XML) Stream(r io.Reader, fn func(map[string]string) error) error {
	var (
		parser *xmlquery.StreamParser
		err    error
	)
	if x.filter != "" {
		parser, err = xmlquery.CreateStreamParser(r, x.rowXPath, x.filter)
	} else {
		parser, err = xmlquery.CreateStreamParser(r, x.rowXPath)
	}
	if err != nil {
		return fmt.Errorf("xml stream parser: %w", err)
	}
	for {
		node, err := parser.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read xml row: %w", err)
		}
		row := make(map[string]string, len(x.fields))
		for name, expr := range x.fields {
			row[name] = childText(node, expr)
		}
		if !nonEmpty(row) {
			continue
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

func childText(node *xmlquery.Node, expr string) string {
	found, err := xmlquery.Query(node, expr)
	if err != nil || found == nil {
		return ""
	}
	return strings.TrimSpace(found.InnerText())
}
