// Package extract turns fetched listing pages and data files into raw field
// maps. Field names are whatever the source configuration declares; the
// record package maps them onto canonical columns afterwards.
package extract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/IINGS/Crawler/internal/crawler"
)

// Strategy names.
const (
	StrategyCSS  = "css"
	StrategyJSON = "json"
	StrategyXML  = "xml"
)

// Rules describes how to locate rows and fields in a payload.
type Rules struct {
	Strategy string `mapstructure:"strategy"`
	// BaseSelector selects one element per row for the css strategy.
	BaseSelector string `mapstructure:"base_selector"`
	// BasePath is a dotted path to the row array for the json strategy.
	BasePath string `mapstructure:"base_path"`
	// RowXPath selects row elements for the xml strategy.
	RowXPath string `mapstructure:"row_xpath"`
	// Filter is an optional XPath predicate rows must satisfy (xml only).
	Filter string `mapstructure:"filter"`
	// Fields maps output field names to strategy-specific selectors.
	Fields map[string]string `mapstructure:"fields"`
}

// ErrNoFields is returned when Rules declares no fields.
var ErrNoFields = errors.New("extraction rules declare no fields")

// New builds the Strategy named by rules.Strategy. An empty name means css.
func New(rules Rules) (crawler.Strategy, error) {
	if len(rules.Fields) == 0 {
		return nil, ErrNoFields
	}
	switch strings.ToLower(rules.Strategy) {
	case "", StrategyCSS:
		return NewCSS(rules), nil
	case StrategyJSON:
		return NewJSON(rules), nil
	case StrategyXML:
		return NewXML(rules)
	default:
		return nil, fmt.Errorf("unknown extraction strategy %q", rules.Strategy)
	}
}

func nonEmpty(row map[string]string) bool {
	for _, v := range row {
		if v != "" {
			return true
		}
	}
	return false
}
