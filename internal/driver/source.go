package driver

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/IINGS/Crawler/internal/crawler"
)

// Source is a fully resolved crawl source for one group.
type Source struct {
	Group string
	// Name is stamped into every record as its collection source.
	Name string
	// Site selects registered hooks; empty means none.
	Site string
	Kind crawler.SourceKind

	// URL may contain {page} and {skip} placeholders, as may Form values.
	URL       string
	Method    string
	Form      map[string]string
	Headers   map[string]string
	Headless  bool
	Actions   []crawler.BrowserAction
	StartPage int
	// MaxPage ends the source after that page index; zero means unbounded.
	MaxPage   int
	PageSize  int
	PageDelay time.Duration

	// Dir and Pattern locate file sources.
	Dir     string
	Pattern string

	Strategy crawler.Strategy
}

func (s Source) firstPage() int {
	if s.StartPage > 0 {
		return s.StartPage
	}
	return 1
}

func (s Source) pageSize() int {
	if s.PageSize > 0 {
		return s.PageSize
	}
	return 1
}

// start returns the position to resume from.
func (s Source) start(c crawler.Cursor) int {
	switch s.Kind {
	case crawler.KindSkip:
		if c.IsZero() {
			return 0
		}
		return c.Skip
	default:
		if c.IsZero() {
			return s.firstPage()
		}
		return c.Page
	}
}

func (s Source) next(pos int) int {
	if s.Kind == crawler.KindSkip {
		return pos + s.pageSize()
	}
	return pos + 1
}

func (s Source) cursor(pos int) crawler.Cursor {
	if s.Kind == crawler.KindSkip {
		return crawler.SkipCursor(pos)
	}
	return crawler.PageCursor(pos)
}

// pageIndex is the 1-based page number of pos.
func (s Source) pageIndex(pos int) int {
	if s.Kind == crawler.KindSkip {
		return pos/s.pageSize() + 1
	}
	return pos
}

func (s Source) exhausted(pos int) bool {
	return s.MaxPage > 0 && s.pageIndex(pos) > s.MaxPage
}

func (s Source) request(pos int) crawler.FetchRequest {
	r := strings.NewReplacer(
		"{page}", strconv.Itoa(s.pageIndex(pos)),
		"{skip}", strconv.Itoa(s.skipOffset(pos)),
	)
	req := crawler.FetchRequest{
		Group:       s.Group,
		URL:         r.Replace(s.URL),
		Method:      s.Method,
		UseHeadless: s.Headless,
	}
	if len(s.Form) > 0 {
		req.Form = url.Values{}
		for k, v := range s.Form {
			req.Form.Set(k, r.Replace(v))
		}
	}
	if len(s.Headers) > 0 {
		req.Headers = http.Header{}
		for k, v := range s.Headers {
			req.Headers.Set(k, v)
		}
	}
	for _, a := range s.Actions {
		a.Value = r.Replace(a.Value)
		a.Selector = r.Replace(a.Selector)
		req.Actions = append(req.Actions, a)
	}
	return req
}

func (s Source) skipOffset(pos int) int {
	if s.Kind == crawler.KindSkip {
		return pos
	}
	return (pos - 1) * s.pageSize()
}

func (s Source) validate() error {
	if s.Group == "" {
		return fmt.Errorf("source has no group")
	}
	if s.Strategy == nil {
		return fmt.Errorf("source %s: no extraction strategy", s.Group)
	}
	switch s.Kind {
	case crawler.KindPage, crawler.KindSkip:
		if s.URL == "" {
			return fmt.Errorf("source %s: url required for %s sources", s.Group, s.Kind)
		}
	case crawler.KindFile:
		if s.Dir == "" {
			return fmt.Errorf("source %s: dir required for file sources", s.Group)
		}
	default:
		return fmt.Errorf("source %s: unknown kind %q", s.Group, s.Kind)
	}
	return nil
}
