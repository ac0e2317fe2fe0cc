package crawler

import (
	"fmt"
	"strconv"
	"strings"
)

// Cursor is the persisted forward-progress marker of a crawl group. Exactly one
// of Page, Skip or File is meaningful, selected by Kind. The zero Cursor is the
// start position of any source.
type Cursor struct {
	Kind SourceKind
	Page int
	Skip int
	File string
}

// PageCursor returns a cursor pointing at the next page to fetch.
func PageCursor(page int) Cursor { return Cursor{Kind: KindPage, Page: page} }

// SkipCursor returns a cursor pointing at the next record offset.
func SkipCursor(offset int) Cursor { return Cursor{Kind: KindSkip, Skip: offset} }

// FileCursor returns a cursor naming the last completed file.
func FileCursor(name string) Cursor { return Cursor{Kind: KindFile, File: name} }

// IsZero reports whether c is the default start cursor.
func (c Cursor) IsZero() bool {
	return c == Cursor{}
}

// String renders the cursor in its persisted text form.
func (c Cursor) String() string {
	switch c.Kind {
	case KindPage:
		return "page:" + strconv.Itoa(c.Page)
	case KindSkip:
		return "skip:" + strconv.Itoa(c.Skip)
	case KindFile:
		return "file:" + c.File
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Cursor) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Cursor) UnmarshalText(text []byte) error {
	parsed, err := ParseCursor(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCursor decodes the text form produced by Cursor.String. An empty string
// decodes to the zero cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	kind, value, ok := strings.Cut(s, ":")
	if !ok {
		return Cursor{}, fmt.Errorf("parse cursor %q: missing kind", s)
	}
	switch SourceKind(kind) {
	case KindPage, KindSkip:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return Cursor{}, fmt.Errorf("parse cursor %q: invalid offset", s)
		}
		if SourceKind(kind) == KindPage {
			return PageCursor(n), nil
		}
		return SkipCursor(n), nil
	case KindFile:
		return FileCursor(value), nil
	default:
		return Cursor{}, fmt.Errorf("parse cursor %q: unknown kind %q", s, kind)
	}
}
