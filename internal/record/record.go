// Package record normalizes raw extracted field maps into crawler.Record values.
//
// Source columns are folded through an alias table once, the identity key is
// derived from the cleaned company and principal names, and everything that is
// not a well-known column is kept in Record.Extra.
package record

import (
	"maps"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/IINGS/Crawler/internal/crawler"
)

// Aliases maps source column names onto canonical column names.
var Aliases = map[string]string{
	"CEO":      crawler.FieldCEO,
	"ceo":      crawler.FieldCEO,
	"대표자":      crawler.FieldCEO,
	"대표":       crawler.FieldCEO,
	"fax":      crawler.FieldFax,
	"FAX":      crawler.FieldFax,
	"Fax":      crawler.FieldFax,
	"팩스번호":     crawler.FieldFax,
	"email":    crawler.FieldEmail,
	"Email":    crawler.FieldEmail,
	"E-mail":   crawler.FieldEmail,
	"메일주소":     crawler.FieldEmail,
	"homepage": crawler.FieldHomepage,
	"Homepage": crawler.FieldHomepage,
	"Web":      crawler.FieldHomepage,
	"웹사이트":     crawler.FieldHomepage,
	"tel":      crawler.FieldPhone,
	"Tel":      crawler.FieldPhone,
	"연락처":      crawler.FieldPhone,
	"addr":     crawler.FieldAddress,
	"Address":  crawler.FieldAddress,
	"title":    crawler.FieldCompany,
	"회사명":      crawler.FieldCompany,
	"업체명":      crawler.FieldCompany,
}

// Ignored lists columns that are never delivered.
var Ignored = map[string]struct{}{
	"국가":           {},
	"설립일":          {},
	"설립연도":         {},
	"Country":      {},
	"Establishment": {},
}

var (
	corporateTags = []string{
		"(주)", "㈜", "주식회사", "(유)", "유한회사", "(재)", "재단법인",
		"(사)", "사단법인", "(합)", "합자회사", "(합명)", "합명회사", "(농)", "농업회사법인",
	}
	nonKeyRunes = regexp.MustCompile(`[^가-힣a-zA-Z0-9]`)
	spaces      = regexp.MustCompile(`\s+`)
)

// Normalizer turns raw field maps into records for one source.
type Normalizer struct {
	group  string
	source string
}

// NewNormalizer returns a Normalizer stamping records with group and source.
func NewNormalizer(group, source string) *Normalizer {
	return &Normalizer{group: group, source: source}
}

// Normalize folds aliases, drops ignored and internal columns, derives the
// identity key and formats contact columns. It never rejects a row: missing
// identity fields become empty strings.
func (n *Normalizer) Normalize(raw map[string]string) crawler.Record {
	fields := make(map[string]string, len(raw))
	for _, rawKey := range slices.Sorted(maps.Keys(raw)) {
		k := strings.TrimSpace(rawKey)
		if k == "" || strings.HasPrefix(k, "_") {
			continue
		}
		if _, skip := Ignored[k]; skip {
			continue
		}
		v := Clean(raw[rawKey])
		canonical, aliased := Aliases[k]
		if aliased {
			// Aliases only fill a column the canonical name left empty.
			if fields[canonical] != "" {
				continue
			}
			k = canonical
		} else if v == "" && fields[k] != "" {
			continue
		}
		fields[k] = v
	}

	company := fields[crawler.FieldCompany]
	ceo := fields[crawler.FieldCEO]
	rec := crawler.Record{
		Group:    n.group,
		Key:      IdentityKey(company, ceo),
		Company:  StripCorporateTags(company),
		CEO:      ceo,
		Source:   n.source,
		Homepage: fields[crawler.FieldHomepage],
		Phone:    FormatPhone(fields[crawler.FieldPhone]),
		Fax:      FormatPhone(fields[crawler.FieldFax]),
		Email:    fields[crawler.FieldEmail],
		Address:  fields[crawler.FieldAddress],
	}
	for _, k := range []string{
		crawler.FieldCompany, crawler.FieldCEO, crawler.FieldKey, crawler.FieldSource,
		crawler.FieldHomepage, crawler.FieldPhone, crawler.FieldFax, crawler.FieldEmail,
		crawler.FieldAddress,
	} {
		delete(fields, k)
	}
	if len(fields) > 0 {
		rec.Extra = fields
	}
	return rec
}

// Clean applies NFC normalization, collapses whitespace and trims.
func Clean(s string) string {
	s = norm.NFC.String(s)
	s = spaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// IdentityKey derives the stable record identity from company and principal
// names. Only corporate tags and punctuation are dropped; text inside other
// parentheses, such as a branch name, stays part of the key.
func IdentityKey(company, ceo string) string {
	return keyPart(company) + "_" + keyPart(ceo)
}

func keyPart(s string) string {
	s = norm.NFC.String(s)
	stripped := StripCorporateTags(s)
	if out := nonKeyRunes.ReplaceAllString(stripped, ""); out != "" {
		return out
	}
	return nonKeyRunes.ReplaceAllString(s, "")
}

// StripCorporateTags removes legal-entity markers such as (주) and 주식회사.
func StripCorporateTags(s string) string {
	for _, tag := range corporateTags {
		s = strings.ReplaceAll(s, tag, "")
	}
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}
