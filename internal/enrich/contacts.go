package enrich

import (
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

	// Only area codes that exist are accepted.
	areaCode = `(?:02|03[1-3]|04[1-4]|05[1-5]|06[1-4]|010|070|080|050\d|060)`

	phonePattern = regexp.MustCompile(
		`(?:\+|00)82[\s.\-]*\(?0?\)?[\s.\-]*(\d{2,3})[\s.\-)]*(\d{3,4})[\s.\-]*(\d{4})` +
			`|((?:15|16|18)\d{2})[\s.\-]*(\d{4})` +
			`|(` + areaCode + `)[\s.\-)]+(\d{3,4})[\s.\-]+(\d{4})` +
			`|(` + areaCode + `)(\d{3,4})(\d{4})`,
	)
)

var (
	faxKeywords      = []string{"fax", "facsimile", "f.", "f:", "fx", "팩스"}
	negativeKeywords = []string{"계좌", "은행", "예금", "bank", "account", "iban", "swift", "예금주", "price"}
	emailNoise       = []string{".png", ".jpg", ".gif", ".js", "w3.org", "example", "sentry", "u003e", ".css", "node_modules"}

	garbageNumbers = []string{
		"02-1212-2121", "02-1231-2132", "010-101-0101", "010-0000-0000",
		"02-000-0000", "02-1111-1111", "010-1234-5678", "010-1111-2222",
		"000-0000-0000", "123-456-7890", "070-1234-5678",
	}
	garbageParts = []string{"0000", "1111", "2222", "3333", "4444", "5555", "6666", "7777", "8888", "9999", "1234", "2345", "5678", "4321"}
)

// Context windows, in characters, around a matched number.
const (
	keywordWindow = 20
	trailWindow   = 10
)

// contacts accumulates distinct values found on a page.
type contacts struct {
	emails map[string]struct{}
	phones map[string]struct{}
	faxes  map[string]struct{}
}

func newContacts() *contacts {
	return &contacts{
		emails: map[string]struct{}{},
		phones: map[string]struct{}{},
		faxes:  map[string]struct{}{},
	}
}

func (c *contacts) addEmail(v string) { c.emails[v] = struct{}{} }

func (c *contacts) addPhone(area, mid, end string, fax bool) {
	if isGarbage(area, mid, end) {
		return
	}
	number := area + "-" + end
	if mid != "" {
		number = area + "-" + mid + "-" + end
	}
	if fax {
		c.faxes[number] = struct{}{}
		return
	}
	c.phones[number] = struct{}{}
}

func isGarbage(area, mid, end string) bool {
	if area != "" && mid == "" && len(end) == 4 && len(area) == 4 {
		// 15xx-xxxx representative numbers have no middle part.
		return slices.Contains(garbageParts, end)
	}
	if len(mid) < 3 || len(end) < 4 {
		return true
	}
	if slices.Contains(garbageNumbers, area+"-"+mid+"-"+end) {
		return true
	}
	if slices.Contains(garbageParts, mid) || slices.Contains(garbageParts, end) {
		return true
	}
	return mid == end
}

// scanText finds emails and phone numbers in free text. A number preceded by
// a fax keyword is recorded as a fax; one near a banking keyword is ignored.
func (c *contacts) scanText(text string) {
	for _, email := range emailPattern.FindAllString(text, -1) {
		lower := strings.ToLower(email)
		if slices.ContainsFunc(emailNoise, func(n string) bool { return strings.Contains(lower, n) }) {
			continue
		}
		c.addEmail(email)
	}

	lower := strings.ToLower(text)
	for _, m := range phonePattern.FindAllStringSubmatchIndex(lower, -1) {
		start, end := m[0], m[1]
		if start > 0 && isDigit(lower[start-1]) || end < len(lower) && isDigit(lower[end]) {
			continue
		}
		area, mid, tail := phoneParts(lower, m)
		before := runesBefore(lower, start, keywordWindow)
		around := before + " " + runesAfter(lower, end, trailWindow)
		if containsAny(around, negativeKeywords) {
			continue
		}
		c.addPhone(area, mid, tail, containsAny(before, faxKeywords))
	}
}

func phoneParts(s string, m []int) (area, mid, end string) {
	group := func(i int) string {
		if m[2*i] < 0 {
			return ""
		}
		return s[m[2*i]:m[2*i+1]]
	}
	switch {
	case group(1) != "":
		area = group(1)
		if !strings.HasPrefix(area, "0") {
			area = "0" + area
		}
		return area, group(2), group(3)
	case group(4) != "":
		return group(4), "", group(5)
	case group(6) != "":
		return group(6), group(7), group(8)
	default:
		return group(9), group(10), group(11)
	}
}

// addTelLink handles tel: hrefs, which carry digits without layout.
func (c *contacts) addTelLink(href string) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, strings.TrimPrefix(href, "tel:"))
	switch n := len(digits); {
	case n == 8 && (strings.HasPrefix(digits, "15") || strings.HasPrefix(digits, "16") || strings.HasPrefix(digits, "18")):
		c.addPhone(digits[:4], "", digits[4:], false)
	case n >= 9 && n <= 11 && strings.HasPrefix(digits, "02"):
		c.addPhone("02", digits[2:n-4], digits[n-4:], false)
	case n >= 10 && n <= 11:
		prefix := digits[:3]
		if strings.HasPrefix(prefix, "01") && prefix != "010" {
			return
		}
		c.addPhone(prefix, digits[3:n-4], digits[n-4:], false)
	}
}

func (c *contacts) addMailLink(href string) {
	addr, _, _ := strings.Cut(strings.TrimPrefix(href, "mailto:"), "?")
	addr = strings.TrimSpace(addr)
	if strings.Contains(addr, "@") {
		c.addEmail(addr)
	}
}

func runesBefore(s string, pos, n int) string {
	i := pos
	for ; n > 0 && i > 0; n-- {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return s[i:pos]
}

func runesAfter(s string, pos, n int) string {
	i := pos
	for ; n > 0 && i < len(s); n-- {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[pos:i]
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// joined returns the sorted distinct values joined by ", " and cut to limit bytes
// on a rune boundary.
func joined(set map[string]struct{}, limit int) string {
	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	slices.Sort(values)
	out := strings.Join(values, ", ")
	if len(out) <= limit {
		return out
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut]
}
