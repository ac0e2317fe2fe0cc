package record

import "strings"

// FormatPhone renders Korean phone numbers as 02-XXX(X)-XXXX,
// 0XX-XXX(X)-XXXX or 1XXX-XXXX. Anything else is returned unchanged.
func FormatPhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	switch {
	case strings.HasPrefix(d, "02") && (len(d) == 9 || len(d) == 10):
		return d[:2] + "-" + d[2:len(d)-4] + "-" + d[len(d)-4:]
	case strings.HasPrefix(d, "0") && (len(d) == 10 || len(d) == 11):
		return d[:3] + "-" + d[3:len(d)-4] + "-" + d[len(d)-4:]
	case strings.HasPrefix(d, "1") && len(d) == 8:
		return d[:4] + "-" + d[4:]
	default:
		return s
	}
}
