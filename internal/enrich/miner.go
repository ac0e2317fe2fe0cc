// Package enrich fills missing contact fields by scanning company homepages.
package enrich

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/IINGS/Crawler/internal/crawler"
)

// Field length limits applied after joining.
const (
	maxEmailLen = 300
	maxPhoneLen = 100
	maxFaxLen   = 50
	maxFrames   = 5
)

// DefaultBlockedDomains are portals and social sites whose pages describe many
// companies and would pollute contact fields.
var DefaultBlockedDomains = []string{
	"facebook.com", "instagram.com", "jobkorea.co.kr", "saramin.co.kr",
	"jobplanet.co.kr", "buykorea.org", "incruit.com", "catch.co.kr",
	"work.go.kr", "linkedin.com", "youtube.com", "namu.wiki", "nicebiz", "kedkorea",
	"crediv.co.kr", "kisreport.com", "blog.naver.com",
}

// Config controls the miner.
type Config struct {
	BlockedDomains []string
}

// ContactMiner implements crawler.Enricher.
type ContactMiner struct {
	fetcher crawler.Fetcher
	blocked []string
	logger  *zap.Logger
}

// NewContactMiner builds a miner. A nil BlockedDomains uses DefaultBlockedDomains.
func NewContactMiner(fetcher crawler.Fetcher, cfg Config, logger *zap.Logger) *ContactMiner {
	if logger == nil {
		logger = zap.NewNop()
	}
	blocked := cfg.BlockedDomains
	if blocked == nil {
		blocked = DefaultBlockedDomains
	}
	return &ContactMiner{fetcher: fetcher, blocked: blocked, logger: logger}
}

// Enrich fetches the record's homepage and fills empty email, phone and fax
// fields. Fetch failures are logged and the record is returned unchanged.
func (m *ContactMiner) Enrich(ctx context.Context, rec crawler.Record) (crawler.Record, error) {
	if rec.Email != "" && rec.Phone != "" && rec.Fax != "" {
		return rec, nil
	}
	target, ok := m.homepageURL(rec.Homepage)
	if !ok {
		return rec, nil
	}
	found, err := m.mine(ctx, rec.Group, target)
	if err != nil {
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		m.logger.Debug("homepage fetch failed",
			zap.String("group", rec.Group),
			zap.String("key", rec.Key),
			zap.String("url", target),
			zap.Error(err),
		)
		return rec, nil
	}
	if rec.Email == "" {
		rec.Email = joined(found.emails, maxEmailLen)
	}
	if rec.Phone == "" {
		rec.Phone = joined(found.phones, maxPhoneLen)
	}
	if rec.Fax == "" {
		rec.Fax = joined(found.faxes, maxFaxLen)
	}
	return rec, nil
}

func (m *ContactMiner) homepageURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	if raw == "" || raw == "-" || lower == "http://" || lower == "https://" {
		return "", false
	}
	if !strings.HasPrefix(lower, "http") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	for _, d := range m.blocked {
		if strings.Contains(strings.ToLower(u.Host+u.Path), d) {
			return "", false
		}
	}
	return u.String(), true
}

func (m *ContactMiner) mine(ctx context.Context, group, target string) (*contacts, error) {
	resp, err := m.fetcher.Fetch(ctx, crawler.FetchRequest{Group: group, URL: target})
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, err
	}

	found := newContacts()
	doc.Find(`a[href^="tel:"]`).Each(func(_ int, s *goquery.Selection) {
		found.addTelLink(s.AttrOr("href", ""))
	})
	doc.Find(`a[href^="mailto:"]`).Each(func(_ int, s *goquery.Selection) {
		found.addMailLink(s.AttrOr("href", ""))
	})

	var text strings.Builder
	text.WriteString(visibleText(doc))
	text.WriteByte(' ')
	text.WriteString(m.frameText(ctx, group, resp.URL, doc))
	text.WriteByte(' ')
	text.Write(resp.Body)
	found.scanText(text.String())
	return found, nil
}

// frameText fetches frame and iframe documents, which older company sites
// use to wrap their whole layout.
func (m *ContactMiner) frameText(ctx context.Context, group, base string, doc *goquery.Document) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	var parts []string
	doc.Find("frame[src], iframe[src]").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if i >= maxFrames || ctx.Err() != nil {
			return false
		}
		ref, err := url.Parse(s.AttrOr("src", ""))
		if err != nil {
			return true
		}
		resp, err := m.fetcher.Fetch(ctx, crawler.FetchRequest{Group: group, URL: baseURL.ResolveReference(ref).String()})
		if err != nil {
			return true
		}
		frame, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			return true
		}
		parts = append(parts, visibleText(frame))
		return true
	})
	return strings.Join(parts, " ")
}

func visibleText(doc *goquery.Document) string {
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
