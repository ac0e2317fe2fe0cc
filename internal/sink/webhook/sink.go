// Package webhook delivers batches to a spreadsheet-style HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/IINGS/Crawler/internal/crawler"
)

const (
	maxResponseBytes = 1 << 20
	maxErrorBody     = 512
)

// Config controls the webhook endpoint.
//   - Envelope: JSON key wrapping the record array; empty posts the bare array.
type Config struct {
	URL       string
	Envelope  string
	Timeout   time.Duration
	UserAgent string
}

// Sink posts batches as JSON and interprets the endpoint's result field.
type Sink struct {
	cfg    Config
	client *http.Client
}

type response struct {
	Result  string `json:"result"`
	Msg     string `json:"msg"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// New builds a Sink. A nil client gets a default one honouring cfg.Timeout.
func New(cfg Config, client *http.Client) (*Sink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Sink{cfg: cfg, client: client}, nil
}

// Send posts one batch. Non-2xx responses are returned as *crawler.HTTPStatusError.
func (s *Sink) Send(ctx context.Context, batch []crawler.Record) (crawler.SendResult, error) {
	var payload any = batch
	if s.cfg.Envelope != "" {
		payload = map[string]any{s.cfg.Envelope: batch}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return crawler.SendResult{}, fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return crawler.SendResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return crawler.SendResult{}, fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return crawler.SendResult{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return crawler.SendResult{}, &crawler.HTTPStatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw))}
	}

	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return crawler.SendResult{}, fmt.Errorf("decode response %q: %w", truncate(string(raw)), err)
	}
	msg := decoded.Msg
	if msg == "" {
		msg = decoded.Message
	}
	res := crawler.SendResult{Message: msg, Count: decoded.Count}
	switch crawler.SendStatus(strings.ToLower(decoded.Result)) {
	case crawler.SendSuccess:
		res.Status = crawler.SendSuccess
	case crawler.SendBusy:
		res.Status = crawler.SendBusy
	default:
		res.Status = crawler.SendError
		if res.Message == "" {
			res.Message = fmt.Sprintf("unexpected result %q", decoded.Result)
		}
	}
	return res, nil
}

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody]
}
