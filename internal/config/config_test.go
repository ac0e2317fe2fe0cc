package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/IINGS/Crawler/internal/crawler"
)

const fullYAML = `
logging:
  development: true
  level: debug
server:
  port: 9090
state:
  backend: postgres
  dsn: postgres://crawler@localhost/crawl
http:
  user_agents:
    - ua-a
    - ua-b
delivery:
  batch_size: 50
  idle_wait: 250ms
  max_retries: 3
sink:
  backend: webhook
  webhook:
    url: https://script.example/exec
    envelope: ""
dead_letter:
  backend: local
  dir: /var/lib/bizcrawl/dead
headless:
  enabled: true
sources:
  - group: innobiz
    name: INNOBIZ
    site: innobiz
    kind: page
    url: https://www.innobiz.net/company/company2_list.asp
    method: post
    form:
      - name: pageIndex
        value: "{page}"
    max_page: 40
    page_delay: 3s
    schedule: "0 3 * * *"
    extraction:
      strategy: css
      base_selector: table.list tbody tr
      fields:
        기업명: td:nth-child(2)
        _raw_html: self > inner_html
  - group: cretop
    name: CRETOP
    site: cretop
    kind: skip
    url: https://www.cretop.com/api/list?offset={skip}
    page_size: 30
    headless: true
    actions:
      - type: wait_visible
        selector: "#result"
        wait: 2s
    extraction:
      strategy: json
      base_path: data.items
      fields:
        기업명: corpNm
  - group: localdata_hospital
    name: LOCALDATA
    site: localdata
    kind: file
    dir: /data/localdata_hospital
    extraction:
      strategy: xml
      row_xpath: //row
      fields:
        기업명: bplcNm
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected server/logging overrides, got %+v %+v", cfg.Server, cfg.Logging)
	}
	if cfg.Delivery.IdleWait != 250*time.Millisecond || cfg.Delivery.BatchSize != 50 {
		t.Fatalf("expected delivery overrides, got %+v", cfg.Delivery)
	}
	if cfg.Delivery.LinearStep != 3*time.Second || cfg.Delivery.BackoffMax != time.Minute {
		t.Fatalf("expected delivery defaults to remain, got %+v", cfg.Delivery)
	}
	if len(cfg.HTTP.UserAgents) != 2 || cfg.HTTP.UserAgents[1] != "ua-b" || cfg.HTTP.UserAgent == "" {
		t.Fatalf("expected user agent pool with default fallback, got %+v", cfg.HTTP)
	}
	if cfg.Sink.Webhook.Envelope != "" {
		t.Fatalf("expected explicit empty envelope, got %q", cfg.Sink.Webhook.Envelope)
	}
	if len(cfg.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(cfg.Sources))
	}

	inno, ok := cfg.Source("innobiz")
	if !ok {
		t.Fatal("innobiz source missing")
	}
	if inno.Method != "POST" || inno.FormValues()["pageIndex"] != "{page}" {
		t.Fatalf("expected case-preserving POST form, got %q %+v", inno.Method, inno.Form)
	}
	if got := cfg.EffectivePageDelay(inno); got != 3*time.Second {
		t.Fatalf("expected source page delay, got %v", got)
	}
	if inno.Extraction.Fields["_raw_html"] != "self > inner_html" {
		t.Fatalf("unexpected fields: %+v", inno.Extraction.Fields)
	}

	cretop, _ := cfg.Source("cretop")
	if cretop.Kind != crawler.KindSkip || cretop.PageSize != 30 {
		t.Fatalf("unexpected cretop source: %+v", cretop)
	}
	if len(cretop.Actions) != 1 || cretop.Actions[0].Wait != 2*time.Second {
		t.Fatalf("expected browser action with wait, got %+v", cretop.Actions)
	}
	if got := cfg.EffectivePageDelay(cretop); got != time.Second {
		t.Fatalf("expected default page delay, got %v", got)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BIZCRAWL_SINK_WEBHOOK_URL", "https://env.example/hook")
	t.Setenv("BIZCRAWL_STATE_BACKEND", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sink.Webhook.URL != "https://env.example/hook" {
		t.Fatalf("expected env webhook url, got %q", cfg.Sink.Webhook.URL)
	}
	if cfg.State.Backend != "memory" {
		t.Fatalf("expected env state backend, got %q", cfg.State.Backend)
	}
	if cfg.Sink.Webhook.Envelope != "data" || cfg.Delivery.BatchSize != 150 {
		t.Fatalf("expected defaults, got %+v %+v", cfg.Sink.Webhook, cfg.Delivery)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func validSource() SourceConfig {
	return SourceConfig{
		Group: "biz",
		Name:  "BIZ",
		Kind:  crawler.KindPage,
		URL:   "https://dir.example/list?page={page}",
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		State:    StateConfig{Backend: "sqlite"},
		Sink:     SinkConfig{Backend: "webhook"},
		Delivery: DeliveryConfig{BatchSize: 10},
		HTTP:     HTTPConfig{Timeout: time.Second},
		Crawl:    CrawlConfig{MaxParallelGroups: 1},
	}
	withSource := func(mut func(*SourceConfig)) Config {
		c := base
		s := validSource()
		s.Extraction.Fields = map[string]string{"기업명": "td"}
		mut(&s)
		c.Sources = []SourceConfig{s}
		return c
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "invalid port", cfg: func() Config { c := base; c.Server.Port = 0; return c }(), want: "server.port"},
		{name: "unknown state backend", cfg: func() Config { c := base; c.State.Backend = "redis"; return c }(), want: "state.backend"},
		{name: "postgres without dsn", cfg: func() Config { c := base; c.State.Backend = "postgres"; return c }(), want: "state.dsn"},
		{name: "pubsub without topic", cfg: func() Config { c := base; c.Sink.Backend = "pubsub"; return c }(), want: "sink.pubsub"},
		{name: "gcs without bucket", cfg: func() Config { c := base; c.DeadLetter.Backend = "gcs"; return c }(), want: "dead_letter.bucket"},
		{name: "bad group name", cfg: withSource(func(s *SourceConfig) { s.Group = "../etc" }), want: "groupname"},
		{name: "bad kind", cfg: withSource(func(s *SourceConfig) { s.Kind = "scroll" }), want: "oneof"},
		{name: "missing placeholder", cfg: withSource(func(s *SourceConfig) { s.URL = "https://dir.example/list" }), want: "{page}"},
		{name: "skip without page size", cfg: withSource(func(s *SourceConfig) {
			s.Kind = crawler.KindSkip
			s.URL = "https://dir.example/list?o={skip}"
		}), want: "page_size"},
		{name: "file without dir", cfg: withSource(func(s *SourceConfig) { s.Kind = crawler.KindFile; s.URL = "" }), want: "dir"},
		{name: "headless disabled", cfg: withSource(func(s *SourceConfig) { s.Headless = true }), want: "headless.enabled"},
		{name: "no fields", cfg: withSource(func(s *SourceConfig) { s.Extraction.Fields = nil }), want: "extraction.fields"},
		{name: "bad schedule", cfg: withSource(func(s *SourceConfig) { s.Schedule = "every day" }), want: "schedule"},
		{name: "duplicate group", cfg: func() Config {
			c := withSource(func(*SourceConfig) {})
			c.Sources = append(c.Sources, c.Sources[0])
			return c
		}(), want: "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error to contain %q, got %v", tt.want, err)
			}
		})
	}

	if err := withSource(func(*SourceConfig) {}).Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
