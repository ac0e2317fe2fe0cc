package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IINGS/Crawler/internal/app"
	"github.com/IINGS/Crawler/internal/config"
	"github.com/IINGS/Crawler/internal/crawler"
	"github.com/IINGS/Crawler/internal/state"
)

func writeConfig(t *testing.T, listingURL string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	body := fmt.Sprintf(`
server:
  shutdown_timeout: 5s
state:
  backend: sqlite
  dir: %q
sink:
  backend: memory
crawl:
  page_delay: 1ms
enrich:
  enabled: false
sources:
  - group: acme
    name: 테스트
    kind: page
    url: %q
    extraction:
      strategy: json
      base_path: items
      fields:
        기업명: name
        대표자명: ceo
`, stateDir, listingURL+"/list?page={page}")
	path := filepath.Join(dir, "bizcrawl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, stateDir
}

func listing(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			_, _ = io.WriteString(w, `{"items":[{"name":"Acme","ceo":"Kim"}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"items":[]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func quietApp(t *testing.T) {
	t.Helper()
	prev := newApp
	newApp = func(ctx context.Context, cfg config.Config, opts app.Options) (*app.App, error) {
		opts.Logger = zap.NewNop()
		return app.Build(ctx, cfg, opts)
	}
	t.Cleanup(func() { newApp = prev })
}

func TestCrawlDryRunPrintsSummary(t *testing.T) {
	quietApp(t)
	cfgPath, stateDir := writeConfig(t, listing(t).URL)

	out, err := execute(t, "--config", cfgPath, "crawl", "--dry-run")
	require.NoError(t, err)

	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "ENQUEUED")
	_, statErr := os.Stat(stateDir)
	assert.True(t, os.IsNotExist(statErr), "dry run must not create the sqlite state")
}

func TestCrawlUnknownGroup(t *testing.T) {
	quietApp(t)
	cfgPath, _ := writeConfig(t, listing(t).URL)

	_, err := execute(t, "--config", cfgPath, "crawl", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown group")
}

func TestStateShowAndReset(t *testing.T) {
	cfgPath, stateDir := writeConfig(t, listing(t).URL)

	ctx := context.Background()
	store, err := state.Open(ctx, state.Config{Backend: "sqlite", Dir: stateDir})
	require.NoError(t, err)
	require.NoError(t, store.SaveCheckpoint(ctx, "acme", crawler.PageCursor(4)))
	require.NoError(t, store.SaveCheckpoint(ctx, "retired", crawler.SkipCursor(90)))
	require.NoError(t, store.Close())

	out, err := execute(t, "--config", cfgPath, "state", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "page:4")
	assert.Contains(t, out, "retired")
	assert.Contains(t, out, "(unconfigured)")

	out, err = execute(t, "--config", cfgPath, "state", "reset-checkpoint", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "reset checkpoint of acme")

	out, err = execute(t, "--config", cfgPath, "state", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "page:4")

	_, err = execute(t, "--config", cfgPath, "state", "reset-seen", "retired")
	require.Error(t, err)
}
