package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IINGS/Crawler/internal/crawler"
)

func batch() []crawler.Record {
	return []crawler.Record{{Group: "g1", Key: "Acme_Kim", Company: "Acme", CEO: "Kim", Phone: "02-1234-5678"}}
}

func newSink(t *testing.T, envelope string, h http.HandlerFunc) *Sink {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := New(Config{URL: srv.URL, Envelope: envelope, Timeout: time.Second, UserAgent: "bizcrawl-test"}, nil)
	require.NoError(t, err)
	return s
}

func TestSendPostsEnvelope(t *testing.T) {
	t.Parallel()

	s := newSink(t, "data", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "bizcrawl-test", r.UserAgent())
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var payload map[string][]map[string]string
		assert.NoError(t, json.Unmarshal(body, &payload))
		assert.Len(t, payload["data"], 1)
		assert.Equal(t, "Acme_Kim", payload["data"][0]["고유키"])
		assert.Equal(t, "02-1234-5678", payload["data"][0]["전화번호"])
		_, _ = w.Write([]byte(`{"result":"success","count":1}`))
	})

	res, err := s.Send(context.Background(), batch())
	require.NoError(t, err)
	assert.Equal(t, crawler.SendSuccess, res.Status)
	assert.Equal(t, 1, res.Count)
}

func TestSendBareArray(t *testing.T) {
	t.Parallel()

	s := newSink(t, "", func(w http.ResponseWriter, r *http.Request) {
		var payload []map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Len(t, payload, 1)
		_, _ = w.Write([]byte(`{"result":"success"}`))
	})

	res, err := s.Send(context.Background(), batch())
	require.NoError(t, err)
	assert.Equal(t, crawler.SendSuccess, res.Status)
}

func TestSendResultDiscriminator(t *testing.T) {
	t.Parallel()

	cases := map[string]crawler.SendStatus{
		`{"result":"busy","msg":"lock timeout"}`: crawler.SendBusy,
		`{"result":"error","msg":"bad sheet"}`:   crawler.SendError,
		`{"result":"???"}`:                       crawler.SendError,
	}
	for body, want := range cases {
		s := newSink(t, "data", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		})
		res, err := s.Send(context.Background(), batch())
		require.NoError(t, err, body)
		assert.Equal(t, want, res.Status, body)
		assert.NotEmpty(t, res.Message, body)
	}
}

func TestSendStatusErrors(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusBadGateway} {
		s := newSink(t, "data", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", code)
		})
		_, err := s.Send(context.Background(), batch())
		var statusErr *crawler.HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, code, statusErr.StatusCode)
		assert.Contains(t, statusErr.Body, "nope")
	}
}

func TestSendUndecodableBody(t *testing.T) {
	t.Parallel()

	s := newSink(t, "data", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	})
	_, err := s.Send(context.Background(), batch())
	require.ErrorContains(t, err, "decode response")
}

func TestNewRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
}
