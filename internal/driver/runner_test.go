package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IINGS/Crawler/internal/crawler"
	"github.com/IINGS/Crawler/internal/delivery"
)

func newRunner(t *testing.T, h *harness, sources ...Source) *Runner {
	t.Helper()
	r, err := NewRunner(h.driver, sources, h.queue, RunnerConfig{MaxParallelGroups: 2}, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRunnerRejectsDuplicateGroups(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	src := pageSource(t)
	_, err := NewRunner(h.driver, []Source{src, src}, h.queue, RunnerConfig{}, nil)
	require.Error(t, err)
}

func TestRunnerUnknownGroup(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r := newRunner(t, h, pageSource(t))

	_, err := r.Run(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownGroup)
	require.ErrorIs(t, r.Start("nope"), ErrUnknownGroup)
	require.ErrorIs(t, r.Stop(context.Background(), "nope"), ErrUnknownGroup)
	assert.Equal(t, []string{"biz"}, r.Groups())
}

func TestRunnerStartStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.set(listURL+"1", `{"items":[{"name":"Acme","ceo":"Kim"}]}`)
	h.fetcher.blockOn = listURL + "2"
	r := newRunner(t, h, pageSource(t))

	require.NoError(t, r.Start("biz"))
	require.Eventually(t, func() bool {
		cursor, err := h.store.LoadCheckpoint(context.Background(), "biz")
		return err == nil && cursor == crawler.PageCursor(2)
	}, time.Second, 5*time.Millisecond)
	assert.True(t, r.Running("biz"))

	_, err := r.Run(context.Background(), "biz")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, r.Stop(context.Background(), "biz"))
	assert.False(t, r.Running("biz"))

	s, ok := r.LastSummary("biz")
	require.True(t, ok)
	assert.Equal(t, 1, s.Pages)
	assert.Contains(t, s.Error, "canceled")
	assert.Equal(t, crawler.PageCursor(2), s.Cursor)

	require.NoError(t, r.Stop(context.Background(), "biz"), "stopping an idle group is a no-op")
}

func TestRunnerRunAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := pageSource(t)
	b := pageSource(t)
	b.Group = "other"
	b.URL = "https://other.example/list?page={page}"
	h.fetcher.set(listURL+"1", `{"items":[{"name":"Acme","ceo":"Kim"}]}`)
	h.fetcher.setErr("https://other.example/list?page=1", &crawler.HTTPStatusError{StatusCode: 500})
	r := newRunner(t, h, a, b)

	summaries, err := r.RunAll(context.Background(), r.Groups())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "other")
	require.Len(t, summaries, 2)
	assert.True(t, summaries["biz"].Completed, "a failing group does not cancel the others")
	assert.False(t, summaries["other"].Completed)
}

func TestRunnerFlushAndStopDelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.set(listURL+"1", `{"items":[{"name":"Acme","ceo":"Kim"}]}`)
	h.fetcher.blockOn = listURL + "2"
	r := newRunner(t, h, pageSource(t))

	require.NoError(t, r.Start("biz"))
	require.Eventually(t, func() bool {
		return h.queue.Stats().Enqueued == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.FlushAndStopDelivery(ctx))

	assert.False(t, r.Running("biz"))
	assert.Len(t, h.sink.Records(), 1, "queued records are delivered before shutdown")
	require.ErrorIs(t, h.queue.Enqueue(crawler.Record{}), delivery.ErrClosed)
	require.ErrorIs(t, r.Start("biz"), ErrShuttingDown)
}

func TestRunnerFlushClosesDeliveryWhenRunsOutliveDeadline(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.set(listURL+"1", `{"items":[{"name":"Acme","ceo":"Kim"},{"name":"Beta","ceo":"Lee"}]}`)
	h.fetcher.stallOn = listURL + "2"
	h.fetcher.release = make(chan struct{})
	r := newRunner(t, h, pageSource(t))

	require.NoError(t, r.Start("biz"))
	require.Eventually(t, func() bool {
		return h.queue.Stats().Enqueued == 2
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.FlushAndStopDelivery(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "wait for runs")
	assert.True(t, r.Running("biz"), "the stalled run is still active")

	require.ErrorIs(t, h.queue.Enqueue(crawler.Record{}), delivery.ErrClosed)
	stats := h.queue.Stats()
	assert.Equal(t, int64(2), stats.Enqueued)
	assert.Zero(t, stats.Pending, "every accepted record is delivered or counted as failed")
	assert.Equal(t, stats.Enqueued, stats.Delivered+stats.Rejected+stats.Failed)

	close(h.fetcher.release)
	require.Eventually(t, func() bool { return !r.Running("biz") }, time.Second, 5*time.Millisecond)
}
