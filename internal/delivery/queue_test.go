package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IINGS/Crawler/internal/crawler"
	"github.com/IINGS/Crawler/internal/storage/memory"
)

type sendCall struct {
	res crawler.SendResult
	err error
}

// stubSink replays scripted responses and then succeeds.
type stubSink struct {
	mu      sync.Mutex
	script  []sendCall
	batches [][]crawler.Record
	always  *sendCall
}

func (s *stubSink) Send(_ context.Context, batch []crawler.Record) (crawler.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]crawler.Record(nil), batch...))
	if s.always != nil {
		return s.always.res, s.always.err
	}
	if len(s.script) > 0 {
		next := s.script[0]
		s.script = s.script[1:]
		return next.res, next.err
	}
	return crawler.SendResult{Status: crawler.SendSuccess, Count: len(batch)}, nil
}

func (s *stubSink) Batches() [][]crawler.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]crawler.Record(nil), s.batches...)
}

func (s *stubSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func fastRetry(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		LinearStep: time.Millisecond,
	}
}

func rec(group string, i int) crawler.Record {
	return crawler.Record{Group: group, Key: fmt.Sprintf("company%d_ceo", i), Company: fmt.Sprintf("company%d", i)}
}

func TestQueueBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	q := New(Config{BatchSize: 3, IdleWait: time.Minute, Retry: fastRetry(0)}, sink)
	defer func() { require.NoError(t, q.Close(context.Background())) }()

	for i := range 4 {
		require.NoError(t, q.Enqueue(rec("g1", i)))
	}
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestQueueBatchByIdleWindow(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	q := New(Config{BatchSize: 10, IdleWait: 25 * time.Millisecond, Retry: fastRetry(0)}, sink)
	defer func() { require.NoError(t, q.Close(context.Background())) }()

	require.NoError(t, q.Enqueue(rec("g1", 1)))
	require.NoError(t, q.Enqueue(rec("g1", 2)))
	require.Eventually(t, func() bool { return sink.Calls() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	b := sink.Batches()
	require.Len(t, b, 1)
	assert.Len(t, b[0], 2)
}

func TestQueueDrainCompleteness(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	q := New(Config{BatchSize: 7, IdleWait: time.Minute, Retry: fastRetry(0)}, sink)

	const producers, perProducer = 8, 125
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				assert.NoError(t, q.Enqueue(rec(fmt.Sprintf("g%d", p), i)))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, q.Close(context.Background()))

	total := 0
	for _, b := range sink.Batches() {
		assert.LessOrEqual(t, len(b), 7)
		total += len(b)
	}
	assert.Equal(t, producers*perProducer, total)
	stats := q.Stats()
	assert.Equal(t, int64(producers*perProducer), stats.Enqueued)
	assert.Equal(t, stats.Enqueued, stats.Delivered)
	assert.Zero(t, stats.Pending)
}

func TestQueueEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	q := New(Config{}, &stubSink{})
	require.NoError(t, q.Close(context.Background()))
	require.NoError(t, q.Close(context.Background()))
	require.ErrorIs(t, q.Enqueue(rec("g", 1)), ErrClosed)
}

func TestQueueRetriesBusyThenDelivers(t *testing.T) {
	t.Parallel()

	sink := &stubSink{script: []sendCall{
		{res: crawler.SendResult{Status: crawler.SendBusy, Message: "lock"}},
		{res: crawler.SendResult{Status: crawler.SendBusy, Message: "lock"}},
	}}
	q := New(Config{BatchSize: 1, Retry: fastRetry(5)}, sink)
	require.NoError(t, q.Enqueue(rec("g1", 1)))
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, 3, sink.Calls())
	assert.Equal(t, int64(1), q.Stats().Delivered)
}

func TestQueueRetriesServerErrors(t *testing.T) {
	t.Parallel()

	sink := &stubSink{script: []sendCall{
		{err: &crawler.HTTPStatusError{StatusCode: 503}},
		{err: errors.New("connection reset by peer")},
	}}
	q := New(Config{BatchSize: 1, Retry: fastRetry(5)}, sink)
	require.NoError(t, q.Enqueue(rec("g1", 1)))
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, 3, sink.Calls())
	assert.Equal(t, int64(1), q.Stats().Delivered)
}

func TestQueueDropsRejectedBatchWithoutRetry(t *testing.T) {
	t.Parallel()

	archive := memory.NewBlobStore()
	sink := &stubSink{script: []sendCall{
		{err: &crawler.HTTPStatusError{StatusCode: 400, Body: "bad payload"}},
		{res: crawler.SendResult{Status: crawler.SendError, Message: "sheet missing"}},
	}}
	q := New(Config{BatchSize: 1, Retry: fastRetry(5), DeadLetter: archive, DeadLetterPrefix: "dl"}, sink)
	require.NoError(t, q.Enqueue(rec("g1", 1)))
	require.NoError(t, q.Enqueue(rec("g1", 2)))
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, 2, sink.Calls())
	stats := q.Stats()
	assert.Equal(t, int64(2), stats.Rejected)
	assert.Zero(t, stats.Delivered)

	paths := archive.Paths()
	require.Len(t, paths, 2)
	for _, p := range paths {
		assert.Regexp(t, `^dl/\d{4}/\d{2}/\d{2}/rejected-[0-9a-f]{16}\.json$`, p)
	}
	body, ok := archive.Get(paths[0])
	require.True(t, ok)
	var rows []map[string]string
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0]["고유키"], "_ceo")
}

func TestQueueExhaustedRetriesAreCountedAndArchived(t *testing.T) {
	t.Parallel()

	archive := memory.NewBlobStore()
	sink := &stubSink{always: &sendCall{res: crawler.SendResult{Status: crawler.SendBusy}}}
	q := New(Config{BatchSize: 2, Retry: fastRetry(2), DeadLetter: archive}, sink)
	require.NoError(t, q.Enqueue(rec("g1", 1)))
	require.NoError(t, q.Enqueue(rec("g2", 2)))
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, 3, sink.Calls())
	stats := q.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, stats.Enqueued, stats.Delivered+stats.Rejected+stats.Failed)
	paths := archive.Paths()
	require.Len(t, paths, 1)
	assert.Contains(t, paths[0], "permanent_failure-")
}

func TestQueueCloseDeadlineAbandonsRetries(t *testing.T) {
	t.Parallel()

	sink := &stubSink{always: &sendCall{err: &crawler.HTTPStatusError{StatusCode: 502}}}
	q := New(Config{BatchSize: 1, Retry: RetryPolicy{MaxRetries: 10, LinearStep: time.Hour}}, sink)
	require.NoError(t, q.Enqueue(rec("g1", 1)))
	require.Eventually(t, func() bool { return sink.Calls() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, q.Close(ctx))

	require.Eventually(t, func() bool { return q.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.Calls())
}

// hangingSink blocks every send until its context ends.
type hangingSink struct {
	started chan struct{}
	once    sync.Once
}

func (s *hangingSink) Send(ctx context.Context, _ []crawler.Record) (crawler.SendResult, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return crawler.SendResult{}, ctx.Err()
}

func TestQueueCloseDeadlineCancelsInFlightSend(t *testing.T) {
	t.Parallel()

	sink := &hangingSink{started: make(chan struct{})}
	q := New(Config{BatchSize: 1, SendTimeout: time.Hour, Retry: fastRetry(10)}, sink)
	require.NoError(t, q.Enqueue(rec("g1", 1)))
	require.NoError(t, q.Enqueue(rec("g1", 2)))
	<-sink.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	stats := q.Stats()
	assert.Equal(t, int64(2), stats.Failed, "abandoned records are counted before Close returns")
	assert.Zero(t, stats.Pending)
	require.ErrorIs(t, q.Enqueue(rec("g1", 3)), ErrClosed)
}

func TestGroups(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a", "b"}, Groups([]crawler.Record{{Group: "b"}, {Group: "a"}, {Group: "b"}}))
}
