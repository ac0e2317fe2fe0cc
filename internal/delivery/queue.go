// Package delivery buffers accepted records and drains them to a sink in
// batches from a single background worker.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/IINGS/Crawler/internal/crawler"
	"github.com/IINGS/Crawler/internal/hash/sha256"
	"github.com/IINGS/Crawler/internal/metrics"
)

// ErrClosed is returned by Enqueue once Close has been called.
var ErrClosed = errors.New("delivery queue closed")

// Config controls batching and retry behaviour.
//   - BatchSize: flush once this many records are buffered (default 150).
//   - IdleWait: flush a partial batch after this long without arrivals (default 100ms).
//   - SendTimeout: per-attempt sink timeout (default 45s).
//   - Retry: backoff policy per batch.
//   - DeadLetter: optional archive for rejected and failed batches.
type Config struct {
	BatchSize        int
	IdleWait         time.Duration
	SendTimeout      time.Duration
	Retry            RetryPolicy
	DeadLetter       crawler.BlobStore
	DeadLetterPrefix string
	Hasher           crawler.Hasher
	Clock            crawler.Clock
	BaseContext      context.Context
	Logger           *zap.Logger
}

const (
	defaultBatchSize   = 150
	defaultIdleWait    = 100 * time.Millisecond
	defaultSendTimeout = 45 * time.Second

	// abortGrace bounds how long Close waits for the worker to record abandoned
	// batches after its context expires.
	abortGrace = 2 * time.Second
)

// Queue is a multi-producer, single-consumer delivery buffer. Enqueue never
// blocks; the buffer is bounded only by memory.
type Queue struct {
	cfg    Config
	sink   crawler.Sink
	logger *zap.Logger

	mu      sync.Mutex
	pending []crawler.Record
	closed  bool

	notify  chan struct{}
	stopCh  chan struct{}
	abortCh chan struct{}
	doneCh  chan struct{}

	closeOnce sync.Once
	abortOnce sync.Once

	enqueued  atomic.Int64
	delivered atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
}

// New starts the background worker draining into sink.
func New(cfg Config, sink crawler.Sink) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = defaultIdleWait
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Hasher == nil {
		cfg.Hasher = sha256.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.Named("delivery"),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		abortCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends record to the shared buffer.
func (q *Queue) Enqueue(record crawler.Record) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, record)
	depth := len(q.pending)
	q.mu.Unlock()

	q.enqueued.Add(1)
	metrics.SetQueueDepth(depth)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() crawler.DeliveryStats {
	s := crawler.DeliveryStats{
		Enqueued:  q.enqueued.Load(),
		Delivered: q.delivered.Load(),
		Rejected:  q.rejected.Load(),
		Failed:    q.failed.Load(),
	}
	s.Pending = s.Enqueued - s.Delivered - s.Rejected - s.Failed
	return s
}

// Close stops accepting records and blocks until every buffered record has been
// delivered, rejected or permanently failed. If ctx expires first, the in-flight
// send and remaining retries are abandoned and counted as failed, Close waits up
// to abortGrace for the worker to log them, and the context error is returned.
func (q *Queue) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.stopCh)
	})
	select {
	case <-q.doneCh:
		return nil
	case <-ctx.Done():
		q.abortOnce.Do(func() { close(q.abortCh) })
		grace := time.NewTimer(abortGrace)
		defer grace.Stop()
		select {
		case <-q.doneCh:
		case <-grace.C:
			q.logger.Error("delivery worker did not stop after drain deadline",
				zap.String("event", "delivery_abandoned"),
				zap.Bool("delivery_lost", true),
				zap.Int64("pending", q.Stats().Pending))
		}
		return fmt.Errorf("delivery drain wait: %w", ctx.Err())
	}
}

func (q *Queue) take() []crawler.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

func (q *Queue) run() {
	defer close(q.doneCh)
	batch := make([]crawler.Record, 0, q.cfg.BatchSize)
	timer := time.NewTimer(q.cfg.IdleWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case <-q.notify:
			batch = append(batch, q.take()...)
			batch = q.flushFull(batch)
			if len(batch) > 0 {
				resetTimer(timer, &timerActive, q.cfg.IdleWait)
			} else {
				stopTimer(timer, &timerActive)
			}
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				q.flush(batch)
				batch = batch[:0]
			}
		case <-q.stopCh:
			stopTimer(timer, &timerActive)
			batch = append(batch, q.take()...)
			batch = q.flushFull(batch)
			if len(batch) > 0 {
				q.flush(batch)
			}
			metrics.SetQueueDepth(0)
			return
		}
	}
}

func (q *Queue) flushFull(batch []crawler.Record) []crawler.Record {
	for len(batch) >= q.cfg.BatchSize {
		q.flush(batch[:q.cfg.BatchSize])
		batch = append(batch[:0], batch[q.cfg.BatchSize:]...)
	}
	return batch
}

func resetTimer(timer *time.Timer, active *bool, d time.Duration) {
	stopTimer(timer, active)
	timer.Reset(d)
	*active = true
}

func stopTimer(timer *time.Timer, active *bool) {
	if !*active {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*active = false
}

func (q *Queue) flush(batch []crawler.Record) {
	if len(batch) == 0 {
		return
	}
	records := append([]crawler.Record(nil), batch...)
	groups := groupCounts(records)
	logger := q.logger.With(zap.Int("batch_size", len(records)), zap.Any("groups", groups))

	outcome, lastErr := q.sendWithRetry(records, logger)
	n := int64(len(records))
	switch outcome {
	case outcomeDelivered:
		q.delivered.Add(n)
		logger.Info("batch delivered")
	case outcomeRejected:
		q.rejected.Add(n)
		logger.Error("batch rejected by sink",
			zap.String("event", "delivery_rejected"),
			zap.Bool("delivery_lost", true),
			zap.Error(lastErr))
		q.archive(records, outcome)
	case outcomeFailed:
		q.failed.Add(n)
		logger.Error("batch permanently failed",
			zap.String("event", "delivery_permanent_failure"),
			zap.Bool("delivery_lost", true),
			zap.Int("max_retries", q.cfg.Retry.MaxRetries),
			zap.Error(lastErr))
		q.archive(records, outcome)
	}
	metrics.ObserveDelivery(string(outcome), len(records))
	metrics.SetQueueDepth(q.pendingLen())
}

func (q *Queue) pendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

type outcome string

const (
	outcomeDelivered outcome = "delivered"
	outcomeRejected  outcome = "rejected"
	outcomeFailed    outcome = "permanent_failure"
)

func (q *Queue) sendWithRetry(records []crawler.Record, logger *zap.Logger) (outcome, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if q.aborted() {
			return outcomeFailed, errors.Join(lastErr, errors.New("drain deadline exceeded"))
		}
		res, err := q.send(records)
		if err != nil && (q.cfg.BaseContext.Err() != nil || q.aborted()) {
			return outcomeFailed, err
		}

		v := q.cfg.Retry.judge(res, err)
		switch v {
		case verdictDelivered:
			return outcomeDelivered, nil
		case verdictRejected:
			if err == nil {
				err = fmt.Errorf("sink returned %q: %s", res.Status, res.Message)
			}
			return outcomeRejected, err
		}
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("sink busy: %s", res.Message)
		}
		if attempt >= q.cfg.Retry.MaxRetries {
			return outcomeFailed, lastErr
		}
		wait := q.cfg.Retry.backoff(v, attempt+1)
		logger.Warn("batch send will be retried",
			zap.String("reason", v.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(lastErr))
		if !q.sleep(wait) {
			return outcomeFailed, errors.Join(lastErr, errors.New("retry interrupted"))
		}
	}
}

// send makes one attempt, cut short by SendTimeout or an aborted drain.
func (q *Queue) send(records []crawler.Record) (crawler.SendResult, error) {
	ctx, cancel := context.WithTimeout(q.cfg.BaseContext, q.cfg.SendTimeout)
	defer cancel()
	go func() {
		select {
		case <-q.abortCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return q.sink.Send(ctx, records)
}

func (q *Queue) aborted() bool {
	select {
	case <-q.abortCh:
		return true
	default:
		return false
	}
}

func (q *Queue) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.abortCh:
		return false
	case <-q.cfg.BaseContext.Done():
		return false
	}
}

// archive writes a lost batch to the dead-letter store so it can be replayed.
func (q *Queue) archive(records []crawler.Record, o outcome) {
	if q.cfg.DeadLetter == nil {
		return
	}
	payload, err := json.Marshal(records)
	if err != nil {
		q.logger.Error("marshal dead letter batch", zap.Error(err))
		return
	}
	name, err := q.objectName(payload, o)
	if err != nil {
		q.logger.Error("name dead letter batch", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(q.cfg.BaseContext), q.cfg.SendTimeout)
	defer cancel()
	uri, err := q.cfg.DeadLetter.PutObject(ctx, name, "application/json", bytes.NewReader(payload))
	if err != nil {
		q.logger.Error("archive dead letter batch", zap.Error(err))
		return
	}
	q.logger.Warn("lost batch archived", zap.String("uri", uri), zap.Int("batch_size", len(records)))
}

func (q *Queue) objectName(payload []byte, o outcome) (string, error) {
	digest, err := q.cfg.Hasher.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	now := time.Now().UTC()
	if q.cfg.Clock != nil {
		now = q.cfg.Clock.Now()
	}
	name := fmt.Sprintf("%s/%s-%s.json", now.Format("2006/01/02"), o, digest[:16])
	if q.cfg.DeadLetterPrefix != "" {
		name = strings.TrimSuffix(q.cfg.DeadLetterPrefix, "/") + "/" + name
	}
	return name, nil
}

func groupCounts(records []crawler.Record) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Group]++
	}
	return counts
}

// Groups lists the distinct groups present in records, sorted.
func Groups(records []crawler.Record) []string {
	return slices.Sorted(maps.Keys(groupCounts(records)))
}
