// Package memory provides a sink that keeps delivered batches in memory.
package memory

import (
	"context"
	"sync"

	"github.com/IINGS/Crawler/internal/crawler"
)

// Sink stores every batch it receives.
type Sink struct {
	mu      sync.Mutex
	batches [][]crawler.Record
}

// New creates an empty Sink.
func New() *Sink {
	return &Sink{}
}

// Send records the batch and reports success.
func (s *Sink) Send(_ context.Context, batch []crawler.Record) (crawler.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]crawler.Record(nil), batch...))
	return crawler.SendResult{Status: crawler.SendSuccess, Count: len(batch)}, nil
}

// Batches returns a copy of the received batches.
func (s *Sink) Batches() [][]crawler.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]crawler.Record(nil), s.batches...)
}

// Records flattens every received batch.
func (s *Sink) Records() []crawler.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.Record
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}
