// Package memory provides an in-memory state store for dry runs and tests.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/IINGS/Crawler/internal/crawler"
)

type entry struct {
	fingerprint string
	lastSeen    time.Time
}

// Store keeps checkpoints and seen-sets in process memory.
type Store struct {
	mu          sync.RWMutex
	checkpoints map[string]crawler.Cursor
	seen        map[string]map[string]entry
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		checkpoints: make(map[string]crawler.Cursor),
		seen:        make(map[string]map[string]entry),
	}
}

// LoadCheckpoint returns the group's cursor or the zero cursor.
func (s *Store) LoadCheckpoint(_ context.Context, group string) (crawler.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[group], nil
}

// SaveCheckpoint replaces the group's cursor.
func (s *Store) SaveCheckpoint(_ context.Context, group string, cursor crawler.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[group] = cursor
	return nil
}

// ResetCheckpoint clears the group's cursor.
func (s *Store) ResetCheckpoint(_ context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, group)
	return nil
}

// Checkpoints returns a copy of every stored cursor.
func (s *Store) Checkpoints(_ context.Context) (map[string]crawler.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.checkpoints), nil
}

// Classify compares and upserts the fingerprint for key.
func (s *Store) Classify(_ context.Context, group, key, fingerprint string, at time.Time) (crawler.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.seen[group]
	if !ok {
		entries = make(map[string]entry)
		s.seen[group] = entries
	}
	prev, found := entries[key]
	entries[key] = entry{fingerprint: fingerprint, lastSeen: at}
	switch {
	case !found:
		return crawler.ClassNew, nil
	case prev.fingerprint == fingerprint:
		return crawler.ClassUnchanged, nil
	default:
		return crawler.ClassChanged, nil
	}
}

// LastSeen reports when key was last classified in group.
func (s *Store) LastSeen(group, key string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.seen[group][key]
	return e.lastSeen, ok
}

// ResetSeen forgets every key of group.
func (s *Store) ResetSeen(_ context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, group)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
