// Package sites holds per-site hook implementations and the static registry
// the crawl driver consults by source name.
//
// Every hook is optional. A site implements only the interfaces it needs and
// the dispatch helpers in this package pass values through for the rest.
package sites

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/IINGS/Crawler/internal/crawler"
)

// Hooks is a site hook set. It may implement any of the *Hook interfaces.
type Hooks any

// StartHook runs once before the first fetch, e.g. to establish a session.
type StartHook interface {
	OnStart(ctx context.Context, fetcher crawler.Fetcher) error
}

// RequestHook may rewrite a request before it is sent, or skip it.
type RequestHook interface {
	BeforeRequest(ctx context.Context, req *crawler.FetchRequest, cursor crawler.Cursor) (skip bool, err error)
}

// SaveHook may rewrite an extracted row or drop it by returning false.
type SaveHook interface {
	BeforeSave(row map[string]string) (map[string]string, bool)
}

// ErrorHook observes errors that stop a run.
type ErrorHook interface {
	OnError(ctx context.Context, err error, cursor crawler.Cursor)
}

// FinishHook runs once after a run ends, successful or not.
type FinishHook interface {
	OnFinish(ctx context.Context, summary crawler.RunSummary)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Hooks{}
)

// Register adds hooks under name. It panics on a duplicate name.
func Register(name string, h Hooks) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("sites: Register called twice for %q", name))
	}
	registry[name] = h
}

// Lookup returns the hooks registered under name.
func Lookup(name string) (Hooks, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := registry[name]
	return h, ok
}

// Names lists registered sites in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnStart runs h's StartHook if present.
func OnStart(ctx context.Context, h Hooks, fetcher crawler.Fetcher) error {
	if hook, ok := h.(StartHook); ok {
		return hook.OnStart(ctx, fetcher)
	}
	return nil
}

// BeforeRequest runs h's RequestHook if present.
func BeforeRequest(ctx context.Context, h Hooks, req *crawler.FetchRequest, cursor crawler.Cursor) (bool, error) {
	if hook, ok := h.(RequestHook); ok {
		return hook.BeforeRequest(ctx, req, cursor)
	}
	return false, nil
}

// BeforeSave runs h's SaveHook if present.
func BeforeSave(h Hooks, row map[string]string) (map[string]string, bool) {
	if hook, ok := h.(SaveHook); ok {
		return hook.BeforeSave(row)
	}
	return row, true
}

// OnError runs h's ErrorHook if present.
func OnError(ctx context.Context, h Hooks, err error, cursor crawler.Cursor) {
	if hook, ok := h.(ErrorHook); ok {
		hook.OnError(ctx, err, cursor)
	}
}

// OnFinish runs h's FinishHook if present.
func OnFinish(ctx context.Context, h Hooks, summary crawler.RunSummary) {
	if hook, ok := h.(FinishHook); ok {
		hook.OnFinish(ctx, summary)
	}
}
