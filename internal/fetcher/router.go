// Package fetcher routes fetch requests to the plain HTTP or headless
// implementation.
package fetcher

import (
	"context"
	"errors"

	"github.com/IINGS/Crawler/internal/crawler"
)

// ErrHeadlessDisabled is returned when a source needs a browser but none is configured.
var ErrHeadlessDisabled = errors.New("headless fetcher not configured")

// Router dispatches on FetchRequest.UseHeadless.
type Router struct {
	http     crawler.Fetcher
	headless crawler.Fetcher
}

// NewRouter builds a Router. headless may be nil.
func NewRouter(http, headless crawler.Fetcher) *Router {
	return &Router{http: http, headless: headless}
}

// Fetch implements crawler.Fetcher.
func (r *Router) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if req.UseHeadless || len(req.Actions) > 0 {
		if r.headless == nil {
			return crawler.FetchResponse{}, ErrHeadlessDisabled
		}
		resp, err := r.headless.Fetch(ctx, req)
		if err != nil {
			return crawler.FetchResponse{}, err
		}
		resp.UsedHeadless = true
		return resp, nil
	}
	return r.http.Fetch(ctx, req)
}
