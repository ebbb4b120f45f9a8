package downloader

import (
	"context"
)

// Router sends each fetch to Native when it can serve the format and to the
// fallback fetcher otherwise.
type Router struct {
	native   *Native
	fallback Fetcher
}

// NewRouter creates a Router. native may be nil.
func NewRouter(native *Native, fallback Fetcher) *Router {
	return &Router{native: native, fallback: fallback}
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) (FetchResult, error) {
	if r.native != nil && r.native.Supports(req) {
		return r.native.Fetch(ctx, req, progress)
	}

	return r.fallback.Fetch(ctx, req, progress)
}
