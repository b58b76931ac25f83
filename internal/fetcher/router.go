package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"strings"

	"download-queue/internal/queue"
)

// ErrUnsupportedScheme is returned for locators no registered fetcher handles.
var ErrUnsupportedScheme = errors.New("fetcher: unsupported scheme")

// Router dispatches transfers by locator scheme.
type Router struct {
	routes map[string]queue.Fetcher
	order  []queue.Fetcher
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]queue.Fetcher)}
}

// Handle registers f for the given schemes. A later registration for the same
// scheme wins.
func (r *Router) Handle(f queue.Fetcher, schemes ...string) *Router {
	for _, s := range schemes {
		r.routes[strings.ToLower(s)] = f
	}
	for _, known := range r.order {
		if sameFetcher(known, f) {
			return r
		}
	}
	r.order = append(r.order, f)
	return r
}

// sameFetcher reports whether a and b are the same registration. Values of
// non-comparable types, such as FetcherFunc, are always distinct.
func sameFetcher(a, b queue.Fetcher) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) || !reflect.ValueOf(a).Comparable() {
		return false
	}
	return a == b
}

// Schemes lists the registered schemes.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.routes))
	for s := range r.routes {
		out = append(out, s)
	}
	return out
}

// Supports reports whether locator has a registered scheme.
func (r *Router) Supports(locator string) bool {
	_, err := r.lookup(locator)
	return err == nil
}

// Transfer implements queue.Fetcher.
func (r *Router) Transfer(ctx context.Context, locator string, sink queue.Sink, opts queue.TransferOptions) (int64, error) {
	f, err := r.lookup(locator)
	if err != nil {
		return 0, err
	}
	return f.Transfer(ctx, locator, sink, opts)
}

func (r *Router) lookup(locator string) (queue.Fetcher, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, fmt.Errorf("parse locator: %w", err)
	}
	f, ok := r.routes[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return f, nil
}

// Close closes every registered fetcher that implements io.Closer.
func (r *Router) Close() error {
	var errs []error
	for _, f := range r.order {
		if c, ok := f.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

var _ queue.Fetcher = (*Router)(nil)
