// Package router intercepts requests from the foreground and answers them
// from the network or the edge cache, depending on what kind of request it is.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/huykn/triage-edge/cache"
	"github.com/huykn/triage-edge/types"
)

// Kind is the classification of an intercepted request.
type Kind string

const (
	KindAPI         Kind = "api"
	KindNavigation  Kind = "navigation"
	KindStatic      Kind = "static"
	KindCrossOrigin Kind = "cross-origin"
	KindPassThrough Kind = "pass-through"
)

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Cache is the part of the edge cache the router reads and writes.
type Cache interface {
	Current() types.CurrentGenerations
	Match(ctx context.Context, key string) (types.Asset, error)
	MatchIn(ctx context.Context, generation, key string) (types.Asset, error)
	Put(ctx context.Context, key string, asset types.Asset) error
	PutIn(ctx context.Context, generation, key string, asset types.Asset) error
}

// Options configures a Router.
type Options struct {
	// Origin is the upstream application origin, e.g. https://triage.example.org.
	Origin string

	// APIPrefix marks same-origin API paths. Defaults to /api/.
	APIPrefix string

	// OfflinePage is the shell path served to navigations when offline.
	// Defaults to /offline.html.
	OfflinePage string

	// MaxBodyBytes bounds captured response bodies. Defaults to 10MB.
	MaxBodyBytes int64

	// RevalidateTimeout bounds background revalidation fetches.
	RevalidateTimeout time.Duration

	Logger    cache.Logger
	DebugMode bool
	OnError   func(error)
	Now       func() time.Time
}

// DefaultOptions returns router defaults for origin.
func DefaultOptions(origin string) Options {
	return Options{
		Origin:            origin,
		APIPrefix:         "/api/",
		OfflinePage:       "/offline.html",
		MaxBodyBytes:      10 << 20,
		RevalidateTimeout: 30 * time.Second,
	}
}

// ErrInvalidOrigin is returned by New when Origin is not an absolute URL.
var ErrInvalidOrigin = cache.NewError("router origin must be an absolute URL")

// Router applies a caching strategy per request class.
type Router struct {
	origin  *url.URL
	fetcher Fetcher
	cache   Cache
	options Options
	tracer  trace.Tracer

	revalidations singleflight.Group
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// New creates a Router.
func New(c Cache, fetcher Fetcher, opts Options) (*Router, error) {
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrigin, opts.Origin)
	}
	if fetcher == nil {
		fetcher = http.DefaultClient
	}
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api/"
	}
	if opts.OfflinePage == "" {
		opts.OfflinePage = "/offline.html"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		origin:  origin,
		fetcher: fetcher,
		cache:   c,
		options: opts,
		tracer:  otel.Tracer("github.com/huykn/triage-edge/router"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// resolve returns the absolute target of req. Relative URLs are resolved
// against the origin.
func (r *Router) resolve(req *http.Request) *url.URL {
	if req.URL.IsAbs() {
		return req.URL
	}
	return r.origin.ResolveReference(&url.URL{Path: req.URL.Path, RawPath: req.URL.RawPath, RawQuery: req.URL.RawQuery})
}

func (r *Router) sameOrigin(target *url.URL) bool {
	return strings.EqualFold(target.Scheme, r.origin.Scheme) && strings.EqualFold(target.Host, r.origin.Host)
}

// Classify returns the strategy class of req. The first matching class wins:
// API, then navigation, then same-origin static, then cross-origin.
func (r *Router) Classify(req *http.Request) Kind {
	if req.Method != http.MethodGet {
		return KindPassThrough
	}
	target := r.resolve(req)
	same := r.sameOrigin(target)
	switch {
	case same && strings.HasPrefix(target.Path, r.options.APIPrefix):
		return KindAPI
	case isNavigation(req):
		return KindNavigation
	case same:
		return KindStatic
	default:
		return KindCrossOrigin
	}
}

func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// cacheKey keys same-origin requests by path and query so they line up with
// manifest entries; cross-origin requests keep the full URL.
func (r *Router) cacheKey(target *url.URL) string {
	if r.sameOrigin(target) {
		return types.RequestKey(http.MethodGet, target.RequestURI())
	}
	return types.RequestKey(http.MethodGet, target.String())
}

// Fetch answers req. Only cross-origin and pass-through requests can return
// an error; every other class always produces a response.
func (r *Router) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	kind := r.Classify(req)
	target := r.resolve(req)

	ctx, span := r.tracer.Start(ctx, "router."+string(kind), trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("url.full", target.String()),
		attribute.String("router.strategy", string(kind)),
	))
	defer span.End()

	var (
		resp   *http.Response
		source string
		err    error
	)
	switch kind {
	case KindAPI:
		resp, source = r.networkFirstAPI(ctx, req, target)
	case KindNavigation:
		resp, source = r.networkFirstNavigation(ctx, req, target)
	case KindStatic:
		resp, source = r.cacheFirstStatic(ctx, req, target)
	case KindCrossOrigin:
		resp, source, err = r.networkFirstCrossOrigin(ctx, req, target)
	default:
		resp, err = r.network(ctx, req, target)
		source = "network"
	}

	span.SetAttributes(attribute.String("router.source", source))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if r.options.DebugMode {
		r.options.Logger.Debug("Fetch: answered request", "strategy", kind, "url", target.String(), "source", source, "status", resp.StatusCode)
	}
	return resp, nil
}

func (r *Router) network(ctx context.Context, req *http.Request, target *url.URL) (*http.Response, error) {
	out := req.Clone(ctx)
	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""
	resp, err := r.fetcher.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", types.ErrNetworkFailure, req.Method, target, err)
	}
	return resp, nil
}

// fetchAndCapture fetches target and buffers the body so it can both be
// returned and stored. Successful responses are put in the dynamic cache.
func (r *Router) fetchAndCapture(ctx context.Context, req *http.Request, target *url.URL) (*http.Response, error) {
	return r.fetchInto(ctx, "", req, target)
}

// fetchInto is fetchAndCapture storing into generation. Empty means the
// current dynamic generation.
func (r *Router) fetchInto(ctx context.Context, generation string, req *http.Request, target *url.URL) (*http.Response, error) {
	resp, err := r.network(ctx, req, target)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.options.MaxBodyBytes+1))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: read %s: %v", types.ErrNetworkFailure, target, err)
	}
	if int64(len(body)) > r.options.MaxBodyBytes {
		// too large to capture; stream the rest through uncached
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return resp, nil
	}
	resp.Body.Close()
	out := newResponse(req, resp.StatusCode, resp.Header.Clone(), body)

	asset := types.Asset{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: r.options.Now().UTC(),
	}
	var putErr error
	if generation == "" {
		putErr = r.cache.Put(ctx, r.cacheKey(target), asset)
	} else {
		putErr = r.cache.PutIn(ctx, generation, r.cacheKey(target), asset)
	}
	if putErr != nil && !errors.Is(putErr, cache.ErrNotCacheable) {
		r.reportError(putErr)
	}
	return out, nil
}

func (r *Router) fromCache(ctx context.Context, req *http.Request, target *url.URL) (*http.Response, bool) {
	resp, _, ok := r.matchCached(ctx, req, target)
	return resp, ok
}

// matchCached is fromCache that also reports the generation the entry came from.
func (r *Router) matchCached(ctx context.Context, req *http.Request, target *url.URL) (*http.Response, string, bool) {
	asset, err := r.cache.Match(ctx, r.cacheKey(target))
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			r.reportError(err)
		}
		return nil, "", false
	}
	return assetResponse(req, asset), asset.Generation, true
}

func (r *Router) networkFirstAPI(ctx context.Context, req *http.Request, target *url.URL) (*http.Response, string) {
	resp, err := r.fetchAndCapture(ctx, req, target)
	if err == nil {
		return resp, "network"
	}
	r.options.Logger.Warn("API request failed, falling back to cache", "url", target.String(), "error", err)
	if cached, ok := r.fromCache(ctx, req, target); ok {
		return cached, "cache"
	}
	return offlineAPIResponse(req, r.options.Now()), "synthesized"
}

func (r *Router) networkFirstNavigation(ctx context.Context, req *http.Request, target *url.URL) (*http.Response, string) {
	resp, err := r.fetchAndCapture(ctx, req, target)
	if err == nil {
		return resp, "network"
	}
	r.options.Logger.Warn("Navigation failed, falling back to cache", "url", target.String(), "error", err)
	if cached, ok := r.fromCache(ctx, req, target); ok {
		return cached, "cache"
	}
	offlineKey := types.RequestKey(http.MethodGet, r.options.OfflinePage)
	if asset, err := r.cache.MatchIn(ctx, r.cache.Current().Shell, offlineKey); err == nil {
		return assetResponse(req, asset), "offline-page"
	}
	return offlinePageResponse(req), "synthesized"
}

func (r *Router) cacheFirstStatic(ctx context.Context, req *http.Request, target *url.URL) (*http.Response, string) {
	if cached, generation, ok := r.matchCached(ctx, req, target); ok {
		r.revalidate(req, target, generation)
		return cached, "cache"
	}
	resp, err := r.fetchAndCapture(ctx, req, target)
	if err == nil {
		return resp, "network"
	}
	r.options.Logger.Warn("Static request failed", "url", target.String(), "error", err)
	if isImageRequest(req) {
		return placeholderResponse(req), "placeholder"
	}
	return networkErrorResponse(req), "synthesized"
}

func (r *Router) networkFirstCrossOrigin(ctx context.Context, req *http.Request, target *url.URL) (*http.Response, string, error) {
	resp, err := r.fetchAndCapture(ctx, req, target)
	if err == nil {
		return resp, "network", nil
	}
	if cached, ok := r.fromCache(ctx, req, target); ok {
		return cached, "cache", nil
	}
	return nil, "none", err
}

// revalidate refreshes the cached copy of target in the background, in the
// generation it was served from. At most one revalidation per key runs at a
// time.
func (r *Router) revalidate(req *http.Request, target *url.URL, generation string) {
	if r.ctx.Err() != nil {
		return
	}
	key := r.cacheKey(target)
	req = req.Clone(r.ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, _, _ = r.revalidations.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(r.ctx, r.options.RevalidateTimeout)
			defer cancel()
			ctx, span := r.tracer.Start(ctx, "router.revalidate", trace.WithAttributes(attribute.String("url.full", target.String())))
			defer span.End()

			resp, err := r.fetchInto(ctx, generation, req, target)
			if err != nil {
				span.RecordError(err)
				if r.options.DebugMode {
					r.options.Logger.Debug("Revalidate: fetch failed", "url", target.String(), "error", err)
				}
				return nil, err
			}
			resp.Body.Close()
			return nil, nil
		})
	}()
}

// Wait blocks until background revalidations finish.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Close cancels background revalidations and waits for them.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Router) reportError(err error) {
	if r.options.OnError != nil {
		r.options.OnError(err)
	}
}

// ServeHTTP lets the router act as a local proxy. Requests in origin form
// are treated as same-origin; absolute-form requests keep their target.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	resp, err := r.Fetch(req.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if hopByHop[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

type readCloser struct {
	io.Reader
	io.Closer
}

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}
