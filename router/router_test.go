package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/huykn/triage-edge/cache"
	"github.com/huykn/triage-edge/storage"
	"github.com/huykn/triage-edge/types"
)

const testOrigin = "https://triage.example.org"

// stubFetcher answers from a fixed body per URL, or fails every request
// while offline.
type stubFetcher struct {
	mu      sync.Mutex
	offline bool
	bodies  map[string]string
	status  map[string]int
	calls   []string
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{bodies: make(map[string]string), status: make(map[string]int)}
}

func (f *stubFetcher) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Method+" "+req.URL.String())
	if f.offline {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	status := http.StatusOK
	if s, ok := f.status[req.URL.String()]; ok {
		status = s
	}
	header := make(http.Header)
	header.Set("Content-Type", "text/plain")
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(f.bodies[req.URL.String()])),
		Request:    req,
	}, nil
}

func (f *stubFetcher) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *stubFetcher) set(url, body string) {
	f.mu.Lock()
	f.bodies[url] = body
	f.mu.Unlock()
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestRouter(t *testing.T) (*Router, *cache.Manager, *stubFetcher) {
	t.Helper()
	opts := cache.DefaultOptions()
	opts.Backend = storage.NewMemoryBackend()
	opts.LocalCacheFactory = cache.NewLRUCacheFactory(100)
	manager, err := cache.New(opts)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	fetcher := newStubFetcher()
	r, err := New(manager, fetcher, DefaultOptions(testOrigin))
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}
	t.Cleanup(r.Close)
	return r, manager, fetcher
}

func get(t *testing.T, r *Router, target string, header map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := r.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Failed to fetch %s: %v", target, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return string(body)
}

func TestNewRejectsRelativeOrigin(t *testing.T) {
	if _, err := New(nil, nil, DefaultOptions("/relative")); !errors.Is(err, ErrInvalidOrigin) {
		t.Fatalf("Expected ErrInvalidOrigin, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	r, _, _ := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		target string
		header map[string]string
		want   Kind
	}{
		{"api", http.MethodGet, "/api/patients", nil, KindAPI},
		{"api wins over navigation", http.MethodGet, "/api/patients", map[string]string{"Accept": "text/html"}, KindAPI},
		{"navigate mode", http.MethodGet, "/patients/1", map[string]string{"Sec-Fetch-Mode": "navigate"}, KindNavigation},
		{"html accept", http.MethodGet, "/", map[string]string{"Accept": "text/html,application/xhtml+xml"}, KindNavigation},
		{"static", http.MethodGet, "/app.js", nil, KindStatic},
		{"absolute same origin", http.MethodGet, testOrigin + "/app.css", nil, KindStatic},
		{"cross origin", http.MethodGet, "https://fonts.example.com/a.woff2", nil, KindCrossOrigin},
		{"cross origin api path", http.MethodGet, "https://other.example.com/api/x", nil, KindCrossOrigin},
		{"post", http.MethodPost, "/api/patients", nil, KindPassThrough},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := r.Classify(req); got != tt.want {
				t.Fatalf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestAPIOfflineWithoutCacheReturnsJSON(t *testing.T) {
	r, _, fetcher := newTestRouter(t)
	fetcher.setOffline(true)

	for _, path := range []string{"/api/patients", "/api/patients/42?full=1", "/api/settings"} {
		resp := get(t, r, path, nil)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("Expected 503 for %s, got %d", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("Expected application/json, got %s", ct)
		}
		var body map[string]string
		if err := json.Unmarshal([]byte(readBody(t, resp)), &body); err != nil {
			t.Fatalf("Expected valid JSON for %s: %v", path, err)
		}
		if body["error"] != "you are offline" || body["cache"] != "miss" {
			t.Fatalf("Unexpected offline body: %v", body)
		}
		if _, err := time.Parse(time.RFC3339, body["timestamp"]); err != nil {
			t.Fatalf("Expected RFC3339 timestamp, got %q", body["timestamp"])
		}
	}
}

func TestAPINetworkFirstFallsBackToCache(t *testing.T) {
	r, _, fetcher := newTestRouter(t)
	fetcher.set(testOrigin+"/api/patients", `[{"id":"p-1"}]`)

	resp := get(t, r, "/api/patients", nil)
	if body := readBody(t, resp); body != `[{"id":"p-1"}]` {
		t.Fatalf("Unexpected network body: %s", body)
	}

	fetcher.setOffline(true)
	resp = get(t, r, "/api/patients", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected cached 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Cache") != "HIT" {
		t.Fatal("Expected cache hit header")
	}
	if body := readBody(t, resp); body != `[{"id":"p-1"}]` {
		t.Fatalf("Unexpected cached body: %s", body)
	}
}

func TestAPIErrorResponsesAreNotCached(t *testing.T) {
	r, manager, fetcher := newTestRouter(t)
	fetcher.status[testOrigin+"/api/broken"] = http.StatusInternalServerError

	resp := get(t, r, "/api/broken", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Expected 500 to pass through, got %d", resp.StatusCode)
	}
	if _, err := manager.Match(context.Background(), types.RequestKey("GET", "/api/broken")); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("Expected no cache entry, got %v", err)
	}
}

func TestNavigationFallbacks(t *testing.T) {
	ctx := context.Background()
	r, manager, fetcher := newTestRouter(t)
	nav := map[string]string{"Sec-Fetch-Mode": "navigate"}

	// Visited page comes back from the dynamic cache.
	fetcher.set(testOrigin+"/patients", "<p>list</p>")
	readBody(t, get(t, r, "/patients", nav))
	fetcher.setOffline(true)
	if body := readBody(t, get(t, r, "/patients", nav)); body != "<p>list</p>" {
		t.Fatalf("Expected cached page, got %s", body)
	}

	// Without a shell the inline page is generated.
	resp := get(t, r, "/never-visited", nav)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 inline page, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "You are offline") {
		t.Fatalf("Expected inline offline page, got %s", body)
	}

	// With a shell the offline document is served.
	install := func(ctx context.Context, path string) (types.Asset, error) {
		return types.Asset{Status: 200, Body: []byte("shell:" + path)}, nil
	}
	if err := manager.Install(ctx, []string{"/", "/offline.html"}, install); err != nil {
		t.Fatalf("Failed to install: %v", err)
	}
	if _, err := manager.Activate(ctx); err != nil {
		t.Fatalf("Failed to activate: %v", err)
	}
	resp = get(t, r, "/never-visited", nav)
	if body := readBody(t, resp); body != "shell:/offline.html" {
		t.Fatalf("Expected offline document, got %s", body)
	}
}

func TestStaticServedFromShellWithoutNetwork(t *testing.T) {
	ctx := context.Background()
	r, manager, fetcher := newTestRouter(t)

	manifest := []string{"/app.js", "/app.css", "/icon.svg"}
	install := func(ctx context.Context, path string) (types.Asset, error) {
		return types.Asset{Status: 200, Body: []byte("v1" + path)}, nil
	}
	if err := manager.Install(ctx, manifest, install); err != nil {
		t.Fatalf("Failed to install: %v", err)
	}
	if _, err := manager.Activate(ctx); err != nil {
		t.Fatalf("Failed to activate: %v", err)
	}

	fetcher.setOffline(true)
	for _, path := range manifest {
		resp := get(t, r, path, nil)
		if body := readBody(t, resp); body != "v1"+path {
			t.Fatalf("Expected cached %s, got %s", path, body)
		}
	}
	r.Wait()
}

func TestStaticRevalidatesShellInPlace(t *testing.T) {
	ctx := context.Background()
	r, manager, fetcher := newTestRouter(t)

	install := func(ctx context.Context, path string) (types.Asset, error) {
		return types.Asset{Status: 200, Body: []byte("v1")}, nil
	}
	if err := manager.Install(ctx, []string{"/app.js"}, install); err != nil {
		t.Fatalf("Failed to install: %v", err)
	}
	if _, err := manager.Activate(ctx); err != nil {
		t.Fatalf("Failed to activate: %v", err)
	}

	fetcher.set(testOrigin+"/app.js", "v2")
	if body := readBody(t, get(t, r, "/app.js", nil)); body != "v1" {
		t.Fatalf("Expected installed copy first, got %s", body)
	}
	r.Wait()

	fetcher.setOffline(true)
	if body := readBody(t, get(t, r, "/app.js", nil)); body != "v2" {
		t.Fatalf("Expected refreshed shell copy, got %s", body)
	}
	r.Wait()

	current := manager.Current()
	shell, err := manager.MatchIn(ctx, current.Shell, "GET /app.js")
	if err != nil {
		t.Fatalf("Failed to match shell entry: %v", err)
	}
	if string(shell.Body) != "v2" {
		t.Fatalf("Expected shell entry v2, got %s", shell.Body)
	}
	if _, err := manager.MatchIn(ctx, current.Dynamic, "GET /app.js"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("Expected no dynamic copy of a shell asset, got %v", err)
	}
}

func TestStaticStaleWhileRevalidate(t *testing.T) {
	r, _, fetcher := newTestRouter(t)
	fetcher.set(testOrigin+"/app.js", "old")
	readBody(t, get(t, r, "/app.js", nil))

	fetcher.set(testOrigin+"/app.js", "new")
	if body := readBody(t, get(t, r, "/app.js", nil)); body != "old" {
		t.Fatalf("Expected stale copy first, got %s", body)
	}
	r.Wait()

	fetcher.setOffline(true)
	if body := readBody(t, get(t, r, "/app.js", nil)); body != "new" {
		t.Fatalf("Expected revalidated copy, got %s", body)
	}
	r.Wait()
}

func TestStaticMissOffline(t *testing.T) {
	r, _, fetcher := newTestRouter(t)
	fetcher.setOffline(true)

	resp := get(t, r, "/images/xray.png", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected placeholder 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "image/svg+xml" || resp.Header.Get("X-Offline-Placeholder") != "1" {
		t.Fatalf("Unexpected placeholder headers: %v", resp.Header)
	}

	resp = get(t, r, "/fonts/body.woff2", nil)
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("Expected 408, got %d", resp.StatusCode)
	}
}

func TestCrossOrigin(t *testing.T) {
	r, _, fetcher := newTestRouter(t)
	const font = "https://fonts.example.com/a.woff2"
	fetcher.set(font, "font")

	readBody(t, get(t, r, font, nil))
	fetcher.setOffline(true)
	if body := readBody(t, get(t, r, font, nil)); body != "font" {
		t.Fatalf("Expected cached cross-origin body, got %s", body)
	}

	req := httptest.NewRequest(http.MethodGet, "https://cdn.example.com/lib.js", nil)
	if _, err := r.Fetch(context.Background(), req); !errors.Is(err, types.ErrNetworkFailure) {
		t.Fatalf("Expected ErrNetworkFailure, got %v", err)
	}
}

func TestPassThrough(t *testing.T) {
	r, manager, fetcher := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/patients", strings.NewReader(`{}`))
	resp, err := r.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Failed to pass through: %v", err)
	}
	resp.Body.Close()
	if fetcher.callCount() != 1 {
		t.Fatalf("Expected 1 network call, got %d", fetcher.callCount())
	}
	if manager.Stats().Puts != 0 {
		t.Fatal("Pass-through responses must not be cached")
	}
}

func TestServeHTTP(t *testing.T) {
	r, _, fetcher := newTestRouter(t)
	fetcher.setOffline(true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/patients", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error":"you are offline"`) {
		t.Fatalf("Unexpected body: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://cdn.example.com/lib.js", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", rec.Code)
	}
}
