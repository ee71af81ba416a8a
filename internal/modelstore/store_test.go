package modelstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestResolve_LocalPathPassesThrough(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "tiny.en.bin")
	if err := os.WriteFile(model, []byte("weights"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := newTestStore(t)
	got, err := s.Resolve(context.Background(), model)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != model {
		t.Errorf("Resolve = %q, want %q", got, model)
	}
}

func TestResolve_MissingLocalPath(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Resolve(context.Background(), filepath.Join(t.TempDir(), "absent.bin"))
	if err == nil {
		t.Fatal("expected error for missing local model, got nil")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Resolve error = %v, want os.ErrNotExist in chain", err)
	}
}

func TestResolve_DownloadsAndCaches(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Write([]byte("model-bytes"))
	}))
	defer srv.Close()

	s := newTestStore(t)
	ref := srv.URL + "/models/tiny.en.bin"

	got, err := s.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if filepath.Dir(got) != s.Dir() {
		t.Errorf("artifact stored at %q, want inside %q", got, s.Dir())
	}
	if !strings.HasSuffix(got, "-tiny.en.bin") {
		t.Errorf("cached name %q should keep the artifact base name", filepath.Base(got))
	}
	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("read cached artifact: %v", err)
	}
	if string(data) != "model-bytes" {
		t.Errorf("cached content = %q, want %q", data, "model-bytes")
	}

	// Second resolve hits the cache.
	again, err := s.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if again != got {
		t.Errorf("second Resolve = %q, want %q", again, got)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("server requests = %d, want 1 (second resolve cached)", n)
	}
}

func TestResolve_BypassCacheRedownloads(t *testing.T) {
	var (
		mu       sync.Mutex
		payload  = "v1"
		lastCC   string
		lastBust bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body := payload
		lastCC = r.Header.Get("Cache-Control")
		lastBust = r.URL.Query().Get("ts") != ""
		mu.Unlock()
		w.Write([]byte(body))
	}))
	defer srv.Close()

	s := newTestStore(t)
	ref := srv.URL + "/model.bin"

	first, err := s.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	mu.Lock()
	payload = "v2"
	mu.Unlock()

	// Without bypass the stale copy is served.
	cached, err := s.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("cached Resolve: %v", err)
	}
	if data, _ := os.ReadFile(cached); string(data) != "v1" {
		t.Errorf("cached content = %q, want stale %q", data, "v1")
	}

	fresh, err := s.Resolve(context.Background(), ref, WithBypassCache())
	if err != nil {
		t.Fatalf("bypass Resolve: %v", err)
	}
	if fresh != first {
		t.Errorf("bypass Resolve = %q, want same cache slot %q", fresh, first)
	}
	if data, _ := os.ReadFile(fresh); string(data) != "v2" {
		t.Errorf("refetched content = %q, want %q", data, "v2")
	}

	mu.Lock()
	defer mu.Unlock()
	if lastCC != "no-cache" {
		t.Errorf("bypass Cache-Control = %q, want %q", lastCC, "no-cache")
	}
	if !lastBust {
		t.Error("bypass request should carry a cache-busting ts query parameter")
	}
}

func TestResolve_ServerErrorLeavesNoArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestStore(t)
	_, err := s.Resolve(context.Background(), srv.URL+"/model.bin")
	if err == nil {
		t.Fatal("expected error on HTTP 500, got nil")
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("cache dir has %d entries after failed download, want 0", len(entries))
	}
}

func TestResolve_FetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := newTestStore(t, WithFetchTimeout(30*time.Millisecond))
	_, err := s.Resolve(context.Background(), srv.URL+"/model.bin")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Resolve error = %v, want context.DeadlineExceeded in chain", err)
	}
}

func TestResolve_ConcurrentDownloadsShareOneFetch(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("model-bytes"))
	}))
	defer srv.Close()

	s := newTestStore(t)
	ref := srv.URL + "/model.bin"

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Resolve(context.Background(), ref)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Resolve %d: %v", i, err)
		}
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("server requests = %d, want 1 shared fetch", n)
	}
}

func TestCacheKey(t *testing.T) {
	a := cacheKey("https://models.example.com/wake/tiny.en.bin")
	b := cacheKey("https://models.example.com/wake/tiny.en.bin")
	c := cacheKey("https://models.example.com/wake/base.en.bin")

	if a != b {
		t.Errorf("cacheKey not deterministic: %q vs %q", a, b)
	}
	if a == c {
		t.Errorf("distinct refs share cache key %q", a)
	}
	if !strings.HasSuffix(a, "-tiny.en.bin") {
		t.Errorf("cacheKey = %q, want base name suffix", a)
	}
	if k := cacheKey("https://models.example.com/"); !strings.HasSuffix(k, "-model") {
		t.Errorf("cacheKey for bare host = %q, want fallback base %q", k, "model")
	}
}

func TestDefaultDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/xdg-cache")
	dir, err := DefaultDir()
	if err != nil {
		t.Fatalf("DefaultDir: %v", err)
	}
	if dir != filepath.Join("/tmp/xdg-cache", "fablewake", "models") {
		t.Errorf("DefaultDir = %q, want under XDG_CACHE_HOME", dir)
	}

	t.Setenv("XDG_CACHE_HOME", "")
	dir, err = DefaultDir()
	if err != nil {
		t.Fatalf("DefaultDir without XDG: %v", err)
	}
	if !strings.HasSuffix(dir, filepath.Join(".cache", "fablewake", "models")) {
		t.Errorf("DefaultDir = %q, want home .cache fallback", dir)
	}
}
