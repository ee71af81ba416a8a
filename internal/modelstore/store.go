// Package modelstore resolves wake model artifact references to local file
// paths. A reference is either a filesystem path, which must exist, or an
// http(s) URL, which is downloaded once into the cache directory and reused
// on later resolves. Cache bypass forces a fresh download for the retry after
// a model load timeout.
package modelstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultFetchTimeout bounds one artifact download.
const DefaultFetchTimeout = 30 * time.Second

// ResolveOption adjusts a single Resolve call.
type ResolveOption func(*resolveConfig)

type resolveConfig struct {
	bypassCache bool
}

// WithBypassCache forces a re-download even when a cached copy exists. The
// request carries Cache-Control: no-cache and a cache-busting query parameter
// so intermediate proxies cannot serve a stale artifact either.
func WithBypassCache() ResolveOption {
	return func(rc *resolveConfig) { rc.bypassCache = true }
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// WithFetchTimeout bounds each download. Defaults to 30s.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// Store caches downloaded model artifacts under one directory. Concurrent
// resolves of the same reference share a single download.
type Store struct {
	dir     string
	client  *http.Client
	timeout time.Duration
	group   singleflight.Group
}

// New creates a Store rooted at dir. An empty dir selects DefaultDir. The
// directory is created if missing.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("modelstore: create cache dir: %w", err)
	}
	s := &Store{
		dir:     dir,
		client:  &http.Client{},
		timeout: DefaultFetchTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// DefaultDir applies XDG/home fallback rules for the model cache location.
func DefaultDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CACHE_HOME")); xdg != "" {
		return filepath.Join(xdg, "fablewake", "models"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("modelstore: unable to resolve user home for cache fallback")
	}
	return filepath.Join(home, ".cache", "fablewake", "models"), nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Resolve returns a local path for ref. Local paths pass through after an
// existence check. Remote references resolve to their cached copy, or are
// downloaded first. The download deadline is the store's fetch timeout, not
// the caller's; a timeout surfaces as a context.DeadlineExceeded-wrapping
// error so callers can retry with WithBypassCache.
func (s *Store) Resolve(ctx context.Context, ref string, opts ...ResolveOption) (string, error) {
	var rc resolveConfig
	for _, o := range opts {
		o(&rc)
	}

	if !isRemote(ref) {
		if _, err := os.Stat(ref); err != nil {
			return "", fmt.Errorf("modelstore: model %q: %w", ref, err)
		}
		return ref, nil
	}

	dst := filepath.Join(s.dir, cacheKey(ref))
	if !rc.bypassCache {
		if _, err := os.Stat(dst); err == nil {
			slog.Debug("wake model cache hit", "ref", ref, "path", dst)
			return dst, nil
		}
	}

	// Bypass downloads never join an in-flight cached fetch.
	key := ref
	if rc.bypassCache {
		key += "\x00fresh"
	}
	_, err, _ := s.group.Do(key, func() (any, error) {
		return nil, s.download(ctx, ref, dst, rc.bypassCache)
	})
	if err != nil {
		return "", err
	}
	return dst, nil
}

func (s *Store) download(ctx context.Context, ref, dst string, bypass bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fetchURL := ref
	if bypass {
		sep := "?"
		if strings.Contains(ref, "?") {
			sep = "&"
		}
		fetchURL += sep + "ts=" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return fmt.Errorf("modelstore: create request: %w", err)
	}
	if bypass {
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("modelstore: fetch %q: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("modelstore: server returned HTTP %d for %q", resp.StatusCode, ref)
	}

	tmp, err := os.CreateTemp(s.dir, ".fetch-*")
	if err != nil {
		return fmt.Errorf("modelstore: create temp file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("modelstore: download %q: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("modelstore: store artifact: %w", err)
	}

	slog.Info("wake model fetched",
		"ref", ref, "path", dst, "bytes", n, "cache_bypass", bypass)
	return nil
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// cacheKey names the cached copy of a remote artifact: a hash of the full
// reference plus the artifact's base name for readability. The key ignores
// cache-busting decoration so bypass downloads land on the same file.
func cacheKey(ref string) string {
	sum := sha256.Sum256([]byte(ref))

	base := "model"
	if u, err := url.Parse(ref); err == nil {
		if b := path.Base(u.Path); b != "" && b != "." && b != "/" {
			base = sanitize(b)
		}
	}
	return hex.EncodeToString(sum[:8]) + "-" + base
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
