// Package hosted implements the wake engine backed by a network
// keyword-spotting service. The service receives the current audio window as
// a WAV upload together with the phrase and sensitivity, and answers with a
// detection verdict; the session applies the threshold and cooldown locally
// so a chatty service cannot re-trigger the pipeline.
package hosted

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fablehome/fablewake/pkg/audio"
	"github.com/fablehome/fablewake/pkg/provider/wake"
)

const (
	// Name is the engine's registry name.
	Name = "hosted"

	// DefaultLoadTimeout bounds one warmup attempt at session start.
	DefaultLoadTimeout = 30 * time.Second

	// detectTimeout bounds one detection request. Checks are skipped, not
	// queued, while a request is in flight.
	detectTimeout = 3 * time.Second

	// warmupMs is the length of the silent probe sent at session start.
	warmupMs = 200
)

// Compile-time assertion that Engine implements wake.Engine.
var _ wake.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithToken sets a bearer token attached to every request.
func WithToken(token string) Option {
	return func(e *Engine) { e.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithLoadTimeout bounds each warmup attempt. Defaults to 30s.
func WithLoadTimeout(d time.Duration) Option {
	return func(e *Engine) { e.loadTimeout = d }
}

// Engine arms detection sessions against a keyword-spotting service at
// baseURL (the service exposes POST /detect).
type Engine struct {
	baseURL     string
	token       string
	loadTimeout time.Duration
	httpClient  *http.Client
}

// New creates an Engine for the service at baseURL (e.g.,
// "http://kws.local:9090"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Engine, error) {
	if baseURL == "" {
		return nil, errors.New("hosted: baseURL must not be empty")
	}
	e := &Engine{
		baseURL:     strings.TrimRight(baseURL, "/"),
		loadTimeout: DefaultLoadTimeout,
		httpClient:  &http.Client{},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Name implements wake.Engine.
func (e *Engine) Name() string { return Name }

// Close implements wake.Engine.
func (e *Engine) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}

// NewSession verifies the service can spot the phrase by sending a short
// silent warmup window. HTTP 422 means the service has no usable model for
// the phrase and wraps wake.ErrModelIncompatible. A warmup that times out is
// retried exactly once with Cache-Control: no-cache so the service re-fetches
// its artifact; a second timeout returns *wake.ModelLoadTimeoutError.
func (e *Engine) NewSession(ctx context.Context, cfg wake.SessionConfig) (wake.Session, error) {
	cfg = cfg.Normalize()
	matcher, err := wake.NewMatcher(cfg.Phrase)
	if err != nil {
		return nil, fmt.Errorf("hosted: %w", err)
	}

	warmup := make([]byte, cfg.SampleRate*2*warmupMs/1000)
	if _, err := e.warmup(ctx, cfg, warmup, false); err != nil {
		if !isTimeout(err) {
			return nil, err
		}
		slog.Warn("wake warmup timed out; retrying with cache bypass",
			"engine", Name, "endpoint", e.baseURL)
		if _, err := e.warmup(ctx, cfg, warmup, true); err != nil {
			if isTimeout(err) {
				return nil, &wake.ModelLoadTimeoutError{Ref: e.baseURL, Timeout: e.loadTimeout}
			}
			return nil, err
		}
	}

	s := &session{
		eng:       e,
		cfg:       cfg,
		matcher:   matcher,
		win:       wake.NewWindow(cfg),
		threshold: cfg.Sensitivity.Threshold(),
		lastEvent: -cfg.Cooldown,
	}
	slog.Info("wake session armed",
		"engine", Name,
		"endpoint", e.baseURL,
		"phrase", matcher.Phrase(),
		"sensitivity", string(cfg.Sensitivity))
	return s, nil
}

func (e *Engine) warmup(ctx context.Context, cfg wake.SessionConfig, pcm []byte, bypassCache bool) (detectResponse, error) {
	wctx, cancel := context.WithTimeout(ctx, e.loadTimeout)
	defer cancel()
	return e.detect(wctx, cfg, pcm, bypassCache)
}

// detect posts one window to the service and parses the verdict.
func (e *Engine) detect(ctx context.Context, cfg wake.SessionConfig, pcm []byte, bypassCache bool) (detectResponse, error) {
	wav := audio.EncodeWAV(pcm, cfg.SampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "window.wav")
	if err != nil {
		return detectResponse{}, fmt.Errorf("hosted: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return detectResponse{}, fmt.Errorf("hosted: write wav data: %w", err)
	}
	if err := mw.WriteField("phrase", cfg.Phrase); err != nil {
		return detectResponse{}, fmt.Errorf("hosted: write phrase field: %w", err)
	}
	if err := mw.WriteField("sensitivity", string(cfg.Sensitivity)); err != nil {
		return detectResponse{}, fmt.Errorf("hosted: write sensitivity field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return detectResponse{}, fmt.Errorf("hosted: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/detect", &body)
	if err != nil {
		return detectResponse{}, fmt.Errorf("hosted: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	if bypassCache {
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return detectResponse{}, fmt.Errorf("hosted: http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return detectResponse{}, fmt.Errorf("hosted: service rejected phrase %q: %w", cfg.Phrase, wake.ErrModelIncompatible)
	case resp.StatusCode != http.StatusOK:
		return detectResponse{}, fmt.Errorf("hosted: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return detectResponse{}, fmt.Errorf("hosted: read response body: %w", err)
	}
	return parseDetect(data)
}

func isTimeout(err error) bool {
	return err != nil && errors.Is(err, context.DeadlineExceeded)
}

// detectResponse mirrors the service's verdict JSON.
type detectResponse struct {
	Detected   bool    `json:"detected"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label"`
}

// parseDetect parses a detection response body.
func parseDetect(data []byte) (detectResponse, error) {
	var dr detectResponse
	if err := json.Unmarshal(data, &dr); err != nil {
		return detectResponse{}, fmt.Errorf("hosted: parse JSON response: %w", err)
	}
	return dr, nil
}

// ── session ──────────────────────────────────────────────────────────────────

// session is one armed detection stream. Frames append to the sliding window
// on the audio loop; the service call runs in a short-lived goroutine and its
// verdict surfaces on a later Feed call.
type session struct {
	eng     *Engine
	cfg     wake.SessionConfig
	matcher *wake.Matcher

	mu        sync.Mutex
	win       *wake.Window
	threshold float64
	lastEvent time.Duration
	pending   *wake.Event
	inflight  bool
	gen       uint64
	closed    bool
	wg        sync.WaitGroup
}

// Compile-time assertion that session implements wake.Session.
var _ wake.Session = (*session)(nil)

// Feed implements wake.Session.
func (s *session) Feed(frame audio.AudioFrame) (wake.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wake.Event{}, false
	}
	s.win.Append(frame.Data)
	now := frame.Timestamp

	if ev, ok := s.takePendingLocked(now); ok {
		return ev, true
	}

	if !s.inflight {
		if pcm, due := s.win.TakeDue(now); due {
			s.inflight = true
			gen := s.gen
			s.wg.Add(1)
			go s.evaluate(pcm, now, gen)
		}
	}
	return wake.Event{}, false
}

func (s *session) takePendingLocked(now time.Duration) (wake.Event, bool) {
	if s.pending == nil {
		return wake.Event{}, false
	}
	ev := *s.pending
	s.pending = nil
	if now-s.lastEvent < s.cfg.Cooldown {
		return wake.Event{}, false
	}
	s.lastEvent = now
	s.win.Reset()
	return ev, true
}

// evaluate posts one window snapshot and records the verdict.
func (s *session) evaluate(pcm []byte, at time.Duration, gen uint64) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), detectTimeout)
	defer cancel()

	var score float64
	resp, err := s.eng.detect(ctx, s.cfg, pcm, false)
	switch {
	case err != nil:
		slog.Debug("wake detection request failed", "engine", Name, "error", err)
	case !resp.Detected:
	case resp.Label != "" && s.matcher.Score(resp.Label) < 1:
		// The service matched some other phrase.
		slog.Debug("wake detection label mismatch",
			"engine", Name, "label", resp.Label, "phrase", s.matcher.Phrase())
	default:
		score = resp.Confidence
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = false
	if gen != s.gen || s.closed {
		return
	}
	if score >= s.threshold {
		s.pending = &wake.Event{
			Phrase:     s.matcher.Phrase(),
			Confidence: score,
			At:         at,
			Engine:     Name,
		}
	}
}

// SetSensitivity implements wake.Session.
func (s *session) SetSensitivity(level wake.Sensitivity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = level.Threshold()
}

// Reset implements wake.Session.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.win.Reset()
	s.pending = nil
	s.gen++
}

// Close implements wake.Session. Any in-flight request is allowed to finish;
// its verdict is discarded.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	s.pending = nil
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
