// Package whisperkws implements the local wake-word engine: a sliding window
// of recent audio is transcribed with a whisper.cpp model and the text is
// scored against the configured phrase.
//
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
package whisperkws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/fablehome/fablewake/pkg/audio"
	"github.com/fablehome/fablewake/pkg/provider/wake"
)

// Name is the engine's registry name.
const Name = "whisperkws"

// DefaultLoadTimeout bounds one model fetch attempt.
const DefaultLoadTimeout = 30 * time.Second

// Compile-time assertion that Engine implements wake.Engine.
var _ wake.Engine = (*Engine)(nil)

// Resolver fetches a model reference and returns a local file path. fresh
// requests a cache-bypassing re-fetch. The app wires the model store in here;
// the default resolver accepts local paths only.
type Resolver func(ctx context.Context, ref string, fresh bool) (string, error)

// transcriber is the seam between the session and whisper.cpp, narrow enough
// to fake in tests.
type transcriber interface {
	transcribe(pcm []byte) (string, error)
	close() error
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the transcription language hint. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithLoadTimeout bounds each model fetch attempt. Defaults to 30s.
func WithLoadTimeout(d time.Duration) Option {
	return func(e *Engine) { e.loadTimeout = d }
}

// WithResolver replaces the local-path resolver, typically with the model
// store's download-and-cache resolution.
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolve = r }
}

// Engine arms whisper.cpp keyword-spotting sessions. Each session loads its
// own model instance from the resolved artifact and owns it until Close.
type Engine struct {
	ref         string
	language    string
	loadTimeout time.Duration
	resolve     Resolver

	// newTranscriber loads the model at path. Replaced in tests.
	newTranscriber func(path, language string) (transcriber, error)
}

// New creates an Engine for the given model reference (a local path, or any
// reference the configured Resolver understands).
func New(ref string, opts ...Option) (*Engine, error) {
	if ref == "" {
		return nil, errors.New("whisperkws: model ref must not be empty")
	}
	e := &Engine{
		ref:            ref,
		language:       "en",
		loadTimeout:    DefaultLoadTimeout,
		resolve:        localResolver,
		newTranscriber: loadWhisper,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Name implements wake.Engine.
func (e *Engine) Name() string { return Name }

// Close implements wake.Engine. Sessions own their model instances, so the
// engine itself holds nothing to release.
func (e *Engine) Close() error { return nil }

// NewSession resolves the model artifact and arms a detection session. A
// fetch that exceeds the load timeout is retried exactly once with a
// cache-bypassing re-fetch; a second timeout returns *wake.ModelLoadTimeoutError.
// An artifact the bindings reject wraps wake.ErrModelIncompatible.
func (e *Engine) NewSession(ctx context.Context, cfg wake.SessionConfig) (wake.Session, error) {
	cfg = cfg.Normalize()
	matcher, err := wake.NewMatcher(cfg.Phrase)
	if err != nil {
		return nil, fmt.Errorf("whisperkws: %w", err)
	}

	path, err := e.resolveWithTimeout(ctx, false)
	if isTimeout(err) {
		slog.Warn("wake model fetch timed out; retrying with cache bypass",
			"engine", Name, "model", e.ref)
		path, err = e.resolveWithTimeout(ctx, true)
		if isTimeout(err) {
			return nil, &wake.ModelLoadTimeoutError{Ref: e.ref, Timeout: e.loadTimeout}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("whisperkws: resolve model %q: %w", e.ref, err)
	}

	tr, err := e.newTranscriber(path, e.language)
	if err != nil {
		return nil, fmt.Errorf("whisperkws: load model %q: %v: %w", e.ref, err, wake.ErrModelIncompatible)
	}

	s := &session{
		cfg:       cfg,
		matcher:   matcher,
		tr:        tr,
		win:       wake.NewWindow(cfg),
		threshold: cfg.Sensitivity.Threshold(),
		lastEvent: -cfg.Cooldown,
	}
	slog.Info("wake session armed",
		"engine", Name,
		"phrase", matcher.Phrase(),
		"sensitivity", string(cfg.Sensitivity),
		"window_ms", cfg.WindowMs)
	return s, nil
}

func (e *Engine) resolveWithTimeout(ctx context.Context, fresh bool) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, e.loadTimeout)
	defer cancel()
	return e.resolve(rctx, e.ref, fresh)
}

func isTimeout(err error) bool {
	return err != nil && errors.Is(err, context.DeadlineExceeded)
}

// localResolver accepts plain file paths.
func localResolver(_ context.Context, ref string, _ bool) (string, error) {
	if _, err := os.Stat(ref); err != nil {
		return "", fmt.Errorf("stat model file: %w", err)
	}
	return ref, nil
}

// ── session ──────────────────────────────────────────────────────────────────

// session is one armed keyword-spotting stream. Frames append to the sliding
// window on the audio loop; inference runs in a short-lived goroutine and its
// verdict surfaces on a later Feed call.
type session struct {
	cfg     wake.SessionConfig
	matcher *wake.Matcher
	tr      transcriber

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

// takePendingLocked surfaces a completed detection, applying the cooldown.
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
	// Drop the matched audio so the same utterance cannot re-trigger.
	s.win.Reset()
	return ev, true
}

// evaluate transcribes one window snapshot and records the verdict.
func (s *session) evaluate(pcm []byte, at time.Duration, gen uint64) {
	defer s.wg.Done()

	text, err := s.tr.transcribe(pcm)
	var score float64
	if err != nil {
		slog.Debug("wake inference failed", "engine", Name, "error", err)
	} else if text != "" {
		score = s.matcher.Score(text)
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

// Reset implements wake.Session. Buffered audio and any pending or in-flight
// verdict are discarded.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.win.Reset()
	s.pending = nil
	s.gen++
}

// Close implements wake.Session. It waits for any in-flight inference before
// releasing the model.
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
	return s.tr.close()
}

// ── whisper transcriber ──────────────────────────────────────────────────────

// whisperTranscriber runs whisper.cpp inference over window snapshots. Each
// call creates a fresh context; the model instance belongs to one session.
type whisperTranscriber struct {
	model    whisperlib.Model
	language string
}

func loadWhisper(path, language string) (transcriber, error) {
	model, err := whisperlib.New(path)
	if err != nil {
		return nil, err
	}
	return &whisperTranscriber{model: model, language: language}, nil
}

func (w *whisperTranscriber) transcribe(pcm []byte) (string, error) {
	samples := audio.PCMToFloat32(pcm)

	wctx, err := w.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create context: %w", err)
	}
	if err := wctx.SetLanguage(w.language); err != nil {
		slog.Warn("whisperkws: failed to set language, using default",
			"language", w.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

func (w *whisperTranscriber) close() error {
	return w.model.Close()
}
