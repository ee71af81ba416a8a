// Package whisper provides whisper-backed Transcriber implementations: a
// remote provider that posts utterances to a whisper-server /inference
// endpoint, and a native provider over the whisper.cpp CGO bindings.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	    whisper.WithToken(token),
//	)
//	result, err := p.Transcribe(ctx, utterance, stt.Options{})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/fablehome/fablewake/pkg/audio"
	"github.com/fablehome/fablewake/pkg/provider/stt"
)

const (
	// RemoteName is the registry name of the HTTP whisper-server provider.
	RemoteName = "whisper-remote"

	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
)

// Compile-time assertion that Provider implements stt.Transcriber.
var _ stt.Transcriber = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper-server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code sent with every request
// (e.g., "en", "de", "fr") unless overridden per call. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithToken sets a bearer token attached to every request. Empty disables
// authentication, suitable for a server on the loopback interface.
func WithToken(token string) Option {
	return func(p *Provider) {
		p.token = token
	}
}

// WithHTTPClient replaces the default HTTP client. The caller-supplied
// client's timeout applies on top of any context deadline.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Transcriber backed by a whisper-server HTTP
// endpoint. It holds no per-request state and is safe for concurrent use.
type Provider struct {
	serverURL  string
	model      string
	language   string
	token      string
	httpClient *http.Client
}

// New creates a Provider that posts to the whisper-server at serverURL (e.g.,
// "http://localhost:8080"). serverURL must be non-empty. Functional options
// may be provided to override defaults.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Transcriber.
func (p *Provider) Name() string { return RemoteName }

// Close implements stt.Transcriber. The provider holds no persistent
// connections, so Close is a no-op.
func (p *Provider) Close() error { return nil }

// Transcribe encodes the utterance as WAV and POSTs it to the /inference
// endpoint as multipart/form-data. The request is abandoned when ctx is
// cancelled or its deadline passes.
func (p *Provider) Transcribe(ctx context.Context, a stt.Audio, opts stt.Options) (stt.Result, error) {
	if len(a.PCM) == 0 {
		return stt.Result{}, stt.ErrNoAudio
	}
	start := time.Now()

	lang := opts.Language
	if lang == "" {
		lang = p.language
	}

	wav := audio.EncodeWAV(a.PCM, a.SampleRate, a.Channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	// Optional hint fields.
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if opts.Prompt != "" {
		if err := mw.WriteField("prompt", opts.Prompt); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write prompt field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := p.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("whisper: %w", &stt.StatusError{Provider: RemoteName, Code: resp.StatusCode})
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	inf, err := parseInference(data)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", &stt.DecodeError{Provider: RemoteName, Err: err})
	}

	return stt.Result{
		Text:       strings.TrimSpace(inf.Text),
		Confidence: inf.Confidence,
		Language:   firstNonEmpty(inf.Language, lang),
		Duration:   time.Duration(inf.Duration * float64(time.Second)),
		Provider:   RemoteName,
		Latency:    time.Since(start),
	}, nil
}

// inference mirrors the whisper-server JSON response. Only text is guaranteed;
// confidence, language, and duration appear when the server reports them.
type inference struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Duration   float64 `json:"duration"` // seconds
}

// parseInference parses a whisper-server inference response body.
func parseInference(data []byte) (inference, error) {
	var inf inference
	if err := json.Unmarshal(data, &inf); err != nil {
		return inference{}, fmt.Errorf("parse JSON response: %w", err)
	}
	return inf, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
