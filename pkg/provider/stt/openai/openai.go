// Package openai provides a Transcriber backed by the OpenAI transcription
// API. It is the fully hosted fallback for households that opt into cloud
// processing; the device-local whisper providers remain the default.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/fablehome/fablewake/pkg/audio"
	"github.com/fablehome/fablewake/pkg/provider/stt"
)

// Name is the registry name of the OpenAI transcription provider.
const Name = "openai"

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

// Ensure Provider implements the stt.Transcriber interface.
var _ stt.Transcriber = (*Provider)(nil)

// Provider implements stt.Transcriber using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL  string
	language string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithLanguage sets the default BCP-47 language code sent with every request
// unless overridden per call.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI transcription Provider.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model, language: cfg.language}, nil
}

// Name implements stt.Transcriber.
func (p *Provider) Name() string { return Name }

// Close implements stt.Transcriber. The underlying client holds no persistent
// connections, so Close is a no-op.
func (p *Provider) Close() error { return nil }

// Transcribe implements stt.Transcriber. The utterance is wrapped in a WAV
// container and uploaded in one request.
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

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model: p.model,
	}
	if lang != "" {
		params.Language = param.NewOpt(lang)
	}
	if opts.Prompt != "" {
		params.Prompt = param.NewOpt(opts.Prompt)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	// The JSON response format reports text only; no confidence or timing.
	return stt.Result{
		Text:     strings.TrimSpace(resp.Text),
		Language: lang,
		Duration: a.Duration(),
		Provider: Name,
		Latency:  time.Since(start),
	}, nil
}
