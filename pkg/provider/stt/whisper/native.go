// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/fablehome/fablewake/pkg/audio"
	"github.com/fablehome/fablewake/pkg/provider/stt"
)

// NativeName is the registry name of the whisper.cpp bindings provider. It is
// the designated low-cost backend while the pipeline is degraded.
const NativeName = "whisper-local"

// Compile-time assertion that NativeProvider satisfies stt.Transcriber.
var _ stt.Transcriber = (*NativeProvider)(nil)

// NativeProvider implements stt.Transcriber using whisper.cpp Go bindings
// (CGO), eliminating network overhead entirely. The model is loaded once at
// startup and shared across all transcriptions; each call creates its own
// whisper context, which is the unit that is not thread-safe.
type NativeProvider struct {
	model    whisperlib.Model
	language string
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Transcriber.
func (p *NativeProvider) Name() string { return NativeName }

// Close releases the whisper model. Must be called when the provider is no
// longer needed. Calling Close more than once is safe.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

// Transcribe runs whisper.cpp inference over the utterance. The context is
// honoured up to the point inference starts; whisper.cpp itself cannot be
// interrupted mid-run, so callers bound the worst case with their per-attempt
// timeout and discard the result on cancellation.
func (p *NativeProvider) Transcribe(ctx context.Context, a stt.Audio, opts stt.Options) (stt.Result, error) {
	if len(a.PCM) == 0 {
		return stt.Result{}, stt.ErrNoAudio
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if p.model == nil {
		return stt.Result{}, errors.New("whisper: provider is closed")
	}
	start := time.Now()

	lang := opts.Language
	if lang == "" {
		lang = p.language
	}

	samples := audio.PCMToFloat32Mono(a.PCM, a.Channels)

	// Create a new whisper context for this inference. Each context is NOT
	// thread-safe, but the model can be shared across goroutines.
	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	// Collect segments.
	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	// The bindings report no utterance-level score, so Confidence stays zero.
	return stt.Result{
		Text:     strings.Join(parts, " "),
		Language: lang,
		Duration: a.Duration(),
		Provider: NativeName,
		Latency:  time.Since(start),
	}, nil
}
