// Package satellite implements [audio.Source] for a wireless microphone
// satellite: a small bedside puck that streams Opus-encoded audio to the
// daemon over a WebSocket. The daemon is the server side; exactly one
// satellite may be connected at a time, and the pipeline stream survives
// satellite reconnects.
package satellite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"layeh.com/gopus"

	"github.com/fablehome/fablewake/pkg/audio"
)

// Satellites send 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// helloMessage is the first (text) message a satellite sends after
// connecting.
type helloMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

// parseHello validates a satellite handshake message.
func parseHello(data []byte) (helloMessage, error) {
	var h helloMessage
	if err := json.Unmarshal(data, &h); err != nil {
		return helloMessage{}, fmt.Errorf("satellite: decode hello: %w", err)
	}
	if h.Type != "hello" {
		return helloMessage{}, fmt.Errorf("satellite: unexpected first message type %q", h.Type)
	}
	if h.DeviceID == "" {
		return helloMessage{}, errors.New("satellite: hello missing device_id")
	}
	return h, nil
}

// opusDecoder is the packet decode seam; backed by gopus in production.
type opusDecoder interface {
	Decode(data []byte, frameSize int, fec bool) ([]int16, error)
}

// Compile-time assertion that Source satisfies audio.Source.
var _ audio.Source = (*Source)(nil)

// Source accepts one satellite connection and exposes its audio as a
// pipeline [audio.Stream]. Mount [Source.Handler] on the status server;
// Open before serving.
type Source struct {
	mu     sync.Mutex
	stream *stream

	newDecoder func() (opusDecoder, error)
}

// New returns a satellite source.
func New() *Source {
	return &Source{
		newDecoder: func() (opusDecoder, error) {
			return gopus.NewDecoder(opusSampleRate, opusChannels)
		},
	}
}

// Name implements audio.Source.
func (*Source) Name() string { return "satellite" }

// Open implements audio.Source. The stream starts silent and produces
// frames once a satellite connects to the handler. Only one open stream is
// supported.
func (s *Source) Open(_ context.Context, cfg audio.SourceConfig) (audio.Stream, error) {
	cfg = cfg.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return nil, &audio.SourceError{
			Kind: audio.DeviceUnavailable,
			Err:  errors.New("satellite stream already open"),
		}
	}

	st := &stream{
		source: s,
		target: audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
		frames: make(chan audio.AudioFrame, 128),
		done:   make(chan struct{}),
	}
	st.conv.Target = st.target
	s.stream = st
	return st, nil
}

// Handler returns the WebSocket ingest endpoint for satellites.
func (s *Source) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

// Connected reports whether a satellite is currently attached, and its id.
func (s *Source) Connected() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return "", false
	}
	id := s.stream.deviceID.Load()
	if id == nil || *id == "" {
		return "", false
	}
	return *id, true
}

func (s *Source) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st == nil || st.closed() {
		http.Error(w, "satellite ingest not active", http.StatusServiceUnavailable)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("satellite accept failed", "error", err)
		return
	}

	if !st.attach() {
		c.Close(websocket.StatusPolicyViolation, "satellite already connected")
		return
	}
	defer st.detach()

	dec, err := s.newDecoder()
	if err != nil {
		slog.Error("satellite opus decoder init failed", "error", err)
		c.Close(websocket.StatusInternalError, "decoder unavailable")
		return
	}

	ctx := r.Context()

	// Handshake: first message must be a hello.
	typ, data, err := c.Read(ctx)
	if err != nil {
		c.Close(websocket.StatusProtocolError, "handshake read failed")
		return
	}
	if typ != websocket.MessageText {
		c.Close(websocket.StatusProtocolError, "expected hello before audio")
		return
	}
	hello, err := parseHello(data)
	if err != nil {
		slog.Warn("satellite handshake rejected", "error", err)
		c.Close(websocket.StatusProtocolError, "bad hello")
		return
	}
	st.deviceID.Store(&hello.DeviceID)
	slog.Info("satellite connected", "device_id", hello.DeviceID)

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			slog.Info("satellite disconnected", "device_id", hello.DeviceID)
			c.Close(websocket.StatusNormalClosure, "")
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if err := st.ingest(dec, data); err != nil {
			slog.Warn("satellite packet dropped", "error", err)
		}
	}
}

// ── stream ──

// Compile-time assertion that stream satisfies audio.Stream.
var _ audio.Stream = (*stream)(nil)

type stream struct {
	source *Source
	target audio.Format
	conv   audio.FormatConverter

	frames chan audio.AudioFrame
	done   chan struct{}
	once   sync.Once

	attached atomic.Bool
	deviceID atomic.Pointer[string]

	outBytes int64 // canonical PCM bytes emitted, drives timestamps
	dropped  atomic.Int64
}

// Frames implements audio.Stream.
func (st *stream) Frames() <-chan audio.AudioFrame { return st.frames }

// Err implements audio.Stream. The satellite stream only ends via Close;
// connection loss is survivable, so there is no fatal error state.
func (st *stream) Err() error { return nil }

// Close implements audio.Stream.
func (st *stream) Close() error {
	st.once.Do(func() {
		close(st.done)
		close(st.frames)
		st.source.mu.Lock()
		if st.source.stream == st {
			st.source.stream = nil
		}
		st.source.mu.Unlock()
	})
	return nil
}

// Dropped reports frames discarded because the pipeline was not keeping up.
func (st *stream) Dropped() int64 { return st.dropped.Load() }

func (st *stream) closed() bool {
	select {
	case <-st.done:
		return true
	default:
		return false
	}
}

func (st *stream) attach() bool {
	return st.attached.CompareAndSwap(false, true)
}

func (st *stream) detach() {
	st.attached.Store(false)
}

// ingest decodes one Opus packet and pushes the converted frame. The
// satellite is a realtime feed: when the pipeline is not draining,
// frames are dropped rather than buffered unboundedly.
func (st *stream) ingest(dec opusDecoder, packet []byte) error {
	pcm, err := dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return fmt.Errorf("satellite: opus decode: %w", err)
	}

	frame := st.conv.Convert(audio.AudioFrame{
		Data:       int16sToBytes(pcm),
		SampleRate: opusSampleRate,
		Channels:   opusChannels,
		Timestamp:  st.timestamp(),
	})
	if len(frame.Data) == 0 {
		return nil
	}

	select {
	case <-st.done:
		return errors.New("satellite: stream closed")
	case st.frames <- frame:
		st.outBytes += len64(frame.Data)
	default:
		st.dropped.Add(1)
	}
	return nil
}

// timestamp derives the stream-relative capture time from emitted bytes.
func (st *stream) timestamp() time.Duration {
	bytesPerSec := st.target.SampleRate * st.target.Channels * (audio.BitsPerSample / 8)
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(st.outBytes) * time.Second / time.Duration(bytesPerSec)
}

func len64(b []byte) int64 { return int64(len(b)) }

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
