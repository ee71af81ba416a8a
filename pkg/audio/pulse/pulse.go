// Package pulse captures microphone audio from a PulseAudio (or
// pipewire-pulse) server. It implements [audio.Source] for the device's
// built-in microphone: device discovery, default/fallback selection, and a
// fixed-frame PCM record stream.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/fablehome/fablewake/pkg/audio"
)

const appName = "fablewake"

// Compile-time assertion that Source satisfies audio.Source.
var _ audio.Source = (*Source)(nil)

// Source opens PulseAudio record streams. The zero value is ready to use.
type Source struct{}

// New returns a PulseAudio source.
func New() *Source { return &Source{} }

// Name implements audio.Source.
func (*Source) Name() string { return "pulse" }

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// Selection is the resolved capture device plus fallback warning context.
type Selection struct {
	Device   Device
	Warning  string
	Fallback bool
}

// ListDevices returns available Pulse input sources with default and
// availability metadata. Used by device selection and the --devices flag.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(appName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, &audio.SourceError{
			Kind: audio.DeviceUnavailable,
			Err:  fmt.Errorf("connect pulse server: %w", err),
		}
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("pulse: read default source: %w", err)
	}
	defaultID := defaultSource.ID()

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, fmt.Errorf("pulse: list sources: %w", err)
	}

	devices := make([]Device, 0, len(sourceInfos))
	for _, source := range sourceInfos {
		if source == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          source.SourceName,
			Description: source.Device,
			State:       sourceStateString(source.State),
			Available:   sourceAvailable(source),
			Muted:       source.Mute,
			Default:     source.SourceName == defaultID,
		})
	}
	return devices, nil
}

// Open implements audio.Source. It resolves the configured device against
// the live device list, then starts a record stream in the requested format.
func (s *Source) Open(ctx context.Context, cfg audio.SourceConfig) (audio.Stream, error) {
	cfg = cfg.Normalize()
	if cfg.Channels != 1 {
		return nil, &audio.SourceError{
			Kind: audio.FormatUnsupported,
			Err:  fmt.Errorf("pulse capture is mono only, requested %d channels", cfg.Channels),
		}
	}

	devices, err := ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	selection, err := selectDevice(devices, cfg.Device, cfg.FallbackDevice)
	if err != nil {
		return nil, &audio.SourceError{Kind: audio.DeviceUnavailable, Device: cfg.Device, Err: err}
	}
	if selection.Warning != "" {
		slog.Warn("pulse device fallback", "warning", selection.Warning)
	}

	return startStream(selection.Device, cfg)
}

// selectDevice applies selection policy to a pre-fetched device list:
// the configured term matches by id or description substring; an
// unavailable or muted primary falls back to the fallback term, else the
// system default.
func selectDevice(devices []Device, input, fallback string) (Selection, error) {
	if len(devices) == 0 {
		return Selection{}, errors.New("no audio input devices found")
	}

	var (
		defaultDevice *Device
		byInput       *Device
		byFallback    *Device
	)

	input = strings.TrimSpace(strings.ToLower(input))
	fallback = strings.TrimSpace(strings.ToLower(fallback))

	for i := range devices {
		dev := &devices[i]
		if dev.Default {
			defaultDevice = dev
		}
		if byInput == nil && input != "" && input != "default" && deviceMatches(*dev, input) {
			byInput = dev
		}
		if byFallback == nil && fallback != "" && fallback != "default" && deviceMatches(*dev, fallback) {
			byFallback = dev
		}
	}

	chooseDefault := func() (*Device, error) {
		if defaultDevice == nil {
			return nil, errors.New("default audio source is unavailable")
		}
		return defaultDevice, nil
	}

	selectPrimary := func() (*Device, error) {
		if input == "" || input == "default" {
			return chooseDefault()
		}
		if byInput != nil {
			return byInput, nil
		}
		return nil, fmt.Errorf("audio.device %q did not match any device", input)
	}

	primary, err := selectPrimary()
	if err != nil {
		return Selection{}, err
	}
	if primary.Available && !primary.Muted {
		return Selection{Device: *primary}, nil
	}

	primaryReason := "unavailable"
	if primary.Muted {
		primaryReason = "muted"
	}

	fallbackDevice := primary
	if fallback != "" && fallback != "default" {
		if byFallback == nil {
			return Selection{}, fmt.Errorf("primary input %q is %s and fallback %q not found", primary.ID, primaryReason, fallback)
		}
		fallbackDevice = byFallback
	} else {
		d, derr := chooseDefault()
		if derr != nil {
			return Selection{}, fmt.Errorf("primary input %q is %s and no usable fallback: %w", primary.ID, primaryReason, derr)
		}
		fallbackDevice = d
	}

	if !fallbackDevice.Available {
		return Selection{}, fmt.Errorf("audio fallback device %q is not available", fallbackDevice.ID)
	}
	if fallbackDevice.Muted {
		return Selection{}, fmt.Errorf("audio fallback device %q is muted", fallbackDevice.ID)
	}

	return Selection{
		Device:   *fallbackDevice,
		Warning:  fmt.Sprintf("audio.device %q is %s; falling back to %q", primary.ID, primaryReason, fallbackDevice.ID),
		Fallback: primary.ID != fallbackDevice.ID,
	}, nil
}

// deviceMatches reports whether a search term matches a device id or description.
func deviceMatches(device Device, term string) bool {
	if term == "" {
		return false
	}
	id := strings.ToLower(device.ID)
	desc := strings.ToLower(device.Description)
	return strings.Contains(id, term) || strings.Contains(desc, term)
}

// ── stream ──

// Compile-time assertion that stream satisfies audio.Stream.
var _ audio.Stream = (*stream)(nil)

// stream is a live Pulse record stream chunked into fixed-length frames.
type stream struct {
	device     Device
	sampleRate int
	frameBytes int

	client *pulse.Client
	record *pulse.RecordStream

	frames chan audio.AudioFrame
	stopCh chan struct{}

	mu      sync.Mutex
	pending []byte
	stopped bool
	err     error

	inflight sync.WaitGroup
	bytes    atomic.Int64
}

func startStream(device Device, cfg audio.SourceConfig) (*stream, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(appName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, &audio.SourceError{
			Kind:   audio.DeviceUnavailable,
			Device: device.ID,
			Err:    fmt.Errorf("connect pulse server: %w", err),
		}
	}

	source, err := client.SourceByID(device.ID)
	if err != nil {
		client.Close()
		return nil, &audio.SourceError{
			Kind:   audio.DeviceUnavailable,
			Device: device.ID,
			Err:    fmt.Errorf("resolve source: %w", err),
		}
	}

	st := &stream{
		device:     device,
		sampleRate: cfg.SampleRate,
		frameBytes: audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}.BytesPerFrame(cfg.FrameMs),
		client:     client,
		frames:     make(chan audio.AudioFrame, 128),
		stopCh:     make(chan struct{}),
	}

	writer := pulse.NewWriter(writerFunc(st.onPCM), pulseproto.FormatInt16LE)
	record, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(cfg.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(st.frameBytes)),
		pulse.RecordMediaName("fablewake listening"),
	)
	if err != nil {
		st.Close()
		return nil, &audio.SourceError{
			Kind:   audio.FormatUnsupported,
			Device: device.ID,
			Err:    fmt.Errorf("create record stream: %w", err),
		}
	}

	st.record = record
	record.Start()
	slog.Info("pulse capture started",
		"device", device.ID,
		"sample_rate", cfg.SampleRate,
		"frame_bytes", st.frameBytes,
	)

	return st, nil
}

// Frames implements audio.Stream.
func (s *stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Err implements audio.Stream.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// BytesCaptured reports total bytes accepted from Pulse.
func (s *stream) BytesCaptured() int64 { return s.bytes.Load() }

// Close implements audio.Stream. It halts the record stream, flushes residual
// PCM as a final short frame, and closes Frames exactly once.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	if s.record != nil {
		s.record.Stop()
		s.record.Close()
	}
	if s.client != nil {
		s.client.Close()
	}

	s.inflight.Wait()

	s.mu.Lock()
	pending := append([]byte(nil), s.pending...)
	s.pending = nil
	s.mu.Unlock()

	if len(pending) > 0 {
		select {
		case s.frames <- s.frameFor(pending):
		default:
		}
	}

	close(s.frames)
	return nil
}

// onPCM receives raw Pulse buffers and emits fixed-size frames.
func (s *stream) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	select {
	case <-s.stopCh:
		return 0, io.EOF
	default:
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, io.EOF
	}
	// Guard Add under the same mutex as s.stopped to avoid Add/Wait races.
	s.inflight.Add(1)

	s.pending = append(s.pending, buffer...)
	chunks := make([][]byte, 0, len(s.pending)/s.frameBytes)
	for len(s.pending) >= s.frameBytes {
		chunk := make([]byte, s.frameBytes)
		copy(chunk, s.pending[:s.frameBytes])
		s.pending = s.pending[s.frameBytes:]
		chunks = append(chunks, chunk)
	}
	s.mu.Unlock()
	defer s.inflight.Done()

	for _, chunk := range chunks {
		frame := s.frameFor(chunk)
		s.bytes.Add(int64(len(chunk)))
		select {
		case <-s.stopCh:
			return 0, io.EOF
		case s.frames <- frame:
		}
	}

	return len(buffer), nil
}

// frameFor stamps a PCM chunk with its stream-relative capture time,
// derived from the byte count emitted so far.
func (s *stream) frameFor(chunk []byte) audio.AudioFrame {
	bytesPerSec := s.sampleRate * (audio.BitsPerSample / 8)
	ts := time.Duration(s.bytes.Load()) * time.Second / time.Duration(bytesPerSec)
	return audio.AudioFrame{
		Data:       chunk,
		SampleRate: s.sampleRate,
		Channels:   1,
		Timestamp:  ts,
	}
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

// sourceStateString maps Pulse source state constants to human-readable values.
func sourceStateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// sourceAvailable maps Pulse source port availability to a simple boolean.
func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	if len(source.Ports) == 0 {
		return true
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		// PulseAudio values: unknown=0, no=1, yes=2.
		return port.Available == 0 || port.Available == 2
	}
	return true
}
