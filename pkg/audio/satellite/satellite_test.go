package satellite

import (
	"context"
	"testing"

	"github.com/fablehome/fablewake/pkg/audio"
)

func TestParseHello(t *testing.T) {
	h, err := parseHello([]byte(`{"type":"hello","device_id":"puck-01"}`))
	if err != nil {
		t.Fatalf("parseHello: %v", err)
	}
	if h.DeviceID != "puck-01" {
		t.Errorf("device_id = %q, want puck-01", h.DeviceID)
	}
}

func TestParseHello_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"wrong type", `{"type":"audio","device_id":"puck-01"}`},
		{"missing device", `{"type":"hello"}`},
		{"invalid json", `{nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseHello([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestOpenTwice(t *testing.T) {
	s := New()
	st, err := s.Open(context.Background(), audio.SourceConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if _, err := s.Open(context.Background(), audio.SourceConfig{}); err == nil {
		t.Fatal("second Open should fail")
	}
	se, ok := audio.AsSourceError(err)
	if !ok || se.Kind != audio.DeviceUnavailable {
		t.Errorf("err = %v, want SourceError with DeviceUnavailable", err)
	}
}

func TestCloseReleasesSource(t *testing.T) {
	s := New()
	st, err := s.Open(context.Background(), audio.SourceConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close twice is a no-op.
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := s.Open(context.Background(), audio.SourceConfig{}); err != nil {
		t.Errorf("Open after Close: %v", err)
	}
}

// fakeDecoder emits a constant 20ms of 48kHz stereo regardless of input.
type fakeDecoder struct{ sample int16 }

func (f *fakeDecoder) Decode(_ []byte, frameSize int, _ bool) ([]int16, error) {
	pcm := make([]int16, frameSize*opusChannels)
	for i := range pcm {
		pcm[i] = f.sample
	}
	return pcm, nil
}

func TestIngestConvertsToCanonical(t *testing.T) {
	s := New()
	raw, err := s.Open(context.Background(), audio.SourceConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st := raw.(*stream)
	defer st.Close()

	dec := &fakeDecoder{sample: 1000}
	if err := st.ingest(dec, []byte{0x01}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	select {
	case frame := <-st.Frames():
		if frame.SampleRate != audio.DefaultSampleRate || frame.Channels != audio.DefaultChannels {
			t.Errorf("frame format = %dHz/%dch, want canonical", frame.SampleRate, frame.Channels)
		}
		// 20ms at 16kHz mono.
		if got := frame.Duration(); got.Milliseconds() != 20 {
			t.Errorf("frame duration = %v, want 20ms", got)
		}
	default:
		t.Fatal("no frame emitted")
	}
}

func TestIngestDropsWhenFull(t *testing.T) {
	s := New()
	raw, err := s.Open(context.Background(), audio.SourceConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st := raw.(*stream)
	defer st.Close()

	dec := &fakeDecoder{sample: 1}
	// Fill the buffered channel and then some.
	for i := 0; i < cap(st.frames)+10; i++ {
		if err := st.ingest(dec, []byte{0x01}); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	if st.Dropped() != 10 {
		t.Errorf("dropped = %d, want 10", st.Dropped())
	}
}

func TestIngestTimestampsAdvance(t *testing.T) {
	s := New()
	raw, err := s.Open(context.Background(), audio.SourceConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st := raw.(*stream)
	defer st.Close()

	dec := &fakeDecoder{sample: 1}
	for i := 0; i < 3; i++ {
		if err := st.ingest(dec, []byte{0x01}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	var last int64 = -1
	for i := 0; i < 3; i++ {
		frame := <-st.Frames()
		ms := frame.Timestamp.Milliseconds()
		if ms <= last && i > 0 {
			t.Errorf("timestamp %d not advancing: %dms after %dms", i, ms, last)
		}
		last = ms
	}
}

func TestInt16sToBytes(t *testing.T) {
	b := int16sToBytes([]int16{0x0102, -1})
	want := []byte{0x02, 0x01, 0xFF, 0xFF}
	if len(b) != len(want) {
		t.Fatalf("len = %d, want %d", len(b), len(want))
	}
	for i := range want {
		if b[i] != want[i] {
			t.Errorf("byte %d = %#x, want %#x", i, b[i], want[i])
		}
	}
}
