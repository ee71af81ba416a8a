package audio

import "time"

// Pipeline canonical format. Every frame entering the ring buffer, the
// wake-word engine, or a capture segment is 16 kHz mono s16le; sources
// delivering anything else are converted on the way in.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	DefaultFrameMs    = 20

	// BitsPerSample for all PCM handled by the pipeline.
	BitsPerSample = 16
)

// AudioFrame is one chunk of PCM samples flowing through the pipeline.
// Frames are the atomic unit of transport: captured by a [Source], pushed
// into the ring buffer, fed to the wake-word engine, and assembled into
// capture segments. A frame is immutable once captured.
type AudioFrame struct {
	// Data holds little-endian int16 PCM samples.
	Data []byte

	// SampleRate in Hz (16000 for the canonical pipeline format).
	SampleRate int

	// Channels: 1 for mono. Satellite sources deliver 2 before conversion.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame's PCM data.
func (f AudioFrame) Duration() time.Duration {
	bytesPerSec := f.SampleRate * f.Channels * (BitsPerSample / 8)
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(len(f.Data)) * time.Second / time.Duration(bytesPerSec)
}

// Clone returns a deep copy of the frame. Used when a frame must outlive
// the buffer it was read from (e.g. capture segment assembly).
func (f AudioFrame) Clone() AudioFrame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return AudioFrame{
		Data:       data,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Timestamp:  f.Timestamp,
	}
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is the canonical pipeline format.
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels}
}

// BytesPerFrame returns the PCM byte count of one frame of the given length
// in this format.
func (f Format) BytesPerFrame(frameMs int) int {
	return f.SampleRate * f.Channels * (BitsPerSample / 8) * frameMs / 1000
}
