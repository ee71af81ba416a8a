// Package ring implements the fixed-capacity rolling audio buffer that sits
// between the capture source and the rest of the pipeline. It retains the
// most recent few seconds of PCM (wake-word lookback plus pre-roll margin)
// inside a constant memory ceiling: when full, the oldest frames are
// overwritten silently. This is deliberate — the buffer is a window, not a
// queue with backpressure.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/fablehome/fablewake/pkg/audio"
)

// DefaultCapacity is the buffered window when none is configured:
// wake-word lookback plus capture pre-roll margin.
const DefaultCapacity = 12 * time.Second

// recordHeaderBytes prefixes each stored frame: capture timestamp in
// nanoseconds (8) plus PCM byte length (4), little-endian.
const recordHeaderBytes = 12

// ErrFrameTooLarge is returned by Push when a single frame exceeds the
// buffer's total byte capacity.
var ErrFrameTooLarge = errors.New("ring: frame larger than buffer capacity")

// Buffer is the rolling window of recent [audio.AudioFrame] values.
//
// Frames are stored as length-prefixed records in a byte ring. Push is
// amortised O(1) and never blocks: insufficient free space evicts oldest
// records first. Snapshot copies the requested tail of the window out, so
// readers never alias the ring's storage.
//
// The pipeline has a single writer (the audio pump) and occasional readers
// (capture assembly); all methods are safe for concurrent use.
type Buffer struct {
	mu sync.Mutex
	rb *ringbuffer.RingBuffer

	format  audio.Format
	byteCap int

	frames   int           // records currently buffered
	pcmBytes int           // PCM payload bytes currently buffered
	latest   time.Duration // timestamp of the newest frame
	dropped  int64         // frames evicted since construction or Reset
}

// New creates a Buffer holding capacity worth of audio in the given format.
// frameMs is the nominal frame length, used only to size the per-record
// header overhead. A zero capacity means [DefaultCapacity].
func New(capacity time.Duration, format audio.Format, frameMs int) (*Buffer, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("ring: invalid format %dHz/%dch", format.SampleRate, format.Channels)
	}
	if frameMs <= 0 {
		frameMs = audio.DefaultFrameMs
	}

	bytesPerSec := format.SampleRate * format.Channels * (audio.BitsPerSample / 8)
	framesPerSec := 1000 / frameMs
	if framesPerSec <= 0 {
		framesPerSec = 1
	}
	seconds := float64(capacity) / float64(time.Second)
	byteCap := int(seconds*float64(bytesPerSec+framesPerSec*recordHeaderBytes)) + recordHeaderBytes

	return &Buffer{
		rb:      ringbuffer.New(byteCap),
		format:  format,
		byteCap: byteCap,
	}, nil
}

// Push appends a frame to the window, evicting oldest frames as needed.
// It never blocks and never grows the buffer. Only a frame that cannot fit
// even in an empty buffer is rejected.
func (b *Buffer) Push(frame audio.AudioFrame) error {
	need := recordHeaderBytes + len(frame.Data)
	if need > b.byteCap {
		return ErrFrameTooLarge
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.rb.Free() < need {
		if !b.evictOldestLocked() {
			// Header/payload accounting no longer lines up; start over
			// rather than serving corrupt snapshots.
			b.resetLocked()
			break
		}
	}

	var header [recordHeaderBytes]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(frame.Timestamp))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(frame.Data)))

	if _, err := b.rb.Write(header[:]); err != nil {
		return fmt.Errorf("ring: write header: %w", err)
	}
	if _, err := b.rb.Write(frame.Data); err != nil {
		return fmt.Errorf("ring: write frame: %w", err)
	}

	b.frames++
	b.pcmBytes += len(frame.Data)
	b.latest = frame.Timestamp
	return nil
}

// Snapshot returns copies of the most recent d worth of frames, oldest
// first. A d of zero or more than the buffered window returns everything
// currently held. The returned frames share no storage with the ring.
func (b *Buffer) Snapshot(d time.Duration) []audio.AudioFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	length := b.rb.Length()
	if length == 0 {
		return nil
	}

	raw := b.rb.Bytes(make([]byte, length))

	cutoff := time.Duration(-1)
	if d > 0 {
		cutoff = b.latest - d
	}

	frames := make([]audio.AudioFrame, 0, b.frames)
	for off := 0; off+recordHeaderBytes <= len(raw); {
		ts := time.Duration(binary.LittleEndian.Uint64(raw[off : off+8]))
		size := int(binary.LittleEndian.Uint32(raw[off+8 : off+12]))
		off += recordHeaderBytes
		if size < 0 || off+size > len(raw) {
			break
		}
		if ts > cutoff {
			data := make([]byte, size)
			copy(data, raw[off:off+size])
			frames = append(frames, audio.AudioFrame{
				Data:       data,
				SampleRate: b.format.SampleRate,
				Channels:   b.format.Channels,
				Timestamp:  ts,
			})
		}
		off += size
	}
	return frames
}

// Duration reports how much audio is currently buffered.
func (b *Buffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	bytesPerSec := b.format.SampleRate * b.format.Channels * (audio.BitsPerSample / 8)
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(b.pcmBytes) * time.Second / time.Duration(bytesPerSec)
}

// Len reports the number of frames currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames
}

// Capacity reports the fixed byte ceiling of the underlying ring.
func (b *Buffer) Capacity() int { return b.byteCap }

// Dropped reports the number of frames evicted to make room since
// construction or the last Reset.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Latest reports the timestamp of the newest buffered frame.
func (b *Buffer) Latest() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// Reset discards all buffered audio. The capacity is unchanged.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// evictOldestLocked removes one complete record from the front of the ring.
// Returns false when the buffered bytes do not form a valid record.
func (b *Buffer) evictOldestLocked() bool {
	if b.rb.IsEmpty() {
		return false
	}

	var header [recordHeaderBytes]byte
	n, err := b.rb.Read(header[:])
	if err != nil || n != recordHeaderBytes {
		return false
	}
	size := int(binary.LittleEndian.Uint32(header[8:12]))
	if size < 0 || size > b.byteCap {
		return false
	}
	if size > 0 {
		skip := make([]byte, size)
		n, err = b.rb.Read(skip)
		if err != nil || n != size {
			return false
		}
	}

	b.frames--
	b.pcmBytes -= size
	b.dropped++
	return true
}

func (b *Buffer) resetLocked() {
	b.rb.Reset()
	b.frames = 0
	b.pcmBytes = 0
}
