package audio

import "time"

// CaptureSegment is the audio gathered for one listening cycle: the pre-roll
// snapshot from the ring plus live frames appended until silence or the
// duration cap. Frame data is copied in; a segment never aliases ring
// storage. Exactly one segment exists per cycle and it is handed to the STT
// dispatcher as owned-and-consumed.
type CaptureSegment struct {
	// PCM holds the segment's contiguous little-endian int16 samples.
	PCM []byte

	// SampleRate and Channels are taken from the first appended frame.
	SampleRate int
	Channels   int

	// Start is the stream time of the first appended frame; End is the time
	// just past the last one.
	Start time.Duration
	End   time.Duration
}

// AppendFrame copies one frame's samples onto the segment. The first frame
// fixes the segment's format and start time.
func (s *CaptureSegment) AppendFrame(f AudioFrame) {
	if len(s.PCM) == 0 {
		s.SampleRate = f.SampleRate
		s.Channels = f.Channels
		s.Start = f.Timestamp
	}
	s.PCM = append(s.PCM, f.Data...)
	s.End = f.Timestamp + f.Duration()
}

// Duration returns the playback length of the captured samples.
func (s CaptureSegment) Duration() time.Duration {
	bytesPerSec := s.SampleRate * s.Channels * (BitsPerSample / 8)
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(len(s.PCM)) * time.Second / time.Duration(bytesPerSec)
}

// Empty reports whether no frames have been appended.
func (s CaptureSegment) Empty() bool { return len(s.PCM) == 0 }
