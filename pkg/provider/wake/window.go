package wake

import "time"

// Window accumulates canonical mono PCM and decides when the next evaluation
// is due. Both engines keep one per session: frames append on the audio loop,
// and every check interval the current window is copied out for inference.
//
// Window is not safe for concurrent use; sessions guard it with their own
// mutex.
type Window struct {
	buf        []byte
	capBytes   int
	minBytes   int
	checkEvery time.Duration
	lastCheck  time.Duration
}

// NewWindow sizes a window for cfg. Evaluation is held back until half the
// window is filled, so a freshly armed session does not score near-empty
// audio.
func NewWindow(cfg SessionConfig) *Window {
	cfg = cfg.Normalize()
	bytesPerMs := cfg.SampleRate * 2 / 1000
	capBytes := cfg.WindowMs * bytesPerMs
	checkEvery := time.Duration(cfg.CheckIntervalMs) * time.Millisecond
	return &Window{
		buf:        make([]byte, 0, capBytes),
		capBytes:   capBytes,
		minBytes:   capBytes / 2,
		checkEvery: checkEvery,
		lastCheck:  -checkEvery,
	}
}

// Append adds one frame's PCM, discarding the oldest bytes beyond capacity.
func (w *Window) Append(data []byte) {
	w.buf = append(w.buf, data...)
	if len(w.buf) > w.capBytes {
		excess := len(w.buf) - w.capBytes
		// Copy down instead of re-slicing so the backing array stays bounded.
		w.buf = append(w.buf[:0], w.buf[excess:]...)
	}
}

// TakeDue returns a copy of the window when an evaluation is due at the given
// stream time, and records the check. The window itself keeps its audio; only
// Reset discards it.
func (w *Window) TakeDue(now time.Duration) ([]byte, bool) {
	if len(w.buf) < w.minBytes {
		return nil, false
	}
	if now-w.lastCheck < w.checkEvery {
		return nil, false
	}
	w.lastCheck = now
	snapshot := make([]byte, len(w.buf))
	copy(snapshot, w.buf)
	return snapshot, true
}

// Reset discards all buffered audio and re-arms the fill threshold.
func (w *Window) Reset() {
	w.buf = w.buf[:0]
}

// Len returns the number of buffered PCM bytes.
func (w *Window) Len() int { return len(w.buf) }
