package orchestrator

import (
	"sync"
	"time"
)

// EventKind identifies a session lifecycle event.
type EventKind string

const (
	EventWakeDetected     EventKind = "wake_detected"
	EventListeningStarted EventKind = "listening_started"
	EventListeningEnded   EventKind = "listening_ended"
	EventSTTResult        EventKind = "stt_result"
	EventSTTError         EventKind = "stt_error"
	EventDegradedEntered  EventKind = "degraded_entered"
	EventDegradedExited   EventKind = "degraded_exited"
	EventPipelineFailed   EventKind = "pipeline_failed"
)

// Event is one session lifecycle notification. Fields beyond Kind, At and
// Session are populated per kind; the zero values are omitted from JSON so
// the wire shape stays small for status clients.
type Event struct {
	Kind    EventKind `json:"kind"`
	At      time.Time `json:"at"`
	Session string    `json:"session,omitempty"`

	// Confidence and Engine accompany wake_detected; Confidence also rides
	// stt_result.
	Confidence float64 `json:"confidence,omitempty"`
	Engine     string  `json:"engine,omitempty"`

	// Text and Provider accompany stt_result.
	Text     string `json:"text,omitempty"`
	Provider string `json:"provider,omitempty"`

	// Seconds is the capture length on listening_ended.
	Seconds float64 `json:"seconds,omitempty"`

	// Reason carries the capture end cause, the degraded reason set, or the
	// transcription failure class, depending on Kind.
	Reason string `json:"reason,omitempty"`

	// Err is the error message on stt_error and pipeline_failed.
	Err string `json:"error,omitempty"`
}

// DefaultSubscriberBuffer is the per-subscriber event backlog.
const DefaultSubscriberBuffer = 16

// Notifier fans session events out to subscribers without ever blocking the
// control loop: each subscriber has a bounded buffer and the oldest
// undelivered event is dropped when it fills.
type Notifier struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

// NewNotifier creates a notifier. buffer <= 0 selects
// DefaultSubscriberBuffer.
func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Notifier{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe registers a new subscriber. The cancel function removes the
// subscription and closes the channel; it is safe to call more than once.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	ch := make(chan Event, n.buffer)
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			if sub, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(sub)
			}
			n.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber, dropping each subscriber's
// oldest pending event when its buffer is full.
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
	deliver:
		for {
			select {
			case ch <- ev:
				break deliver
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// Subscribers returns the current subscription count.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
