package health

import (
	"context"
	"fmt"
	"time"

	"github.com/fablehome/fablewake/internal/orchestrator"
)

// Pipeline reports failure once the voice pipeline has shut down. A degraded
// pipeline still counts as ready: manual triggers and transcription keep
// working without the wake word.
func Pipeline(state func() string) Checker {
	return Checker{
		Name: "pipeline",
		Check: func(_ context.Context) error {
			if s := state(); s == orchestrator.StateFailed {
				return fmt.Errorf("pipeline state is %s", s)
			}
			return nil
		},
	}
}

// AudioFresh reports failure when the capture source has not delivered a
// frame within maxAge. last returns the arrival time of the newest frame and
// the zero time before the first one.
func AudioFresh(last func() time.Time, maxAge time.Duration) Checker {
	return Checker{
		Name: "audio",
		Check: func(_ context.Context) error {
			t := last()
			if t.IsZero() {
				return fmt.Errorf("no audio captured yet")
			}
			if age := time.Since(t); age > maxAge {
				return fmt.Errorf("last frame is %s old", age.Round(time.Millisecond))
			}
			return nil
		},
	}
}

// Transcribers reports failure when no speech-to-text provider survived
// wiring. count returns the number of constructed transcribers.
func Transcribers(count func() int) Checker {
	return Checker{
		Name: "stt_providers",
		Check: func(_ context.Context) error {
			if n := count(); n == 0 {
				return fmt.Errorf("no transcription providers available")
			}
			return nil
		},
	}
}
