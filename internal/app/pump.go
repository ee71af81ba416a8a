package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/fablehome/fablewake/pkg/audio"
)

// pump owns the capture stream for the process lifetime: it opens the
// source, pushes every frame into the pre-roll ring, offers frames to the
// wake session while the pipeline is armed, and forwards them to the
// orchestrator.
//
// Source errors are fatal to the capture session and non-retryable. They
// move the pipeline to failed rather than stopping the process, so the
// status surface keeps reporting the condition and the readiness probe
// turns unhealthy.
func (a *App) pump(ctx context.Context) error {
	src := a.providers.Source
	stream, err := src.Open(ctx, a.sourceConfig())
	if err != nil {
		slog.Error("audio source unavailable", "source", src.Name(), "error", err)
		a.orch.Fail(err)
		return nil
	}
	defer stream.Close()

	slog.Info("audio capture started",
		"source", src.Name(),
		"device", a.cfg.Audio.Device,
		"sample_rate", a.cfg.Audio.SampleRate)

	var droppedSeen int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-stream.Frames():
			if !ok {
				if err := stream.Err(); err != nil {
					slog.Error("audio capture failed", "source", src.Name(), "error", err)
					a.orch.Fail(err)
				}
				return nil
			}
			a.lastFrame.Store(time.Now().UnixNano())

			if err := a.buffer.Push(frame); err != nil {
				// Format mismatch from a misbehaving source adapter.
				slog.Warn("frame rejected by ring buffer", "error", err)
				continue
			}
			if d := a.buffer.Dropped(); d > droppedSeen {
				a.metrics.RingDroppedFrames.Add(ctx, d-droppedSeen)
				droppedSeen = d
			}

			if a.wakeSession != nil && a.orch.Armed() {
				if ev, hit := a.wakeSession.Feed(frame); hit {
					a.orch.OnWake(ev)
				}
			}
			a.orch.FeedFrame(frame)
		}
	}
}

// sourceConfig maps the audio config block onto the source contract.
func (a *App) sourceConfig() audio.SourceConfig {
	return audio.SourceConfig{
		Device:         a.cfg.Audio.Device,
		FallbackDevice: a.cfg.Audio.FallbackDevice,
		SampleRate:     a.cfg.Audio.SampleRate,
		Channels:       a.cfg.Audio.Channels,
		FrameMs:        a.cfg.Audio.FrameMs,
	}
}
