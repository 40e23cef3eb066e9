package pipeline

import (
	"context"
	"log/slog"

	"github.com/tielinehq/tieline/pkg/frames"
	"github.com/tielinehq/tieline/pkg/metrics"
)

// FrameProcessor is one stage of a session pipeline. Process may
// swallow a frame (nil, nil), pass it through, or fan it out.
type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

// Orchestrator runs a session's stage chain between the transport's
// frame feed and the engine sink.
type Orchestrator interface {
	Start() error
	Stop() error
	In() chan frames.Frame
	AddProcessor(p FrameProcessor) error
	SetContext(ctx context.Context)
	SetSink(sink func(frames.Frame))
	SetObserver(obs metrics.Observer)
}

type BackpressureMode int

const (
	// BackpressureDrop sheds frames when a lane fills. The default for
	// live calls, where late audio is worse than lost audio.
	BackpressureDrop BackpressureMode = iota
	// BackpressureWait blocks producers instead of shedding.
	BackpressureWait
)

type Config struct {
	Async         bool
	StageBuffer   int
	HighCapacity  int
	LowCapacity   int
	FairnessRatio int
	Backpressure  BackpressureMode
}

// EngineConfig carries the audio cadence shared by every session: the
// wire sample rate and the pacer's frame size and tick.
type EngineConfig struct {
	SampleRate     int `mapstructure:"samplerate"`
	PacerFrameSize int `mapstructure:"pacer_frame_size"`
	PacerTickMS    int `mapstructure:"pacer_tick_ms"`
}

func LogConfiguration(cfg EngineConfig) {
	slog.Info("engine_config",
		"sample_rate", cfg.SampleRate,
		"pacer_frame_size", cfg.PacerFrameSize,
		"pacer_tick_ms", cfg.PacerTickMS,
	)
}
