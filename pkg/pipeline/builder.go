package pipeline

import (
	"log/slog"
	"strings"
)

// VoiceAgentBuilder assembles the per-call stage chain. Decode stages
// run ahead of the core chain so every later stage sees caller audio
// with the VAD already fed.
type VoiceAgentBuilder struct {
	pre  []FrameProcessor
	core []FrameProcessor
}

func NewVoiceAgentBuilder() *VoiceAgentBuilder {
	return &VoiceAgentBuilder{}
}

// WithDecoder registers an audio decode stage ahead of the core chain.
func (b *VoiceAgentBuilder) WithDecoder(p FrameProcessor) *VoiceAgentBuilder {
	if p != nil {
		b.pre = append(b.pre, p)
	}
	return b
}

// WithDTMF registers the keypad correlation stage.
func (b *VoiceAgentBuilder) WithDTMF(p FrameProcessor) *VoiceAgentBuilder {
	return b.WithProcessor(p)
}

// WithGuard registers the dead-air watchdog stage.
func (b *VoiceAgentBuilder) WithGuard(p FrameProcessor) *VoiceAgentBuilder {
	return b.WithProcessor(p)
}

func (b *VoiceAgentBuilder) WithProcessor(p FrameProcessor) *VoiceAgentBuilder {
	if p != nil {
		b.core = append(b.core, p)
	}
	return b
}

func (b *VoiceAgentBuilder) Build(cfg Config) Orchestrator {
	pipe := New(cfg)
	stages := append(append([]FrameProcessor{}, b.pre...), b.core...)
	names := make([]string, 0, len(stages))
	for _, stage := range stages {
		_ = pipe.AddProcessor(stage)
		names = append(names, stage.Name())
	}
	if len(names) > 0 {
		slog.Info("pipeline_stages", "order", strings.Join(names, " -> "))
	}
	return pipe
}
