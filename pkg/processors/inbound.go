package processors

import (
	"github.com/tielinehq/tieline/pkg/audio"
	"github.com/tielinehq/tieline/pkg/frames"
	"github.com/tielinehq/tieline/pkg/pipeline"
)

// pass returns f unchanged as a single-frame result.
func pass(f frames.Frame) []frames.Frame { return []frames.Frame{f} }

// InboundAudio decodes caller media into linear samples and feeds the
// turn detector. The frame itself passes through untouched so the
// agent receives the original telephony payload.
type InboundAudio struct {
	observe func([]int16)
}

func NewInboundAudio(observe func([]int16)) *InboundAudio {
	return &InboundAudio{observe: observe}
}

func (p *InboundAudio) Name() string { return "inbound_audio" }

func (p *InboundAudio) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindAudio {
		return pass(f), nil
	}
	af := f.(frames.AudioFrame)
	if p.observe == nil {
		return pass(f), nil
	}
	switch af.Meta()[frames.MetaEncoding] {
	case "mulaw", "":
		p.observe(audio.DecodeMuLaw(af.RawPayload()))
	case "pcm16":
		p.observe(audio.PCM16ToLinear(af.RawPayload()))
	}
	return pass(f), nil
}

var _ pipeline.FrameProcessor = (*InboundAudio)(nil)
