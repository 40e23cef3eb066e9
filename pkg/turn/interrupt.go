package turn

import (
	"github.com/tielinehq/tieline/pkg/frames"
)

// InterruptEmitter receives the control frames the turn logic produces
// when the caller takes the floor back.
type InterruptEmitter interface {
	Emit(frame frames.Frame) error
}

// NewInterruptFrame builds the start-interruption frame emitted the
// moment a barge-in crosses the threshold.
func NewInterruptFrame(streamID string, pts int64, meta map[string]string) frames.ControlFrame {
	return frames.NewControlFrame(streamID, pts, frames.ControlStartInterruption, meta)
}

// NewFlushFrame builds the frame that tells the transport to drop any
// queued agent audio.
func NewFlushFrame(streamID string, pts int64, meta map[string]string) frames.ControlFrame {
	return frames.NewControlFrame(streamID, pts, frames.ControlFlush, meta)
}

// NewCancelFrame builds the frame that cancels the agent's in-flight
// response.
func NewCancelFrame(streamID string, pts int64, meta map[string]string) frames.ControlFrame {
	return frames.NewControlFrame(streamID, pts, frames.ControlCancel, meta)
}
