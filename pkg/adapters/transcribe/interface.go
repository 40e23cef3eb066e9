package transcribe

import (
	"context"

	"github.com/tielinehq/tieline/pkg/frames"
)

// StreamingTranscriber is a live transcription tap on the caller leg.
// It never participates in turn taking; results feed the call record
// only.
type StreamingTranscriber interface {
	Name() string

	// Start opens the transcription connection; Close shuts it down.
	Start(ctx context.Context) error
	Close() error

	// SendAudio forwards one caller audio frame into the live stream.
	SendAudio(frame frames.AudioFrame) error

	// Results delivers transcript text frames. The channel stays open
	// for the transcriber's life; a full channel sheds results rather
	// than stall the vendor callback.
	Results() <-chan frames.Frame
}
