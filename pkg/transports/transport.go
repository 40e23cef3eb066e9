// Package transports defines the boundary between the engine and the
// telephony network. A Transport moves frames; the optional interfaces
// below advertise vendor capabilities the engine or tooling can probe
// for with a type assertion.
package transports

import (
	"context"

	"github.com/tielinehq/tieline/pkg/frames"
)

// Transport is a vendor-agnostic frame pipe. Implementations own their
// network lifecycle: Start binds listeners, Stop tears them down, and
// Recv stays open for the life of the transport.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// OutboundDialer starts an outbound call and returns the vendor call id.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions holds the optional knobs an outbound dial can set.
type DialOptions struct {
	// SendDigits is a DTMF sequence played once the callee answers,
	// in the vendor's dial-string syntax.
	SendDigits string
}

// OutboundDialerWithOptions is an OutboundDialer that accepts
// DialOptions.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// DTMFSender sends DTMF digits on an active call.
type DTMFSender interface {
	SendDTMF(ctx context.Context, callSID, digits string) error
}

// ReadyReporter exposes readiness metadata (webhook URLs and the like)
// for informational logging.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
