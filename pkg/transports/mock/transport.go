// Package mock provides an in-memory Transport for tests and local
// development. Frames pushed in appear on Recv; frames the engine
// sends are captured on Sent. Both sides drop when full rather than
// block.
package mock

import (
	"context"
	"sync"

	"github.com/tielinehq/tieline/pkg/frames"
)

const queueDepth = 256

type Transport struct {
	mu     sync.Mutex
	recv   chan frames.Frame
	sent   chan frames.Frame
	closed bool
}

func New() *Transport {
	return &Transport{
		recv: make(chan frames.Frame, queueDepth),
		sent: make(chan frames.Frame, queueDepth),
	}
}

func (t *Transport) Name() string { return "mock" }

// Start arranges for the transport to close when ctx is canceled. A
// nil ctx means the caller will Stop explicitly.
func (t *Transport) Start(ctx context.Context) error {
	if ctx != nil {
		context.AfterFunc(ctx, func() { _ = t.Stop() })
	}
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.recv)
	close(t.sent)
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recv }

func (t *Transport) Send(f frames.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	select {
	case t.sent <- f:
	default:
	}
	return nil
}

// Push injects an inbound frame as if it arrived from the network.
func (t *Transport) Push(f frames.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.recv <- f:
	default:
	}
}

// Sent exposes what the engine wrote, for assertions.
func (t *Transport) Sent() <-chan frames.Frame { return t.sent }
