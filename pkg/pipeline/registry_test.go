package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tielinehq/tieline/pkg/frames"
	"github.com/tielinehq/tieline/pkg/metrics"
)

type stubOrch struct {
	started atomic.Int32
	stopped atomic.Int32
	in      chan frames.Frame
}

func newStubOrch() *stubOrch { return &stubOrch{in: make(chan frames.Frame, 8)} }

func (s *stubOrch) Start() error                      { s.started.Add(1); return nil }
func (s *stubOrch) Stop() error                       { s.stopped.Add(1); return nil }
func (s *stubOrch) In() chan frames.Frame             { return s.in }
func (s *stubOrch) AddProcessor(FrameProcessor) error { return nil }
func (s *stubOrch) SetContext(context.Context)        {}
func (s *stubOrch) SetSink(func(frames.Frame))        {}
func (s *stubOrch) SetObserver(metrics.Observer)      {}

func stubFactory(count *atomic.Int32, orch Orchestrator) SessionFactory {
	return func(ctx context.Context, streamID, callSID, traceID string) (Orchestrator, error) {
		count.Add(1)
		return orch, nil
	}
}

func TestRegistryCreatesSessionOnce(t *testing.T) {
	var builds atomic.Int32
	r := NewSessionRegistry(stubFactory(&builds, newStubOrch()))

	first, created, err := r.GetOrCreate("MZ1", "CA1", "tr1")
	if err != nil || !created {
		t.Fatalf("first create = (%v, %v)", created, err)
	}
	second, created, err := r.GetOrCreate("MZ1", "", "")
	if err != nil || created {
		t.Fatalf("second create = (%v, %v)", created, err)
	}
	if first != second {
		t.Fatal("same stream id returned different sessions")
	}
	if builds.Load() != 1 {
		t.Fatalf("factory ran %d times", builds.Load())
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d", r.Count())
	}
}

func TestRegistryRekeyMovesSession(t *testing.T) {
	var builds atomic.Int32
	r := NewSessionRegistry(stubFactory(&builds, newStubOrch()))
	if _, _, err := r.GetOrCreate("pending-1", "", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	sess := r.Rekey("pending-1", "MZ9", "CA9", "tr9")
	if sess == nil {
		t.Fatal("rekey returned nil for known session")
	}
	if sess.StreamID != "MZ9" || sess.CallSID != "CA9" || sess.TraceID != "tr9" {
		t.Fatalf("rekeyed session = %+v", sess)
	}
	if _, ok := r.Get("pending-1"); ok {
		t.Fatal("provisional id still resolves after rekey")
	}
	if _, ok := r.Get("MZ9"); !ok {
		t.Fatal("live id does not resolve after rekey")
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d", r.Count())
	}

	if r.Rekey("unknown", "MZ10", "", "") != nil {
		t.Fatal("rekey of unknown id should return nil")
	}
}

func TestRegistryRemoveStopsSession(t *testing.T) {
	orch := newStubOrch()
	var builds atomic.Int32
	r := NewSessionRegistry(stubFactory(&builds, orch))
	sess, _, err := r.GetOrCreate("MZ1", "CA1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r.Remove("MZ1")
	if orch.stopped.Load() != 1 {
		t.Fatalf("orchestrator stopped %d times", orch.stopped.Load())
	}
	select {
	case <-sess.Ctx.Done():
	default:
		t.Fatal("session context not canceled on remove")
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d", r.Count())
	}

	r.Remove("MZ1")
	if orch.stopped.Load() != 1 {
		t.Fatal("second remove stopped the orchestrator again")
	}
}

func TestRegistryRefusesNewSessionsWhileDraining(t *testing.T) {
	var builds atomic.Int32
	r := NewSessionRegistry(stubFactory(&builds, newStubOrch()))
	existing, _, err := r.GetOrCreate("MZ1", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r.SetDraining(true)
	if _, _, err := r.GetOrCreate("MZ2", "", ""); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
	sess, created, err := r.GetOrCreate("MZ1", "", "")
	if err != nil || created || sess != existing {
		t.Fatal("existing session should stay reachable while draining")
	}
}

func TestRegistryWaitForEmpty(t *testing.T) {
	var builds atomic.Int32
	r := NewSessionRegistry(stubFactory(&builds, newStubOrch()))
	if _, _, err := r.GetOrCreate("MZ1", "", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if r.WaitForEmpty(ctx, 10*time.Millisecond) {
		t.Fatal("wait reported empty with a live session")
	}

	r.CloseAll()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if !r.WaitForEmpty(ctx2, 10*time.Millisecond) {
		t.Fatal("wait did not observe the drained registry")
	}
}
