package turn

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func loudFrame(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = 1000
	}
	return out
}

func waitForCount(t *testing.T, counter *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for counter.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d finalizations, got %d", want, counter.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManagerFinalizesOnceAfterSilence(t *testing.T) {
	var finalized atomic.Int64
	det := NewDetector(100)
	m := NewManagerWithOptions(det, AggressiveStrategy{}, nil, func() {
		finalized.Add(1)
	}, ManagerOptions{PollInterval: 5 * time.Millisecond, SilenceWindow: 30 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	m.ObserveAudio(loudFrame(160))
	waitForCount(t, &finalized, 1)

	time.Sleep(100 * time.Millisecond)
	if finalized.Load() != 1 {
		t.Fatalf("expected a single finalization, got %d", finalized.Load())
	}
}

func TestManagerSingleFlightUntilResponseComplete(t *testing.T) {
	var finalized atomic.Int64
	det := NewDetector(100)
	m := NewManagerWithOptions(det, AggressiveStrategy{}, nil, func() {
		finalized.Add(1)
	}, ManagerOptions{PollInterval: 5 * time.Millisecond, SilenceWindow: 30 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	m.ObserveAudio(loudFrame(160))
	waitForCount(t, &finalized, 1)
	if !m.Awaiting() {
		t.Fatalf("expected manager to be awaiting a response")
	}

	m.ObserveAudio(loudFrame(160))
	time.Sleep(100 * time.Millisecond)
	if finalized.Load() != 1 {
		t.Fatalf("expected no finalization while awaiting, got %d", finalized.Load())
	}

	m.ResponseComplete()
	waitForCount(t, &finalized, 2)
}

func TestManagerRequiresNewAudio(t *testing.T) {
	var finalized atomic.Int64
	det := NewDetector(100)
	m := NewManagerWithOptions(det, AggressiveStrategy{}, nil, func() {
		finalized.Add(1)
	}, ManagerOptions{PollInterval: 5 * time.Millisecond, SilenceWindow: 20 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	time.Sleep(100 * time.Millisecond)
	if finalized.Load() != 0 {
		t.Fatalf("expected no finalization without audio, got %d", finalized.Load())
	}
}

func TestManagerWaitsOutOngoingSpeech(t *testing.T) {
	var finalized atomic.Int64
	det := NewDetector(100)
	m := NewManagerWithOptions(det, AggressiveStrategy{}, nil, func() {
		finalized.Add(1)
	}, ManagerOptions{PollInterval: 10 * time.Millisecond, SilenceWindow: 200 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	stop := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(stop) {
		m.ObserveAudio(loudFrame(160))
		time.Sleep(20 * time.Millisecond)
	}
	if finalized.Load() != 0 {
		t.Fatalf("expected no finalization while caller keeps talking, got %d", finalized.Load())
	}

	waitForCount(t, &finalized, 1)
}

func TestManagerStateFollowsCallFlow(t *testing.T) {
	det := NewDetector(100)
	m := NewManagerWithOptions(det, AggressiveStrategy{}, nil, nil,
		ManagerOptions{PollInterval: 5 * time.Millisecond, SilenceWindow: 20 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	if m.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", m.State())
	}
	m.ObserveAudio(loudFrame(160))
	if m.State() != StateListening {
		t.Fatalf("expected LISTENING, got %s", m.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != StateThinking {
		if time.Now().After(deadline) {
			t.Fatalf("expected THINKING after silence, got %s", m.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.OnAgentSpeechStart()
	if m.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING, got %s", m.State())
	}
	m.OnAudioComplete()
	if m.State() != StateListening {
		t.Fatalf("expected LISTENING after playback, got %s", m.State())
	}
}
