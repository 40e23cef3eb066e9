package frames

import "testing"

func TestMetaIsCopiedAndNeverNil(t *testing.T) {
	af := NewAudioFrame("MZ1", 1, []byte{1}, 8000, 1, nil)
	m := af.Meta()
	if m == nil {
		t.Fatalf("expected non-nil meta")
	}
	if m[MetaStreamID] != "MZ1" {
		t.Fatalf("expected stream id in meta, got %v", m)
	}
	m["extra"] = "x"
	if af.Meta()["extra"] != "" {
		t.Fatalf("mutating the returned meta must not touch the frame")
	}
}

func TestPooledFrameOwnsItsPayload(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	af := NewAudioFrameFromPool("MZ1", 1, src, 8000, 1, nil)
	src[0] = 9
	if af.RawPayload()[0] != 1 {
		t.Fatalf("expected pooled frame to copy the payload")
	}
	if !ReleaseAudioFrame(af) {
		t.Fatalf("expected pooled frame to release")
	}

	plain := NewAudioFrame("MZ1", 2, []byte{5}, 8000, 1, nil)
	if ReleaseAudioFrame(plain) {
		t.Fatalf("expected unpooled frame not to release")
	}
}

func TestPTSGenCountsPerStream(t *testing.T) {
	g := NewPTSGen()
	a1 := g.Next("A")
	a2 := g.Next("A")
	b1 := g.Next("B")
	if a2 <= a1 {
		t.Fatalf("expected monotonic pts, got %d then %d", a1, a2)
	}
	if b1 != a1 {
		t.Fatalf("expected independent counters per stream, got %d vs %d", b1, a1)
	}
}
