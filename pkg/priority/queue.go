// Package priority implements the two-lane frame queue behind each call
// session. Control frames ride the control lane so hangups and barge-in
// interrupts are never stuck behind buffered media.
package priority

import (
	"sync/atomic"

	"github.com/tielinehq/tieline/pkg/frames"
)

// Queue buffers frames on two lanes. Pop prefers the control lane but
// serves one media frame after ratio consecutive control pops so audio
// cannot starve under a control storm.
type Queue struct {
	control chan frames.Frame
	media   chan frames.Frame
	ratio   int

	// streak counts consecutive control pops. Pop has a single
	// consumer, so it is not synchronized.
	streak int

	controlIn  atomic.Int64
	mediaIn    atomic.Int64
	controlOut atomic.Int64
	mediaOut   atomic.Int64
}

type Stats struct {
	ControlIn  int64
	MediaIn    int64
	ControlOut int64
	MediaOut   int64
}

func New(controlCap, mediaCap, ratio int) *Queue {
	if ratio <= 0 {
		ratio = 3
	}
	return &Queue{
		control: make(chan frames.Frame, controlCap),
		media:   make(chan frames.Frame, mediaCap),
		ratio:   ratio,
	}
}

// OfferControl queues f on the control lane without blocking. It
// reports false when the lane is full.
func (q *Queue) OfferControl(f frames.Frame) bool {
	select {
	case q.control <- f:
		q.controlIn.Add(1)
		return true
	default:
		return false
	}
}

// OfferMedia queues f on the media lane without blocking. It reports
// false when the lane is full.
func (q *Queue) OfferMedia(f frames.Frame) bool {
	select {
	case q.media <- f:
		q.mediaIn.Add(1)
		return true
	default:
		return false
	}
}

// Pop blocks until a frame is available or done closes. The second
// return is false only after done closes.
func (q *Queue) Pop(done <-chan struct{}) (frames.Frame, bool) {
	if q.streak < q.ratio {
		select {
		case f := <-q.control:
			return q.tookControl(f)
		default:
		}
	} else {
		select {
		case f := <-q.media:
			return q.tookMedia(f)
		default:
		}
	}
	select {
	case f := <-q.control:
		return q.tookControl(f)
	case f := <-q.media:
		return q.tookMedia(f)
	case <-done:
		return nil, false
	}
}

func (q *Queue) tookControl(f frames.Frame) (frames.Frame, bool) {
	q.streak++
	q.controlOut.Add(1)
	return f, true
}

func (q *Queue) tookMedia(f frames.Frame) (frames.Frame, bool) {
	q.streak = 0
	q.mediaOut.Add(1)
	return f, true
}

func (q *Queue) Stats() Stats {
	return Stats{
		ControlIn:  q.controlIn.Load(),
		MediaIn:    q.mediaIn.Load(),
		ControlOut: q.controlOut.Load(),
		MediaOut:   q.mediaOut.Load(),
	}
}
