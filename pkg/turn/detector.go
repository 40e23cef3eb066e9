package turn

import (
	"sync"
	"time"

	"github.com/tielinehq/tieline/pkg/audio"
)

const defaultEnergyThreshold = 600

// Observation summarizes one analyzed audio frame.
type Observation struct {
	RMS      float64
	Speech   bool
	BurstDur time.Duration
}

// Detector tracks caller speech energy. It records when speech was last
// heard and how much audio has accumulated since the previous turn, which
// is what the silence poller needs to decide when a turn is over.
type Detector struct {
	mu         sync.Mutex
	threshold  float64
	lastSpeech time.Time
	burstStart time.Time
	inBurst    bool
	newSamples int
}

func NewDetector(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = defaultEnergyThreshold
	}
	return &Detector{
		threshold:  threshold,
		lastSpeech: time.Now(),
	}
}

// Observe analyzes one frame of linear samples.
func (d *Detector) Observe(samples []int16) Observation {
	if len(samples) == 0 {
		return Observation{}
	}
	rms := audio.RMS(samples)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.newSamples += len(samples)

	obs := Observation{RMS: rms}
	if rms >= d.threshold {
		if !d.inBurst {
			d.inBurst = true
			d.burstStart = now
		}
		d.lastSpeech = now
		obs.Speech = true
		obs.BurstDur = now.Sub(d.burstStart)
	} else {
		d.inBurst = false
	}
	return obs
}

// HasNewAudio reports whether any audio arrived since the last turn.
func (d *Detector) HasNewAudio() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newSamples > 0
}

// SilenceFor reports how long it has been since speech was last heard.
func (d *Detector) SilenceFor() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Since(d.lastSpeech)
}

// MarkTurn resets the accumulated-audio counter after a turn is
// finalized.
func (d *Detector) MarkTurn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newSamples = 0
	d.inBurst = false
}
