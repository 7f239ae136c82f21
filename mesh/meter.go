package mesh

import "time"

const (
	defaultSpeakingThreshold = 0.25
	speakingHold             = 400 * time.Millisecond
)

// speakingMeter turns a stream of audio level samples into speaking/silent
// transitions with a hold window, so brief dips don't flap the state.
type speakingMeter struct {
	threshold float64
	speaking  bool
	holdUntil time.Time
	now       func() time.Time
}

func newSpeakingMeter() *speakingMeter {
	return &speakingMeter{
		threshold: defaultSpeakingThreshold,
		now:       time.Now,
	}
}

// sample feeds one level (0..1) and reports whether the speaking state
// flipped, plus the new state.
func (m *speakingMeter) sample(level float64) (changed, speaking bool) {
	now := m.now()
	if level >= m.threshold {
		m.holdUntil = now.Add(speakingHold)
	}
	next := now.Before(m.holdUntil)
	if next != m.speaking {
		m.speaking = next
		return true, next
	}
	return false, m.speaking
}

func (m *speakingMeter) reset() {
	m.speaking = false
	m.holdUntil = time.Time{}
}
