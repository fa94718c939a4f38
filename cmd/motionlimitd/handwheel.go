package main

import "time"

// HandwheelConfig tunes the handwheel (MPG) policy.
type HandwheelConfig struct {
	StepSize float64 // Command change per detent

	// Fast spin: when at least VelocityThreshold same-direction detents fall
	// within VelocityWindow, each detent moves StepSize*VelocityMultiplier.
	VelocityWindow     time.Duration
	VelocityThreshold  int
	VelocityMultiplier float64
}

// HandwheelState tracks recent detents for fast-spin detection.
type HandwheelState struct {
	RecentSteps []HandwheelStep
}

// HandwheelStep is one observed detent. Direction is -1 or +1.
type HandwheelStep struct {
	At        time.Time
	Direction int
}

// addStep records a detent and returns the number of same-direction detents
// within window, this one included.
func (h *HandwheelState) addStep(direction int, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)

	filtered := h.RecentSteps[:0]
	for _, s := range h.RecentSteps {
		if s.At.After(cutoff) {
			filtered = append(filtered, s)
		}
	}
	filtered = append(filtered, HandwheelStep{At: now, Direction: direction})
	h.RecentSteps = filtered

	sameDir := 0
	for _, s := range filtered {
		if s.Direction == direction {
			sameDir++
		}
	}
	return sameDir
}

// turn converts raw detents into a command delta, applying the fast-spin
// multiplier detent by detent.
func (h *HandwheelState) turn(steps int, now time.Time, cfg HandwheelConfig) float64 {
	direction := 1
	if steps < 0 {
		direction = -1
		steps = -steps
	}

	stepSize := cfg.StepSize
	if stepSize == 0 {
		stepSize = defaultHandwheelStepSize
	}

	delta := 0.0
	for i := 0; i < steps; i++ {
		n := h.addStep(direction, now, cfg.VelocityWindow)
		size := stepSize
		if cfg.VelocityThreshold > 0 && n >= cfg.VelocityThreshold && cfg.VelocityMultiplier > 1 {
			size *= cfg.VelocityMultiplier
		}
		delta += float64(direction) * size
	}
	return delta
}
