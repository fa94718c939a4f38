package main

import "time"

// JogConfig tunes press-and-hold teleoperation.
//
// While a jog key is held the channel's command advances at Rate units/s.
// With TurboMult > 1 the rate is multiplied once the hold has lasted
// TurboDelay (immediately when TurboDelay is 0). The limiter then shapes the
// resulting command ramp into motion the channel can follow.
type JogConfig struct {
	Rate       float64
	TurboMult  float64
	TurboDelay time.Duration

	// HoldTimeout auto-releases a hold if no repeat arrives in time.
	// Protects against lost release events. 0 disables it.
	HoldTimeout time.Duration
}

// JogState is the reducer-owned state of one channel's jog gesture.
type JogState struct {
	// Direction: -1 for negative, 0 for none, 1 for positive
	Direction int

	LastHeldAt time.Time
	BeganAt    time.Time
}

// Held reports whether a jog gesture is in progress.
func (j JogState) Held() bool { return j.Direction != 0 }

// holdJog starts or refreshes a hold. It reports whether this is a new
// gesture: the first hold, or a hold that reverses direction.
func holdJog(j JogState, direction int, now time.Time) (JogState, bool) {
	fresh := j.Direction == 0 || direction != j.Direction
	if fresh {
		j.BeganAt = now
	}
	j.Direction = direction
	j.LastHeldAt = now
	return j, fresh
}

// releaseJog ends the gesture.
func releaseJog(JogState) JogState { return JogState{} }

// stepJog advances a held jog by one control period and returns the command
// delta for this period.
func stepJog(j JogState, now time.Time, period float64, cfg JogConfig) (JogState, float64) {
	if !j.Held() {
		return j, 0
	}

	if cfg.HoldTimeout > 0 && !j.LastHeldAt.IsZero() && now.Sub(j.LastHeldAt) > cfg.HoldTimeout {
		return releaseJog(j), 0
	}

	rate := cfg.Rate
	if cfg.TurboMult > 1 {
		switch {
		case cfg.TurboDelay <= 0:
			rate *= cfg.TurboMult
		case !j.BeganAt.IsZero() && now.Sub(j.BeganAt) >= cfg.TurboDelay:
			rate *= cfg.TurboMult
		}
	}

	return j, float64(j.Direction) * rate * period
}
