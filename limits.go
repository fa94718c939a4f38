package motionlimit

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrMaxAcc = errors.New("max acceleration must be > 0 and finite")
	ErrMaxVel = errors.New("max velocity must be >= 0 and finite")
	ErrBounds = errors.New("min position must be <= max position")
)

// Limits are the physical limits of one channel.
type Limits struct {
	MinPos float64
	MaxPos float64
	MaxVel float64
	MaxAcc float64
}

// Unbounded returns limits without position bounds, for channels whose
// position limits are enforced by the host before the command reaches the
// limiter. The infinite bounds are only ever compared, so every bound rule
// stays inert.
func Unbounded(maxVel, maxAcc float64) Limits {
	return Limits{
		MinPos: math.Inf(-1),
		MaxPos: math.Inf(1),
		MaxVel: maxVel,
		MaxAcc: maxAcc,
	}
}

// Bounded reports whether at least one position bound is finite.
func (l Limits) Bounded() bool {
	return !math.IsInf(l.MinPos, -1) || !math.IsInf(l.MaxPos, 1)
}

// Validate checks the preconditions Update relies on. It is meant for
// configuration time; Update itself never validates.
func (l Limits) Validate() error {
	if !(l.MaxAcc > 0) || math.IsInf(l.MaxAcc, 0) {
		return fmt.Errorf("max_acc=%v: %w", l.MaxAcc, ErrMaxAcc)
	}
	if !(l.MaxVel >= 0) || math.IsInf(l.MaxVel, 0) {
		return fmt.Errorf("max_vel=%v: %w", l.MaxVel, ErrMaxVel)
	}
	if math.IsNaN(l.MinPos) || math.IsNaN(l.MaxPos) || l.MinPos > l.MaxPos {
		return fmt.Errorf("min_pos=%v max_pos=%v: %w", l.MinPos, l.MaxPos, ErrBounds)
	}
	return nil
}

// Window is the set of velocities and positions reachable in one period.
type Window struct {
	MinVel float64
	MaxVel float64
	MinPos float64
	MaxPos float64
}

// Reachable extends the previous output velocity by the acceleration limit
// over one period, clipped to the velocity limit, and integrates the result
// from the current position.
func Reachable(outVelPrev, currPos, maxVel, maxAcc, period float64) Window {
	minVel := math.Max(outVelPrev-maxAcc*period, -maxVel)
	maxVelReach := math.Min(outVelPrev+maxAcc*period, maxVel)
	return Window{
		MinVel: minVel,
		MaxVel: maxVelReach,
		MinPos: currPos + minVel*period,
		MaxPos: currPos + maxVelReach*period,
	}
}

// Valid reports whether (pos, vel) can be committed this period.
func (w Window) Valid(pos, vel float64) bool {
	return pos <= w.MaxPos && pos >= w.MinPos &&
		vel <= w.MaxVel && vel >= w.MinVel
}

// Rule identifies the branch of the update cascade that committed a state.
type Rule int

const (
	// RuleNone means no rule applied and nothing was committed.
	RuleNone Rule = iota
	// RuleDisabled holds position with zero velocity.
	RuleDisabled
	// RuleStopAtMax brakes because stopping would cross MaxPos.
	RuleStopAtMax
	// RuleStopAtMin accelerates upward because stopping would cross MinPos.
	RuleStopAtMin
	// RuleHeadToMin parks on, or heads for, MinPos.
	RuleHeadToMin
	// RuleHeadToMax parks on, or heads for, MaxPos.
	RuleHeadToMax
	// RuleTrack adopts the command and its velocity exactly.
	RuleTrack
	// RuleAheadOfCommand resolves an output above the command.
	RuleAheadOfCommand
	// RuleBehindCommand resolves an output below the command.
	RuleBehindCommand
)

var ruleNames = [...]string{
	RuleNone:           "none",
	RuleDisabled:       "disabled",
	RuleStopAtMax:      "stop_at_max",
	RuleStopAtMin:      "stop_at_min",
	RuleHeadToMin:      "head_to_min",
	RuleHeadToMax:      "head_to_max",
	RuleTrack:          "track",
	RuleAheadOfCommand: "ahead_of_command",
	RuleBehindCommand:  "behind_command",
}

func (r Rule) String() string {
	if r < 0 || int(r) >= len(ruleNames) {
		return fmt.Sprintf("rule(%d)", int(r))
	}
	return ruleNames[r]
}
