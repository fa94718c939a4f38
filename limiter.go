// Package motionlimit limits a position command to what a single motion
// channel (a joint or a teleoperated axis) can reach in one control period.
//
// The host owns one Channel per degree of freedom, writes PosCmd before every
// cycle and calls Update with its fixed period. Update is closed-form: it
// evaluates an ordered set of rules over the reachable window of the next
// period and commits exactly one (position, velocity) pair. It never blocks,
// allocates or logs, so it can run inside a hard real-time loop.
package motionlimit

import "math"

// Channel holds the kinematic state of one motion channel.
//
// Preconditions (not checked per cycle, see Limits.Validate):
//   - MaxAcc > 0; a zero acceleration limit divides by zero.
//   - MaxVel >= 0.
//   - PosCmd is finite.
type Channel struct {
	// Enable false holds the current position with zero velocity.
	Enable bool

	// PosCmd is the desired position for this cycle. Set by the host.
	PosCmd float64

	// CurrPos and CurrVel are the achieved position and velocity.
	CurrPos float64
	CurrVel float64

	// One-step memory: the command of the previous cycle (finite-difference
	// input velocity) and the previous output velocity (reachable window).
	InPosPrev  float64
	OutVelPrev float64

	// Inclusive position bounds. See Unbounded for host modes that manage
	// position limits elsewhere.
	MinPos float64
	MaxPos float64

	MaxVel float64
	MaxAcc float64

	// DisallowBackoff forbids reversing on purpose to avoid an overshoot.
	// The channel keeps heading for the command and may stop short instead.
	DisallowBackoff bool

	// Active is true while the output has not settled onto the command.
	Active bool
}

// outcome is the single (position, velocity, input-memory) triple that one
// rule of the cascade selects. It is committed to the channel in one place.
type outcome struct {
	pos   float64
	vel   float64
	inPos float64
	rule  Rule
}

// NewChannel returns an enabled channel at rest at pos.
func NewChannel(pos float64, lim Limits) *Channel {
	c := &Channel{Enable: true}
	c.SetLimits(lim)
	c.Reset(pos)
	return c
}

// Reset puts the channel at rest at pos with the command and its one-step
// memory aligned, as the host must do before the first Update.
func (c *Channel) Reset(pos float64) {
	c.PosCmd = pos
	c.CurrPos = pos
	c.CurrVel = 0
	c.InPosPrev = pos
	c.OutVelPrev = 0
	c.Active = false
}

// SetLimits replaces the position, velocity and acceleration limits.
func (c *Channel) SetLimits(lim Limits) {
	c.MinPos = lim.MinPos
	c.MaxPos = lim.MaxPos
	c.MaxVel = lim.MaxVel
	c.MaxAcc = lim.MaxAcc
}

// Limits returns the channel's current limits.
func (c *Channel) Limits() Limits {
	return Limits{MinPos: c.MinPos, MaxPos: c.MaxPos, MaxVel: c.MaxVel, MaxAcc: c.MaxAcc}
}

// Update advances the channel by one control period and reports which rule
// committed the new state.
//
// Active is set on entry and cleared only if the committed position lands
// within SettleThreshold of the command. When no rule applies (RuleNone) the
// state is left untouched apart from Active.
func (c *Channel) Update(period float64) Rule {
	c.Active = true

	if !c.Enable {
		c.PosCmd = c.CurrPos
		return c.commit(outcome{pos: c.CurrPos, vel: 0, inPos: c.CurrPos, rule: RuleDisabled}, period)
	}

	o, ok := c.next(period)
	if !ok {
		return RuleNone
	}
	return c.commit(o, period)
}

// next evaluates the rule cascade. The first matching rule wins.
func (c *Channel) next(period float64) (outcome, bool) {
	inVel := (c.PosCmd - c.InPosPrev) / period
	w := Reachable(c.OutVelPrev, c.CurrPos, c.MaxVel, c.MaxAcc, period)

	// Candidates at the edges of the reachable window.
	slowest := outcome{pos: w.MinPos, vel: w.MinVel, inPos: c.PosCmd}
	fastest := outcome{pos: w.MaxPos, vel: w.MaxVel, inPos: c.PosCmd}

	outDir := direction(c.OutVelPrev)
	outDirRel := direction(c.OutVelPrev - inVel)

	// Position after braking to a stop, starting one period from now.
	stopTime := math.Abs(c.OutVelPrev / c.MaxAcc)
	stopPos := c.CurrPos +
		c.OutVelPrev*(stopTime+period) +
		0.5*(-outDir*c.MaxAcc)*stopTime*stopTime

	// Positions of input and output once their velocities match.
	matchTime := math.Abs(c.OutVelPrev-inVel) / c.MaxAcc
	matchInPos := c.PosCmd + inVel*matchTime
	matchOutPos := c.CurrPos +
		c.OutVelPrev*(matchTime+period) +
		0.5*(-outDirRel*c.MaxAcc)*matchTime*matchTime

	// Would overshoot a bound and cannot park on it this period: slow down.
	if stopPos >= c.MaxPos && !w.Valid(c.MaxPos, 0) {
		slowest.rule = RuleStopAtMax
		return slowest, true
	}
	if stopPos <= c.MinPos && !w.Valid(c.MinPos, 0) {
		fastest.rule = RuleStopAtMin
		return fastest, true
	}

	// Input headed out of bounds, or at the bound and pulling away from the
	// output: the bound is the goal. Min is checked first.
	if matchInPos < c.MinPos || (c.PosCmd <= c.MinPos && matchInPos < matchOutPos) {
		if w.Valid(c.MinPos, 0) {
			return outcome{pos: c.MinPos, vel: 0, inPos: c.PosCmd, rule: RuleHeadToMin}, true
		}
		slowest.rule = RuleHeadToMin
		return slowest, true
	}
	if matchInPos > c.MaxPos || (c.PosCmd >= c.MaxPos && matchInPos > matchOutPos) {
		if w.Valid(c.MaxPos, 0) {
			return outcome{pos: c.MaxPos, vel: 0, inPos: c.PosCmd, rule: RuleHeadToMax}, true
		}
		fastest.rule = RuleHeadToMax
		return fastest, true
	}

	if w.Valid(c.PosCmd, inVel) {
		return outcome{pos: c.PosCmd, vel: inVel, inPos: c.PosCmd, rule: RuleTrack}, true
	}

	// Match position and velocity without overshooting the command.
	if c.CurrPos > c.PosCmd {
		slowest.rule = RuleAheadOfCommand
		fastest.rule = RuleAheadOfCommand
		switch {
		case matchInPos < matchOutPos:
			return slowest, true
		case c.DisallowBackoff:
			return slowest, true
		default:
			return fastest, true
		}
	}
	if c.CurrPos < c.PosCmd {
		slowest.rule = RuleBehindCommand
		fastest.rule = RuleBehindCommand
		switch {
		case matchInPos > matchOutPos:
			return fastest, true
		case c.DisallowBackoff:
			return fastest, true
		default:
			return slowest, true
		}
	}

	return outcome{}, false
}

// commit writes an outcome back to the channel and runs the settle check.
func (c *Channel) commit(o outcome, period float64) Rule {
	c.CurrPos = o.pos
	c.CurrVel = o.vel
	c.OutVelPrev = o.vel
	c.InPosPrev = o.inPos

	// A command outside the bounds settles once the output is parked on the
	// nearest bound. A disabled channel holds wherever it is, even off bounds.
	target := c.PosCmd
	if o.rule != RuleDisabled {
		target = math.Max(c.MinPos, math.Min(c.MaxPos, target))
	}
	if math.Abs(c.CurrPos-target) < SettleThreshold(c.MaxAcc, period) {
		c.Active = false
	}
	return o.rule
}

// SettleThreshold is the smallest position change resolvable in one period
// under the acceleration limit. Gaps below it are floating-point noise.
func SettleThreshold(maxAcc, period float64) float64 {
	return math.Abs(maxAcc * period * period * 0.001)
}

// direction treats exactly zero as positive.
func direction(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
