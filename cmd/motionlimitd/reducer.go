package main

import (
	"math"
	"time"

	"motionlimit"
)

// This file implements the reducer:
//
//   - Events: inputs (actions, ticks, sink observations)
//   - Commands: side effects requested by the reducer (sink writes, snapshot replies)
//   - Broadcasts: state changes for websocket clients
//
// Reduce never performs I/O and never blocks. The daemon loop executes
// Commands and feeds observations back as Events.

// ReducerConfig holds the static parameters the reducer needs.
type ReducerConfig struct {
	// Period is the control period in seconds passed to every limiter update.
	Period float64

	Jog       JogConfig
	Handwheel HandwheelConfig

	// SinkEnabled makes ticks emit CmdWriteSetpoints.
	SinkEnabled bool
}

// ReduceResult is the output of Reduce(): next state plus Commands and Broadcasts.
type ReduceResult struct {
	State      *DaemonState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// Reduce is the pure reducer:
//
// Rules:
// - Must not perform I/O
// - Must not block
// - Must not mutate anything outside the returned state
func Reduce(s *DaemonState, e Event, cfg ReducerConfig) ReduceResult {
	if s == nil {
		s = &DaemonState{}
	}
	r := ReduceResult{State: s}

	switch ev := e.(type) {
	case Tick:
		reduceTick(s, ev.Now, cfg, &r)

	case TimedEvent:
		reduceAction(s, ev.Event, ev.At, cfg, &r)

	case SinkWriteObserved:
		was := s.Sink.Connected
		s.Sink.Connected = true
		s.Sink.LastWriteAt = ev.At
		if !was {
			r.Broadcasts = append(r.Broadcasts, BroadcastSinkStatus{Connected: true, At: ev.At})
		}

	case SinkCommandFailed:
		if _, ok := ev.Command.(CmdWriteSetpoints); !ok {
			break
		}
		was := s.Sink.Connected
		s.Sink.Connected = false
		s.Sink.FailureCount++
		s.Sink.LastErrorAt = ev.At
		if ev.Err != nil {
			s.Sink.LastError = ev.Err.Error()
		}
		if was || s.Sink.FailureCount == 1 {
			r.Broadcasts = append(r.Broadcasts, BroadcastSinkStatus{Connected: false, Error: s.Sink.LastError, At: ev.At})
		}

	default:
		reduceAction(s, e, time.Time{}, cfg, &r)
	}

	return r
}

// reduceTick advances jogs and runs one limiter update per channel.
func reduceTick(s *DaemonState, now time.Time, cfg ReducerConfig, r *ReduceResult) {
	s.LastTick = now

	// A sink that is not known to be connected gets every channel so it can
	// resync after a reconnect.
	resync := !s.Sink.Connected

	var setpoints []Setpoint
	for i := range s.Channels {
		c := &s.Channels[i]
		l := &c.Limiter

		if c.Jog.Held() {
			if !l.Enable {
				c.Jog = releaseJog(c.Jog)
			} else {
				var delta float64
				c.Jog, delta = stepJog(c.Jog, now, cfg.Period, cfg.Jog)
				l.PosCmd = clampToLimits(l.PosCmd+delta, l)
			}
		}

		prevPos, prevVel, wasActive := l.CurrPos, l.CurrVel, l.Active
		c.LastRule = l.Update(cfg.Period)
		c.Cycles++

		moved := l.CurrPos != prevPos || l.CurrVel != prevVel
		if moved || resync {
			setpoints = append(setpoints, Setpoint{Channel: c.Name, Pos: l.CurrPos, Vel: l.CurrVel})
		}
		if moved {
			r.Broadcasts = append(r.Broadcasts, channelStateBroadcast(c, now))
		}
		if wasActive && !l.Active {
			r.Broadcasts = append(r.Broadcasts, BroadcastChannelSettled{Channel: c.Name, Pos: l.CurrPos, At: now})
		}
	}

	if cfg.SinkEnabled && len(setpoints) > 0 {
		r.Commands = append(r.Commands, CmdWriteSetpoints{Setpoints: setpoints})
	}
}

func reduceAction(s *DaemonState, a Event, at time.Time, cfg ReducerConfig, r *ReduceResult) {
	if at.IsZero() {
		at = s.LastTick
	}

	reject := func(action, channel, reason string) {
		r.Commands = append(r.Commands, CmdLogRejected{Action: action, Channel: channel, Reason: reason})
	}

	switch a := a.(type) {
	case SetCommand:
		c := s.channel(a.Channel)
		switch {
		case c == nil:
			reject("set_command", a.Channel, "unknown channel")
		case math.IsNaN(a.Pos) || math.IsInf(a.Pos, 0):
			reject("set_command", a.Channel, "command is not finite")
		case !c.Limiter.Enable:
			reject("set_command", a.Channel, "channel disabled")
		default:
			// An absolute command ends any jog gesture. Out-of-range commands
			// are passed through; the limiter parks on the nearest bound.
			c.Jog = releaseJog(c.Jog)
			c.Limiter.PosCmd = a.Pos
		}

	case SetEnable:
		if a.Channel != "" && s.channel(a.Channel) == nil {
			reject("set_enable", a.Channel, "unknown channel")
			break
		}
		for i := range s.Channels {
			c := &s.Channels[i]
			if a.Channel != "" && c.Name != a.Channel {
				continue
			}
			if c.Limiter.Enable == a.Enabled {
				continue
			}
			c.Limiter.Enable = a.Enabled
			if !a.Enabled {
				c.Jog = releaseJog(c.Jog)
			}
			r.Broadcasts = append(r.Broadcasts, channelStateBroadcast(c, at))
		}

	case SetBackoff:
		c := s.channel(a.Channel)
		if c == nil {
			reject("set_backoff", a.Channel, "unknown channel")
			break
		}
		c.Limiter.DisallowBackoff = a.Disallow
		r.Broadcasts = append(r.Broadcasts, channelStateBroadcast(c, at))

	case SetLimits:
		c := s.channel(a.Channel)
		if c == nil {
			reject("set_limits", a.Channel, "unknown channel")
			break
		}
		lim := a.limits()
		if err := lim.Validate(); err != nil {
			reject("set_limits", a.Channel, err.Error())
			break
		}
		c.Limiter.SetLimits(lim)
		r.Broadcasts = append(r.Broadcasts, channelStateBroadcast(c, at))

	case JogHeld:
		c := s.selected()
		if a.Channel != "" {
			c = s.channel(a.Channel)
		}
		switch {
		case c == nil:
			reject("jog_held", a.Channel, "unknown channel")
		case a.Direction != 1 && a.Direction != -1:
			reject("jog_held", c.Name, "invalid direction")
		case !c.Limiter.Enable:
			reject("jog_held", c.Name, "channel disabled")
		default:
			var fresh bool
			c.Jog, fresh = holdJog(c.Jog, a.Direction, at)
			if fresh {
				// A new gesture ramps from where the channel is, not from a
				// command it may still be chasing.
				c.Limiter.PosCmd = clampToLimits(c.Limiter.CurrPos, &c.Limiter)
			}
		}

	case JogRelease:
		if a.Channel != "" {
			c := s.channel(a.Channel)
			if c == nil {
				reject("jog_release", a.Channel, "unknown channel")
				break
			}
			c.Jog = releaseJog(c.Jog)
			break
		}
		for i := range s.Channels {
			s.Channels[i].Jog = releaseJog(s.Channels[i].Jog)
		}

	case HandwheelTurn:
		c := s.selected()
		switch {
		case c == nil:
			reject("handwheel_turn", "", "no channels")
		case !c.Limiter.Enable:
			reject("handwheel_turn", c.Name, "channel disabled")
		case a.Steps == 0:
		default:
			c.Jog = releaseJog(c.Jog)
			delta := s.Handwheel.turn(a.Steps, at, cfg.Handwheel)
			c.Limiter.PosCmd = clampToLimits(c.Limiter.PosCmd+delta, &c.Limiter)
		}

	case SelectChannel:
		n := len(s.Channels)
		if n == 0 {
			reject("select_channel", a.Name, "no channels")
			break
		}
		next := s.Selected
		if a.Name != "" {
			next = s.channelIndex(a.Name)
			if next < 0 {
				reject("select_channel", a.Name, "unknown channel")
				break
			}
		} else {
			next = ((s.Selected+a.Delta)%n + n) % n
		}
		if next != s.Selected {
			prev := s.selected()
			prev.Jog = releaseJog(prev.Jog)
			s.Selected = next
			s.Handwheel = HandwheelState{}
		}

	case RequestStateSnapshot:
		r.Commands = append(r.Commands, CmdPublishStateSnapshot{Reply: a.Reply, Snapshot: s.Snapshot(at)})

	default:
		// Unknown event type: no-op.
	}
}

// channel returns the named channel, or nil.
func (s *DaemonState) channel(name string) *ChannelState {
	i := s.channelIndex(name)
	if i < 0 {
		return nil
	}
	return &s.Channels[i]
}

// clampToLimits clamps a host-generated command into the channel's bounds.
// Infinite bounds leave it unchanged.
func clampToLimits(pos float64, l *motionlimit.Channel) float64 {
	return math.Max(l.MinPos, math.Min(l.MaxPos, pos))
}
