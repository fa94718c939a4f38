package main

import (
	"math"
	"time"

	"motionlimit"
)

// DaemonState is the top-level, daemon-owned state container.
//
// Only the daemon goroutine touches it. Other goroutines get copies through
// RequestStateSnapshot and reducer-emitted broadcasts.
type DaemonState struct {
	// Channels in configuration order. Selection and snapshots use this order.
	Channels []ChannelState

	// Selected is the index of the channel the jog keys and handwheel drive.
	Selected int

	Handwheel HandwheelState

	Sink SinkState

	// LastTick is the time of the latest Tick. Untimed actions use it.
	LastTick time.Time
}

// ChannelState is one limited degree of freedom plus its command sources.
type ChannelState struct {
	Name string

	// Limiter is owned by value; the reducer updates it in place.
	Limiter motionlimit.Channel

	Jog JogState

	// LastRule is the rule that produced the latest output.
	LastRule motionlimit.Rule

	// Cycles counts limiter updates since start.
	Cycles uint64
}

// SinkState is the daemon's cached view of the setpoint sink.
type SinkState struct {
	Connected    bool
	LastWriteAt  time.Time
	LastError    string
	LastErrorAt  time.Time
	FailureCount int
}

// channelIndex returns the index of the named channel, or -1.
func (s *DaemonState) channelIndex(name string) int {
	for i := range s.Channels {
		if s.Channels[i].Name == name {
			return i
		}
	}
	return -1
}

// selected returns the selected channel, or nil when there are none.
func (s *DaemonState) selected() *ChannelState {
	if len(s.Channels) == 0 {
		return nil
	}
	if s.Selected < 0 || s.Selected >= len(s.Channels) {
		s.Selected = 0
	}
	return &s.Channels[s.Selected]
}

// ============================================================================
// Snapshots
// ============================================================================

// StateSnapshot is a copy of DaemonState safe to hand to other goroutines.
type StateSnapshot struct {
	Channels      []ChannelSnapshot `json:"channels"`
	Selected      string            `json:"selected,omitempty"`
	SinkConnected bool              `json:"sink_connected"`
	At            time.Time         `json:"at"`
}

// ChannelSnapshot describes one channel. Infinite bounds are reported as
// absent since JSON has no infinity.
type ChannelSnapshot struct {
	Name            string   `json:"name"`
	Pos             float64  `json:"pos"`
	Vel             float64  `json:"vel"`
	Cmd             float64  `json:"cmd"`
	Active          bool     `json:"active"`
	Enabled         bool     `json:"enabled"`
	DisallowBackoff bool     `json:"disallow_backoff"`
	Jogging         bool     `json:"jogging"`
	Rule            string   `json:"rule"`
	MinPos          *float64 `json:"min_pos,omitempty"`
	MaxPos          *float64 `json:"max_pos,omitempty"`
	MaxVel          float64  `json:"max_vel"`
	MaxAcc          float64  `json:"max_acc"`
}

// Snapshot builds a StateSnapshot at time now.
func (s *DaemonState) Snapshot(now time.Time) StateSnapshot {
	snap := StateSnapshot{
		Channels:      make([]ChannelSnapshot, 0, len(s.Channels)),
		SinkConnected: s.Sink.Connected,
		At:            now,
	}
	if sel := s.selected(); sel != nil {
		snap.Selected = sel.Name
	}
	for i := range s.Channels {
		snap.Channels = append(snap.Channels, s.Channels[i].snapshot())
	}
	return snap
}

func (c *ChannelState) snapshot() ChannelSnapshot {
	l := &c.Limiter
	return ChannelSnapshot{
		Name:            c.Name,
		Pos:             l.CurrPos,
		Vel:             l.CurrVel,
		Cmd:             l.PosCmd,
		Active:          l.Active,
		Enabled:         l.Enable,
		DisallowBackoff: l.DisallowBackoff,
		Jogging:         c.Jog.Held(),
		Rule:            c.LastRule.String(),
		MinPos:          finite(l.MinPos),
		MaxPos:          finite(l.MaxPos),
		MaxVel:          l.MaxVel,
		MaxAcc:          l.MaxAcc,
	}
}

func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}
