package main

import (
	"time"

	"motionlimit"
)

// StateBroadcast is an externally visible state change emitted by the
// reducer. The daemon forwards broadcasts to the websocket broadcaster.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastChannelState reports a channel's output after a cycle that moved
// it, or after its configuration changed.
type BroadcastChannelState struct {
	Channel string
	Pos     float64
	Vel     float64
	Cmd     float64
	Active  bool
	Enabled bool
	Rule    motionlimit.Rule
	At      time.Time
}

func (BroadcastChannelState) broadcastMarker() {}

// BroadcastChannelSettled reports that a channel's output came to rest on
// its command.
type BroadcastChannelSettled struct {
	Channel string
	Pos     float64
	At      time.Time
}

func (BroadcastChannelSettled) broadcastMarker() {}

// BroadcastSinkStatus reports sink connectivity changes.
type BroadcastSinkStatus struct {
	Connected bool
	Error     string
	At        time.Time
}

func (BroadcastSinkStatus) broadcastMarker() {}

func channelStateBroadcast(c *ChannelState, at time.Time) BroadcastChannelState {
	return BroadcastChannelState{
		Channel: c.Name,
		Pos:     c.Limiter.CurrPos,
		Vel:     c.Limiter.CurrVel,
		Cmd:     c.Limiter.PosCmd,
		Active:  c.Limiter.Active,
		Enabled: c.Limiter.Enable,
		Rule:    c.LastRule,
		At:      at,
	}
}
