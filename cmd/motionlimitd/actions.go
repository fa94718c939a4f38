package main

import "time"

// ============================================================================
// Action Types
// ============================================================================
// Actions represent intent from the command sources (IPC, input devices, UI).
// Every action is reduced on the daemon goroutine; none of them touches a
// channel directly.
//
// An empty Channel field addresses all channels for SetEnable/JogRelease and
// the selected channel for JogHeld.
// ============================================================================

// Action is a marker interface for all daemon commands.
type Action interface {
	eventMarker()
}

// SetCommand sets the position command of one channel.
type SetCommand struct {
	Channel string  `json:"channel"`
	Pos     float64 `json:"pos"`
}

func (SetCommand) eventMarker() {}

// SetEnable enables or disables channels. A disabled channel holds position.
type SetEnable struct {
	Channel string `json:"channel,omitempty"`
	Enabled bool   `json:"enabled"`
}

func (SetEnable) eventMarker() {}

// SetBackoff controls whether a channel may reverse to avoid an overshoot.
type SetBackoff struct {
	Channel  string `json:"channel"`
	Disallow bool   `json:"disallow"`
}

func (SetBackoff) eventMarker() {}

// SetLimits replaces the limits of one channel. With Unbounded set, MinPos
// and MaxPos are ignored.
type SetLimits struct {
	Channel   string  `json:"channel"`
	MinPos    float64 `json:"min_pos"`
	MaxPos    float64 `json:"max_pos"`
	MaxVel    float64 `json:"max_vel"`
	MaxAcc    float64 `json:"max_acc"`
	Unbounded bool    `json:"unbounded,omitempty"`
}

func (SetLimits) eventMarker() {}

// JogHeld indicates a jog key is being held (press or auto-repeat).
type JogHeld struct {
	Channel   string `json:"channel,omitempty"`
	Direction int    `json:"direction"` // -1 or +1
}

func (JogHeld) eventMarker() {}

// JogRelease releases jog keys.
type JogRelease struct {
	Channel string `json:"channel,omitempty"`
}

func (JogRelease) eventMarker() {}

// HandwheelTurn is a raw handwheel movement in detents, applied to the
// selected channel. The reducer owns the fast-spin policy.
type HandwheelTurn struct {
	Steps int `json:"steps"`
}

func (HandwheelTurn) eventMarker() {}

// SelectChannel moves the selection by Delta, or to Name when set.
type SelectChannel struct {
	Delta int    `json:"delta,omitempty"`
	Name  string `json:"name,omitempty"`
}

func (SelectChannel) eventMarker() {}

// RequestStateSnapshot asks the daemon for a copy of its current state.
// Reply must be buffered; the daemon never blocks on it.
type RequestStateSnapshot struct {
	Reply chan StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// TimedEvent carries the time an external action entered the daemon.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}
