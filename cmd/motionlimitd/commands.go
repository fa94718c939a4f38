package main

import (
	"fmt"
	"strings"
)

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect to be executed by the daemon loop.
type Command interface {
	commandMarker()
	String() string
}

// Setpoint is one channel's limited output for the current cycle.
type Setpoint struct {
	Channel string
	Pos     float64
	Vel     float64
}

// CmdWriteSetpoints sends the outputs that changed this cycle to the sink.
type CmdWriteSetpoints struct {
	Setpoints []Setpoint
}

func (CmdWriteSetpoints) commandMarker() {}
func (c CmdWriteSetpoints) String() string {
	names := make([]string, len(c.Setpoints))
	for i, sp := range c.Setpoints {
		names[i] = sp.Channel
	}
	return fmt.Sprintf("CmdWriteSetpoints(channels=%s)", strings.Join(names, ","))
}

// CmdPublishStateSnapshot delivers a reducer-built snapshot to a requester.
type CmdPublishStateSnapshot struct {
	Reply    chan StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }

// CmdLogRejected reports an action the reducer could not apply.
type CmdLogRejected struct {
	Action  string
	Channel string
	Reason  string
}

func (CmdLogRejected) commandMarker() {}
func (c CmdLogRejected) String() string {
	return fmt.Sprintf("CmdLogRejected(action=%s, channel=%q, reason=%s)", c.Action, c.Channel, c.Reason)
}
