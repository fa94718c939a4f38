package main

import (
	"math"
	"testing"
	"time"

	"motionlimit"
)

const testPeriod = 0.004

var testLimits = motionlimit.Limits{MinPos: -1, MaxPos: 1, MaxVel: 1, MaxAcc: 10}

func testReducerConfig() ReducerConfig {
	return ReducerConfig{
		Period: testPeriod,
		Jog: JogConfig{
			Rate:        5,
			HoldTimeout: 600 * time.Millisecond,
		},
		Handwheel: HandwheelConfig{
			StepSize:           0.01,
			VelocityWindow:     200 * time.Millisecond,
			VelocityThreshold:  3,
			VelocityMultiplier: 10,
		},
		SinkEnabled: true,
	}
}

// newTestState returns a state with one channel per name, all at rest at 0.
func newTestState(names ...string) *DaemonState {
	s := &DaemonState{}
	for _, n := range names {
		s.Channels = append(s.Channels, ChannelState{Name: n, Limiter: *motionlimit.NewChannel(0, testLimits)})
	}
	return s
}

func findCommand[T Command](cmds []Command) (T, bool) {
	for _, c := range cmds {
		if v, ok := c.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func countBroadcasts[T StateBroadcast](bs []StateBroadcast) int {
	n := 0
	for _, b := range bs {
		if _, ok := b.(T); ok {
			n++
		}
	}
	return n
}

func TestReduce_SetCommandThenTickMovesTowardCommand(t *testing.T) {
	cfg := testReducerConfig()
	now := time.Now()

	rr := Reduce(newTestState("x"), TimedEvent{Event: SetCommand{Channel: "x", Pos: 0.5}, At: now}, cfg)
	if len(rr.Commands) != 0 {
		t.Fatalf("expected no commands before Tick, got %d", len(rr.Commands))
	}
	if got := rr.State.Channels[0].Limiter.PosCmd; got != 0.5 {
		t.Fatalf("PosCmd = %v, want 0.5", got)
	}

	rr = Reduce(rr.State, Tick{Now: now.Add(4 * time.Millisecond)}, cfg)

	// Full acceleration from rest.
	c := rr.State.Channels[0]
	wantPos := testLimits.MaxAcc * testPeriod * testPeriod
	if math.Abs(c.Limiter.CurrPos-wantPos) > 1e-12 {
		t.Fatalf("CurrPos = %v, want %v", c.Limiter.CurrPos, wantPos)
	}
	if c.Cycles != 1 {
		t.Fatalf("Cycles = %d, want 1", c.Cycles)
	}

	w, ok := findCommand[CmdWriteSetpoints](rr.Commands)
	if !ok {
		t.Fatalf("expected CmdWriteSetpoints, got %v", rr.Commands)
	}
	if len(w.Setpoints) != 1 || w.Setpoints[0].Channel != "x" || w.Setpoints[0].Pos != c.Limiter.CurrPos {
		t.Fatalf("unexpected setpoints %+v", w.Setpoints)
	}
	if n := countBroadcasts[BroadcastChannelState](rr.Broadcasts); n != 1 {
		t.Fatalf("expected 1 channel_state broadcast, got %d", n)
	}

	// Once the step has been absorbed the channel is simply behind its command.
	rr = Reduce(rr.State, Tick{Now: now.Add(8 * time.Millisecond)}, cfg)
	if got := rr.State.Channels[0].LastRule; got != motionlimit.RuleBehindCommand {
		t.Fatalf("LastRule = %v, want %v", got, motionlimit.RuleBehindCommand)
	}
}

func TestReduce_TickWithoutSinkEmitsNoWrites(t *testing.T) {
	cfg := testReducerConfig()
	cfg.SinkEnabled = false

	s := newTestState("x")
	s.Channels[0].Limiter.PosCmd = 0.5
	rr := Reduce(s, Tick{Now: time.Now()}, cfg)

	if _, ok := findCommand[CmdWriteSetpoints](rr.Commands); ok {
		t.Fatalf("expected no sink writes with the sink disabled")
	}
	if rr.State.Channels[0].Limiter.CurrPos == 0 {
		t.Fatalf("expected the limiter to run without a sink")
	}
}

func TestReduce_ConnectedSinkOnlyGetsMovedChannels(t *testing.T) {
	cfg := testReducerConfig()
	now := time.Now()

	s := newTestState("x", "y")
	rr := Reduce(s, SinkWriteObserved{Channels: 2, At: now}, cfg)
	if n := countBroadcasts[BroadcastSinkStatus](rr.Broadcasts); n != 1 {
		t.Fatalf("expected sink_status broadcast on first successful write, got %d", n)
	}

	rr.State.Channels[0].Limiter.PosCmd = 0.25
	rr = Reduce(rr.State, Tick{Now: now}, cfg)

	w, ok := findCommand[CmdWriteSetpoints](rr.Commands)
	if !ok {
		t.Fatalf("expected CmdWriteSetpoints")
	}
	if len(w.Setpoints) != 1 || w.Setpoints[0].Channel != "x" {
		t.Fatalf("expected only x to be written, got %+v", w.Setpoints)
	}
}

func TestReduce_DisconnectedSinkGetsEveryChannel(t *testing.T) {
	cfg := testReducerConfig()
	now := time.Now()

	s := newTestState("x", "y")
	s.Sink.Connected = true
	rr := Reduce(s, SinkCommandFailed{Command: CmdWriteSetpoints{}, Err: errNoSink{}, At: now}, cfg)

	if rr.State.Sink.Connected {
		t.Fatalf("expected sink to be marked disconnected")
	}
	if rr.State.Sink.FailureCount != 1 || rr.State.Sink.LastError != "no setpoint sink" {
		t.Fatalf("unexpected sink state %+v", rr.State.Sink)
	}
	if n := countBroadcasts[BroadcastSinkStatus](rr.Broadcasts); n != 1 {
		t.Fatalf("expected 1 sink_status broadcast, got %d", n)
	}

	rr = Reduce(rr.State, Tick{Now: now}, cfg)
	w, ok := findCommand[CmdWriteSetpoints](rr.Commands)
	if !ok || len(w.Setpoints) != 2 {
		t.Fatalf("expected both channels resent while disconnected, got %+v", rr.Commands)
	}

	// A second failure while already disconnected is not re-broadcast.
	rr = Reduce(rr.State, SinkCommandFailed{Command: CmdWriteSetpoints{}, Err: errNoSink{}, At: now}, cfg)
	if n := countBroadcasts[BroadcastSinkStatus](rr.Broadcasts); n != 0 {
		t.Fatalf("expected no repeated sink_status broadcast, got %d", n)
	}
}

func TestReduce_SettledBroadcastWhenCommandReached(t *testing.T) {
	cfg := testReducerConfig()
	now := time.Now()

	s := newTestState("x")
	s.Channels[0].Limiter.PosCmd = 0.01

	var settled *BroadcastChannelSettled
	for i := 0; i < 2000 && settled == nil; i++ {
		rr := Reduce(s, Tick{Now: now.Add(time.Duration(i) * 4 * time.Millisecond)}, cfg)
		s = rr.State
		for _, b := range rr.Broadcasts {
			if b, ok := b.(BroadcastChannelSettled); ok {
				settled = &b
			}
		}
	}

	if settled == nil {
		t.Fatalf("channel never settled")
	}
	if settled.Channel != "x" || math.Abs(settled.Pos-0.01) > 1e-6 {
		t.Fatalf("unexpected settled broadcast %+v", *settled)
	}
}

func TestReduce_SetCommandRejections(t *testing.T) {
	cfg := testReducerConfig()

	tests := []struct {
		name   string
		event  SetCommand
		before func(s *DaemonState)
	}{
		{name: "unknown channel", event: SetCommand{Channel: "nope", Pos: 0.1}},
		{name: "not finite", event: SetCommand{Channel: "x", Pos: math.NaN()}},
		{name: "infinite", event: SetCommand{Channel: "x", Pos: math.Inf(1)}},
		{
			name:   "disabled",
			event:  SetCommand{Channel: "x", Pos: 0.1},
			before: func(s *DaemonState) { s.Channels[0].Limiter.Enable = false },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestState("x")
			if tt.before != nil {
				tt.before(s)
			}
			rr := Reduce(s, tt.event, cfg)

			rej, ok := findCommand[CmdLogRejected](rr.Commands)
			if !ok {
				t.Fatalf("expected CmdLogRejected, got %v", rr.Commands)
			}
			if rej.Action != "set_command" {
				t.Fatalf("Action = %q, want set_command", rej.Action)
			}
			if got := rr.State.Channels[0].Limiter.PosCmd; got != 0 {
				t.Fatalf("PosCmd changed to %v", got)
			}
		})
	}
}

func TestReduce_SetCommandBeyondBoundsIsNotClamped(t *testing.T) {
	rr := Reduce(newTestState("x"), SetCommand{Channel: "x", Pos: 5}, testReducerConfig())
	if got := rr.State.Channels[0].Limiter.PosCmd; got != 5 {
		t.Fatalf("PosCmd = %v, want 5", got)
	}
}

func TestReduce_SetEnableAllChannels(t *testing.T) {
	cfg := testReducerConfig()
	s := newTestState("x", "y")
	s.Channels[1].Jog = JogState{Direction: 1}

	rr := Reduce(s, SetEnable{Enabled: false}, cfg)
	for _, c := range rr.State.Channels {
		if c.Limiter.Enable {
			t.Fatalf("channel %s still enabled", c.Name)
		}
		if c.Jog.Held() {
			t.Fatalf("channel %s still jogging", c.Name)
		}
	}
	if n := countBroadcasts[BroadcastChannelState](rr.Broadcasts); n != 2 {
		t.Fatalf("expected 2 channel_state broadcasts, got %d", n)
	}

	// No change, no broadcast.
	rr = Reduce(rr.State, SetEnable{Channel: "x", Enabled: false}, cfg)
	if len(rr.Broadcasts) != 0 {
		t.Fatalf("expected no broadcasts, got %d", len(rr.Broadcasts))
	}
}

func TestReduce_DisabledChannelHoldsPosition(t *testing.T) {
	cfg := testReducerConfig()
	s := newTestState("x")
	l := &s.Channels[0].Limiter
	l.CurrPos, l.CurrVel, l.OutVelPrev = 0.3, 0.5, 0.5
	l.PosCmd, l.InPosPrev = 0.6, 0.6
	l.Enable = false

	rr := Reduce(s, Tick{Now: time.Now()}, cfg)

	c := rr.State.Channels[0]
	if c.LastRule != motionlimit.RuleDisabled {
		t.Fatalf("LastRule = %v, want %v", c.LastRule, motionlimit.RuleDisabled)
	}
	if c.Limiter.CurrPos != 0.3 || c.Limiter.CurrVel != 0 || c.Limiter.PosCmd != 0.3 {
		t.Fatalf("unexpected limiter state %+v", c.Limiter)
	}
}

func TestReduce_SetLimitsValidated(t *testing.T) {
	cfg := testReducerConfig()

	rr := Reduce(newTestState("x"), SetLimits{Channel: "x", MinPos: -2, MaxPos: 2, MaxVel: 3, MaxAcc: 0}, cfg)
	if _, ok := findCommand[CmdLogRejected](rr.Commands); !ok {
		t.Fatalf("expected invalid limits to be rejected")
	}
	if got := rr.State.Channels[0].Limiter.Limits(); got != testLimits {
		t.Fatalf("limits changed to %+v", got)
	}

	rr = Reduce(rr.State, SetLimits{Channel: "x", MaxVel: 3, MaxAcc: 30, Unbounded: true}, cfg)
	got := rr.State.Channels[0].Limiter.Limits()
	if !math.IsInf(got.MinPos, -1) || !math.IsInf(got.MaxPos, 1) || got.MaxVel != 3 || got.MaxAcc != 30 {
		t.Fatalf("unexpected limits %+v", got)
	}
}

func TestReduce_JogAdvancesCommandFromCurrentPosition(t *testing.T) {
	cfg := testReducerConfig()
	t0 := time.Now()

	s := newTestState("x")
	s.Channels[0].Limiter.PosCmd = 0.9 // stale target

	rr := Reduce(s, TimedEvent{Event: JogHeld{Direction: 1}, At: t0}, cfg)
	if got := rr.State.Channels[0].Limiter.PosCmd; got != 0 {
		t.Fatalf("fresh jog should restart from CurrPos, PosCmd = %v", got)
	}

	rr = Reduce(rr.State, Tick{Now: t0.Add(4 * time.Millisecond)}, cfg)
	want := cfg.Jog.Rate * testPeriod
	if got := rr.State.Channels[0].Limiter.PosCmd; math.Abs(got-want) > 1e-12 {
		t.Fatalf("PosCmd = %v, want %v", got, want)
	}

	// Without repeats the hold times out.
	rr = Reduce(rr.State, Tick{Now: t0.Add(time.Second)}, cfg)
	if rr.State.Channels[0].Jog.Held() {
		t.Fatalf("expected jog to auto-release after hold timeout")
	}
	if got := rr.State.Channels[0].Limiter.PosCmd; math.Abs(got-want) > 1e-12 {
		t.Fatalf("PosCmd moved after release: %v", got)
	}
}

func TestReduce_JogClampsToBounds(t *testing.T) {
	cfg := testReducerConfig()
	t0 := time.Now()

	s := newTestState("x")
	l := &s.Channels[0].Limiter
	l.CurrPos, l.PosCmd, l.InPosPrev = 0.999, 0.999, 0.999

	rr := Reduce(s, TimedEvent{Event: JogHeld{Channel: "x", Direction: 1}, At: t0}, cfg)
	rr = Reduce(rr.State, Tick{Now: t0.Add(4 * time.Millisecond)}, cfg)

	if got := rr.State.Channels[0].Limiter.PosCmd; got != 1 {
		t.Fatalf("PosCmd = %v, want clamped to 1", got)
	}
}

func TestReduce_JogRejectsDisabledChannel(t *testing.T) {
	s := newTestState("x")
	s.Channels[0].Limiter.Enable = false

	rr := Reduce(s, JogHeld{Direction: -1}, testReducerConfig())
	if _, ok := findCommand[CmdLogRejected](rr.Commands); !ok {
		t.Fatalf("expected rejection")
	}
	if rr.State.Channels[0].Jog.Held() {
		t.Fatalf("disabled channel must not jog")
	}
}

func TestReduce_HandwheelFastSpin(t *testing.T) {
	cfg := testReducerConfig()
	now := time.Now()

	rr := Reduce(newTestState("x", "y"), TimedEvent{Event: HandwheelTurn{Steps: 3}, At: now}, cfg)

	// Two plain detents, then the third crosses the fast-spin threshold.
	want := 0.01 + 0.01 + 0.1
	if got := rr.State.Channels[0].Limiter.PosCmd; math.Abs(got-want) > 1e-12 {
		t.Fatalf("PosCmd = %v, want %v", got, want)
	}
	if got := rr.State.Channels[1].Limiter.PosCmd; got != 0 {
		t.Fatalf("unselected channel moved: %v", got)
	}
}

func TestReduce_SelectChannel(t *testing.T) {
	cfg := testReducerConfig()
	s := newTestState("x", "y", "z")
	s.Channels[0].Jog = JogState{Direction: 1}
	s.Handwheel.RecentSteps = []HandwheelStep{{At: time.Now(), Direction: 1}}

	rr := Reduce(s, SelectChannel{Delta: -1}, cfg)
	if rr.State.Selected != 2 {
		t.Fatalf("Selected = %d, want 2 (wrap around)", rr.State.Selected)
	}
	if rr.State.Channels[0].Jog.Held() {
		t.Fatalf("previous selection should stop jogging")
	}
	if len(rr.State.Handwheel.RecentSteps) != 0 {
		t.Fatalf("handwheel history should reset on selection change")
	}

	rr = Reduce(rr.State, SelectChannel{Name: "y"}, cfg)
	if rr.State.Selected != 1 {
		t.Fatalf("Selected = %d, want 1", rr.State.Selected)
	}

	rr = Reduce(rr.State, SelectChannel{Name: "w"}, cfg)
	if _, ok := findCommand[CmdLogRejected](rr.Commands); !ok {
		t.Fatalf("expected unknown channel to be rejected")
	}
	if rr.State.Selected != 1 {
		t.Fatalf("selection changed on rejected action")
	}
}

func TestReduce_StateSnapshot(t *testing.T) {
	cfg := testReducerConfig()
	s := newTestState("x", "y")
	s.Channels[1].Limiter.SetLimits(motionlimit.Unbounded(2, 20))
	s.Selected = 1

	reply := make(chan StateSnapshot, 1)
	at := time.Now()
	rr := Reduce(s, TimedEvent{Event: RequestStateSnapshot{Reply: reply}, At: at}, cfg)

	cmd, ok := findCommand[CmdPublishStateSnapshot](rr.Commands)
	if !ok {
		t.Fatalf("expected CmdPublishStateSnapshot")
	}
	snap := cmd.Snapshot
	if snap.Selected != "y" || !snap.At.Equal(at) || len(snap.Channels) != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Channels[0].MinPos == nil || *snap.Channels[0].MinPos != -1 {
		t.Fatalf("bounded channel should report min_pos")
	}
	if snap.Channels[1].MinPos != nil || snap.Channels[1].MaxPos != nil {
		t.Fatalf("unbounded channel should omit position bounds")
	}
}
