package main

import (
	"errors"
	"strings"
	"testing"

	"motionlimit"
)

func TestUnmarshalEvent_SetCommand(t *testing.T) {
	ev, err := UnmarshalEvent([]byte(`{"type":"set_command","data":{"channel":"x","pos":12.5}}`))
	if err != nil {
		t.Fatalf("UnmarshalEvent: %v", err)
	}
	if got, ok := ev.(SetCommand); !ok || got != (SetCommand{Channel: "x", Pos: 12.5}) {
		t.Fatalf("unexpected event %#v", ev)
	}
}

func TestUnmarshalEvent_Rejections(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"malformed", `{"type":`, "unmarshal envelope"},
		{"unknown type", `{"type":"teleport","data":{}}`, "unknown event type"},
		{"set_command without channel", `{"type":"set_command","data":{"pos":1}}`, "channel is required"},
		{"set_backoff without channel", `{"type":"set_backoff","data":{"disallow":true}}`, "channel is required"},
		{"jog direction zero", `{"type":"jog_held","data":{"direction":0}}`, "direction must be -1 or 1"},
		{"jog direction two", `{"type":"jog_held","data":{"direction":2}}`, "direction must be -1 or 1"},
		{"set_limits bad type", `{"type":"set_limits","data":{"channel":"x","max_acc":"fast"}}`, "unmarshal SetLimits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalEvent([]byte(tt.in))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestUnmarshalEvent_SetLimitsValidated(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`{"type":"set_limits","data":{"channel":"x","min_pos":1,"max_pos":-1,"max_vel":1,"max_acc":1}}`))
	if !errors.Is(err, motionlimit.ErrBounds) {
		t.Fatalf("expected ErrBounds, got %v", err)
	}

	_, err = UnmarshalEvent([]byte(`{"type":"set_limits","data":{"channel":"x","max_vel":1,"max_acc":0,"unbounded":true}}`))
	if !errors.Is(err, motionlimit.ErrMaxAcc) {
		t.Fatalf("expected ErrMaxAcc, got %v", err)
	}

	ev, err := UnmarshalEvent([]byte(`{"type":"set_limits","data":{"channel":"x","max_vel":1,"max_acc":5,"unbounded":true}}`))
	if err != nil {
		t.Fatalf("UnmarshalEvent: %v", err)
	}
	if lim := ev.(SetLimits).limits(); lim.Bounded() {
		t.Fatalf("expected unbounded limits, got %+v", lim)
	}
}

func TestUnmarshalEvent_JogReleaseWithoutData(t *testing.T) {
	ev, err := UnmarshalEvent([]byte(`{"type":"jog_release"}`))
	if err != nil {
		t.Fatalf("UnmarshalEvent: %v", err)
	}
	if _, ok := ev.(JogRelease); !ok {
		t.Fatalf("expected JogRelease, got %#v", ev)
	}
}

func TestMarshalEvent_JogReleaseAllOmitsData(t *testing.T) {
	data, err := MarshalEvent(JogRelease{})
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}
	if string(data) != `{"type":"jog_release"}` {
		t.Fatalf("got %s", data)
	}

	data, err = MarshalEvent(JogHeld{Channel: "x", Direction: -1})
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}
	ev, err := UnmarshalEvent(data)
	if err != nil {
		t.Fatalf("UnmarshalEvent(%s): %v", data, err)
	}
	if ev != (JogHeld{Channel: "x", Direction: -1}) {
		t.Fatalf("unexpected event %#v", ev)
	}
}

func TestMarshalEvent_Unsupported(t *testing.T) {
	if _, err := MarshalEvent(Tick{}); err == nil {
		t.Fatalf("expected error for non-action event")
	}
}
