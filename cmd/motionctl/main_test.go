package main

import (
	"encoding/json"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args     []string
		wantType string
		wantData string
	}{
		{[]string{"set", "x", "0.25"}, "set_command", `{"channel":"x","pos":0.25}`},
		{[]string{"enable"}, "set_enable", `{"enabled":true}`},
		{[]string{"disable", "y"}, "set_enable", `{"channel":"y","enabled":false}`},
		{[]string{"backoff", "x", "off"}, "set_backoff", `{"channel":"x","disallow":true}`},
		{[]string{"limits", "x", "-1", "1", "0.5", "5"}, "set_limits", `{"channel":"x","min_pos":-1,"max_pos":1,"max_vel":0.5,"max_acc":5}`},
		{[]string{"limits", "x", "unbounded", "2", "20"}, "set_limits", `{"channel":"x","min_pos":0,"max_pos":0,"max_vel":2,"max_acc":20,"unbounded":true}`},
		{[]string{"jog", "x", "-"}, "jog_held", `{"channel":"x","direction":-1}`},
		{[]string{"release"}, "jog_release", ``},
		{[]string{"wheel", "-3"}, "handwheel_turn", `{"steps":-3}`},
		{[]string{"select", "next"}, "select_channel", `{"delta":1}`},
		{[]string{"select", "tilt"}, "select_channel", `{"name":"tilt"}`},
	}

	for _, tt := range tests {
		typ, payload, err := parseCommand(tt.args)
		if err != nil {
			t.Fatalf("%v: %v", tt.args, err)
		}
		if typ != tt.wantType {
			t.Fatalf("%v: type = %q, want %q", tt.args, typ, tt.wantType)
		}

		line, err := marshalEnvelope(typ, payload)
		if err != nil {
			t.Fatalf("%v: marshal: %v", tt.args, err)
		}
		var env eventEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			t.Fatalf("%v: unmarshal: %v", tt.args, err)
		}
		if string(env.Data) != tt.wantData {
			t.Fatalf("%v: data = %s, want %s", tt.args, env.Data, tt.wantData)
		}
	}
}

func TestParseCommand_Errors(t *testing.T) {
	bad := [][]string{
		{"set", "x"},
		{"set", "x", "far"},
		{"backoff", "x", "maybe"},
		{"limits", "x", "-1", "1"},
		{"jog", "x", "sideways"},
		{"wheel", "0"},
		{"select"},
		{"launch"},
	}
	for _, args := range bad {
		if _, _, err := parseCommand(args); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}
