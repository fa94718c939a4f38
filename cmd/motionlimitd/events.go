package main

import (
	"encoding/json"
	"fmt"
	"time"

	"motionlimit"
)

// Event is the input to the reducer.
// It can be an Action, a Tick, or an observation from the setpoint sink.
type Event interface {
	eventMarker()
}

// Tick is emitted by the daemon loop at a fixed cadence. The control period
// comes from configuration, never from the wall-clock gap between ticks.
type Tick struct {
	Now time.Time
}

func (Tick) eventMarker() {}

// SinkWriteObserved is emitted after the sink accepted a setpoint batch.
type SinkWriteObserved struct {
	Channels int
	At       time.Time
}

func (SinkWriteObserved) eventMarker() {}

// SinkCommandFailed is emitted when executing a Command fails.
type SinkCommandFailed struct {
	Command Command
	Err     error
	At      time.Time
}

func (SinkCommandFailed) eventMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================
// EventEnvelope wraps actions for the IPC wire format:
//   {"type": "set_command", "data": {"channel": "x", "pos": 12.5}}
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event.
// Payloads that can never be applied (bad limits, zero jog direction) are
// rejected here so the client sees the error.
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "set_command":
		var a SetCommand
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetCommand: %w", err)
		}
		if a.Channel == "" {
			return nil, fmt.Errorf("set_command: channel is required")
		}
		return a, nil

	case "set_enable":
		var a SetEnable
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetEnable: %w", err)
		}
		return a, nil

	case "set_backoff":
		var a SetBackoff
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetBackoff: %w", err)
		}
		if a.Channel == "" {
			return nil, fmt.Errorf("set_backoff: channel is required")
		}
		return a, nil

	case "set_limits":
		var a SetLimits
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetLimits: %w", err)
		}
		if a.Channel == "" {
			return nil, fmt.Errorf("set_limits: channel is required")
		}
		if err := a.limits().Validate(); err != nil {
			return nil, fmt.Errorf("set_limits: %w", err)
		}
		return a, nil

	case "jog_held":
		var a JogHeld
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal JogHeld: %w", err)
		}
		if a.Direction != 1 && a.Direction != -1 {
			return nil, fmt.Errorf("jog_held: direction must be -1 or 1, got %d", a.Direction)
		}
		return a, nil

	case "jog_release":
		var a JogRelease
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &a); err != nil {
				return nil, fmt.Errorf("unmarshal JogRelease: %w", err)
			}
		}
		return a, nil

	case "handwheel_turn":
		var a HandwheelTurn
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal HandwheelTurn: %w", err)
		}
		return a, nil

	case "select_channel":
		var a SelectChannel
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SelectChannel: %w", err)
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes an Event into a JSON envelope with type discriminator
func MarshalEvent(e Event) ([]byte, error) {
	var (
		env     EventEnvelope
		payload any
	)

	switch e := e.(type) {
	case SetCommand:
		env.Type, payload = "set_command", e
	case SetEnable:
		env.Type, payload = "set_enable", e
	case SetBackoff:
		env.Type, payload = "set_backoff", e
	case SetLimits:
		env.Type, payload = "set_limits", e
	case JogHeld:
		env.Type, payload = "jog_held", e
	case JogRelease:
		env.Type = "jog_release"
		if e.Channel != "" {
			payload = e
		}
	case HandwheelTurn:
		env.Type, payload = "handwheel_turn", e
	case SelectChannel:
		env.Type, payload = "select_channel", e
	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
		}
		env.Data = data
	}

	return json.Marshal(env)
}

// limits converts the payload into core limits.
func (a SetLimits) limits() motionlimit.Limits {
	if a.Unbounded {
		return motionlimit.Unbounded(a.MaxVel, a.MaxAcc)
	}
	return motionlimit.Limits{MinPos: a.MinPos, MaxPos: a.MaxPos, MaxVel: a.MaxVel, MaxAcc: a.MaxAcc}
}
