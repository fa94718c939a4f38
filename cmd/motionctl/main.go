package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
)

// ============================================================================
// motionctl - Command-line IPC Client
// ============================================================================
// Sends one event to a running motionlimitd over its unix socket and prints
// the daemon's response.
//
// Usage:
//   motionctl set x 0.25
//   motionctl jog x +
//   motionctl release
//   motionctl limits x -1 1 0.5 5
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/motionlimit.sock)
// ============================================================================

const defaultSocketPath = "/tmp/motionlimit.sock"

// Event payloads (duplicated from the daemon for a standalone binary).

type setCommand struct {
	Channel string  `json:"channel"`
	Pos     float64 `json:"pos"`
}

type setEnable struct {
	Channel string `json:"channel,omitempty"`
	Enabled bool   `json:"enabled"`
}

type setBackoff struct {
	Channel  string `json:"channel"`
	Disallow bool   `json:"disallow"`
}

type setLimits struct {
	Channel   string  `json:"channel"`
	MinPos    float64 `json:"min_pos"`
	MaxPos    float64 `json:"max_pos"`
	MaxVel    float64 `json:"max_vel"`
	MaxAcc    float64 `json:"max_acc"`
	Unbounded bool    `json:"unbounded,omitempty"`
}

type jogHeld struct {
	Channel   string `json:"channel,omitempty"`
	Direction int    `json:"direction"`
}

type jogRelease struct {
	Channel string `json:"channel,omitempty"`
}

type handwheelTurn struct {
	Steps int `json:"steps"`
}

type selectChannel struct {
	Delta int    `json:"delta,omitempty"`
	Name  string `json:"name,omitempty"`
}

// eventEnvelope matches the daemon's line-delimited wire format.
type eventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ipcResponse represents the daemon's response
type ipcResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func main() {
	socketPath := defaultSocketPath

	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "-socket" || args[0] == "--socket") {
		if len(args) < 2 {
			fail("-socket requires an argument")
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		os.Exit(0)
	}

	typ, payload, err := parseCommand(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	if err := sendEvent(socketPath, typ, payload); err != nil {
		fail("%v", err)
	}

	fmt.Println("ok")
}

// parseCommand maps command-line words to an envelope type and payload.
// A nil payload sends an envelope without data.
func parseCommand(args []string) (string, any, error) {
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "set":
		if len(rest) != 2 {
			return "", nil, fmt.Errorf("set requires <channel> <pos>")
		}
		pos, err := parseFloat("pos", rest[1])
		if err != nil {
			return "", nil, err
		}
		return "set_command", setCommand{Channel: rest[0], Pos: pos}, nil

	case "enable", "disable":
		if len(rest) > 1 {
			return "", nil, fmt.Errorf("%s takes at most one channel", cmd)
		}
		a := setEnable{Enabled: cmd == "enable"}
		if len(rest) == 1 {
			a.Channel = rest[0]
		}
		return "set_enable", a, nil

	case "backoff":
		if len(rest) != 2 {
			return "", nil, fmt.Errorf("backoff requires <channel> on|off")
		}
		switch rest[1] {
		case "on":
			return "set_backoff", setBackoff{Channel: rest[0]}, nil
		case "off":
			return "set_backoff", setBackoff{Channel: rest[0], Disallow: true}, nil
		default:
			return "", nil, fmt.Errorf("backoff: expected on or off, got %q", rest[1])
		}

	case "limits":
		if len(rest) == 4 && rest[1] == "unbounded" {
			vel, err := parseFloat("max_vel", rest[2])
			if err != nil {
				return "", nil, err
			}
			acc, err := parseFloat("max_acc", rest[3])
			if err != nil {
				return "", nil, err
			}
			return "set_limits", setLimits{Channel: rest[0], MaxVel: vel, MaxAcc: acc, Unbounded: true}, nil
		}
		if len(rest) != 5 {
			return "", nil, fmt.Errorf("limits requires <channel> <min> <max> <vel> <acc> or <channel> unbounded <vel> <acc>")
		}
		var vals [4]float64
		for i, name := range []string{"min_pos", "max_pos", "max_vel", "max_acc"} {
			v, err := parseFloat(name, rest[i+1])
			if err != nil {
				return "", nil, err
			}
			vals[i] = v
		}
		return "set_limits", setLimits{
			Channel: rest[0],
			MinPos:  vals[0],
			MaxPos:  vals[1],
			MaxVel:  vals[2],
			MaxAcc:  vals[3],
		}, nil

	case "jog":
		if len(rest) != 2 {
			return "", nil, fmt.Errorf("jog requires <channel> +|-")
		}
		dir := 0
		switch rest[1] {
		case "+", "up":
			dir = 1
		case "-", "down":
			dir = -1
		default:
			return "", nil, fmt.Errorf("jog: direction must be + or -, got %q", rest[1])
		}
		return "jog_held", jogHeld{Channel: rest[0], Direction: dir}, nil

	case "release":
		if len(rest) > 1 {
			return "", nil, fmt.Errorf("release takes at most one channel")
		}
		if len(rest) == 1 {
			return "jog_release", jogRelease{Channel: rest[0]}, nil
		}
		return "jog_release", nil, nil

	case "wheel":
		if len(rest) != 1 {
			return "", nil, fmt.Errorf("wheel requires <steps>")
		}
		steps, err := strconv.Atoi(rest[0])
		if err != nil || steps == 0 {
			return "", nil, fmt.Errorf("invalid steps %q", rest[0])
		}
		return "handwheel_turn", handwheelTurn{Steps: steps}, nil

	case "select":
		if len(rest) != 1 {
			return "", nil, fmt.Errorf("select requires <name>, next or prev")
		}
		switch rest[0] {
		case "next":
			return "select_channel", selectChannel{Delta: 1}, nil
		case "prev":
			return "select_channel", selectChannel{Delta: -1}, nil
		default:
			return "select_channel", selectChannel{Name: rest[0]}, nil
		}

	default:
		return "", nil, fmt.Errorf("unknown command: %s", cmd)
	}
}

func parseFloat(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}

func marshalEnvelope(typ string, payload any) ([]byte, error) {
	env := eventEnvelope{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", typ, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func sendEvent(socketPath, typ string, payload any) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := marshalEnvelope(typ, payload)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	var response ipcResponse
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if response.Status == "error" {
		return fmt.Errorf("daemon error: %s", response.Error)
	}
	return nil
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `motionctl - Control motionlimitd via IPC

Usage:
  motionctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: %s)

Commands:
  set <ch> <pos>                      Command a new target position
  enable [ch]                         Enable one channel (or all)
  disable [ch]                        Disable one channel (or all)
  backoff <ch> on|off                 Allow or forbid backing off an overshoot
  limits <ch> <min> <max> <vel> <acc> Replace a channel's limits
  limits <ch> unbounded <vel> <acc>   Replace limits without position bounds
  jog <ch> +|-                        Start or refresh a jog
  release [ch]                        Stop jogging
  wheel <steps>                       Turn the handwheel on the selected channel
  select <name>|next|prev             Change the selected channel
  help, -h, --help                    Show this help message

Examples:
  motionctl set x 0.25
  motionctl -socket /run/motionlimit.sock jog y -
`, defaultSocketPath)
}
