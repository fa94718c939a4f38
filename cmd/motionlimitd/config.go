package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"motionlimit"
)

// Config is the top-level YAML configuration for the motionlimit daemon.
//
// Defaults and validation live here so the rest of the daemon can assume a
// well-formed config. The file is the primary configuration surface; flags
// are for small overrides.
type Config struct {
	// Control loop frequency. Every limiter update uses period 1/UpdateHz.
	UpdateHz int `yaml:"update_hz"`

	// Limited degrees of freedom, in selection order.
	Channels []ChannelConfig `yaml:"channels"`

	Jog       JogFileConfig       `yaml:"jog"`
	Handwheel HandwheelFileConfig `yaml:"handwheel"`
	Input     InputConfig         `yaml:"input"`
	IPC       IPCConfig           `yaml:"ipc"`
	HTTP      HTTPConfig          `yaml:"http"`
	Sink      SinkConfig          `yaml:"sink"`
	Logging   LoggingConfig       `yaml:"logging"`
}

// ChannelConfig describes one channel. Position bounds are ignored when
// Unbounded is set.
type ChannelConfig struct {
	Name            string  `yaml:"name"`
	MinPos          float64 `yaml:"min_pos"`
	MaxPos          float64 `yaml:"max_pos"`
	MaxVel          float64 `yaml:"max_vel"`
	MaxAcc          float64 `yaml:"max_acc"`
	Unbounded       bool    `yaml:"unbounded,omitempty"`
	DisallowBackoff bool    `yaml:"disallow_backoff,omitempty"`
	InitialPos      float64 `yaml:"initial_pos,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// JogFileConfig is JogConfig as represented in YAML.
type JogFileConfig struct {
	Rate          float64 `yaml:"rate"`
	TurboMult     float64 `yaml:"turbo_mult,omitempty"`
	TurboDelaySec float64 `yaml:"turbo_delay_sec,omitempty"`
	HoldTimeoutMS int     `yaml:"hold_timeout_ms"`
}

// HandwheelFileConfig is HandwheelConfig as represented in YAML.
type HandwheelFileConfig struct {
	StepSize           float64 `yaml:"step_size"`
	VelocityWindowMS   int     `yaml:"velocity_window_ms"`
	VelocityMultiplier float64 `yaml:"velocity_multiplier"`
	VelocityThreshold  int     `yaml:"velocity_threshold"`
}

type InputConfig struct {
	Devices []string `yaml:"devices,omitempty"` // evdev devices to monitor; empty disables input
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
	SocketMode string `yaml:"socket_mode"` // octal, e.g. "0660"
}

type HTTPConfig struct {
	Port   int    `yaml:"port"`
	WSPath string `yaml:"ws_path"`
}

type SinkConfig struct {
	WsURL     string `yaml:"ws_url,omitempty"` // empty disables the sink
	TimeoutMS int    `yaml:"timeout_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format,omitempty"` // "text" or "json"
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		UpdateHz: defaultUpdateHz,
		Channels: []ChannelConfig{
			{Name: "x", MinPos: -1, MaxPos: 1, MaxVel: 1, MaxAcc: 10},
		},
		Jog: JogFileConfig{
			Rate:          defaultJogRate,
			TurboMult:     1.0,
			HoldTimeoutMS: defaultJogHoldTimeoutMS,
		},
		Handwheel: HandwheelFileConfig{
			StepSize:           defaultHandwheelStepSize,
			VelocityWindowMS:   defaultHandwheelVelocityWindowMS,
			VelocityMultiplier: defaultHandwheelVelocityMultiplier,
			VelocityThreshold:  defaultHandwheelVelocityThreshold,
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/motionlimit.sock",
			SocketMode: "0660",
		},
		HTTP: HTTPConfig{
			Port:   defaultHTTPPort,
			WSPath: defaultWSPath,
		},
		Sink: SinkConfig{
			TimeoutMS: defaultSinkTimeoutMS,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
//
// Unknown fields are rejected via KnownFields(true) to catch typos. A
// channels list in the file replaces the default list entirely.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	// Start without channels so an omitted list can be told apart from an
	// explicitly empty one.
	cfg.Channels = nil

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace and comments are allowed after the document.
	var extra yaml.Node
	switch err := dec.Decode(&extra); {
	case err == nil:
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	case !errors.Is(err, io.EOF):
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	if cfg.Channels == nil {
		cfg.Channels = DefaultConfig().Channels
	}
	return cfg, nil
}

// FlagOverrides applies command-line overrides on top of a loaded config.
// Each override is applied only when its pointer is non-nil, even if it
// points at a zero value.
type FlagOverrides struct {
	UpdateHz *int

	InputDevice *string

	IPCSocketPath *string
	HTTPPort      *int

	SinkWsURL     *string
	SinkTimeoutMS *int

	JogRate *float64

	LogLevel  *string
	LogFormat *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.UpdateHz != nil {
		cfg.UpdateHz = *o.UpdateHz
	}
	if o.InputDevice != nil {
		if *o.InputDevice == "" {
			cfg.Input.Devices = nil
		} else {
			cfg.Input.Devices = []string{*o.InputDevice}
		}
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.SinkWsURL != nil {
		cfg.Sink.WsURL = *o.SinkWsURL
	}
	if o.SinkTimeoutMS != nil {
		cfg.Sink.TimeoutMS = *o.SinkTimeoutMS
	}
	if o.JogRate != nil {
		cfg.Jog.Rate = *o.JogRate
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		cfg.Logging.Format = *o.LogFormat
	}
}

// Validate checks config invariants and reports every problem found.
// Call it after defaults, file and overrides are applied.
func (c *Config) Validate() error {
	var err error

	if c.UpdateHz <= 0 || c.UpdateHz > maxUpdateHz {
		err = multierr.Append(err, fmt.Errorf("update_hz must be between 1 and %d", maxUpdateHz))
	}

	if len(c.Channels) == 0 {
		err = multierr.Append(err, errors.New("channels must not be empty"))
	}
	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Name == "" {
			err = multierr.Append(err, fmt.Errorf("channels[%d].name is empty", i))
		} else if seen[ch.Name] {
			err = multierr.Append(err, fmt.Errorf("channels[%d].name %q is duplicated", i, ch.Name))
		}
		seen[ch.Name] = true

		lim := ch.limits()
		if lerr := lim.Validate(); lerr != nil {
			err = multierr.Append(err, fmt.Errorf("channels[%d] (%s): %w", i, ch.Name, lerr))
			continue
		}
		if math.IsNaN(ch.InitialPos) || math.IsInf(ch.InitialPos, 0) {
			err = multierr.Append(err, fmt.Errorf("channels[%d].initial_pos must be finite", i))
		} else if ch.InitialPos < lim.MinPos || ch.InitialPos > lim.MaxPos {
			err = multierr.Append(err, fmt.Errorf("channels[%d].initial_pos %g outside [%g, %g]", i, ch.InitialPos, lim.MinPos, lim.MaxPos))
		}
	}

	if c.Jog.Rate < 0 {
		err = multierr.Append(err, errors.New("jog.rate must be >= 0"))
	}
	if c.Jog.TurboMult < 0 {
		err = multierr.Append(err, errors.New("jog.turbo_mult must be >= 0"))
	}
	if c.Jog.TurboDelaySec < 0 {
		err = multierr.Append(err, errors.New("jog.turbo_delay_sec must be >= 0"))
	}
	if c.Jog.HoldTimeoutMS < 0 {
		err = multierr.Append(err, errors.New("jog.hold_timeout_ms must be >= 0"))
	}

	if c.Handwheel.StepSize <= 0 {
		err = multierr.Append(err, errors.New("handwheel.step_size must be > 0"))
	}
	if c.Handwheel.VelocityWindowMS < 0 {
		err = multierr.Append(err, errors.New("handwheel.velocity_window_ms must be >= 0"))
	}
	if c.Handwheel.VelocityMultiplier < 1 {
		err = multierr.Append(err, errors.New("handwheel.velocity_multiplier must be >= 1"))
	}
	if c.Handwheel.VelocityThreshold < 1 {
		err = multierr.Append(err, errors.New("handwheel.velocity_threshold must be >= 1"))
	}

	for i, dev := range c.Input.Devices {
		if dev == "" {
			err = multierr.Append(err, fmt.Errorf("input.devices[%d] is empty", i))
		}
	}

	if c.IPC.SocketPath == "" {
		err = multierr.Append(err, errors.New("ipc.socket_path must not be empty"))
	}
	if _, merr := c.IPC.mode(); merr != nil {
		err = multierr.Append(err, merr)
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		err = multierr.Append(err, errors.New("http.port must be between 0 and 65535"))
	}
	if c.HTTP.Port > 0 && (c.HTTP.WSPath == "" || c.HTTP.WSPath[0] != '/') {
		err = multierr.Append(err, errors.New("http.ws_path must start with /"))
	}

	if c.Sink.WsURL != "" && c.Sink.TimeoutMS <= 0 {
		err = multierr.Append(err, errors.New("sink.timeout_ms must be > 0"))
	}

	if _, lerr := parseLogLevel(c.Logging.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("logging.level: %w", lerr))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.format must be %q or %q", "text", "json"))
	}

	return err
}

// limits converts the YAML fields into core limits.
func (ch ChannelConfig) limits() motionlimit.Limits {
	if ch.Unbounded {
		return motionlimit.Unbounded(ch.MaxVel, ch.MaxAcc)
	}
	return motionlimit.Limits{MinPos: ch.MinPos, MaxPos: ch.MaxPos, MaxVel: ch.MaxVel, MaxAcc: ch.MaxAcc}
}

// mode parses the octal socket permission bits.
func (c IPCConfig) mode() (os.FileMode, error) {
	if c.SocketMode == "" {
		return 0o660, nil
	}
	m, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("ipc.socket_mode %q is not an octal permission", c.SocketMode)
	}
	return os.FileMode(m), nil
}

// ToChannels builds the initial channel states. Each channel starts at
// rest at its initial position.
func (c *Config) ToChannels() []ChannelState {
	out := make([]ChannelState, 0, len(c.Channels))
	for _, ch := range c.Channels {
		l := motionlimit.NewChannel(ch.InitialPos, ch.limits())
		l.DisallowBackoff = ch.DisallowBackoff
		if ch.Enabled != nil {
			l.Enable = *ch.Enabled
		}
		out = append(out, ChannelState{Name: ch.Name, Limiter: *l})
	}
	return out
}

// ToReducerConfig converts file config into the reducer's static parameters.
func (c *Config) ToReducerConfig() ReducerConfig {
	hz := c.UpdateHz
	if hz <= 0 {
		hz = defaultUpdateHz
	}
	return ReducerConfig{
		Period: 1.0 / float64(hz),
		Jog: JogConfig{
			Rate:        c.Jog.Rate,
			TurboMult:   c.Jog.TurboMult,
			TurboDelay:  time.Duration(c.Jog.TurboDelaySec * float64(time.Second)),
			HoldTimeout: time.Duration(c.Jog.HoldTimeoutMS) * time.Millisecond,
		},
		Handwheel: HandwheelConfig{
			StepSize:           c.Handwheel.StepSize,
			VelocityWindow:     time.Duration(c.Handwheel.VelocityWindowMS) * time.Millisecond,
			VelocityThreshold:  c.Handwheel.VelocityThreshold,
			VelocityMultiplier: c.Handwheel.VelocityMultiplier,
		},
		SinkEnabled: c.Sink.WsURL != "",
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
