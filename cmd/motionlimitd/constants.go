package main

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_KEY = 0x01
	EV_REL = 0x02

	KEY_ESC      = 1
	KEY_ENTER    = 28
	KEY_UP       = 103
	KEY_PAGEUP   = 104
	KEY_DOWN     = 108
	KEY_PAGEDOWN = 109

	// Handwheel (MPG) relative axis codes
	REL_DIAL  = 0x07
	REL_WHEEL = 0x08
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Daemon defaults
const (
	defaultUpdateHz      = 250 // Control loop frequency (Hz)
	maxUpdateHz          = 2000
	defaultSinkTimeoutMS = 100 // Timeout for reading sink replies (ms)

	// Jog (press-and-hold teleoperation)
	defaultJogRate          = 5.0 // Command rate while held (units/s)
	defaultJogHoldTimeoutMS = 600 // Auto-release when no repeats arrive (ms)

	// Handwheel
	defaultHandwheelStepSize           = 0.01 // Units per detent
	defaultHandwheelVelocityWindowMS   = 200  // Time window for fast-spin detection (ms)
	defaultHandwheelVelocityMultiplier = 10.0 // Multiplier for fast spinning
	defaultHandwheelVelocityThreshold  = 3    // Same-direction detents in window to trigger fast spin

	// State websocket
	defaultHTTPPort = 3001
	defaultWSPath   = "/ws"
)
