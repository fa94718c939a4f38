package main

import (
	"log/slog"
	"time"
)

// runEffect executes a single reducer-emitted Command and emits an
// observation Event via onEvent.
//
// It may perform I/O but never calls Reduce; the daemon loop sequences
// Reduce -> Commands -> runEffect -> Events -> Reduce.
func runEffect(
	sink SetpointSink,
	cmd Command,
	logger *slog.Logger,
	onEvent func(Event),
) {
	if onEvent == nil {
		return
	}

	now := time.Now()

	switch c := cmd.(type) {
	case CmdWriteSetpoints:
		if sink == nil {
			onEvent(SinkCommandFailed{Command: cmd, Err: errNoSink{}, At: now})
			return
		}
		if err := sink.WriteSetpoints(c.Setpoints); err != nil {
			logger.Debug("sink write failed", "error", err, "channels", len(c.Setpoints))
			onEvent(SinkCommandFailed{Command: cmd, Err: err, At: now})
			return
		}
		onEvent(SinkWriteObserved{Channels: len(c.Setpoints), At: now})

	case CmdPublishStateSnapshot:
		if c.Reply == nil {
			logger.Warn("state snapshot requested with nil reply channel")
			return
		}
		// Never block the daemon loop on a requester.
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}

	case CmdLogRejected:
		logger.Debug("action rejected", "action", c.Action, "channel", c.Channel, "reason", c.Reason)

	default:
		logger.Warn("unknown command type", "command", cmd.String())
		onEvent(SinkCommandFailed{
			Command: cmd,
			Err:     errUnknownCommand{cmd: cmd},
			At:      now,
		})
	}
}

// errNoSink indicates a sink write was requested without a configured sink.
type errNoSink struct{}

func (errNoSink) Error() string { return "no setpoint sink" }

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }
