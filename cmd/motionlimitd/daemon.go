package main

import (
	"context"
	"log/slog"
	"time"
)

// runDaemon is the control loop. It
//   - receives Events from the command sources,
//   - emits a Tick every 1/updateHz seconds,
//   - reduces events into (state, commands, broadcasts),
//   - executes commands and feeds observations back into the reducer,
//   - forwards broadcasts without ever blocking on a slow consumer.
//
// Every Tick runs each channel's limiter with the configured period,
// independent of scheduling jitter.
//
// Exits when ctx is canceled or events is closed.
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	sink SetpointSink,
	cfg ReducerConfig,
	state *DaemonState,
	updateHz int,
	broadcasts chan<- StateBroadcast,
	logger *slog.Logger,
) {
	if state == nil {
		logger.Error("daemon state is nil")
		return
	}
	if updateHz <= 0 {
		updateHz = defaultUpdateHz
	}
	if cfg.Period <= 0 {
		cfg.Period = 1.0 / float64(updateHz)
	}

	ticker := time.NewTicker(time.Second / time.Duration(updateHz))
	defer ticker.Stop()

	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}

	publish := func(bs []StateBroadcast) {
		if broadcasts == nil {
			return
		}
		for _, b := range bs {
			select {
			case broadcasts <- b:
			default:
				logger.Debug("broadcast queue full, dropping", "broadcast", b)
			}
		}
	}

	// Reduce all queued events, enqueuing any resulting commands.
	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev, cfg)
			if rr.State != nil {
				state = rr.State
			}
			cmdQueue = append(cmdQueue, rr.Commands...)
			publish(rr.Broadcasts)
		}
	}

	// Execute all queued commands, reducing observations as they arrive.
	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			runEffect(sink, cmd, logger, enqueueEvent)
			flushEvents()
		}
	}

	overruns := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return
			}
			enqueueEvent(TimedEvent{Event: ev, At: time.Now()})
			flushEvents()
			flushCommands()

		case now := <-ticker.C:
			enqueueEvent(Tick{Now: now})
			flushEvents()
			flushCommands()

			if elapsed := time.Since(now); elapsed > time.Duration(cfg.Period*float64(time.Second)) {
				overruns++
				if overruns == 1 || overruns%1000 == 0 {
					logger.Warn("control cycle overran its period", "elapsed", elapsed, "overruns", overruns)
				}
			}
		}
	}
}
