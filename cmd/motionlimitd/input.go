package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

var inputEventSize = binary.Size(inputEvent{})

// decodeInputEvent parses one raw event. buf must hold inputEventSize bytes.
func decodeInputEvent(buf []byte) (inputEvent, error) {
	var ev inputEvent
	err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &ev)
	return ev, err
}

// readInputEvents reads input events from one device until a read fails or
// ctx is canceled. It blocks on read and is meant to run in its own
// goroutine; closing f unblocks it.
func readInputEvents(ctx context.Context, f *os.File, events chan<- inputEvent, readErr chan<- error) {
	buf := make([]byte, inputEventSize)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			select {
			case readErr <- fmt.Errorf("read from %s: %w", f.Name(), err):
			case <-ctx.Done():
			}
			return
		}
		ev, err := decodeInputEvent(buf)
		if err != nil {
			// Skip malformed events
			continue
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// translateInput maps a raw key or axis event to daemon actions.
//
//	KEY_UP / KEY_DOWN        jog the selected channel while held
//	KEY_PAGEUP / KEY_PAGEDOWN select the previous / next channel
//	KEY_ENTER / KEY_ESC       enable / disable all channels
//	REL_DIAL / REL_WHEEL      handwheel detents on the selected channel
func translateInput(ev inputEvent) []Event {
	switch ev.Type {
	case EV_KEY:
		return translateKey(ev.Code, ev.Value)
	case EV_REL:
		if (ev.Code == REL_DIAL || ev.Code == REL_WHEEL) && ev.Value != 0 {
			return []Event{HandwheelTurn{Steps: int(ev.Value)}}
		}
	}
	return nil
}

func translateKey(code uint16, value int32) []Event {
	switch code {
	case KEY_UP, KEY_DOWN:
		dir := 1
		if code == KEY_DOWN {
			dir = -1
		}
		switch value {
		case evValuePress, evValueRepeat:
			return []Event{JogHeld{Direction: dir}}
		case evValueRelease:
			return []Event{JogRelease{}}
		}

	case KEY_PAGEUP, KEY_PAGEDOWN:
		if value != evValuePress {
			return nil
		}
		delta := -1
		if code == KEY_PAGEDOWN {
			delta = 1
		}
		return []Event{SelectChannel{Delta: delta}}

	case KEY_ENTER:
		if value == evValuePress {
			return []Event{SetEnable{Enabled: true}}
		}

	case KEY_ESC:
		if value == evValuePress {
			return []Event{SetEnable{Enabled: false}}
		}
	}
	return nil
}

// runInput opens the configured devices and forwards translated actions to
// the daemon until ctx is canceled or a device fails.
func runInput(ctx context.Context, devices []string, out chan<- Event, logger *slog.Logger) error {
	if len(devices) == 0 {
		return nil
	}

	// Readers stop once runInput returns, whatever the reason.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	files := make([]*os.File, 0, len(devices))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, dev := range devices {
		f, err := os.Open(dev)
		if err != nil {
			return fmt.Errorf("open input device %s: %w", dev, err)
		}
		files = append(files, f)
		logger.Info("input device opened", "device", dev)
	}

	raw := make(chan inputEvent, 64)
	readErr := make(chan error, len(files))
	go readDevices(ctx, files, raw, readErr)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case ev := <-raw:
			for _, a := range translateInput(ev) {
				select {
				case out <- a:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}
