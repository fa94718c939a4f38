package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"testing"
	"time"
)

func TestTranslateInput_Keys(t *testing.T) {
	tests := []struct {
		name string
		ev   inputEvent
		want []Event
	}{
		{"up press", inputEvent{Type: EV_KEY, Code: KEY_UP, Value: evValuePress}, []Event{JogHeld{Direction: 1}}},
		{"up repeat", inputEvent{Type: EV_KEY, Code: KEY_UP, Value: evValueRepeat}, []Event{JogHeld{Direction: 1}}},
		{"down press", inputEvent{Type: EV_KEY, Code: KEY_DOWN, Value: evValuePress}, []Event{JogHeld{Direction: -1}}},
		{"down release", inputEvent{Type: EV_KEY, Code: KEY_DOWN, Value: evValueRelease}, []Event{JogRelease{}}},
		{"page up", inputEvent{Type: EV_KEY, Code: KEY_PAGEUP, Value: evValuePress}, []Event{SelectChannel{Delta: -1}}},
		{"page down", inputEvent{Type: EV_KEY, Code: KEY_PAGEDOWN, Value: evValuePress}, []Event{SelectChannel{Delta: 1}}},
		{"page down repeat ignored", inputEvent{Type: EV_KEY, Code: KEY_PAGEDOWN, Value: evValueRepeat}, nil},
		{"enter", inputEvent{Type: EV_KEY, Code: KEY_ENTER, Value: evValuePress}, []Event{SetEnable{Enabled: true}}},
		{"esc", inputEvent{Type: EV_KEY, Code: KEY_ESC, Value: evValuePress}, []Event{SetEnable{Enabled: false}}},
		{"esc release ignored", inputEvent{Type: EV_KEY, Code: KEY_ESC, Value: evValueRelease}, nil},
		{"dial", inputEvent{Type: EV_REL, Code: REL_DIAL, Value: -3}, []Event{HandwheelTurn{Steps: -3}}},
		{"wheel", inputEvent{Type: EV_REL, Code: REL_WHEEL, Value: 1}, []Event{HandwheelTurn{Steps: 1}}},
		{"wheel zero ignored", inputEvent{Type: EV_REL, Code: REL_WHEEL, Value: 0}, nil},
		{"other key ignored", inputEvent{Type: EV_KEY, Code: 30, Value: evValuePress}, nil},
		{"sync ignored", inputEvent{Type: 0}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateInput(tt.ev)
			if len(got) != len(tt.want) {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("event %d: got %#v, want %#v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestReadInputEvents_DecodesRawEvents(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()

	events := make(chan inputEvent, 4)
	readErr := make(chan error, 1)
	go readInputEvents(context.Background(), r, events, readErr)

	var buf bytes.Buffer
	want := []inputEvent{
		{Sec: 1, Usec: 2, Type: EV_KEY, Code: KEY_UP, Value: evValuePress},
		{Sec: 1, Usec: 3, Type: EV_REL, Code: REL_DIAL, Value: -1},
	}
	for _, ev := range want {
		if err := binary.Write(&buf, binary.LittleEndian, ev); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	if buf.Len() != 2*inputEventSize {
		t.Fatalf("encoded %d bytes, want %d", buf.Len(), 2*inputEventSize)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}

	for i, ev := range want {
		select {
		case got := <-events:
			if got != ev {
				t.Fatalf("event %d: got %+v, want %+v", i, got, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}

	w.Close()
	select {
	case err := <-readErr:
		if err == nil {
			t.Fatalf("expected read error after close")
		}
	case <-time.After(time.Second):
		t.Fatalf("reader did not stop after writer closed")
	}
}

func TestReadInputEvents_StopsWhenConsumerGone(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())

	// Unbuffered and never drained: the reader blocks on its first send.
	events := make(chan inputEvent)
	readErr := make(chan error)
	done := make(chan struct{})
	go func() {
		defer close(done)
		readInputEvents(ctx, r, events, readErr)
	}()

	var buf bytes.Buffer
	ev := inputEvent{Type: EV_KEY, Code: KEY_UP, Value: evValuePress}
	if err := binary.Write(&buf, binary.LittleEndian, ev); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
		t.Fatalf("reader returned before cancellation")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reader still blocked after cancellation")
	}
}
