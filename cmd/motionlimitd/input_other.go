//go:build !linux

package main

import (
	"context"
	"os"
)

// readDevices starts one blocking reader per device. Readers exit when ctx
// is canceled or on their first read error, which happens when runInput
// closes the files.
func readDevices(ctx context.Context, files []*os.File, events chan<- inputEvent, readErr chan<- error) {
	for _, f := range files {
		go readInputEvents(ctx, f, events, readErr)
	}
	<-ctx.Done()
}
