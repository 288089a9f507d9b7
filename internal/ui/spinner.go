// spinner.go shows progress while trinoctl talks to registries or
// packs archives.
package ui

import (
	"fmt"
	"io"
	"time"
)

// StartSpinner prints a lightweight ASCII spinner until the returned
// stop function is called. Stop prints "[done]" or "[fail]" depending
// on the success flag.
func StartSpinner(w io.Writer, message string) func(success bool) {
	frames := []rune{'|', '/', '-', '\\'}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(120 * time.Millisecond)
		defer ticker.Stop()
		idx := 0
		for {
			select {
			case <-done:
				fmt.Fprintf(w, "\r%s    \r", message)
				return
			case <-ticker.C:
				fmt.Fprintf(w, "\r%s %c", message, frames[idx])
				idx = (idx + 1) % len(frames)
			}
		}
	}()
	return func(success bool) {
		select {
		case <-done:
		default:
			close(done)
		}
		<-exited
		status := "[done]"
		if !success {
			status = "[fail]"
		}
		fmt.Fprintf(w, "%s %s\n", message, status)
	}
}
