// Package signal ties process interrupts to stream cancellation.
package signal

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ExitInterrupted is the status used when a second interrupt forces exit.
const ExitInterrupted = 130

var exit = os.Exit

// NotifyContext returns a context that is cancelled on the first SIGINT or
// SIGTERM. A run in flight sees the cancellation and ends without a terminal
// event. A second signal while the first is still being handled exits the
// process immediately. Call stop to release the handler.
func NotifyContext() (context.Context, context.CancelFunc) {
	return notify(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func notify(parent context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)

	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			cancel()
		case <-done:
			return
		}
		select {
		case <-ch:
			exit(ExitInterrupted)
		case <-done:
		}
	}()

	var stopped bool
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		signal.Stop(ch)
		close(done)
		cancel()
	}
	return ctx, stop
}
