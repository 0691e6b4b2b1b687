package cmd

import (
	"context"
	"os/signal"
	"syscall"
)

// CatchCtrlC returns a context that is canceled upon the first SIGINT or
// SIGTERM. Once canceled, signals are no longer handled, and another ^C exits
// the program.
func CatchCtrlC(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ctx, cancel
}
