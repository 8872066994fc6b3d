package pkgworker

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context which is canceled when the process is
// interrupted (i.e. receiving SIGINT or SIGTERM). The backend subcommand hands
// it to the request/reply loop, which stops before reading the next request
// once ctx is canceled and passes ctx to the request it is serving.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// Subsequent signals result in immediate termination, useful in case
		// cleanup hangs.
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
