package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/distr1/pkgworker/internal/lock"
	"golang.org/x/xerrors"
)

// sleepCmd implements the `sleep [weak]` test subcommand: hold the worker
// lock and idle, for exercising lock contention against a real backend.
// Matches the original worker's cmdline_sleep exactly: no argument
// acquires the lock Weak, any argument makes it Strong.
func sleepCmd(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return xerrors.New("usage: pkgworker sleep [weak]")
	}
	mode := lock.Weak
	if len(args) == 1 {
		mode = lock.Strong
	}

	l, err := lock.Acquire(lockPath, mode, false, nil)
	if err != nil {
		return xerrors.Errorf("acquiring worker lock: %w", err)
	}
	defer l.Release()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
			fmt.Fprintln(os.Stderr, "sleeping...")
		}
	}
}
