package main

import (
	"context"
	"os"

	"github.com/distr1/pkgworker/internal/env"
	"github.com/distr1/pkgworker/internal/lock"
	"github.com/distr1/pkgworker/internal/pkglog"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// backend runs the worker's main request/reply loop (spec.md §4.8):
//
//	pkgworker backend <input-fifo> <output-fifo> <status-fifo> <cancel-fifo> <options>
//
// grounded on the original worker's main(), argv[1..5]: four pre-existing
// fifos plus an options string. The four fifos are validated up front
// (spec.md §6 "invoked with ... four already-existing named pipes"); input
// and cancel are opened non-blocking, output and status blocking, and the
// process waits for a client to open the input fifo for writing before
// flipping it back to blocking mode and dropping into the dispatch loop.
func backend(ctx context.Context, args []string) error {
	if len(args) != 5 {
		return xerrors.New("usage: pkgworker backend <input> <output> <status> <cancel> <options>")
	}
	inputPath, outputPath, statusPath, cancelPath, optionsArg := args[0], args[1], args[2], args[3], args[4]

	for _, p := range []string{inputPath, outputPath, statusPath, cancelPath} {
		if err := checkFifo(p); err != nil {
			return err
		}
	}

	input, err := openNonblock(inputPath, unix.O_RDONLY)
	if err != nil {
		return err
	}
	defer input.Close()

	cancelFile, err := openNonblock(cancelPath, unix.O_RDONLY)
	if err != nil {
		return err
	}
	defer cancelFile.Close()

	output, err := os.OpenFile(outputPath, os.O_WRONLY, 0)
	if err != nil {
		return xerrors.Errorf("open %s: %w", outputPath, err)
	}
	defer output.Close()

	status, err := os.OpenFile(statusPath, os.O_WRONLY, 0)
	if err != nil {
		return xerrors.Errorf("open %s: %w", statusPath, err)
	}
	defer status.Close()

	if err := waitForWriter(input); err != nil {
		return err
	}
	if err := clearNonblock(input); err != nil {
		return xerrors.Errorf("clearing O_NONBLOCK on %s: %w", inputPath, err)
	}

	opts := env.ParseOptions(optionsArg)

	// nice(20) equivalent: lowest scheduling priority.
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, 19); err != nil {
		pkglog.Errorf("setpriority: %v", err)
	}

	l, err := lock.Acquire(lockPath, lock.Strong, opts.BreakLocks, nil)
	if err != nil {
		return xerrors.Errorf("acquiring worker lock: %w", err)
	}
	defer l.Release()

	lib, err := openLibrary()
	if err != nil {
		return xerrors.Errorf("opening package library: %w", err)
	}

	d, err := buildDispatcher(lib, opts)
	if err != nil {
		return err
	}

	canceler := &fifoCanceler{f: cancelFile}
	return d.Serve(ctx, input, output, status, canceler)
}
