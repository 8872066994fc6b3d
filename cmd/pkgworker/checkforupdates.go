package main

import (
	"context"
	"io"
	"io/ioutil"
	"os"

	"github.com/distr1/pkgworker"
	"github.com/distr1/pkgworker/internal/env"
	"github.com/distr1/pkgworker/internal/lock"
	"github.com/distr1/pkgworker/internal/wire"
	"golang.org/x/xerrors"
)

// noopCanceler never signals; check-for-updates runs one request with no
// client attached to cancel it.
type noopCanceler struct{}

func (noopCanceler) Drain() bool    { return false }
func (noopCanceler) Signaled() bool { return false }

// checkForUpdates runs one lists-refresh-and-check pass outside of the
// request/reply protocol (spec.md §6's "check-for-updates [http_proxy]"
// cron entry point), grounded on the original worker's cmdline_check_updates:
// a weak lock, since a missed refresh is harmless and simply retried next
// cycle, and, when given, an http_proxy override for this one process. It
// drives the exact same CHECK_UPDATES path the backend's dispatch loop
// does, over in-memory pipes standing in for the fifo pair.
func checkForUpdates(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return xerrors.New("usage: pkgworker check-for-updates [http_proxy]")
	}
	if len(args) == 1 {
		os.Setenv("http_proxy", args[0])
	}

	l, err := lock.Acquire(lockPath, lock.Weak, false, nil)
	if err != nil {
		return xerrors.Errorf("acquiring worker lock: %w", err)
	}
	defer l.Release()

	lib, err := openLibrary()
	if err != nil {
		return xerrors.Errorf("opening package library: %w", err)
	}

	d, err := buildDispatcher(lib, env.Options{})
	if err != nil {
		return err
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	statusR, statusW := io.Pipe()
	go io.Copy(ioutil.Discard, statusR)

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Serve(ctx, inR, outW, statusW, noopCanceler{}) }()

	if err := wire.WriteFrame(inW, int32(pkgworker.CHECK_UPDATES), 1, nil); err != nil {
		return xerrors.Errorf("writing request: %w", err)
	}

	hdr, err := wire.ReadFrameHeader(outR)
	if err != nil {
		return xerrors.Errorf("reading reply: %w", err)
	}
	payload, err := wire.ReadFramePayload(outR, hdr, make([]byte, hdr.Length))
	if err != nil {
		return xerrors.Errorf("reading reply payload: %w", err)
	}
	inW.Close()
	<-serveErr

	dec := wire.NewDecoder(payload)
	code := pkgworker.ResultCode(dec.Int32())
	if dec.Corrupted() || code == pkgworker.Failure {
		return xerrors.Errorf("check-for-updates: result %s", code)
	}
	return nil
}
