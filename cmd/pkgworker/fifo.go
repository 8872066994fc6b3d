package main

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// checkFifo verifies path names an existing named pipe (the original
// worker's is_fifo check: every argument to the backend subcommand must
// already exist and be a fifo, never created on demand).
func checkFifo(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return xerrors.Errorf("%s: %w", path, err)
	}
	if st.Mode()&os.ModeNamedPipe == 0 {
		return xerrors.Errorf("%s: not a fifo", path)
	}
	return nil
}

// openNonblock opens a fifo O_NONBLOCK so the open call itself never blocks
// waiting for the other end, returning it as an *os.File whose Fd callers use
// to flip blocking mode later (waitForWriter, clearNonblock).
func openNonblock(path string, flag int) (*os.File, error) {
	fd, err := unix.Open(path, flag|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// waitForWriter blocks until the read end of a fifo opened O_NONBLOCK
// becomes readable, i.e. until a client opens the other end for writing
// (the original worker's block_for_read, used once at backend startup so
// the process doesn't spin hot before a client attaches).
func waitForWriter(f *os.File) error {
	fd := int(f.Fd())
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return xerrors.Errorf("poll %s: %w", f.Name(), err)
		}
		if n > 0 {
			return nil
		}
	}
}

// clearNonblock drops O_NONBLOCK on f so subsequent reads block normally
// (the original worker's must_set_flags call on the input fifo, right after
// block_for_read; the cancel fifo is deliberately left non-blocking).
func clearNonblock(f *os.File) error {
	return unix.SetNonblock(int(f.Fd()), false)
}
