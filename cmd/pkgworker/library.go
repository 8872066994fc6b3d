// The native package library binding is deliberately out of scope for this
// rewrite (internal/libpkg's doc comment, spec.md §1: "we specify what the
// worker asks of it, not its internals"). openLibrary is the one seam a
// platform build must fill in to turn any of these subcommands into a
// running worker; every other piece of cmd/pkgworker (fifo handling, locking,
// option/environment parsing, the dispatcher/executor wiring, rescue's
// mount and device handling) does not depend on it being real.
package main

import (
	"github.com/distr1/pkgworker/internal/libpkg"
	"golang.org/x/xerrors"
)

// openLibrary constructs the Library binding a real worker build runs
// against. The stock build has none: wiring a cgo or subprocess bridge to
// the underlying apt-style library is a platform concern, not something an
// idiomatic Go rewrite can fabricate without a real library to bind to.
var openLibrary = func() (libpkg.Library, error) {
	return nil, xerrors.New("pkgworker: no native package library bound into this build")
}
