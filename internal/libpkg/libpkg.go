// Package libpkg defines the narrow contract the worker needs from the
// underlying native package library (apt-style cache, dependency resolver,
// fetcher, dpkg invocation — out of scope per spec.md §1, "we specify what
// the worker asks of it, not its internals").
//
// spec.md §9 calls out two re-architecture requirements this package exists
// to satisfy: no process-wide globals (callers hold a Library value and pass
// it explicitly to the components that need it), and no exception-based
// error propagation (calls are wrapped at this boundary and turned into a
// structured Error rather than panicking) — the Go analogue of subclassing
// the library's PackageManager/Policy/archive-acquire types is the narrow
// Library interface below plus the Call/CallVoid wrappers, not inheritance.
package libpkg

import (
	"context"

	"github.com/distr1/pkgworker/internal/model"
)

// Snapshot is one generation of the package database as the library reports
// it: every package, every version (across every index file), and every
// index file, addressed by the integer IDs defined in internal/model.
type Snapshot struct {
	Packages []*model.Package
	Versions []*model.Version
	Indexes  []*model.IndexFile
}

// OrderList is the result of CreateOrderList (spec.md §4.7 step 4): the set
// of packages the library needs the executor to actually act on, already
// filtered to "affected" packages.
type OrderList struct {
	PackageIDs []model.PackageID
}

// FetchItem describes one file the fetcher attempted to retrieve
// (spec.md §4.7's per-item failure attribution, §4.8 step 8).
type FetchItem struct {
	URI          string
	DestPath     string
	SHA256       string
	SHA1         string
	MD5          string
	Size         int64
	ErrorText    string // "" on success; e.g. "404", "Size mismatch", "MD5Sum mismatch"
	AlreadyBytes int64
}

// InstallOutcome is the package manager's install-phase result
// (spec.md §4.7 step 11).
type InstallOutcome int

const (
	InstallCompleted InstallOutcome = iota
	InstallFailed
)

// ProgressFunc receives (op, already, total) ticks from the library during a
// fetch or install, at the library's own cadence; spec.md §4.1's status
// throttle is applied by the caller (internal/executor), not here.
type ProgressFunc func(op int32, already, total int)

// Library is the whole contract the worker requires. Exactly one concrete
// implementation exists in a production build (a cgo or subprocess bridge to
// the real apt-style library); this package only defines the seam, per
// spec.md §1's scope note.
type Library interface {
	// Open builds (or rebuilds) the current/desired database view.
	Open() (Snapshot, error)

	// MarkInstall asks the library to mark pkg for install without
	// auto-installing dependencies (spec.md §4.5 step 2). ok reports
	// whether the library accepted the mark as install-or-keep.
	MarkInstall(pkg model.PackageID) (ok bool, err error)

	// MarkDelete asks the library to mark pkg for delete, clearing its Auto
	// flag (spec.md §4.5 "Remove" step 1).
	MarkDelete(pkg model.PackageID) error

	// SetAuto sets or clears the library's Auto flag for pkg (spec.md §4.5
	// step 3, "restore the provider's Auto flag after the recursive call").
	SetAuto(pkg model.PackageID, auto bool) error

	// BrokenOrNeedsConfigure reports packages the library considers broken
	// or needing reconfiguration (spec.md §4.5 step 1).
	BrokenOrNeedsConfigure() ([]model.PackageID, error)

	// CreateOrderList builds the fetch/install order list, already filtered
	// to affected packages (spec.md §4.6 step 4 / §4.7 step 4).
	CreateOrderList(related []model.PackageID) (OrderList, error)

	// GetArchives populates the fetcher for the given order list and
	// returns the computed download size and the items it intends to fetch
	// (spec.md §4.7 step 5).
	GetArchives(ctx context.Context, order OrderList) (downloadSize int64, items []FetchItem, err error)

	// RunFetcher executes the populated fetcher, invoking progress for each
	// tick, and aborts if cancel ever yields a value (spec.md §5
	// "Cancellation"). It returns the final per-item results.
	RunFetcher(ctx context.Context, cancel <-chan struct{}, progress ProgressFunc) ([]FetchItem, error)

	// InstallArchives invokes the package manager on the downloaded
	// archives (spec.md §4.7 step 11).
	InstallArchives(ctx context.Context, progress ProgressFunc) (InstallOutcome, error)

	// FreeSpace reports bytes free on the filesystem backing path.
	FreeSpace(path string) (int64, error)

	// Errors drains and returns the library's pending error queue
	// (spec.md §9's "wrap every library call in a result-yielding boundary
	// that captures the library's error queue ... and drains the queue
	// before returning").
	Errors() []string
}

// Error is the structured error value a library call boundary (Call or
// CallVoid) produces from a failing call; CallVoid also records any queued
// library errors.
type Error struct {
	Op     string
	Err    error
	Queued []string
}

func (e *Error) Error() string {
	if len(e.Queued) == 0 {
		return e.Op + ": " + e.Err.Error()
	}
	msg := e.Op + ": " + e.Err.Error() + " (queued: "
	for i, q := range e.Queued {
		if i > 0 {
			msg += "; "
		}
		msg += q
	}
	return msg + ")"
}

func (e *Error) Unwrap() error { return e.Err }

// call0 is satisfied by any zero-result library method.
func call0(lib Library, op string, fn func() error) *Error {
	err := fn()
	queued := lib.Errors()
	if err == nil && len(queued) == 0 {
		return nil
	}
	if err == nil {
		err = errNonFatalQueuedErrors
	}
	return &Error{Op: op, Err: err, Queued: queued}
}

var errNonFatalQueuedErrors = errNonFatalQueuedErrorsType{}

type errNonFatalQueuedErrorsType struct{}

func (errNonFatalQueuedErrorsType) Error() string { return "library reported queued errors" }

// Call wraps a Library.Open-shaped call (no caller-supplied Library needed
// to drain the queue because Open itself is how we first obtain one): used
// directly by internal/cache.Facade.Open.
func Call(fn func() (Snapshot, error)) (Snapshot, *Error) {
	snap, err := fn()
	if err != nil {
		return Snapshot{}, &Error{Op: "Open", Err: err}
	}
	return snap, nil
}

// CallVoid wraps any Library call that returns only an error, draining lib's
// error queue into the returned *Error (spec.md §9).
func CallVoid(lib Library, op string, fn func() error) *Error {
	return call0(lib, op, fn)
}
