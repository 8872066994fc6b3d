// Package dispatcher implements the command dispatcher (spec C9): the
// single-threaded request/reply loop over internal/wire frames, wiring
// together the cache facade, planner, executor, lists-refresh transaction,
// catalogue store and journal behind the worker's 27-command wire protocol
// (spec.md §4.8).
package dispatcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/distr1/pkgworker"
	"github.com/distr1/pkgworker/internal/cache"
	"github.com/distr1/pkgworker/internal/config"
	"github.com/distr1/pkgworker/internal/executor"
	"github.com/distr1/pkgworker/internal/libpkg"
	"github.com/distr1/pkgworker/internal/listsrefresh"
	"github.com/distr1/pkgworker/internal/pkglog"
	"github.com/distr1/pkgworker/internal/planner"
	"github.com/distr1/pkgworker/internal/trust"
	"github.com/distr1/pkgworker/internal/wire"
	"golang.org/x/xerrors"
)

// Canceler reports and drains the cancel stream non-blockingly (spec.md §5
// "Cancellation"). The concrete fifo-backed implementation lives in
// cmd/pkgworker, which opens the cancel fifo O_NONBLOCK; this package only
// needs the Drain contract to keep Serve unit-testable without real fifos.
type Canceler interface {
	// Drain discards any bytes currently available without blocking,
	// reporting whether any were found.
	Drain() bool

	// Signaled reports whether a cancel byte has arrived since the last
	// Drain/Signaled call, without blocking. Used by long-running handlers
	// (fetch pulses) as the executor's cancel channel source.
	Signaled() bool
}

// JournalPaths names the well-known absolute paths the dispatcher persists
// state to (spec.md §6 "Persisted files").
type JournalPaths struct {
	Operation        string // .../current-operation
	AvailableUpdates string // .../available-updates
}

// Dispatcher owns one worker generation: the cache facade, the planner and
// executor built on top of it, the catalogue store, and the lists-refresh
// transaction. A Dispatcher serves exactly one client connection
// (spec.md §4.8 "Ordering: at most one request is in flight").
type Dispatcher struct {
	Cache      *cache.Facade
	Classifier *trust.Classifier
	Lib        libpkg.Library
	Domains    *config.DomainConfig
	Catalogues *CatalogueStore
	Lists      *listsrefresh.Transaction
	Fetcher    listsrefresh.Fetcher
	Journal    JournalPaths

	AllowWrongDomains bool
	UseAptAlgorithms  bool
	ArchivesDir       string
	BackupDir         string
	Rebooter          Rebooter

	planner *planner.Planner
}

func (d *Dispatcher) ensurePlanner() *planner.Planner {
	if d.planner == nil {
		d.planner = planner.New(d.Cache, d.Lib, d.AllowWrongDomains)
		d.planner.UseAptAlgorithms = d.UseAptAlgorithms
	}
	return d.planner
}

// runExecutor runs one executor.Run call scoped to this request: the
// cancel-polling goroutine it starts is guaranteed to stop when Run returns,
// whether by completion or by the cancel stream firing (spec.md §5's
// "executor pulses the cancel stream non-blockingly between library-reported
// progress ticks").
func (d *Dispatcher) runExecutor(r *request, params executor.Params) (executor.Outcome, error) {
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	ex := &executor.Executor{
		Cache:       d.Cache,
		Planner:     d.ensurePlanner(),
		Lib:         d.Lib,
		ArchivesDir: d.ArchivesDir,
		Status:      r.status,
		Cancel:      cancelChannel(ctx, r.cancel),
	}
	return ex.Run(ctx, params)
}

// cancelChannel adapts the dispatcher's non-blocking Canceler to the
// executor's <-chan struct{} cancel signal: a goroutine polls Signaled at a
// short interval and closes ch on the first hit, stopping as soon as ctx
// ends (bounded by runExecutor's deferred cancel, so this never outlives a
// single request).
func cancelChannel(ctx context.Context, c Canceler) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		t := time.NewTicker(50 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if c.Signaled() {
					close(ch)
					return
				}
			}
		}
	}()
	return ch
}

// request carries the per-tick decode/encode state and the command that
// triggered it (spec.md §4.8 step 4: "reset request decoder and response
// encoder").
type request struct {
	ctx            context.Context
	cmd            pkgworker.Command
	dec            *wire.Decoder
	enc            *wire.Encoder
	cancel         Canceler
	status         io.Writer // spontaneous STATUS frame stream (spec.md §4.1)
	initAfterReply bool      // handler sets true to request a post-reply silent reopen
}

type handlerFunc func(d *Dispatcher, r *request) pkgworker.ResultCode

var handlers map[pkgworker.Command]handlerFunc

func init() {
	handlers = map[pkgworker.Command]handlerFunc{
		pkgworker.NOOP:                       handleNoop,
		pkgworker.GET_PACKAGE_LIST:           handleGetPackageList,
		pkgworker.GET_PACKAGE_INFO:           handleGetPackageInfo,
		pkgworker.GET_PACKAGE_DETAILS:        handleGetPackageDetails,
		pkgworker.CHECK_UPDATES:              handleCheckUpdates,
		pkgworker.GET_CATALOGUES:             handleGetCatalogues,
		pkgworker.SET_CATALOGUES:             handleSetCatalogues,
		pkgworker.ADD_TEMP_CATALOGUES:        handleAddTempCatalogues,
		pkgworker.RM_TEMP_CATALOGUES:         handleRmTempCatalogues,
		pkgworker.GET_FREE_SPACE:             handleGetFreeSpace,
		pkgworker.INSTALL_CHECK:              handleInstallCheck,
		pkgworker.DOWNLOAD_PACKAGE:           handleDownloadPackage,
		pkgworker.INSTALL_PACKAGE:            handleInstallPackage,
		pkgworker.REMOVE_CHECK:               handleRemoveCheck,
		pkgworker.REMOVE_PACKAGE:             handleRemovePackage,
		pkgworker.CLEAN:                      handleClean,
		pkgworker.GET_FILE_DETAILS:           handleGetFileDetails,
		pkgworker.INSTALL_FILE:               handleInstallFile,
		pkgworker.SAVE_BACKUP_DATA:           handleSaveBackupData,
		pkgworker.GET_SYSTEM_UPDATE_PACKAGES: handleGetSystemUpdatePackages,
		pkgworker.REBOOT:                     handleReboot,
		pkgworker.SET_OPTIONS:                handleSetOptions,
		pkgworker.SET_ENV:                    handleSetEnv,
		pkgworker.THIRD_PARTY_POLICY_CHECK:   handleThirdPartyPolicyCheck,
		pkgworker.AUTOREMOVE:                 handleAutoremove,
		pkgworker.EXIT:                       handleNoop,
	}
}

// Serve runs the dispatch loop until in is closed (io.EOF) or ctx is
// canceled, implementing spec.md §4.8's eight steps per tick. It first
// emits the initial STATUS(op_general, 0, 0, −1) frame on status
// (spec.md §6 "Fifos").
func (d *Dispatcher) Serve(ctx context.Context, in io.Reader, out io.Writer, status io.Writer, cancel Canceler) error {
	if err := writeInitialStatus(status); err != nil {
		return xerrors.Errorf("writing initial status: %w", err)
	}

	var buf wire.SmallBuf
	dec := wire.NewDecoder(nil)
	enc := wire.NewEncoder()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		hdr, err := wire.ReadFrameHeader(in)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return xerrors.Errorf("reading frame header: %w", err)
		}

		payload, err := wire.ReadFramePayload(in, hdr, buf.Bytes(int(hdr.Length)))
		if err != nil {
			return xerrors.Errorf("reading frame payload: %w", err)
		}

		cancel.Drain()

		if domains, err := d.Domains.Reload(); err != nil {
			pkglog.Errorf("reloading domain config: %v", err)
		} else if domains != nil {
			d.Classifier.Explicit = domains
		}

		dec.Reset(payload)
		enc.Reset()

		cmd := pkgworker.Command(hdr.Command)
		r := &request{ctx: ctx, cmd: cmd, dec: dec, enc: enc, cancel: cancel, status: status}

		h, ok := handlers[cmd]
		code := pkgworker.Failure
		if !ok {
			pkglog.Errorf("unknown command %s", cmd)
		} else {
			code = h(d, r)
			if dec.Corrupted() {
				pkglog.Errorf("command %s: corrupted request", cmd)
				code = pkgworker.Failure
			}
		}

		for _, msg := range d.Lib.Errors() {
			pkglog.Errorf("library: %s", msg)
		}

		resultEnc := wire.NewEncoder()
		resultEnc.Int32(int32(code))
		replyPayload := append(resultEnc.Bytes(), enc.Bytes()...)
		if err := wire.WriteFrame(out, hdr.Command, hdr.Sequence, replyPayload); err != nil {
			return xerrors.Errorf("writing reply frame: %w", err)
		}

		if r.initAfterReply {
			if err := d.Cache.Open(); err != nil {
				pkglog.Errorf("reopening cache: %v", err)
			}
			d.planner = nil
		}
	}
}

func writeInitialStatus(status io.Writer) error {
	enc := wire.NewEncoder()
	enc.Int32(int32(pkgworker.OpGeneral))
	enc.Int32(0)
	enc.Int32(0)
	return wire.WriteFrame(status, int32(pkgworker.STATUS), pkgworker.SequenceStatus, enc.Bytes())
}

func journalOperationPath(d *Dispatcher) string {
	if d.Journal.Operation != "" {
		return d.Journal.Operation
	}
	return filepath.Join(os.TempDir(), "current-operation")
}
