package dispatcher

import (
	"os"
	"path/filepath"

	"github.com/distr1/pkgworker"
	"github.com/distr1/pkgworker/internal/journal"
	"github.com/distr1/pkgworker/internal/libpkg"
	"github.com/distr1/pkgworker/internal/model"
	"github.com/distr1/pkgworker/internal/pkglog"
	"github.com/distr1/pkgworker/internal/wire"
	"golang.org/x/sys/unix"
)

// Rebooter lets tests observe REBOOT without actually restarting the
// machine, the same injectable-side-effect seam internal/lock uses for
// SIGTERM/SIGKILL (its Signaler interface).
type Rebooter interface {
	Reboot() error
}

type unixRebooter struct{}

func (unixRebooter) Reboot() error {
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}

// DefaultRebooter issues the real reboot(2) syscall.
var DefaultRebooter Rebooter = unixRebooter{}

// handleGetFileDetails reports whether a locally-supplied package file
// exists and its size (spec.md §6's sideload path). Parsing the control
// file's metadata is the underlying library's job (spec.md §1 "we specify
// what the worker asks of it, not its internals"); the dispatcher contract
// stops at existence and size.
func handleGetFileDetails(d *Dispatcher, r *request) pkgworker.ResultCode {
	path, ok := r.dec.String()
	if !ok {
		return pkgworker.Failure
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return pkgworker.PackagesNotFound
		}
		pkglog.Errorf("GET_FILE_DETAILS: %v", err)
		return pkgworker.Failure
	}
	details := wire.NewList("file-details")
	details.Cons(wire.NewLeaf("path", path))
	r.enc.Xexp(details)
	r.enc.Int64(fi.Size())
	return pkgworker.Success
}

// handleInstallFile journals the path of a locally-supplied package file and
// runs the package manager's install step (Library.InstallArchives),
// bypassing the fetcher (spec.md §6). The path is recorded only in the
// journal: InstallArchives takes no file argument, so the named file itself
// is not handed to the library.
func handleInstallFile(d *Dispatcher, r *request) pkgworker.ResultCode {
	path, ok := r.dec.String()
	if !ok {
		return pkgworker.Failure
	}
	journalPath := journalOperationPath(d)
	if err := journal.Write(journalPath, model.OperationRecord{PackageName: path}); err != nil {
		pkglog.Errorf("INSTALL_FILE: journaling: %v", err)
		return pkgworker.Failure
	}
	outcome, err := d.Lib.InstallArchives(r.ctx, nil)
	if err != nil {
		pkglog.Errorf("INSTALL_FILE: %v", err)
		return pkgworker.Failure
	}
	if err := journal.Erase(journalPath); err != nil {
		pkglog.Errorf("INSTALL_FILE: erasing journal: %v", err)
	}
	if outcome != libpkg.InstallCompleted {
		return pkgworker.Failure
	}
	r.initAfterReply = true
	return pkgworker.Success
}

// handleSaveBackupData persists an opaque backup blob for a package under
// d.BackupDir, one file per package name (spec.md §6's backup metadata
// path, consumed by the device backup/restore tooling, not described
// further by spec.md beyond its existence).
func handleSaveBackupData(d *Dispatcher, r *request) pkgworker.ResultCode {
	name, ok := r.dec.String()
	if !ok {
		return pkgworker.Failure
	}
	blob, _ := r.dec.String()
	if d.BackupDir == "" {
		return pkgworker.Failure
	}
	if err := os.MkdirAll(d.BackupDir, 0755); err != nil {
		pkglog.Errorf("SAVE_BACKUP_DATA: %v", err)
		return pkgworker.Failure
	}
	if err := os.WriteFile(filepath.Join(d.BackupDir, name), []byte(blob), 0644); err != nil {
		pkglog.Errorf("SAVE_BACKUP_DATA: %v", err)
		return pkgworker.Failure
	}
	return pkgworker.Success
}

// handleReboot issues a reboot through d.Rebooter (DefaultRebooter in
// production), replying success first is not possible over a reboot-ending
// connection, so the caller is expected to treat a dropped pipe as implicit
// success (spec.md §4.9 "On any success: reboot").
func handleReboot(d *Dispatcher, r *request) pkgworker.ResultCode {
	reb := d.Rebooter
	if reb == nil {
		reb = DefaultRebooter
	}
	if err := reb.Reboot(); err != nil {
		pkglog.Errorf("REBOOT: %v", err)
		return pkgworker.Failure
	}
	return pkgworker.Success
}

// handleThirdPartyPolicyCheck reports whether adding a third-party (always
// unsigned, by definition not one of the configured domains) catalogue
// should be allowed under the current AllowWrongDomains policy (spec.md
// §4.3's domain guard, exposed directly for the "about to add a third
// party catalogue" confirmation dialog).
func handleThirdPartyPolicyCheck(d *Dispatcher, r *request) pkgworker.ResultCode {
	uri, ok := r.dec.String()
	if !ok {
		return pkgworker.Failure
	}
	reply := wire.NewList("policy-check")
	reply.Cons(wire.NewLeaf("uri", uri))
	reply.Cons(wire.NewLeaf("domain", model.Unsigned.Name))
	r.enc.Xexp(reply)
	if !d.AllowWrongDomains {
		return pkgworker.Failure
	}
	return pkgworker.Success
}
