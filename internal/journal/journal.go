// Package journal implements the operation journal (spec C10): a
// write-before-install marker so a crash or power loss mid-install can be
// recovered on next boot by the rescue entry point, grounded on the
// teacher's own xexp-based persistence idiom (internal/pb's use of xexp
// trees for on-disk state) and its fflush+fsync+rename atomic-replace
// convention (internal/repo's index writer).
package journal

import (
	"os"
	"path/filepath"

	"github.com/distr1/pkgworker/internal/model"
	"github.com/distr1/pkgworker/internal/wire"
	"golang.org/x/xerrors"
)

// Write persists rec to path as an xexp file, replacing any prior content
// atomically (spec.md §4.9 "write {install {package, download-root}} to a
// well-known path"). Called immediately before an install begins.
func Write(path string, rec model.OperationRecord) error {
	x := wire.NewList("install")
	x.Cons(wire.NewLeaf("package", rec.PackageName))
	x.Cons(wire.NewLeaf("download-root", rec.AltDownloadRoot))

	enc := wire.NewEncoder()
	enc.Xexp(x)

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return xerrors.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := f.Write(enc.Bytes()); err != nil {
		f.Close()
		return xerrors.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return xerrors.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return xerrors.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	dir, err := os.Open(filepath.Dir(path))
	if err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// Erase removes path, treating a missing file as success (spec.md §4.9
// "Erase on success").
func Erase(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Read decodes the operation record at path. found is false (with a nil
// error) when no journal exists, matching the rescue boot entry point's
// "if none, exit 0" step.
func Read(path string) (rec model.OperationRecord, found bool, err error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.OperationRecord{}, false, nil
		}
		return model.OperationRecord{}, false, xerrors.Errorf("reading %s: %w", path, err)
	}
	d := wire.NewDecoder(buf)
	x := d.Xexp()
	if d.Corrupted() || x == nil || x.Tag != "install" {
		return model.OperationRecord{}, false, xerrors.Errorf("%s: not a valid operation record", path)
	}
	return model.OperationRecord{
		PackageName:     x.TextOf("package"),
		AltDownloadRoot: x.TextOf("download-root"),
	}, true, nil
}
