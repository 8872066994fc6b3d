package libpkg

import (
	"context"

	"github.com/distr1/pkgworker/internal/model"
)

// Fake is an in-memory Library used by this repository's own tests (and
// suitable as a starting point for integration tests that don't want to
// link the real native library). It implements just enough of the real
// library's behavior to drive the planner, cache, and executor tests:
// marking install/delete, tracking Auto flags, and reporting a canned
// broken-package set.
type Fake struct {
	Snap Snapshot

	Auto   map[model.PackageID]bool
	Broken []model.PackageID

	MarkInstallOK func(model.PackageID) bool // nil means always ok
	FreeSpaceVal  int64

	FetchItems []FetchItem
	Outcome    InstallOutcome

	errs []string
}

func NewFake() *Fake {
	return &Fake{Auto: map[model.PackageID]bool{}, FreeSpaceVal: 1 << 40}
}

func (f *Fake) Open() (Snapshot, error) { return f.Snap, nil }

func (f *Fake) MarkInstall(pkg model.PackageID) (bool, error) {
	if f.MarkInstallOK != nil && !f.MarkInstallOK(pkg) {
		return false, nil
	}
	return true, nil
}

func (f *Fake) MarkDelete(pkg model.PackageID) error {
	delete(f.Auto, pkg)
	return nil
}

func (f *Fake) SetAuto(pkg model.PackageID, auto bool) error {
	f.Auto[pkg] = auto
	return nil
}

func (f *Fake) BrokenOrNeedsConfigure() ([]model.PackageID, error) {
	return f.Broken, nil
}

func (f *Fake) CreateOrderList(related []model.PackageID) (OrderList, error) {
	return OrderList{PackageIDs: related}, nil
}

func (f *Fake) GetArchives(ctx context.Context, order OrderList) (int64, []FetchItem, error) {
	var total int64
	for _, it := range f.FetchItems {
		total += it.Size
	}
	return total, f.FetchItems, nil
}

func (f *Fake) RunFetcher(ctx context.Context, cancel <-chan struct{}, progress ProgressFunc) ([]FetchItem, error) {
	for i, it := range f.FetchItems {
		select {
		case <-cancel:
			return f.FetchItems[:i], context.Canceled
		default:
		}
		if progress != nil {
			progress(0, int(it.Size), int(it.Size))
		}
	}
	return f.FetchItems, nil
}

func (f *Fake) InstallArchives(ctx context.Context, progress ProgressFunc) (InstallOutcome, error) {
	return f.Outcome, nil
}

func (f *Fake) FreeSpace(path string) (int64, error) { return f.FreeSpaceVal, nil }

func (f *Fake) Errors() []string {
	e := f.errs
	f.errs = nil
	return e
}

func (f *Fake) QueueError(msg string) { f.errs = append(f.errs, msg) }

var _ Library = (*Fake)(nil)
