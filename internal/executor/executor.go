// Package executor implements the operation executor (spec C8): the one
// check/download/install driver routine shared by every install, remove,
// and check-for-updates operation, parameterized by which phases it
// actually runs.
package executor

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"

	"github.com/distr1/pkgworker"
	"github.com/distr1/pkgworker/internal/cache"
	"github.com/distr1/pkgworker/internal/libpkg"
	"github.com/distr1/pkgworker/internal/lock"
	"github.com/distr1/pkgworker/internal/model"
	"github.com/distr1/pkgworker/internal/pkglog"
	"github.com/distr1/pkgworker/internal/planner"
	"github.com/distr1/pkgworker/internal/policy"
	"github.com/distr1/pkgworker/internal/wire"
)

// downloadMinChange and installMinChange are the min_change thresholds the
// original worker passes to send_status for the fetcher's byte counter and
// the cache/install percent counter respectively (apt-worker.cc's
// DownloadStatus::Pulse and UpdateProgress::Update).
const (
	downloadMinChange = 1000
	installMinChange  = 5
)

// statusThrottle reproduces send_status's "enough change since last time"
// gate (spec.md §4.1): a frame goes out only when already decreased,
// increased by at least minChange, equals -1, or op/total changed. The zero
// value starts equivalent to the original's static last_op/last_already/
// last_total (all zero, i.e. op_general/0/0).
type statusThrottle struct {
	lastOp      pkgworker.StatusOp
	lastAlready int
	lastTotal   int
}

func (t *statusThrottle) due(op pkgworker.StatusOp, already, total, minChange int) bool {
	if already == -1 || already < t.lastAlready || already >= t.lastAlready+minChange || total != t.lastTotal || op != t.lastOp {
		t.lastOp, t.lastAlready, t.lastTotal = op, already, total
		return true
	}
	return false
}

// Params parameterizes one Run call (spec.md §4.7).
type Params struct {
	CheckOnly       bool
	DownloadOnly    bool
	AllowDownload   bool
	AltDownloadRoot string
	WithStatus      bool
}

// Outcome is the result of a Run call.
type Outcome struct {
	Code         pkgworker.ResultCode
	UpgradeList  []string // packages whose plan differs from current (spec.md §4.7 step 6)
	TrustSummary map[model.PackageID]string

	// DomainsViolated names packages for which a higher-priority version
	// exists but was excluded from candidacy by the domain guard (spec.md
	// §4.3, §8's cross-domain-upgrade-refusal scenario). Empty whenever
	// AllowWrongDomains is set, since the guard itself is then disabled.
	DomainsViolated []string
}

// Executor drives install/remove/check-for-updates operations against one
// cache generation (spec.md §4.7).
type Executor struct {
	Cache   *cache.Facade
	Planner *planner.Planner
	Lib     libpkg.Library

	ArchivesDir            string
	InternalMMCMountpoint  string
	RemovableMMCMountpoint string
	HomeDir                string

	// Status is the spontaneous-STATUS-frame stream (spec.md §4.1); nil
	// disables progress reporting entirely regardless of Params.WithStatus.
	Status io.Writer

	Progress libpkg.ProgressFunc
	Cancel   <-chan struct{}

	throttle statusThrottle
}

// progressFunc builds the throttled ProgressFunc passed to a library call
// reporting under op, or nil when status reporting isn't wanted for this
// call (e.Status is nil, or the caller didn't ask for it via Params.WithStatus).
// Progress, if set, is always invoked too, so tests and alternate collaborators
// can still observe raw ticks independent of the status wire.
func (e *Executor) progressFunc(withStatus bool, op pkgworker.StatusOp, minChange int) libpkg.ProgressFunc {
	if !withStatus || e.Status == nil {
		return e.Progress
	}
	return func(opArg int32, already, total int) {
		if e.Progress != nil {
			e.Progress(opArg, already, total)
		}
		e.emitStatus(op, already, total, minChange)
	}
}

// emitStatus writes a STATUS frame to e.Status if the throttle says enough
// has changed since the last one (spec.md §4.1).
func (e *Executor) emitStatus(op pkgworker.StatusOp, already, total, minChange int) {
	if e.Status == nil || !e.throttle.due(op, already, total, minChange) {
		return
	}
	enc := wire.NewEncoder()
	enc.Int32(int32(op))
	enc.Int32(int32(already))
	enc.Int32(int32(total))
	if err := wire.WriteFrame(e.Status, int32(pkgworker.STATUS), pkgworker.SequenceStatus, enc.Bytes()); err != nil {
		pkglog.Errorf("writing status frame: %v", err)
	}
}

// Run implements spec.md §4.7's steps. ctx bounds the fetch and install
// calls; cancellation is additionally honored cooperatively via e.Cancel
// between fetcher pulses (install-phase cancellation is deliberately
// ignored, spec.md §5).
func (e *Executor) Run(ctx context.Context, p Params) (Outcome, error) {
	affected := e.Planner.OrderedAffected()
	if len(affected) == 0 {
		out := Outcome{Code: pkgworker.Success}
		if p.CheckOnly {
			out.TrustSummary = map[model.PackageID]string{}
		}
		return out, nil
	}

	archivesDir := e.ArchivesDir
	if p.AltDownloadRoot != "" {
		archivesDir = p.AltDownloadRoot
	}
	if err := os.MkdirAll(filepath.Join(archivesDir, "partial"), 0755); err != nil {
		return Outcome{Code: pkgworker.Failure}, xerrors.Errorf("preparing archives dir: %w", err)
	}

	l, err := lock.Acquire(filepath.Join(archivesDir, ".lock"), lock.Strong, false, nil)
	if err != nil {
		return Outcome{Code: pkgworker.Failure}, xerrors.Errorf("acquiring archives lock: %w", err)
	}
	defer l.Release()

	orderList, err := e.Lib.CreateOrderList(affected)
	if err != nil {
		return Outcome{Code: pkgworker.Failure}, &libpkg.Error{Op: "CreateOrderList", Err: err, Queued: e.Lib.Errors()}
	}

	trustSummary, domainsViolated := e.markNotSourceAndSummarize(affected)
	upgradeList := e.upgradeList(affected)

	downloadSize, items, err := e.Lib.GetArchives(ctx, orderList)
	if err != nil {
		return Outcome{Code: pkgworker.Failure}, xerrors.Errorf("populating fetcher: %w", err)
	}

	if p.CheckOnly {
		return Outcome{Code: pkgworker.Success, UpgradeList: upgradeList, TrustSummary: trustSummary, DomainsViolated: domainsViolated}, nil
	}

	var partialPresent int64
	for _, it := range items {
		partialPresent += it.AlreadyBytes
	}
	if downloadSize-partialPresent > 0 && !p.AllowDownload {
		return Outcome{Code: pkgworker.PackagesNotFound}, nil
	}

	free, err := e.Lib.FreeSpace(archivesDir)
	if err != nil {
		return Outcome{Code: pkgworker.Failure}, xerrors.Errorf("checking free space: %w", err)
	}
	required := downloadSize + e.requiredExtrasForInstall(archivesDir, affected)
	if free < required {
		return Outcome{Code: pkgworker.OutOfSpace}, nil
	}

	needed := downloadSize - partialPresent
	if needed > 0 && p.WithStatus {
		// Shows the progress dialog even if the fetcher's first pulse is slow
		// to arrive (apt-worker.cc's operation()).
		e.emitStatus(pkgworker.OpDownloading, 0, int(needed), 0)
	}

	results, ferr := e.Lib.RunFetcher(ctx, e.Cancel, e.progressFunc(p.WithStatus, pkgworker.OpDownloading, downloadMinChange))
	code := classifyFetchResults(results)
	if ferr != nil && code == pkgworker.Success {
		code = pkgworker.Failure
	}
	if code != pkgworker.Success {
		return Outcome{Code: code}, nil
	}

	if p.DownloadOnly {
		return Outcome{Code: pkgworker.Success}, nil
	}

	if code, err := verifyChecksums(results); err != nil || code != pkgworker.Success {
		return Outcome{Code: code}, err
	}

	syscall.Sync()

	if p.WithStatus {
		e.emitStatus(pkgworker.OpDownloading, -1, 0, 0)
		e.emitStatus(pkgworker.OpGeneral, -1, 0, 0)
	}

	outcome, ierr := e.Lib.InstallArchives(ctx, e.progressFunc(p.WithStatus, pkgworker.OpGeneral, installMinChange))
	if ierr != nil || outcome != libpkg.InstallCompleted {
		return Outcome{Code: pkgworker.Failure}, nil
	}

	if err := e.Cache.SaveExtraInfo(); err != nil {
		return Outcome{Code: pkgworker.Failure}, xerrors.Errorf("persisting extra info after install: %w", err)
	}

	return Outcome{Code: pkgworker.Success}, nil
}

// markNotSourceAndSummarize implements spec.md §4.7 step 5's trust_level
// computation: every version of an affected package other than the policy
// engine's candidate is marked NotSource so the library won't pick it, a
// package-id -> domain-name summary is returned for the trust summary
// reply, and packages whose better version was excluded by the domain guard
// are collected for the domains_violated subtree (spec.md §8).
func (e *Executor) markNotSourceAndSummarize(affected []model.PackageID) (map[model.PackageID]string, []string) {
	summary := map[model.PackageID]string{}
	var domainsViolated []string
	for _, id := range affected {
		pkg, ok := e.Cache.PackageByID(id)
		if !ok {
			continue
		}
		versions := e.Cache.VersionsOf(pkg)
		cand := e.candidate(pkg, versions)
		for _, v := range versions {
			v.NotSource = cand == nil || v.ID != cand.ID
		}
		if cand != nil {
			summary[id] = e.Cache.Domain(cand).Name
		}
		if e.policyEngine().DomainViolated(pkg, versions, e.Cache.CurDomain(pkg)) {
			domainsViolated = append(domainsViolated, pkg.Name)
		}
	}
	return summary, domainsViolated
}

func (e *Executor) policyEngine() *policy.Engine {
	if e.Planner.Policy != nil {
		return e.Planner.Policy
	}
	return &policy.Engine{}
}

func (e *Executor) candidate(pkg *model.Package, versions []*model.Version) *model.Version {
	return e.policyEngine().Candidate(pkg, versions, e.Cache.CurDomain(pkg))
}

func (e *Executor) upgradeList(affected []model.PackageID) []string {
	var names []string
	for _, id := range affected {
		pkg, ok := e.Cache.PackageByID(id)
		if ok && e.Cache.Mark(id) != model.MarkKeep {
			names = append(names, pkg.Name)
		}
	}
	return names
}

// requiredExtrasForInstall implements spec.md §4.7's free-space policy:
// when the archives directory is on neither mount nor /home, the estimate
// is augmented by the sum of affected packages' declared
// Maemo-Required-Free-Space.
func (e *Executor) requiredExtrasForInstall(archivesDir string, affected []model.PackageID) int64 {
	if isUnder(archivesDir, e.InternalMMCMountpoint) || isUnder(archivesDir, e.RemovableMMCMountpoint) || isUnder(archivesDir, e.HomeDir) {
		return 0
	}
	var total int64
	for _, id := range affected {
		pkg, ok := e.Cache.PackageByID(id)
		if !ok {
			continue
		}
		for _, v := range e.Cache.VersionsOf(pkg) {
			if v.ID == pkg.Installed {
				continue
			}
			total += v.RequiredFreeSpace
		}
	}
	return total
}

func isUnder(path, mount string) bool {
	if mount == "" {
		return false
	}
	rel, err := filepath.Rel(mount, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// classifyFetchResults implements spec.md §4.7 step 8's per-item
// classification and combination: all success -> success; any failure
// dominates in the order packages_not_found, package_corrupted, failure;
// a mix that still contains at least one success is partial_success.
func classifyFetchResults(results []libpkg.FetchItem) pkgworker.ResultCode {
	var failed, succeeded int
	worst := pkgworker.Success
	for _, it := range results {
		if it.ErrorText == "" {
			succeeded++
			continue
		}
		failed++
		switch {
		case strings.HasPrefix(it.ErrorText, "404"):
			worst = dominate(worst, pkgworker.PackagesNotFound)
		case strings.Contains(it.ErrorText, "Size mismatch"), strings.Contains(it.ErrorText, "MD5Sum mismatch"):
			worst = dominate(worst, pkgworker.PackageCorrupted)
		default:
			worst = dominate(worst, pkgworker.Failure)
		}
	}
	if failed == 0 {
		return pkgworker.Success
	}
	if succeeded == 0 {
		return worst
	}
	return pkgworker.PartialSuccess
}

// dominate ranks result codes by severity so combining keeps the worse one
// (spec.md §4.7 step 8 "any failure dominates").
func dominate(a, b pkgworker.ResultCode) pkgworker.ResultCode {
	rank := map[pkgworker.ResultCode]int{
		pkgworker.Success:          0,
		pkgworker.PartialSuccess:   1,
		pkgworker.PackagesNotFound: 2,
		pkgworker.PackageCorrupted: 3,
		pkgworker.OutOfSpace:       4,
		pkgworker.Failure:          5,
		pkgworker.DownloadFailed:   5,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// verifyChecksums implements spec.md §4.7 step 10: verify every downloaded
// archive's checksum, preferring SHA256, else SHA1, else MD5. A mismatch is
// unlinked and reported as package_corrupted.
func verifyChecksums(results []libpkg.FetchItem) (pkgworker.ResultCode, error) {
	for _, it := range results {
		if it.ErrorText != "" || it.DestPath == "" {
			continue
		}
		ok, err := verifyOne(it)
		if err != nil {
			return pkgworker.Failure, err
		}
		if !ok {
			os.Remove(it.DestPath)
			return pkgworker.PackageCorrupted, nil
		}
	}
	return pkgworker.Success, nil
}

// verifyOne hashes it.DestPath via golang.org/x/exp/mmap (the teacher's own
// dependency for reading large archive files without loading them fully
// into the heap, used there in internal/squashfs) and compares against
// whichever checksum the fetch item declares, preferring SHA256.
func verifyOne(it libpkg.FetchItem) (bool, error) {
	var want string
	var h hash.Hash
	switch {
	case it.SHA256 != "":
		want, h = it.SHA256, sha256.New()
	case it.SHA1 != "":
		want, h = it.SHA1, sha1.New()
	case it.MD5 != "":
		want, h = it.MD5, md5.New()
	default:
		return true, nil // nothing declared to check against
	}

	r, err := mmap.Open(it.DestPath)
	if err != nil {
		return false, err
	}
	defer r.Close()

	buf := make([]byte, 1<<20)
	var off int64
	for off < int64(r.Len()) {
		n, err := r.ReadAt(buf, off)
		if n > 0 {
			h.Write(buf[:n])
		}
		off += int64(n)
		if err != nil && err != io.EOF {
			return false, err
		}
		if n == 0 {
			break
		}
	}

	got := fmt.Sprintf("%x", h.Sum(nil))
	return strings.EqualFold(got, want), nil
}
