package main

import (
	"context"
	"os"

	"github.com/distr1/pkgworker"
	"github.com/distr1/pkgworker/internal/cache"
	"github.com/distr1/pkgworker/internal/config"
	"github.com/distr1/pkgworker/internal/dispatcher"
	"github.com/distr1/pkgworker/internal/executor"
	"github.com/distr1/pkgworker/internal/journal"
	"github.com/distr1/pkgworker/internal/libpkg"
	"github.com/distr1/pkgworker/internal/pkglog"
	"github.com/distr1/pkgworker/internal/planner"
	"github.com/distr1/pkgworker/internal/trust"
	"github.com/distr1/pkgworker/internal/wire"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// rescueDevs are the fallback mountable partitions tried, in order, when
// neither the journal's recorded download root nor a download root given on
// the command line can be mounted: the two possible MMC card layouts, the
// rootfs's own /home partition, swap (tried and harmlessly failed, as the
// original worker did), and each card device's whole-disk node.
// Grounded on the original worker's hardcoded rescue_devs[] table
// (_examples/original_source/src/apt-worker.cc).
var rescueDevs = []string{
	"/dev/mmcblk0p1", // internal MMC, ~/MyDocs
	"/dev/mmcblk1p1", // removable MMC
	"/dev/mmcblk0p2", // internal MMC, /home
	"/dev/mmcblk0p3", // swap
	"/dev/mmcblk0",
	"/dev/mmcblk1",
}

// rescueDevnodes are major/minor pairs tried via mknod when no attempt through
// rescueDevs's named device files has finished, whether or not those files
// exist (a kernel that enumerated the MMC stack under different device
// numbers than this build expected).
var rescueDevnodes = []struct{ major, minor uint32 }{
	{254, 9},
	{254, 1},
	{254, 8},
	{254, 0},
}

const rescueMountpoint = "/rescue"

// rescue implements the rescue boot entry point (spec.md §4.9): recover
// from a crash or power loss mid-install by replaying the journaled
// operation, using the same install path the backend does but with no
// client attached. Grounded on the original worker's cmdline_rescue plus
// do_rescue: it reboots whenever an install was actually attempted and
// did not come back packages_not_found, success included. No install is
// attempted (and so no reboot happens) if the package cache can't be
// opened or the package itself can't be marked for install.
func rescue(ctx context.Context, args []string) error {
	if len(args) > 2 {
		return xerrors.New("usage: pkgworker rescue [package [download-root]]")
	}

	var pkg, downloadRoot string
	eraseRecord := false
	if len(args) == 0 {
		rec, found, err := journal.Read(currentOperationPath)
		if err != nil {
			return xerrors.Errorf("reading operation journal: %w", err)
		}
		if !found {
			pkglog.Infof("rescue: nothing to rescue")
			return nil
		}
		pkg, downloadRoot = rec.PackageName, rec.AltDownloadRoot
		eraseRecord = true
	} else {
		pkg = args[0]
		if len(args) == 2 {
			downloadRoot = args[1]
		}
	}

	lib, err := openLibrary()
	if err != nil {
		return xerrors.Errorf("opening package library: %w", err)
	}

	tmpfs, err := fsSetup()
	if err != nil {
		return xerrors.Errorf("fs setup: %w", err)
	}

	classifier := &trust.Classifier{}
	domains := &config.DomainConfig{Path: domainConfPath}
	if explicit, err := domains.Reload(); err != nil {
		pkglog.Errorf("rescue: loading domain config: %v", err)
	} else {
		classifier.Explicit = explicit
	}
	extra := &config.ExtraInfoStore{StateDir: stateDir}
	c := cache.New(lib, classifier, extra)

	attempted := false
	result := pkgworker.Failure
	if err := c.Open(); err != nil {
		pkglog.Errorf("rescue: opening cache: %v", err)
	} else if p := planner.New(c, lib, false); p.MarkForInstall(pkg) == nil {
		attempted = true
		result = rescueInstall(ctx, c, p, lib, downloadRoot)
	} else {
		pkglog.Errorf("rescue: package %s not found", pkg)
	}

	if eraseRecord {
		if err := journal.Erase(currentOperationPath); err != nil {
			pkglog.Errorf("rescue: erasing journal: %v", err)
		}
	}

	if err := writeRescueResult(result == pkgworker.Success); err != nil {
		pkglog.Errorf("rescue: writing result: %v", err)
	}

	fsTeardown(tmpfs)

	if !attempted || result == pkgworker.PackagesNotFound {
		return nil
	}
	return dispatcher.DefaultRebooter.Reboot()
}

// rescueInstall tries downloadRoot first, then every hardcoded device and
// device node in turn, running one install attempt against each until one
// stops reporting packages_not_found (spec.md §4.9).
func rescueInstall(ctx context.Context, c *cache.Facade, p *planner.Planner, lib libpkg.Library, downloadRoot string) pkgworker.ResultCode {
	ex := &executor.Executor{Cache: c, Planner: p, Lib: lib}

	try := func(root string) (pkgworker.ResultCode, bool) {
		out, err := ex.Run(ctx, executor.Params{AllowDownload: true, AltDownloadRoot: root})
		if err != nil {
			pkglog.Errorf("rescue: install attempt against %q: %v", root, err)
			return pkgworker.Failure, false
		}
		return out.Code, out.Code != pkgworker.PackagesNotFound
	}

	result := pkgworker.PackagesNotFound

	if downloadRoot != "" {
		if code, done := try(downloadRoot); done {
			return code
		} else {
			result = code
		}
	}

	for _, dev := range rescueDevs {
		if _, err := os.Stat(dev); err != nil {
			continue
		}
		if err := unix.Mount(dev, rescueMountpoint, "vfat", 0, ""); err != nil {
			continue
		}
		code, done := try(rescueMountpoint)
		unix.Unmount(rescueMountpoint, 0)
		if done {
			return code
		}
		result = code
	}

	for _, dn := range rescueDevnodes {
		const devnode = "/dev.rescue"
		os.Remove(devnode)
		dev := unix.Mkdev(dn.major, dn.minor)
		if err := unix.Mknod(devnode, unix.S_IFBLK|0600, int(dev)); err != nil {
			continue
		}
		mounted := unix.Mount(devnode, rescueMountpoint, "vfat", 0, "") == nil
		if mounted {
			code, done := try(rescueMountpoint)
			unix.Unmount(rescueMountpoint, 0)
			os.Remove(devnode)
			if done {
				return code
			}
			result = code
			continue
		}
		os.Remove(devnode)
	}

	return result
}

// fsSetup mounts /home, bind-mounts /home/opt onto /opt and stages a tmpfs
// for documentation files so an install attempt has somewhere to unpack
// large packages even when the rootfs itself is nearly full (the original
// worker's fs_setup). It returns the tmpfs mountpoint for fsTeardown.
func fsSetup() (string, error) {
	if err := unix.Mount(homeMountpoint, homeMountpoint, "", unix.MS_REMOUNT, ""); err != nil {
		pkglog.Errorf("rescue: remounting %s: %v", homeMountpoint, err)
	}
	if err := os.MkdirAll("/opt", 0755); err != nil {
		return "", err
	}
	if err := unix.Mount(homeMountpoint+"/opt", "/opt", "", unix.MS_BIND, ""); err != nil {
		pkglog.Errorf("rescue: bind-mounting %s/opt onto /opt: %v", homeMountpoint, err)
	}

	const tmpfs = "/var/lib/hildon-application-manager/rescue-docs"
	if err := os.MkdirAll(tmpfs, 0755); err != nil {
		return "", err
	}
	if err := unix.Mount("tmpfs", tmpfs, "tmpfs", 0, ""); err != nil {
		pkglog.Errorf("rescue: mounting docs tmpfs: %v", err)
	}
	return tmpfs, nil
}

// fsTeardown reverses fsSetup's mounts, best-effort: a rescue run reboots
// immediately afterwards on most outcomes, so a failed unmount here is
// logged rather than treated as fatal.
func fsTeardown(tmpfs string) {
	if tmpfs != "" {
		if err := unix.Unmount(tmpfs, 0); err != nil {
			pkglog.Errorf("rescue: unmounting %s: %v", tmpfs, err)
		}
	}
	if err := unix.Unmount("/opt", 0); err != nil {
		pkglog.Errorf("rescue: unmounting /opt: %v", err)
	}
}

// writeRescueResult persists the rescue outcome to the well-known result
// file as an xexp (spec.md §6: ".../rescue-result").
func writeRescueResult(success bool) error {
	text := "0"
	if success {
		text = "1"
	}
	x := wire.NewList("success")
	x.Cons(wire.NewLeaf("text", text))
	enc := wire.NewEncoder()
	enc.Xexp(x)
	return os.WriteFile(rescueResultPath, enc.Bytes(), 0644)
}
