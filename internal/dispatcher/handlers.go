package dispatcher

import (
	"os"
	"path/filepath"

	"github.com/distr1/pkgworker"
	"github.com/distr1/pkgworker/internal/env"
	"github.com/distr1/pkgworker/internal/executor"
	"github.com/distr1/pkgworker/internal/journal"
	"github.com/distr1/pkgworker/internal/listsrefresh"
	"github.com/distr1/pkgworker/internal/model"
	"github.com/distr1/pkgworker/internal/pkglog"
	"github.com/distr1/pkgworker/internal/wire"
)

func handleNoop(d *Dispatcher, r *request) pkgworker.ResultCode {
	return pkgworker.Success
}

func packageMark(d *Dispatcher, pkg *model.Package) string {
	return d.Cache.Mark(pkg.ID).String()
}

func installedVersionString(d *Dispatcher, pkg *model.Package) string {
	if pkg.Installed == 0 {
		return ""
	}
	for _, v := range d.Cache.VersionsOf(pkg) {
		if v.ID == pkg.Installed {
			return v.Version
		}
	}
	return ""
}

// handleGetPackageList encodes every known package as a {name, installed
// version, mark} leaf triple (spec.md §4.8's GET_PACKAGE_LIST).
func handleGetPackageList(d *Dispatcher, r *request) pkgworker.ResultCode {
	list := wire.NewList("packages")
	for _, pkg := range d.Cache.AllPackages() {
		entry := wire.NewList("package")
		entry.Cons(wire.NewLeaf("name", pkg.Name))
		entry.Cons(wire.NewLeaf("installed-version", installedVersionString(d, pkg)))
		entry.Cons(wire.NewLeaf("mark", packageMark(d, pkg)))
		list.Cons(entry)
	}
	r.enc.Xexp(list)
	return pkgworker.Success
}

func handleGetPackageInfo(d *Dispatcher, r *request) pkgworker.ResultCode {
	name, ok := r.dec.String()
	if !ok {
		return pkgworker.Failure
	}
	pkg, found := d.Cache.PackageByName(name)
	if !found {
		return pkgworker.PackagesNotFound
	}
	info := wire.NewList("package-info")
	info.Cons(wire.NewLeaf("name", pkg.Name))
	info.Cons(wire.NewLeaf("installed-version", installedVersionString(d, pkg)))
	info.Cons(wire.NewLeaf("mark", packageMark(d, pkg)))
	info.Cons(wire.NewLeaf("domain", d.Cache.CurDomain(pkg).Name))
	r.enc.Xexp(info)
	return pkgworker.Success
}

// handleGetPackageDetails adds the full version list with dependency
// clauses, for the package-details dialog (spec.md §3 "Version").
func handleGetPackageDetails(d *Dispatcher, r *request) pkgworker.ResultCode {
	name, ok := r.dec.String()
	if !ok {
		return pkgworker.Failure
	}
	pkg, found := d.Cache.PackageByName(name)
	if !found {
		return pkgworker.PackagesNotFound
	}
	details := wire.NewList("package-details")
	details.Cons(wire.NewLeaf("name", pkg.Name))
	versions := wire.NewList("versions")
	for _, v := range d.Cache.VersionsOf(pkg) {
		vx := wire.NewList("version")
		vx.Cons(wire.NewLeaf("version", v.Version))
		vx.Cons(wire.NewLeaf("section", v.Section))
		vx.Cons(wire.NewLeaf("maintainer", v.Maintainer))
		vx.Cons(wire.NewLeaf("description", v.Description))
		vx.Cons(wire.NewLeaf("domain", d.Cache.Domain(v).Name))
		depends := wire.NewList("depends")
		for _, clause := range v.Depends {
			for _, alt := range clause.Alternatives {
				depends.Cons(wire.NewLeaf("alternative", alt))
			}
		}
		vx.Cons(depends)
		versions.Cons(vx)
	}
	details.Cons(versions)
	r.enc.Xexp(details)
	return pkgworker.Success
}

func encodeUpgradeList(enc *wire.Encoder, names []string) {
	list := wire.NewList("upgrade-list")
	for _, n := range names {
		list.Cons(wire.NewLeaf("package", n))
	}
	enc.Xexp(list)
}

func encodeTrustSummary(enc *wire.Encoder, d *Dispatcher, summary map[model.PackageID]string, domainsViolated []string) {
	list := wire.NewList("trust-summary")
	for id, domain := range summary {
		pkg, ok := d.Cache.PackageByID(id)
		if !ok {
			continue
		}
		entry := wire.NewList("entry")
		entry.Cons(wire.NewLeaf("package", pkg.Name))
		entry.Cons(wire.NewLeaf("domain", domain))
		list.Cons(entry)
	}
	enc.Xexp(list)

	violated := wire.NewList("domains_violated")
	for _, name := range domainsViolated {
		entry := wire.NewList("entry")
		entry.Cons(wire.NewLeaf("package", name))
		violated.Cons(entry)
	}
	enc.Xexp(violated)
}

// handleCheckUpdates implements CHECK_UPDATES: refresh the lists directory
// (spec.md §4.6), reopen the cache over the new indices, then mark the
// magic upgrade-all target and run a check-only pass (spec.md §8 "Boundary
// behavior") — the same path `check-for-updates` (spec.md §6) drives.
// A partial lists refresh still proceeds to the check, reporting
// partial_success and the one set of failed catalogues (spec.md's
// "Partial catalogue refresh" example).
func handleCheckUpdates(d *Dispatcher, r *request) pkgworker.ResultCode {
	refreshCode := pkgworker.Success
	if d.Lists != nil && d.Fetcher != nil {
		cats, err := d.Catalogues.Load()
		if err != nil {
			pkglog.Errorf("CHECK_UPDATES: loading catalogues: %v", err)
			return pkgworker.Failure
		}
		lrCats := make([]*listsrefresh.Catalogue, len(cats))
		for i, c := range cats {
			lrCats[i] = &listsrefresh.Catalogue{URI: c.URI, Distribution: c.Distribution, Component: c.Component}
		}
		refreshCode, err = d.Lists.Run(r.ctx, d.Fetcher, lrCats)
		if err != nil {
			pkglog.Errorf("CHECK_UPDATES: refreshing lists: %v", err)
			return pkgworker.Failure
		}
		if err := writeFailedCatalogues(d, lrCats); err != nil {
			pkglog.Errorf("CHECK_UPDATES: writing failed-catalogues: %v", err)
		}
		if refreshCode != pkgworker.Failure {
			if err := d.Cache.Open(); err != nil {
				pkglog.Errorf("CHECK_UPDATES: reopening cache: %v", err)
				return pkgworker.Failure
			}
			d.planner = nil
		}
	}
	if refreshCode == pkgworker.Failure {
		return refreshCode
	}

	p := d.ensurePlanner()
	d.Cache.Reset()
	if err := p.MarkForInstall(model.MagicSysPackage); err != nil {
		pkglog.Errorf("CHECK_UPDATES: %v", err)
		return pkgworker.Failure
	}
	out, err := d.runExecutor(r, executor.Params{CheckOnly: true})
	if err != nil {
		pkglog.Errorf("CHECK_UPDATES: %v", err)
		return pkgworker.Failure
	}
	encodeUpgradeList(r.enc, out.UpgradeList)
	encodeTrustSummary(r.enc, d, out.TrustSummary, out.DomainsViolated)
	if refreshCode == pkgworker.PartialSuccess && out.Code == pkgworker.Success {
		return pkgworker.PartialSuccess
	}
	return out.Code
}

// writeFailedCatalogues persists the catalogues with attached errors to the
// well-known failed-catalogues file (spec.md §6), as an xexp list so the
// on-disk shape matches the wire shape.
func writeFailedCatalogues(d *Dispatcher, cats []*listsrefresh.Catalogue) error {
	if d.Journal.AvailableUpdates == "" {
		return nil
	}
	path := filepath.Join(filepath.Dir(d.Journal.AvailableUpdates), "failed-catalogues")
	list := wire.NewList("failed-catalogues")
	for _, c := range cats {
		if len(c.Errors) == 0 {
			continue
		}
		entry := wire.NewList("catalogue")
		entry.Cons(wire.NewLeaf("uri", c.URI))
		errs := wire.NewList("errors")
		for _, e := range c.Errors {
			errEntry := wire.NewList("error")
			errEntry.Cons(wire.NewLeaf("uri", e.URI))
			errEntry.Cons(wire.NewLeaf("msg", e.Msg))
			errs.Cons(errEntry)
		}
		entry.Cons(errs)
		list.Cons(entry)
	}
	enc := wire.NewEncoder()
	enc.Xexp(list)
	return os.WriteFile(path, enc.Bytes(), 0644)
}

func handleGetCatalogues(d *Dispatcher, r *request) pkgworker.ResultCode {
	cats, err := d.Catalogues.Load()
	if err != nil {
		pkglog.Errorf("GET_CATALOGUES: %v", err)
		return pkgworker.Failure
	}
	r.enc.Xexp(cataloguesToXexp("catalogues", cats))
	return pkgworker.Success
}

func handleSetCatalogues(d *Dispatcher, r *request) pkgworker.ResultCode {
	x := r.dec.Xexp()
	if x == nil {
		return pkgworker.Failure
	}
	if err := d.Catalogues.Save(cataloguesFromXexp(x)); err != nil {
		pkglog.Errorf("SET_CATALOGUES: %v", err)
		return pkgworker.Failure
	}
	r.initAfterReply = true
	return pkgworker.Success
}

func handleAddTempCatalogues(d *Dispatcher, r *request) pkgworker.ResultCode {
	x := r.dec.Xexp()
	if x == nil {
		return pkgworker.Failure
	}
	if err := d.Catalogues.AddTemp(cataloguesFromXexp(x)); err != nil {
		pkglog.Errorf("ADD_TEMP_CATALOGUES: %v", err)
		return pkgworker.Failure
	}
	r.initAfterReply = true
	return pkgworker.Success
}

func handleRmTempCatalogues(d *Dispatcher, r *request) pkgworker.ResultCode {
	x := r.dec.Xexp()
	if x == nil {
		return pkgworker.Failure
	}
	uris := make([]string, 0, len(x.Children))
	for _, c := range x.Children {
		uris = append(uris, c.TextOf("uri"))
	}
	if err := d.Catalogues.RemoveTemp(uris); err != nil {
		pkglog.Errorf("RM_TEMP_CATALOGUES: %v", err)
		return pkgworker.Failure
	}
	r.initAfterReply = true
	return pkgworker.Success
}

func handleGetFreeSpace(d *Dispatcher, r *request) pkgworker.ResultCode {
	path, ok := r.dec.String()
	if !ok {
		return pkgworker.Failure
	}
	free, err := d.Lib.FreeSpace(path)
	if err != nil {
		pkglog.Errorf("GET_FREE_SPACE: %v", err)
		return pkgworker.Failure
	}
	r.enc.Int64(free)
	return pkgworker.Success
}

func handleInstallCheck(d *Dispatcher, r *request) pkgworker.ResultCode {
	name, ok := r.dec.String()
	if !ok {
		return pkgworker.Failure
	}
	p := d.ensurePlanner()
	d.Cache.Reset()
	if err := p.MarkForInstall(name); err != nil {
		pkglog.Errorf("INSTALL_CHECK: %v", err)
		return pkgworker.Failure
	}
	if err := p.FixSoft(); err != nil {
		pkglog.Errorf("INSTALL_CHECK: %v", err)
		return pkgworker.Failure
	}
	out, err := d.runExecutor(r, executor.Params{CheckOnly: true})
	if err != nil {
		pkglog.Errorf("INSTALL_CHECK: %v", err)
		return pkgworker.Failure
	}
	encodeUpgradeList(r.enc, out.UpgradeList)
	encodeTrustSummary(r.enc, d, out.TrustSummary, out.DomainsViolated)
	return out.Code
}

func handleDownloadPackage(d *Dispatcher, r *request) pkgworker.ResultCode {
	name, ok := r.dec.String()
	if !ok {
		return pkgworker.Failure
	}
	altRoot, _ := r.dec.String()
	p := d.ensurePlanner()
	d.Cache.Reset()
	if err := p.MarkForInstall(name); err != nil {
		pkglog.Errorf("DOWNLOAD_PACKAGE: %v", err)
		return pkgworker.Failure
	}
	out, err := d.runExecutor(r, executor.Params{DownloadOnly: true, AllowDownload: true, AltDownloadRoot: altRoot, WithStatus: true})
	if err != nil {
		pkglog.Errorf("DOWNLOAD_PACKAGE: %v", err)
		return pkgworker.Failure
	}
	return out.Code
}

// handleInstallPackage journals the operation before the executor touches
// the archives or package manager, and erases the journal only once the
// install actually completes (spec.md §4.9).
func handleInstallPackage(d *Dispatcher, r *request) pkgworker.ResultCode {
	name, ok := r.dec.String()
	if !ok {
		return pkgworker.Failure
	}
	altRoot, _ := r.dec.String()

	path := journalOperationPath(d)
	if err := journal.Write(path, model.OperationRecord{PackageName: name, AltDownloadRoot: altRoot}); err != nil {
		pkglog.Errorf("INSTALL_PACKAGE: journaling: %v", err)
		return pkgworker.Failure
	}

	p := d.ensurePlanner()
	d.Cache.Reset()
	if err := p.MarkForInstall(name); err != nil {
		pkglog.Errorf("INSTALL_PACKAGE: %v", err)
		return pkgworker.Failure
	}
	if err := p.FixSoft(); err != nil {
		pkglog.Errorf("INSTALL_PACKAGE: %v", err)
		return pkgworker.Failure
	}

	out, err := d.runExecutor(r, executor.Params{AllowDownload: true, AltDownloadRoot: altRoot, WithStatus: true})
	if err != nil {
		pkglog.Errorf("INSTALL_PACKAGE: %v", err)
		return pkgworker.Failure
	}
	if out.Code == pkgworker.Success {
		if err := journal.Erase(path); err != nil {
			pkglog.Errorf("INSTALL_PACKAGE: erasing journal: %v", err)
		}
		r.initAfterReply = true
	}
	return out.Code
}

func handleRemoveCheck(d *Dispatcher, r *request) pkgworker.ResultCode {
	name, ok := r.dec.String()
	if !ok {
		return pkgworker.Failure
	}
	if name == model.MagicSysPackage {
		return pkgworker.SystemUpdateUnremovable
	}
	p := d.ensurePlanner()
	d.Cache.Reset()
	if err := p.MarkForRemove(name); err != nil {
		pkglog.Errorf("REMOVE_CHECK: %v", err)
		return pkgworker.Failure
	}
	out, err := d.runExecutor(r, executor.Params{CheckOnly: true})
	if err != nil {
		pkglog.Errorf("REMOVE_CHECK: %v", err)
		return pkgworker.Failure
	}
	encodeUpgradeList(r.enc, out.UpgradeList)
	return out.Code
}

func handleRemovePackage(d *Dispatcher, r *request) pkgworker.ResultCode {
	name, ok := r.dec.String()
	if !ok {
		return pkgworker.Failure
	}
	if name == model.MagicSysPackage {
		return pkgworker.SystemUpdateUnremovable
	}
	p := d.ensurePlanner()
	d.Cache.Reset()
	if err := p.MarkForRemove(name); err != nil {
		pkglog.Errorf("REMOVE_PACKAGE: %v", err)
		return pkgworker.Failure
	}
	out, err := d.runExecutor(r, executor.Params{WithStatus: true})
	if err != nil {
		pkglog.Errorf("REMOVE_PACKAGE: %v", err)
		return pkgworker.Failure
	}
	if out.Code == pkgworker.Success {
		r.initAfterReply = true
	}
	return out.Code
}

// handleClean deletes every regular file under the archives directory
// except the lock file (spec.md §6's CLEAN, mirroring apt-get clean).
func handleClean(d *Dispatcher, r *request) pkgworker.ResultCode {
	entries, err := os.ReadDir(d.ArchivesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return pkgworker.Success
		}
		pkglog.Errorf("CLEAN: %v", err)
		return pkgworker.Failure
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == ".lock" {
			continue
		}
		if err := os.Remove(filepath.Join(d.ArchivesDir, e.Name())); err != nil {
			pkglog.Errorf("CLEAN: removing %s: %v", e.Name(), err)
		}
	}
	return pkgworker.Success
}

func handleGetSystemUpdatePackages(d *Dispatcher, r *request) pkgworker.ResultCode {
	p := d.ensurePlanner()
	d.Cache.Reset()
	if err := p.MarkForInstall(model.MagicSysPackage); err != nil {
		pkglog.Errorf("GET_SYSTEM_UPDATE_PACKAGES: %v", err)
		return pkgworker.Failure
	}
	var names []string
	for _, id := range p.OrderedAffected() {
		if pkg, ok := d.Cache.PackageByID(id); ok && d.Cache.Mark(id) != model.MarkKeep {
			names = append(names, pkg.Name)
		}
	}
	encodeUpgradeList(r.enc, names)
	return pkgworker.Success
}

// handleSetOptions re-parses the worker's unordered-letter options string
// (spec.md §6) and rebuilds the planner so AllowWrongDomains/
// UseAptAlgorithms take effect on the next request.
func handleSetOptions(d *Dispatcher, r *request) pkgworker.ResultCode {
	s, ok := r.dec.String()
	if !ok {
		return pkgworker.Failure
	}
	opts := env.ParseOptions(s)
	d.AllowWrongDomains = opts.AllowWrongDomains
	d.UseAptAlgorithms = opts.UseAptAlgorithms
	d.planner = nil
	return pkgworker.Success
}

// handleSetEnv applies a batch of environment variable assignments
// (spec.md §6's honored env vars), encoded as an "env" xexp list whose
// children are tagged with the variable name and carry its value as text.
func handleSetEnv(d *Dispatcher, r *request) pkgworker.ResultCode {
	x := r.dec.Xexp()
	if x == nil {
		return pkgworker.Failure
	}
	for _, c := range x.Children {
		if c.Text == nil {
			continue
		}
		if err := os.Setenv(c.Tag, *c.Text); err != nil {
			pkglog.Errorf("SET_ENV: setting %s: %v", c.Tag, err)
		}
	}
	return pkgworker.Success
}

// handleAutoremove marks for removal every auto-installed package no
// longer depended on by any other installed or to-be-installed package
// (spec.md GLOSSARY "Auto flag").
func handleAutoremove(d *Dispatcher, r *request) pkgworker.ResultCode {
	p := d.ensurePlanner()
	d.Cache.Reset()
	for _, pkg := range d.Cache.AllPackages() {
		if !pkg.Extra.AutoInst || pkg.Installed == 0 {
			continue
		}
		if stillNeeded(d, pkg) {
			continue
		}
		if err := p.MarkForRemove(pkg.Name); err != nil {
			pkglog.Errorf("AUTOREMOVE: %v", err)
			return pkgworker.Failure
		}
	}
	out, err := d.runExecutor(r, executor.Params{})
	if err != nil {
		pkglog.Errorf("AUTOREMOVE: %v", err)
		return pkgworker.Failure
	}
	if out.Code == pkgworker.Success {
		r.initAfterReply = true
	}
	return out.Code
}

// stillNeeded reports whether any other installed package's installed
// version depends on target by name.
func stillNeeded(d *Dispatcher, target *model.Package) bool {
	for _, pkg := range d.Cache.AllPackages() {
		if pkg.ID == target.ID || pkg.Installed == 0 {
			continue
		}
		var installedVersion *model.Version
		for _, v := range d.Cache.VersionsOf(pkg) {
			if v.ID == pkg.Installed {
				installedVersion = v
				break
			}
		}
		if installedVersion == nil {
			continue
		}
		for _, clause := range append(append([]model.DependClause{}, installedVersion.Depends...), installedVersion.PreDepends...) {
			for _, alt := range clause.Alternatives {
				if alt == target.Name {
					return true
				}
			}
		}
	}
	return false
}
