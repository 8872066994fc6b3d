// Package cache implements the cache facade (spec C5): building and caching
// the current/desired package database view, persisting auto-install flags
// and per-package domain labels, and mediating every read the rest of the
// worker does against the package database.
package cache

import (
	"sort"

	"github.com/distr1/pkgworker/internal/config"
	"github.com/distr1/pkgworker/internal/libpkg"
	"github.com/distr1/pkgworker/internal/model"
	"github.com/distr1/pkgworker/internal/policy"
	"github.com/distr1/pkgworker/internal/trust"
	"golang.org/x/xerrors"
)

// Facade owns one generation of the package database plus the worker's own
// extra info. It is closed and reopened wholesale on refresh (spec.md §4.4),
// which is why every entity it hands out is an integer ID (model.PackageID
// etc.) rather than a live pointer: ids survive a Close/Open pair, pointers
// would dangle.
type Facade struct {
	lib        libpkg.Library
	classifier *trust.Classifier
	extra      *config.ExtraInfoStore

	packages []*model.Package // indexed by PackageID - 1
	versions []*model.Version // indexed by VersionID - 1
	indexes  []*model.IndexFile

	byName map[string]model.PackageID

	desired map[model.PackageID]model.Mark
}

// New constructs a Facade; Open must be called before use.
func New(lib libpkg.Library, classifier *trust.Classifier, extra *config.ExtraInfoStore) *Facade {
	return &Facade{lib: lib, classifier: classifier, extra: extra, byName: map[string]model.PackageID{}}
}

// Open loads the package snapshot from the library, restores each package's
// autoinst flag from the extra-info store, assigns a cur_domain to installed
// packages that have none, and resets every mark to keep. Of the extra info
// only the autoinst file is read back; the per-domain files SaveExtraInfo
// writes are not loaded. It is idempotent-by-reconstruction: callers needing
// a fresh view call Open again (typically via Reopen).
func (f *Facade) Open() error {
	snap, lerr := libpkg.Call(f.lib.Open)
	if lerr != nil {
		return xerrors.Errorf("opening package library: %w", lerr)
	}

	f.packages = snap.Packages
	f.versions = snap.Versions
	f.indexes = snap.Indexes
	f.byName = make(map[string]model.PackageID, len(f.packages))
	for _, p := range f.packages {
		f.byName[p.Name] = p.ID
	}

	autoInst, err := f.extra.LoadAutoInst()
	if err != nil {
		return xerrors.Errorf("loading autoinst: %w", err)
	}
	for _, p := range f.packages {
		p.Extra.AutoInst = autoInst[p.Name]
	}

	if err := f.assignMissingCurDomains(); err != nil {
		return err
	}

	f.Reset()
	return nil
}

// assignMissingCurDomains implements spec.md §4.4's load-time rule: any
// package whose cur_domain is unset gets the highest-trust domain among its
// installed-version sources (default unsigned), persisted immediately.
func (f *Facade) assignMissingCurDomains() error {
	changed := false
	for _, p := range f.packages {
		if p.Extra.CurDomain != "" || p.Installed == 0 {
			continue
		}
		var domains []model.Domain
		if v := f.versionByID(p.Installed); v != nil {
			if idx := f.indexByID(v.Index); idx != nil {
				domains = append(domains, f.classifier.Classify(*idx))
			}
		}
		p.Extra.CurDomain = policy.RecomputeCurDomain(domains).Name
		changed = true
	}
	if changed {
		return f.SaveExtraInfo()
	}
	return nil
}

// Reset marks every package keep, restores the autoinst flag from the saved
// autoinst file (leaving the flags unchanged if that file cannot be read),
// and clears the transient related/soft flags (spec.md §3 "reset() makes
// desired = current").
func (f *Facade) Reset() {
	autoInst, autoErr := f.extra.LoadAutoInst()
	f.desired = make(map[model.PackageID]model.Mark, len(f.packages))
	for _, p := range f.packages {
		f.desired[p.ID] = model.MarkKeep
		if autoErr == nil {
			p.Extra.AutoInst = autoInst[p.Name]
		}
		p.Extra.Related = false
		p.Extra.Soft = false
		p.Extra.NewDomain = ""
	}
}

// SaveExtraInfo rewrites the autoinst file and one file per domain
// (spec.md §4.4 save_extra_info), immediately after each successful
// install/remove (spec.md §3 "Lifecycles").
func (f *Facade) SaveExtraInfo() error {
	autoInst := map[string]bool{}
	byDomain := map[string]map[string]bool{}
	for _, p := range f.packages {
		if p.Extra.AutoInst {
			autoInst[p.Name] = true
		}
		if p.Extra.CurDomain != "" {
			set, ok := byDomain[p.Extra.CurDomain]
			if !ok {
				set = map[string]bool{}
				byDomain[p.Extra.CurDomain] = set
			}
			set[p.Name] = true
		}
	}
	return f.extra.Save(autoInst, byDomain)
}

// PackageByName looks up a package by name.
func (f *Facade) PackageByName(name string) (*model.Package, bool) {
	id, ok := f.byName[name]
	if !ok {
		return nil, false
	}
	return f.packages[id-1], true
}

// PackageByID looks up a package by its integer id.
func (f *Facade) PackageByID(id model.PackageID) (*model.Package, bool) {
	if id <= 0 || int(id) > len(f.packages) {
		return nil, false
	}
	return f.packages[id-1], true
}

// AllPackages returns every known package, in a stable (name-sorted) order.
func (f *Facade) AllPackages() []*model.Package {
	out := make([]*model.Package, len(f.packages))
	copy(out, f.packages)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *Facade) versionByID(id model.VersionID) *model.Version {
	if id <= 0 || int(id) > len(f.versions) {
		return nil
	}
	return f.versions[id-1]
}

func (f *Facade) indexByID(id model.IndexID) *model.IndexFile {
	if id <= 0 || int(id) > len(f.indexes) {
		return nil
	}
	return f.indexes[id-1]
}

// VersionsOf returns every known version of pkg across all index files.
func (f *Facade) VersionsOf(pkg *model.Package) []*model.Version {
	out := make([]*model.Version, 0, len(pkg.Versions))
	for _, vid := range pkg.Versions {
		if v := f.versionByID(vid); v != nil {
			out = append(out, v)
		}
	}
	return out
}

// Domain returns the domain a version's source index belongs to.
func (f *Facade) Domain(v *model.Version) model.Domain {
	idx := f.indexByID(v.Index)
	if idx == nil {
		return model.Unsigned
	}
	return f.classifier.Classify(*idx)
}

// CurDomain returns the domain a package's installed version came from,
// defaulting to Unsigned if unset.
func (f *Facade) CurDomain(pkg *model.Package) model.Domain {
	if pkg.Extra.CurDomain == "" {
		return model.Unsigned
	}
	if d, ok := f.classifier.ByName(pkg.Extra.CurDomain); ok {
		return d
	}
	return model.Unsigned
}

// NewPolicyEngine returns a policy.Engine wired to this facade's domain
// resolution, honoring allowWrongDomains (the worker's "D" option).
func (f *Facade) NewPolicyEngine(allowWrongDomains bool) *policy.Engine {
	return &policy.Engine{
		Classifier:        f.classifier,
		AllowWrongDomains: allowWrongDomains,
		VersionDomain:     f.Domain,
	}
}

// Mark returns the current desired mark for a package.
func (f *Facade) Mark(id model.PackageID) model.Mark {
	return f.desired[id]
}

// SetMark sets the desired mark for a package.
func (f *Facade) SetMark(id model.PackageID, m model.Mark) {
	f.desired[id] = m
}

// UpdateCache recomputes cur_domain for every installed package by picking,
// among its installed version's index files, the one with the highest trust
// level (spec.md §4.3 "On update_cache"); any change is persisted before
// returning.
func (f *Facade) UpdateCache() error {
	changed := false
	for _, p := range f.packages {
		if p.Installed == 0 {
			continue
		}
		v := f.versionByID(p.Installed)
		if v == nil {
			continue
		}
		newDomain := f.Domain(v).Name
		if newDomain != p.Extra.CurDomain {
			p.Extra.CurDomain = newDomain
			changed = true
		}
	}
	if changed {
		return f.SaveExtraInfo()
	}
	return nil
}
