// Package planner implements package C6: deciding which packages become
// install-affected or remove-affected by a requested change, walking
// dependency OR-groups, conflicts/obsoletes/replaces, and the "no surprises"
// recursion limit (spec.md §4.5).
package planner

import (
	"github.com/distr1/pkgworker/internal/cache"
	"github.com/distr1/pkgworker/internal/libpkg"
	"github.com/distr1/pkgworker/internal/model"
	"github.com/distr1/pkgworker/internal/policy"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// maxInstallDepth bounds the recursive dependency walk (spec.md §4.5 "no
// surprises": a dependency cycle or absurdly long chain fails the whole
// operation instead of hanging or blowing the stack).
const maxInstallDepth = 100

// Planner marks packages for install or removal against one cache
// generation, mutating the Facade's desired marks and libpkg's own install
// state as it walks dependencies.
type Planner struct {
	Cache  *cache.Facade
	Lib    libpkg.Library
	Policy *policy.Engine

	// UseAptAlgorithms records the worker's "A" option. The planner does not
	// read it: with either setting, candidate selection, clause walking and
	// conflict handling run this package's own code, and no library-side
	// problem resolver is invoked.
	UseAptAlgorithms bool

	lastKey       string
	lastIsInstall bool
	hasLast       bool
}

// New constructs a Planner wired to c's package database and domain policy.
func New(c *cache.Facade, lib libpkg.Library, allowWrongDomains bool) *Planner {
	return &Planner{Cache: c, Lib: lib, Policy: c.NewPolicyEngine(allowWrongDomains)}
}

// MarkForInstall marks name (or model.MagicSysPackage) for install, walking
// its dependencies (spec.md §4.5 "Install"). Repeating the exact same
// install request that already succeeded is a no-op while the marks it made
// are still in place (spec.md §4.5's last-package/last-is-install memo,
// avoiding redundant libpkg churn on duplicate INSTALL_CHECK/INSTALL_PACKAGE
// pairs for the same package); once a Cache.Reset has returned every mark
// to keep, the request is marked again.
func (p *Planner) MarkForInstall(name string) error {
	if p.hasLast && p.lastIsInstall && p.lastKey == name {
		for _, pkg := range p.Cache.AllPackages() {
			if p.Cache.Mark(pkg.ID) != model.MarkKeep {
				return nil
			}
		}
	}
	p.hasLast = false

	var err error
	if name == model.MagicSysPackage {
		err = p.markSystemUpgrade()
	} else if pkg, ok := p.Cache.PackageByName(name); !ok {
		err = xerrors.Errorf("mark install: unknown package %q", name)
	} else {
		err = p.markInstall(pkg, 0, false)
	}
	if err == nil {
		p.lastKey, p.lastIsInstall, p.hasLast = name, true, true
	}
	return err
}

// markSystemUpgrade marks every upgradeable non-user package for install
// (spec.md §8 "Boundary behavior", the magic:sys target).
func (p *Planner) markSystemUpgrade() error {
	for _, pkg := range p.Cache.AllPackages() {
		if pkg.Installed == 0 {
			continue
		}
		if model.IsUserSection(p.installedSection(pkg)) {
			continue
		}
		cand := p.Policy.Candidate(pkg, p.Cache.VersionsOf(pkg), p.Cache.CurDomain(pkg))
		if cand == nil || cand.ID == pkg.Installed {
			continue
		}
		if err := p.markInstall(pkg, 0, false); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) installedSection(pkg *model.Package) string {
	for _, v := range p.Cache.VersionsOf(pkg) {
		if v.ID == pkg.Installed {
			return v.Section
		}
	}
	return ""
}

// markInstall marks pkg and recursively its dependencies for install. auto
// reports whether pkg is being pulled in as a dependency (sets the autoinst
// flag) rather than explicitly requested.
func (p *Planner) markInstall(pkg *model.Package, depth int, auto bool) error {
	if depth > maxInstallDepth {
		return xerrors.Errorf("mark install: dependency chain for %s exceeds %d levels", pkg.Name, maxInstallDepth)
	}

	cand := p.Policy.Candidate(pkg, p.Cache.VersionsOf(pkg), p.Cache.CurDomain(pkg))
	if cand == nil {
		return xerrors.Errorf("mark install: no installable candidate for %s", pkg.Name)
	}

	accepted, err := p.Lib.MarkInstall(pkg.ID)
	if lerr := wrapVoid("MarkInstall", p.Lib, err); lerr != nil {
		return lerr
	}
	if !accepted {
		// libpkg declined the mark outright (e.g. it is already scheduled
		// for delete and would conflict); nothing further to walk.
		return nil
	}

	pkg.Extra.Related = true
	pkg.Extra.Soft = false
	p.Cache.SetMark(pkg.ID, model.MarkInstall)
	if auto {
		pkg.Extra.AutoInst = true
		if lerr := wrapVoid("SetAuto", p.Lib, p.Lib.SetAuto(pkg.ID, true)); lerr != nil {
			return lerr
		}
	}

	for _, clause := range cand.Depends {
		if err := p.walkClause(clause, depth+1); err != nil {
			return err
		}
	}
	for _, clause := range cand.PreDepends {
		if err := p.walkClause(clause, depth+1); err != nil {
			return err
		}
	}
	return p.resolveConflicts(cand, depth+1)
}

// walkClause resolves one dependency OR-group: if the clause is already
// satisfied by an installed or newly-desired package it is skipped (or, for
// a non-important clause, skipped outright if any alternative is already
// installed, spec.md §4.5 step 3); otherwise the first alternative known to
// the cache is marked for install as an automatic dependency.
//
// Alternative selection here does not model virtual "Provides" packages:
// the policy engine picks among real packages named in the clause, in
// listed order. A fuller libpkg-backed provides index would change this,
// but no such index is part of the Library seam (see DESIGN.md).
func (p *Planner) walkClause(clause model.DependClause, depth int) error {
	if !clause.Important && p.anyAlternativeInstalled(clause) {
		return nil
	}
	if p.anyAlternativeDesiredInstall(clause) {
		return nil
	}

	provider := p.selectProvider(clause)
	if provider == nil {
		if clause.Important {
			return xerrors.Errorf("mark install: no provider for %v", clause.Alternatives)
		}
		return nil
	}
	return p.markInstall(provider, depth, true)
}

func (p *Planner) anyAlternativeInstalled(clause model.DependClause) bool {
	for _, name := range clause.Alternatives {
		if pkg, ok := p.Cache.PackageByName(name); ok && pkg.Installed != 0 {
			return true
		}
	}
	return false
}

func (p *Planner) anyAlternativeDesiredInstall(clause model.DependClause) bool {
	for _, name := range clause.Alternatives {
		if pkg, ok := p.Cache.PackageByName(name); ok {
			if mark := p.Cache.Mark(pkg.ID); mark == model.MarkInstall || (mark == model.MarkKeep && pkg.Installed != 0) {
				return true
			}
		}
	}
	return false
}

func (p *Planner) selectProvider(clause model.DependClause) *model.Package {
	for _, name := range clause.Alternatives {
		if pkg, ok := p.Cache.PackageByName(name); ok {
			return pkg
		}
	}
	return nil
}

// resolveConflicts soft-removes an installed package a newly-marked version
// Conflicts with or Obsoletes, but only when the target is not a
// user-visible package and cand itself Replaces it (spec.md §4.5 "soft
// remove", the original's mark_for_install_1: "only if it is a non-user
// package", guarded by package_replaces). Replaces is the guard, not a
// removal target in its own right: these packages are marked for delete but
// flagged Soft so a later fix-soft pass can reinstate them if the conflict
// is resolved some other way before the transaction commits.
func (p *Planner) resolveConflicts(cand *model.Version, depth int) error {
	names := make([]string, 0, len(cand.Conflicts)+len(cand.Obsoletes))
	names = append(names, cand.Conflicts...)
	names = append(names, cand.Obsoletes...)

	for _, name := range names {
		pkg, ok := p.Cache.PackageByName(name)
		if !ok || pkg.Installed == 0 || p.Cache.Mark(pkg.ID) == model.MarkDelete {
			continue
		}
		if model.IsUserSection(p.installedSection(pkg)) || !containsString(cand.Replaces, pkg.Name) {
			continue
		}
		if err := p.markRemove(pkg, depth, true); err != nil {
			return err
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MarkForRemove marks name for removal (spec.md §4.5 "Remove").
func (p *Planner) MarkForRemove(name string) error {
	if p.hasLast && !p.lastIsInstall && p.lastKey == name {
		for _, pkg := range p.Cache.AllPackages() {
			if p.Cache.Mark(pkg.ID) != model.MarkKeep {
				return nil
			}
		}
	}
	p.lastKey, p.lastIsInstall, p.hasLast = name, false, true

	pkg, ok := p.Cache.PackageByName(name)
	if !ok {
		return xerrors.Errorf("mark remove: unknown package %q", name)
	}
	return p.markRemove(pkg, 0, false)
}

func (p *Planner) markRemove(pkg *model.Package, depth int, soft bool) error {
	if err := wrapVoid("MarkDelete", p.Lib, p.Lib.MarkDelete(pkg.ID)); err != nil {
		return err
	}
	pkg.Extra.Related = true
	pkg.Extra.Soft = soft
	pkg.Extra.AutoInst = false
	p.Cache.SetMark(pkg.ID, model.MarkDelete)
	return nil
}

// FixSoft implements spec.md §4.5's fixed-point loop: after every mark
// operation, any package soft-removed as a side effect of a conflict is
// reconsidered, and reinstated (marked for install again) once no package
// marked for install conflicts with it in either direction: its own
// candidate's Conflicts name none of them, and none of their candidates'
// Conflicts or Obsoletes name it. The loop repeats until a full pass
// reinstates nothing, since reinstating one package can remove the reason
// another was soft-removed.
func (p *Planner) FixSoft() error {
	for {
		changed := false
		for _, pkg := range p.Cache.AllPackages() {
			if !pkg.Extra.Soft || p.Cache.Mark(pkg.ID) != model.MarkDelete {
				continue
			}
			versions := p.Cache.VersionsOf(pkg)
			cand := p.Policy.Candidate(pkg, versions, p.Cache.CurDomain(pkg))
			if cand == nil || p.conflictsWithAnyDesiredInstall(pkg, cand) {
				continue
			}
			if err := p.markInstall(pkg, 0, pkg.Extra.AutoInst); err != nil {
				return err
			}
			changed = true
		}
		if !changed {
			return nil
		}
	}
}

func (p *Planner) conflictsWithAnyDesiredInstall(pkg *model.Package, cand *model.Version) bool {
	for _, name := range cand.Conflicts {
		if other, ok := p.Cache.PackageByName(name); ok && p.Cache.Mark(other.ID) == model.MarkInstall {
			return true
		}
	}
	for _, other := range p.Cache.AllPackages() {
		if other.ID == pkg.ID || p.Cache.Mark(other.ID) != model.MarkInstall {
			continue
		}
		oc := p.Policy.Candidate(other, p.Cache.VersionsOf(other), p.Cache.CurDomain(other))
		if oc != nil && (containsString(oc.Conflicts, pkg.Name) || containsString(oc.Obsoletes, pkg.Name)) {
			return true
		}
	}
	return false
}

// OrderedAffected returns every package with a non-keep desired mark,
// topologically sorted so a package whose dependency clause names another
// affected package is ordered after it (install-affected packages depend on
// their dependencies having gone first). If the affected packages contain a
// dependency cycle gonum's topological sort cannot order, the whole set is
// returned in ascending PackageID order instead; such a cycle is a real (if
// unusual) possibility libpkg itself must cope with, not a bug in this sort.
func (p *Planner) OrderedAffected() []model.PackageID {
	affected := map[model.PackageID]*model.Package{}
	for _, pkg := range p.Cache.AllPackages() {
		if p.Cache.Mark(pkg.ID) != model.MarkKeep {
			affected[pkg.ID] = pkg
		}
	}
	if len(affected) == 0 {
		return nil
	}

	g := simple.NewDirectedGraph()
	for id := range affected {
		g.AddNode(simple.Node(id))
	}
	for id, pkg := range affected {
		for _, v := range p.Cache.VersionsOf(pkg) {
			if v.ID != pkg.Installed && p.Cache.Mark(pkg.ID) != model.MarkInstall {
				continue
			}
			for _, clause := range v.Depends {
				for _, name := range clause.Alternatives {
					if dep, ok := p.Cache.PackageByName(name); ok {
						if _, ok := affected[dep.ID]; ok && dep.ID != id {
							g.SetEdge(g.NewEdge(simple.Node(dep.ID), simple.Node(id)))
						}
					}
				}
			}
		}
	}

	order, err := topo.Sort(g)
	if err != nil {
		return fallbackOrder(affected)
	}
	out := make([]model.PackageID, 0, len(order))
	for _, n := range order {
		out = append(out, model.PackageID(n.ID()))
	}
	return out
}

func fallbackOrder(affected map[model.PackageID]*model.Package) []model.PackageID {
	out := make([]model.PackageID, 0, len(affected))
	for id := range affected {
		out = append(out, id)
	}
	// Deterministic regardless of map iteration order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

var _ graph.Node = simple.Node(0)

func wrapVoid(op string, lib libpkg.Library, err error) *libpkg.Error {
	return libpkg.CallVoid(lib, op, func() error { return err })
}
