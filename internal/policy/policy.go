// Package policy implements the per-package candidate-version selection
// engine (spec C4): picking the version libpkg would install next, honoring
// the status-file guard, the domain-dominance guard, and the
// pseudo-status-1000 override for the currently installed version.
package policy

import (
	"github.com/distr1/pkgworker/internal/model"
	"github.com/distr1/pkgworker/internal/trust"
)

// pseudoStatusPriority is the priority libapt-pkg assigns the currently
// installed version so it wins ties against equally-preferred candidates
// (spec.md §4.3).
const pseudoStatusPriority = 1000

// Engine selects candidate versions for packages in a generation of the
// cache. It is stateless across calls except for the domain classifier it
// holds a reference to; callers own the model.Package/model.Version data.
type Engine struct {
	Classifier *trust.Classifier

	// AllowWrongDomains disables the domain guard (spec.md §4.3, the
	// worker's "D" option, spec.md §6).
	AllowWrongDomains bool

	// VersionDomain resolves a version to the domain its source index
	// belongs to. The cache facade sets this when constructing an Engine,
	// since it is the component that knows the IndexFile <-> Domain mapping
	// (via the trust classifier). Nil defaults every version to Unsigned,
	// useful in tests that only exercise the status-file guard.
	VersionDomain versionDomainFunc
}

// Candidate returns the version the engine would install for pkg, scanning
// every version in versions (the full cross-index candidate pool for that
// package, in iteration order so ties break by first-seen), or nil if none
// qualify.
//
// The Engine's VersionDomain resolver lets callers avoid threading the whole
// cache through: it answers "what domain did this version come from".
func (e *Engine) Candidate(
	pkg *model.Package,
	versions []*model.Version,
	curDomain model.Domain,
) *model.Version {
	var best *model.Version
	bestPriority := -1 << 31

	for _, v := range versions {
		if v.NotSource && v.ID != pkg.Installed {
			// Status-file guard (spec.md §4.3): a version marked NotSource
			// never becomes a candidate unless it is the installed version.
			continue
		}

		if !e.AllowWrongDomains && pkg.Installed != 0 {
			vDomain := e.domainForVersion(v)
			if !vDomain.Dominates(curDomain) {
				// Domain guard (spec.md §4.3): ignore versions whose source
				// domain does not dominate the installed cur_domain.
				continue
			}
		}

		priority := v.Priority
		if v.ID == pkg.Installed {
			// Pseudo-status override (spec.md §4.3), unless a higher
			// priority explicitly wins.
			if pseudoStatusPriority > priority {
				priority = pseudoStatusPriority
			}
		}

		if best == nil || priority > bestPriority {
			best = v
			bestPriority = priority
		}
		// Ties break by first-seen in iteration order: we only replace best
		// on strictly-greater priority.
	}

	return best
}

// DomainViolated reports whether some version of pkg scores higher than the
// actual candidate but was excluded from candidacy solely by the domain
// guard (spec.md §4.3): its source domain does not dominate curDomain. It is
// always false when AllowWrongDomains disables the guard, since nothing is
// excluded by it in that mode, and for packages not yet installed (no
// cur_domain to violate).
func (e *Engine) DomainViolated(pkg *model.Package, versions []*model.Version, curDomain model.Domain) bool {
	if e.AllowWrongDomains || pkg.Installed == 0 {
		return false
	}

	cand := e.Candidate(pkg, versions, curDomain)
	candPriority := -1 << 31
	if cand != nil {
		candPriority = cand.Priority
		if cand.ID == pkg.Installed && pseudoStatusPriority > candPriority {
			candPriority = pseudoStatusPriority
		}
	}

	for _, v := range versions {
		if v.NotSource && v.ID != pkg.Installed {
			continue
		}
		if v.Priority <= candPriority {
			continue
		}
		if !e.domainForVersion(v).Dominates(curDomain) {
			return true
		}
	}
	return false
}

// versionDomainFunc lets Candidate ask for a version's source domain without
// depending on internal/cache (which depends on internal/policy).
type versionDomainFunc func(*model.Version) model.Domain

// domainForVersion resolves a version's source domain through the injected
// resolver, defaulting to Unsigned if none was configured.
func (e *Engine) domainForVersion(v *model.Version) model.Domain {
	if e.VersionDomain == nil {
		return model.Unsigned
	}
	return e.VersionDomain(v)
}

// RecomputeCurDomain implements the "on update_cache, recompute cur_domain"
// rule of spec.md §4.3: among the index files an installed package's
// versions came from, it picks the one with the highest trust level.
// Returns model.Unsigned if installedIndexDomains is empty (a package with
// no surviving installed-version index, e.g. its source vanished).
func RecomputeCurDomain(installedIndexDomains []model.Domain) model.Domain {
	best := model.Unsigned
	for _, d := range installedIndexDomains {
		if d.TrustLevel > best.TrustLevel {
			best = d
		}
	}
	return best
}
