package policy

import (
	"testing"

	"github.com/distr1/pkgworker/internal/model"
)

func TestCandidateHonorsStatusFileGuard(t *testing.T) {
	installed := &model.Version{ID: 1, Priority: 500}
	notSource := &model.Version{ID: 2, Priority: 900, NotSource: true}
	pkg := &model.Package{Installed: 1}
	e := &Engine{}

	got := e.Candidate(pkg, []*model.Version{installed, notSource}, model.Unsigned)
	if got == nil || got.ID != installed.ID {
		t.Fatalf("Candidate() = %+v, want the installed version (NotSource must be excluded)", got)
	}
}

func TestCandidatePrefersHigherPriority(t *testing.T) {
	pkg := &model.Package{Installed: 0}
	low := &model.Version{ID: 1, Priority: 100}
	high := &model.Version{ID: 2, Priority: 200}
	e := &Engine{}

	got := e.Candidate(pkg, []*model.Version{low, high}, model.Unsigned)
	if got == nil || got.ID != high.ID {
		t.Fatalf("Candidate() = %+v, want version 2 (higher priority)", got)
	}
}

func TestCandidatePseudoStatusOverride(t *testing.T) {
	// The installed version has lower nominal priority than a candidate
	// upgrade in the same domain, but pseudo-status (1000) keeps it pinned
	// unless the candidate's priority exceeds 1000.
	pkg := &model.Package{Installed: 1}
	installed := &model.Version{ID: 1, Priority: 500}
	upgrade := &model.Version{ID: 2, Priority: 600}
	e := &Engine{}

	got := e.Candidate(pkg, []*model.Version{installed, upgrade}, model.Unsigned)
	if got == nil || got.ID != installed.ID {
		t.Fatalf("Candidate() = %+v, want installed version pinned at pseudo-status 1000", got)
	}
}

func TestCandidateDomainGuardRejectsWeakerDomain(t *testing.T) {
	certified := model.Domain{Name: "certified", TrustLevel: 3}
	unsigned := model.Domain{Name: "unsigned", TrustLevel: 0}

	pkg := &model.Package{Installed: 1}
	installed := &model.Version{ID: 1, Priority: 500}
	fromUnsigned := &model.Version{ID: 2, Priority: 2000}

	e := &Engine{
		VersionDomain: func(v *model.Version) model.Domain {
			if v.ID == 2 {
				return unsigned
			}
			return certified
		},
	}

	got := e.Candidate(pkg, []*model.Version{installed, fromUnsigned}, certified)
	if got == nil || got.ID != installed.ID {
		t.Fatalf("Candidate() = %+v, want installed version (cross-domain downgrade must be refused)", got)
	}
}

func TestCandidateDomainGuardDisabledByAllowWrongDomains(t *testing.T) {
	certified := model.Domain{Name: "certified", TrustLevel: 3}
	unsigned := model.Domain{Name: "unsigned", TrustLevel: 0}

	pkg := &model.Package{Installed: 1}
	installed := &model.Version{ID: 1, Priority: 500}
	fromUnsigned := &model.Version{ID: 2, Priority: 2000}

	e := &Engine{
		AllowWrongDomains: true,
		VersionDomain: func(v *model.Version) model.Domain {
			if v.ID == 2 {
				return unsigned
			}
			return certified
		},
	}

	got := e.Candidate(pkg, []*model.Version{installed, fromUnsigned}, certified)
	if got == nil || got.ID != fromUnsigned.ID {
		t.Fatalf("Candidate() = %+v, want the unsigned upgrade once AllowWrongDomains is set", got)
	}
}

func TestDomainViolatedWhenGuardExcludesBetterVersion(t *testing.T) {
	certified := model.Domain{Name: "certified", TrustLevel: 3}
	unsigned := model.Domain{Name: "unsigned", TrustLevel: 0}

	pkg := &model.Package{Installed: 1}
	installed := &model.Version{ID: 1, Priority: 500}
	fromUnsigned := &model.Version{ID: 2, Priority: 2000}

	e := &Engine{
		VersionDomain: func(v *model.Version) model.Domain {
			if v.ID == 2 {
				return unsigned
			}
			return certified
		},
	}

	if !e.DomainViolated(pkg, []*model.Version{installed, fromUnsigned}, certified) {
		t.Error("expected a domain violation: the unsigned version outranks the guarded candidate")
	}
}

func TestDomainViolatedFalseWhenAllowWrongDomains(t *testing.T) {
	certified := model.Domain{Name: "certified", TrustLevel: 3}
	unsigned := model.Domain{Name: "unsigned", TrustLevel: 0}

	pkg := &model.Package{Installed: 1}
	installed := &model.Version{ID: 1, Priority: 500}
	fromUnsigned := &model.Version{ID: 2, Priority: 2000}

	e := &Engine{
		AllowWrongDomains: true,
		VersionDomain: func(v *model.Version) model.Domain {
			if v.ID == 2 {
				return unsigned
			}
			return certified
		},
	}

	if e.DomainViolated(pkg, []*model.Version{installed, fromUnsigned}, certified) {
		t.Error("DomainViolated must be false once AllowWrongDomains disables the guard")
	}
}

func TestDomainViolatedFalseWhenNoBetterVersionExists(t *testing.T) {
	pkg := &model.Package{Installed: 1}
	installed := &model.Version{ID: 1, Priority: 500}
	e := &Engine{}

	if e.DomainViolated(pkg, []*model.Version{installed}, model.Unsigned) {
		t.Error("DomainViolated must be false when nothing outranks the candidate")
	}
}

func TestRecomputeCurDomainPicksHighestTrust(t *testing.T) {
	domains := []model.Domain{
		{Name: "unsigned", TrustLevel: 0},
		{Name: "community", TrustLevel: 2},
		{Name: "certified", TrustLevel: 3},
	}
	got := RecomputeCurDomain(domains)
	if got.Name != "certified" {
		t.Fatalf("RecomputeCurDomain() = %q, want certified", got.Name)
	}
}

func TestRecomputeCurDomainDefaultsToUnsigned(t *testing.T) {
	got := RecomputeCurDomain(nil)
	if got.Name != model.Unsigned.Name {
		t.Fatalf("RecomputeCurDomain(nil) = %q, want %q", got.Name, model.Unsigned.Name)
	}
}
