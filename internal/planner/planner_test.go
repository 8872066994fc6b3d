package planner

import (
	"sort"
	"testing"

	"github.com/distr1/pkgworker/internal/cache"
	"github.com/distr1/pkgworker/internal/config"
	"github.com/distr1/pkgworker/internal/libpkg"
	"github.com/distr1/pkgworker/internal/model"
	"github.com/distr1/pkgworker/internal/trust"
)

func testClassifier() *trust.Classifier { return &trust.Classifier{} }

// world builds a small package universe: app depends on libfoo (important)
// and, non-importantly, on libbar; libfoo conflicts with liboldfoo, which is
// installed.
func world() libpkg.Snapshot {
	idx := &model.IndexFile{ID: 1, URI: "https://repo.example/main", Trusted: true}

	appV := &model.Version{ID: 1, Version: "2.0", Index: 1, Priority: 500, Depends: []model.DependClause{
		{Alternatives: []string{"libfoo"}, Important: true},
		{Alternatives: []string{"libbar"}, Important: false},
	}}
	app := &model.Package{ID: 1, Name: "app", Versions: []model.VersionID{1}}

	libfooV := &model.Version{ID: 2, Version: "1.0", Index: 1, Priority: 500, Conflicts: []string{"liboldfoo"}, Replaces: []string{"liboldfoo"}}
	libfoo := &model.Package{ID: 2, Name: "libfoo", Versions: []model.VersionID{2}}

	libbarV := &model.Version{ID: 3, Version: "1.0", Index: 1, Priority: 500}
	libbar := &model.Package{ID: 3, Name: "libbar", Versions: []model.VersionID{3}}

	oldfooV := &model.Version{ID: 4, Version: "0.9", Index: 1, Priority: 500}
	oldfoo := &model.Package{ID: 4, Name: "liboldfoo", Versions: []model.VersionID{4}, Installed: 4}

	return libpkg.Snapshot{
		Packages: []*model.Package{app, libfoo, libbar, oldfoo},
		Versions: []*model.Version{appV, libfooV, libbarV, oldfooV},
		Indexes:  []*model.IndexFile{idx},
	}
}

func newTestPlanner(t *testing.T) (*Planner, *libpkg.Fake) {
	t.Helper()
	fake := libpkg.NewFake()
	fake.Snap = world()
	store := &config.ExtraInfoStore{StateDir: t.TempDir()}
	c := cache.New(fake, testClassifier(), store)
	if err := c.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return New(c, fake, false), fake
}

func TestMarkForInstallWalksImportantDependency(t *testing.T) {
	p, _ := newTestPlanner(t)
	if err := p.MarkForInstall("app"); err != nil {
		t.Fatalf("MarkForInstall: %v", err)
	}
	app, _ := p.Cache.PackageByName("app")
	libfoo, _ := p.Cache.PackageByName("libfoo")
	if p.Cache.Mark(app.ID) != model.MarkInstall {
		t.Error("app not marked install")
	}
	if p.Cache.Mark(libfoo.ID) != model.MarkInstall {
		t.Error("libfoo (important dependency) not marked install")
	}
	if !libfoo.Extra.AutoInst {
		t.Error("libfoo not flagged autoinst")
	}
}

func TestMarkForInstallSoftRemovesConflict(t *testing.T) {
	p, _ := newTestPlanner(t)
	if err := p.MarkForInstall("app"); err != nil {
		t.Fatalf("MarkForInstall: %v", err)
	}
	oldfoo, _ := p.Cache.PackageByName("liboldfoo")
	if p.Cache.Mark(oldfoo.ID) != model.MarkDelete {
		t.Error("liboldfoo not marked for delete")
	}
	if !oldfoo.Extra.Soft {
		t.Error("liboldfoo not flagged as a soft remove")
	}
}

// worldConflictNotReplaced is like world but libfoo conflicts with liboldfoo
// without declaring a Replaces relationship, so the conflict is not a
// soft-remove target (spec.md §4.5: Replaces is the guard, not Conflicts
// alone).
func worldConflictNotReplaced() libpkg.Snapshot {
	w := world()
	for _, v := range w.Versions {
		if v.ID == 2 {
			v.Replaces = nil
		}
	}
	return w
}

func TestMarkForInstallDoesNotRemoveConflictWithoutReplaces(t *testing.T) {
	fake := libpkg.NewFake()
	fake.Snap = worldConflictNotReplaced()
	store := &config.ExtraInfoStore{StateDir: t.TempDir()}
	c := cache.New(fake, testClassifier(), store)
	if err := c.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	p := New(c, fake, false)

	if err := p.MarkForInstall("app"); err != nil {
		t.Fatalf("MarkForInstall: %v", err)
	}
	oldfoo, _ := p.Cache.PackageByName("liboldfoo")
	if p.Cache.Mark(oldfoo.ID) == model.MarkDelete {
		t.Error("liboldfoo marked for delete despite no Replaces relationship")
	}
}

func TestMarkForInstallDoesNotRemoveUserPackageConflict(t *testing.T) {
	p, _ := newTestPlanner(t)
	oldfoo, _ := p.Cache.PackageByName("liboldfoo")
	for _, v := range p.Cache.VersionsOf(oldfoo) {
		if v.ID == oldfoo.Installed {
			v.Section = "user/libs"
		}
	}

	if err := p.MarkForInstall("app"); err != nil {
		t.Fatalf("MarkForInstall: %v", err)
	}
	if p.Cache.Mark(oldfoo.ID) == model.MarkDelete {
		t.Error("user-section liboldfoo marked for delete")
	}
}

func TestMarkForInstallSkipsNonImportantAlreadyInstalledDependency(t *testing.T) {
	p, fake := newTestPlanner(t)
	// Pre-install libbar so the non-important clause is already satisfied.
	for _, pkg := range fake.Snap.Packages {
		if pkg.Name == "libbar" {
			pkg.Installed = 3
		}
	}
	if err := p.Cache.Open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	p.Policy = p.Cache.NewPolicyEngine(false)

	if err := p.MarkForInstall("app"); err != nil {
		t.Fatalf("MarkForInstall: %v", err)
	}
	libbar, _ := p.Cache.PackageByName("libbar")
	if p.Cache.Mark(libbar.ID) != model.MarkKeep {
		t.Error("already-installed non-important dependency should stay keep")
	}
}

func TestRepeatedInstallRequestIsNoOp(t *testing.T) {
	p, fake := newTestPlanner(t)
	if err := p.MarkForInstall("app"); err != nil {
		t.Fatalf("first MarkForInstall: %v", err)
	}
	fake.QueueError("should never be observed")
	if err := p.MarkForInstall("app"); err != nil {
		t.Fatalf("repeated MarkForInstall: %v", err)
	}
	// The queued error is still sitting unread, proving the repeat never
	// touched the library at all.
	if errs := fake.Errors(); len(errs) != 1 {
		t.Errorf("expected the queued error untouched, got %v", errs)
	}
}

func TestMarkForRemove(t *testing.T) {
	p, fake := newTestPlanner(t)
	for _, pkg := range fake.Snap.Packages {
		if pkg.Name == "liboldfoo" {
			pkg.Installed = 4
		}
	}
	if err := p.MarkForRemove("liboldfoo"); err != nil {
		t.Fatalf("MarkForRemove: %v", err)
	}
	oldfoo, _ := p.Cache.PackageByName("liboldfoo")
	if p.Cache.Mark(oldfoo.ID) != model.MarkDelete {
		t.Error("liboldfoo not marked delete")
	}
	if oldfoo.Extra.Soft {
		t.Error("an explicit remove must not be flagged soft")
	}
}

func TestFixSoftReinstatesWhenConflictGone(t *testing.T) {
	p, fake := newTestPlanner(t)
	if err := p.MarkForInstall("app"); err != nil {
		t.Fatalf("MarkForInstall: %v", err)
	}
	oldfoo, _ := p.Cache.PackageByName("liboldfoo")
	if p.Cache.Mark(oldfoo.ID) != model.MarkDelete {
		t.Fatal("precondition: liboldfoo should be soft-removed")
	}

	// Undo the install of app/libfoo as if the user reconsidered, leaving no
	// reason for liboldfoo to stay removed.
	app, _ := p.Cache.PackageByName("app")
	libfoo, _ := p.Cache.PackageByName("libfoo")
	p.Cache.SetMark(app.ID, model.MarkKeep)
	p.Cache.SetMark(libfoo.ID, model.MarkKeep)

	if err := p.FixSoft(); err != nil {
		t.Fatalf("FixSoft: %v", err)
	}
	if p.Cache.Mark(oldfoo.ID) == model.MarkDelete {
		t.Error("liboldfoo should have been reinstated once the conflict cleared")
	}
	_ = fake
}

func TestOrderedAffectedPutsDependencyFirst(t *testing.T) {
	p, _ := newTestPlanner(t)
	if err := p.MarkForInstall("app"); err != nil {
		t.Fatalf("MarkForInstall: %v", err)
	}
	order := p.OrderedAffected()

	pos := map[model.PackageID]int{}
	for i, id := range order {
		pos[id] = i
	}
	app, _ := p.Cache.PackageByName("app")
	libfoo, _ := p.Cache.PackageByName("libfoo")
	if _, ok := pos[app.ID]; !ok {
		t.Fatal("app missing from ordered affected set")
	}
	if _, ok := pos[libfoo.ID]; !ok {
		t.Fatal("libfoo missing from ordered affected set")
	}
	if pos[libfoo.ID] > pos[app.ID] {
		t.Errorf("libfoo (dependency) ordered after app: %v", order)
	}
}

func TestMagicSysMarksUpgradeableNonUserPackages(t *testing.T) {
	idx := &model.IndexFile{ID: 1, URI: "https://repo.example/main", Trusted: true}
	oldV := &model.Version{ID: 1, Version: "1.0", Index: 1, Priority: 500}
	newV := &model.Version{ID: 2, Version: "2.0", Index: 1, Priority: 1100}
	sysPkg := &model.Package{ID: 1, Name: "sys-tool", Versions: []model.VersionID{1, 2}, Installed: 1}

	userV := &model.Version{ID: 3, Version: "1.0", Index: 1, Priority: 500, Section: "user/apps"}
	userV2 := &model.Version{ID: 4, Version: "2.0", Index: 1, Priority: 1100, Section: "user/apps"}
	userPkg := &model.Package{ID: 2, Name: "user-app", Versions: []model.VersionID{3, 4}, Installed: 3}

	fake := libpkg.NewFake()
	fake.Snap = libpkg.Snapshot{
		Packages: []*model.Package{sysPkg, userPkg},
		Versions: []*model.Version{oldV, newV, userV, userV2},
		Indexes:  []*model.IndexFile{idx},
	}
	store := &config.ExtraInfoStore{StateDir: t.TempDir()}
	c := cache.New(fake, testClassifier(), store)
	if err := c.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	p := New(c, fake, false)

	if err := p.MarkForInstall(model.MagicSysPackage); err != nil {
		t.Fatalf("MarkForInstall(magic:sys): %v", err)
	}
	if c.Mark(sysPkg.ID) != model.MarkInstall {
		t.Error("upgradeable non-user package not marked install by magic:sys")
	}
	if c.Mark(userPkg.ID) != model.MarkKeep {
		t.Error("user package should not be touched by magic:sys")
	}
}

func TestOrderedAffectedEmptyWhenNothingMarked(t *testing.T) {
	p, _ := newTestPlanner(t)
	if order := p.OrderedAffected(); order != nil {
		t.Errorf("expected nil order, got %v", order)
	}
}

func sortedIDs(ids []model.PackageID) []model.PackageID {
	out := append([]model.PackageID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
