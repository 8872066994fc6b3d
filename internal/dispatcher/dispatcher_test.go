package dispatcher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/distr1/pkgworker"
	"github.com/distr1/pkgworker/internal/cache"
	"github.com/distr1/pkgworker/internal/config"
	"github.com/distr1/pkgworker/internal/journal"
	"github.com/distr1/pkgworker/internal/libpkg"
	"github.com/distr1/pkgworker/internal/model"
	"github.com/distr1/pkgworker/internal/trust"
	"github.com/distr1/pkgworker/internal/wire"
)

// noopCanceler never signals, for tests that don't exercise cancellation.
type noopCanceler struct{}

func (noopCanceler) Drain() bool    { return false }
func (noopCanceler) Signaled() bool { return false }

func newTestDispatcher(t *testing.T) (*Dispatcher, *libpkg.Fake) {
	t.Helper()
	idx := &model.IndexFile{ID: 1, URI: "https://repo.example/main", Trusted: true}
	v1 := &model.Version{ID: 1, Version: "1.0", Index: 1, Priority: 500}
	v2 := &model.Version{ID: 2, Version: "2.0", Index: 1, Priority: 600}
	pkg := &model.Package{ID: 1, Name: "app", Versions: []model.VersionID{1, 2}, Installed: 1}

	fake := libpkg.NewFake()
	fake.Snap = libpkg.Snapshot{
		Packages: []*model.Package{pkg},
		Versions: []*model.Version{v1, v2},
		Indexes:  []*model.IndexFile{idx},
	}

	dir := t.TempDir()
	store := &config.ExtraInfoStore{StateDir: dir}
	c := cache.New(fake, &trust.Classifier{}, store)
	if err := c.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	d := &Dispatcher{
		Cache:      c,
		Classifier: &trust.Classifier{},
		Lib:        fake,
		Domains:    &config.DomainConfig{Path: filepath.Join(dir, "domains.conf")},
		Catalogues: &CatalogueStore{Path: filepath.Join(dir, "catalogues"), TempPath: filepath.Join(dir, "catalogues.temp")},
		Journal:    JournalPaths{Operation: filepath.Join(dir, "current-operation"), AvailableUpdates: filepath.Join(dir, "available-updates")},
		ArchivesDir: dir,
	}
	return d, fake
}

// roundTrip sends one frame through d.Serve and returns the decoded result
// code plus the raw reply payload tail (after the 4-byte result code).
func roundTrip(t *testing.T, d *Dispatcher, cmd pkgworker.Command, reqEnc *wire.Encoder) (pkgworker.ResultCode, []byte) {
	t.Helper()
	if reqEnc == nil {
		reqEnc = wire.NewEncoder()
	}

	var in bytes.Buffer
	if err := wire.WriteFrame(&in, int32(cmd), 1, reqEnc.Bytes()); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var out bytes.Buffer
	var status bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, &in, &out, &status, noopCanceler{}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}

	hdr, err := wire.ReadFrameHeader(&status)
	if err != nil {
		t.Fatalf("reading initial status: %v", err)
	}
	if pkgworker.Command(hdr.Command) != pkgworker.STATUS {
		t.Fatalf("initial frame command = %v, want STATUS", hdr.Command)
	}
	if _, err := wire.ReadFramePayload(&status, hdr, make([]byte, hdr.Length)); err != nil {
		t.Fatalf("reading status payload: %v", err)
	}

	rhdr, err := wire.ReadFrameHeader(&out)
	if err != nil {
		t.Fatalf("reading reply header: %v", err)
	}
	payload, err := wire.ReadFramePayload(&out, rhdr, make([]byte, rhdr.Length))
	if err != nil {
		t.Fatalf("reading reply payload: %v", err)
	}
	if len(payload) < 4 {
		t.Fatal("reply payload too short for a result code")
	}
	dec := wire.NewDecoder(payload)
	code := dec.Int32()
	if dec.Corrupted() {
		t.Fatal("reply payload corrupted decoding result code")
	}
	return pkgworker.ResultCode(code), payload[4:]
}

func TestServeNoopRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t)
	code, _ := roundTrip(t, d, pkgworker.NOOP, nil)
	if code != pkgworker.Success {
		t.Errorf("code = %v, want success", code)
	}
}

func TestServeUnknownCommandFails(t *testing.T) {
	d, _ := newTestDispatcher(t)
	code, _ := roundTrip(t, d, pkgworker.Command(9999), nil)
	if code != pkgworker.Failure {
		t.Errorf("code = %v, want failure", code)
	}
}

func TestServeGetPackageList(t *testing.T) {
	d, _ := newTestDispatcher(t)
	code, rest := roundTrip(t, d, pkgworker.GET_PACKAGE_LIST, nil)
	if code != pkgworker.Success {
		t.Fatalf("code = %v, want success", code)
	}
	dec := wire.NewDecoder(rest)
	x := dec.Xexp()
	if x == nil || x.Tag != "packages" {
		t.Fatalf("reply xexp = %+v, want tag packages", x)
	}
	if len(x.Children) != 1 || x.Children[0].TextOf("name") != "app" {
		t.Errorf("packages = %+v, want one entry named app", x.Children)
	}
}

func TestServeGetPackageInfoNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)
	enc := wire.NewEncoder()
	enc.String("missing")
	code, _ := roundTrip(t, d, pkgworker.GET_PACKAGE_INFO, enc)
	if code != pkgworker.PackagesNotFound {
		t.Errorf("code = %v, want packages_not_found", code)
	}
}

func TestServeSetAndGetCatalogues(t *testing.T) {
	d, _ := newTestDispatcher(t)
	enc := wire.NewEncoder()
	enc.Xexp(cataloguesToXexp("catalogues", []Catalogue{{URI: "https://repo.example/main", Distribution: "stable", Component: "main"}}))
	code, _ := roundTrip(t, d, pkgworker.SET_CATALOGUES, enc)
	if code != pkgworker.Success {
		t.Fatalf("SET_CATALOGUES code = %v, want success", code)
	}

	code, rest := roundTrip(t, d, pkgworker.GET_CATALOGUES, nil)
	if code != pkgworker.Success {
		t.Fatalf("GET_CATALOGUES code = %v, want success", code)
	}
	dec := wire.NewDecoder(rest)
	x := dec.Xexp()
	cats := cataloguesFromXexp(x)
	if len(cats) != 1 || cats[0].URI != "https://repo.example/main" {
		t.Errorf("catalogues = %+v, want one entry for repo.example/main", cats)
	}
}

func TestServeInstallCheckAndInstallPackage(t *testing.T) {
	d, fake := newTestDispatcher(t)

	path := filepath.Join(t.TempDir(), "app_2.0.deb")
	if err := os.WriteFile(path, []byte("archive contents"), 0644); err != nil {
		t.Fatal(err)
	}
	fake.Outcome = libpkg.InstallCompleted

	enc := wire.NewEncoder()
	enc.String("app")
	code, _ := roundTrip(t, d, pkgworker.INSTALL_CHECK, enc)
	if code != pkgworker.Success {
		t.Fatalf("INSTALL_CHECK code = %v, want success", code)
	}

	enc = wire.NewEncoder()
	enc.String("app")
	enc.String("")
	code, _ = roundTrip(t, d, pkgworker.INSTALL_PACKAGE, enc)
	if code != pkgworker.Success {
		t.Fatalf("INSTALL_PACKAGE code = %v, want success", code)
	}

	if _, found, err := journal.Read(d.Journal.Operation); err != nil {
		t.Fatalf("journal read: %v", err)
	} else if found {
		t.Error("journal should have been erased after a successful install")
	}
}

func TestServeGetFreeSpace(t *testing.T) {
	d, fake := newTestDispatcher(t)
	fake.FreeSpaceVal = 12345

	enc := wire.NewEncoder()
	enc.String("/")
	code, rest := roundTrip(t, d, pkgworker.GET_FREE_SPACE, enc)
	if code != pkgworker.Success {
		t.Fatalf("code = %v, want success", code)
	}
	dec := wire.NewDecoder(rest)
	got := dec.Int64()
	if dec.Corrupted() || got != 12345 {
		t.Errorf("free space = %v, corrupted=%v, want 12345, false", got, dec.Corrupted())
	}
}

func TestServeReboot(t *testing.T) {
	d, _ := newTestDispatcher(t)
	reb := &fakeRebooter{}
	d.Rebooter = reb

	code, _ := roundTrip(t, d, pkgworker.REBOOT, nil)
	if code != pkgworker.Success {
		t.Errorf("code = %v, want success", code)
	}
	if !reb.called {
		t.Error("Rebooter.Reboot was not called")
	}
}

// TestServeRemoveRejectsMagicSys covers spec.md §8's boundary behavior:
// removing the magic:sys sentinel must fail specifically, not fall through
// to a generic "package not found" failure.
func TestServeRemoveRejectsMagicSys(t *testing.T) {
	d, _ := newTestDispatcher(t)

	enc := wire.NewEncoder()
	enc.String(model.MagicSysPackage)
	code, _ := roundTrip(t, d, pkgworker.REMOVE_CHECK, enc)
	if code != pkgworker.SystemUpdateUnremovable {
		t.Errorf("REMOVE_CHECK(magic:sys) code = %v, want system_update_unremovable", code)
	}

	enc = wire.NewEncoder()
	enc.String(model.MagicSysPackage)
	code, _ = roundTrip(t, d, pkgworker.REMOVE_PACKAGE, enc)
	if code != pkgworker.SystemUpdateUnremovable {
		t.Errorf("REMOVE_PACKAGE(magic:sys) code = %v, want system_update_unremovable", code)
	}
}

// TestServeInstallCheckReportsDomainsViolated reproduces spec.md §8 scenario
// 2: a certified package with a newer unsigned-source version must surface
// a domains_violated entry from INSTALL_CHECK, and must not once option D
// (AllowWrongDomains) is set.
func TestServeInstallCheckReportsDomainsViolated(t *testing.T) {
	certifiedIdx := &model.IndexFile{ID: 1, URI: "https://repo.example/certified", Trusted: true}
	unsignedIdx := &model.IndexFile{ID: 2, URI: "https://repo.example/unsigned", Trusted: false}
	v1 := &model.Version{ID: 1, Version: "1.0", Index: 1, Priority: 500}
	v2 := &model.Version{ID: 2, Version: "2.0", Index: 2, Priority: 2000}
	pkg := &model.Package{ID: 1, Name: "Q", Versions: []model.VersionID{1, 2}, Installed: 1}

	fake := libpkg.NewFake()
	fake.Snap = libpkg.Snapshot{
		Packages: []*model.Package{pkg},
		Versions: []*model.Version{v1, v2},
		Indexes:  []*model.IndexFile{certifiedIdx, unsignedIdx},
	}

	dir := t.TempDir()
	store := &config.ExtraInfoStore{StateDir: dir}
	classifier := &trust.Classifier{Explicit: []model.Domain{
		{Name: "certified", TrustLevel: 3, Certified: true, URISuffixes: []string{"certified"}},
	}}
	c := cache.New(fake, classifier, store)
	if err := c.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	d := &Dispatcher{
		Cache:       c,
		Classifier:  classifier,
		Lib:         fake,
		Domains:     &config.DomainConfig{Path: filepath.Join(dir, "domains.conf")},
		Catalogues:  &CatalogueStore{Path: filepath.Join(dir, "catalogues"), TempPath: filepath.Join(dir, "catalogues.temp")},
		Journal:     JournalPaths{Operation: filepath.Join(dir, "current-operation"), AvailableUpdates: filepath.Join(dir, "available-updates")},
		ArchivesDir: dir,
	}

	enc := wire.NewEncoder()
	enc.String("Q")
	code, rest := roundTrip(t, d, pkgworker.INSTALL_CHECK, enc)
	if code != pkgworker.Success {
		t.Fatalf("INSTALL_CHECK code = %v, want success", code)
	}
	dec := wire.NewDecoder(rest)
	dec.Xexp() // upgrade-list
	dec.Xexp() // trust-summary
	violated := dec.Xexp()
	if violated == nil || violated.Tag != "domains_violated" {
		t.Fatalf("violated xexp = %+v, want tag domains_violated", violated)
	}
	if len(violated.Children) != 1 || violated.Children[0].TextOf("package") != "Q" {
		t.Errorf("domains_violated entries = %+v, want one entry naming Q", violated.Children)
	}

	d.AllowWrongDomains = true
	d.planner = nil
	enc = wire.NewEncoder()
	enc.String("Q")
	code, rest = roundTrip(t, d, pkgworker.INSTALL_CHECK, enc)
	if code != pkgworker.Success {
		t.Fatalf("INSTALL_CHECK (option D) code = %v, want success", code)
	}
	dec = wire.NewDecoder(rest)
	dec.Xexp()
	dec.Xexp()
	violated = dec.Xexp()
	if violated == nil || violated.Tag != "domains_violated" {
		t.Fatalf("violated xexp = %+v, want tag domains_violated", violated)
	}
	if len(violated.Children) != 0 {
		t.Errorf("domains_violated entries = %+v, want none once AllowWrongDomains is set", violated.Children)
	}
}

type fakeRebooter struct{ called bool }

func (r *fakeRebooter) Reboot() error {
	r.called = true
	return nil
}

