package config

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// ExtraInfoStore persists the autoinst flag and per-domain package sets
// (spec.md §3 "Per-package extra info", §4.4, §4.10) as one file each under
// StateDir: "autoinst" plus "domain.<name>" for every domain handed to Save
// (implicit domains included), each a newline-separated package-name list.
type ExtraInfoStore struct {
	StateDir string
}

func (s *ExtraInfoStore) autoinstPath() string {
	return filepath.Join(s.StateDir, "autoinst")
}

func (s *ExtraInfoStore) domainPath(name string) string {
	return filepath.Join(s.StateDir, "domain."+name)
}

// LoadAutoInst returns the set of package names currently marked autoinst.
// A missing file means an empty set, not an error.
func (s *ExtraInfoStore) LoadAutoInst() (map[string]bool, error) {
	return loadPackageSet(s.autoinstPath())
}

// LoadDomain returns the set of package names currently recorded under
// domain name.
func (s *ExtraInfoStore) LoadDomain(name string) (map[string]bool, error) {
	return loadPackageSet(s.domainPath(name))
}

func loadPackageSet(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	set := map[string]bool{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			set[line] = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// Save rewrites the autoinst file and one file per domain present in
// byDomain (spec.md §4.4 save_extra_info). Each write is
// write+fflush+fsync+close before an atomic rename, via
// github.com/google/renameio — the same crash-safety pattern the teacher
// uses in cmd/distri/install.go's hookinstall for writing files that must
// never be observed half-written.
func (s *ExtraInfoStore) Save(autoInst map[string]bool, byDomain map[string]map[string]bool) error {
	if err := os.MkdirAll(s.StateDir, 0755); err != nil {
		return xerrors.Errorf("mkdir %s: %w", s.StateDir, err)
	}
	if err := writePackageSet(s.autoinstPath(), autoInst); err != nil {
		return xerrors.Errorf("saving autoinst: %w", err)
	}
	for name, set := range byDomain {
		if err := writePackageSet(s.domainPath(name), set); err != nil {
			return xerrors.Errorf("saving domain %s: %w", name, err)
		}
	}
	return nil
}

func writePackageSet(path string, set map[string]bool) error {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)

	t, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	w := bufio.NewWriter(t)
	for _, n := range names {
		if _, err := w.WriteString(n); err != nil {
			return err
		}
		if _, err := w.WriteString("\n"); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
