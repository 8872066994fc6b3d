package dispatcher

import (
	"os"

	"github.com/distr1/pkgworker/internal/wire"
	"golang.org/x/xerrors"
)

// Catalogue is one configured package source (spec.md §3 "Catalogue"),
// the dispatcher's view of a distr1/distri-style repository entry distilled
// down to what GET_CATALOGUES/SET_CATALOGUES exchange over the wire.
type Catalogue struct {
	URI          string
	Distribution string
	Component    string
}

func catalogueToXexp(c Catalogue) *wire.Xexp {
	x := wire.NewList("catalogue")
	x.Cons(wire.NewLeaf("uri", c.URI))
	x.Cons(wire.NewLeaf("distribution", c.Distribution))
	x.Cons(wire.NewLeaf("component", c.Component))
	return x
}

func catalogueFromXexp(x *wire.Xexp) Catalogue {
	return Catalogue{
		URI:          x.TextOf("uri"),
		Distribution: x.TextOf("distribution"),
		Component:    x.TextOf("component"),
	}
}

func cataloguesToXexp(tag string, cats []Catalogue) *wire.Xexp {
	list := wire.NewList(tag)
	for _, c := range cats {
		list.Cons(catalogueToXexp(c))
	}
	return list
}

func cataloguesFromXexp(x *wire.Xexp) []Catalogue {
	out := make([]Catalogue, 0, len(x.Children))
	for _, c := range x.Children {
		out = append(out, catalogueFromXexp(c))
	}
	return out
}

// CatalogueStore persists the configured catalogues and the separate
// temporary-catalogues list (spec.md §6 "Persisted files": `.../catalogues`
// and `.../catalogues.temp`) as xexp files, written with the same
// fsync+rename discipline as internal/journal — both are "replace this
// well-known file atomically" problems grounded on the same teacher idiom.
type CatalogueStore struct {
	Path     string
	TempPath string
}

// Load reads the configured catalogues, or an empty list if the file does
// not yet exist.
func (s *CatalogueStore) Load() ([]Catalogue, error) {
	return readCatalogueFile(s.Path, "catalogues")
}

// Save atomically replaces the configured catalogues file.
func (s *CatalogueStore) Save(cats []Catalogue) error {
	return writeCatalogueFile(s.Path, "catalogues", cats)
}

// LoadTemp reads the temporary catalogues list.
func (s *CatalogueStore) LoadTemp() ([]Catalogue, error) {
	return readCatalogueFile(s.TempPath, "temp-catalogues")
}

// AddTemp appends cats to the temporary catalogues list, deduplicating by
// URI (spec.md's ADD_TEMP_CATALOGUES is additive: re-adding an existing
// catalogue is a no-op, not a duplicate entry).
func (s *CatalogueStore) AddTemp(cats []Catalogue) error {
	existing, err := s.LoadTemp()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c.URI] = true
	}
	for _, c := range cats {
		if !seen[c.URI] {
			existing = append(existing, c)
			seen[c.URI] = true
		}
	}
	return writeCatalogueFile(s.TempPath, "temp-catalogues", existing)
}

// RemoveTemp drops every temporary catalogue whose URI is in uris.
func (s *CatalogueStore) RemoveTemp(uris []string) error {
	existing, err := s.LoadTemp()
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(uris))
	for _, u := range uris {
		drop[u] = true
	}
	kept := existing[:0]
	for _, c := range existing {
		if !drop[c.URI] {
			kept = append(kept, c)
		}
	}
	return writeCatalogueFile(s.TempPath, "temp-catalogues", kept)
}

func readCatalogueFile(path, tag string) ([]Catalogue, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("reading %s: %w", path, err)
	}
	d := wire.NewDecoder(buf)
	x := d.Xexp()
	if d.Corrupted() || x == nil || x.Tag != tag {
		return nil, xerrors.Errorf("%s: not a valid catalogue file", path)
	}
	return cataloguesFromXexp(x), nil
}

func writeCatalogueFile(path, tag string, cats []Catalogue) error {
	enc := wire.NewEncoder()
	enc.Xexp(cataloguesToXexp(tag, cats))
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return xerrors.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := f.Write(enc.Bytes()); err != nil {
		f.Close()
		return xerrors.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return xerrors.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return xerrors.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}
