// Package listsrefresh implements the lists-refresh transaction (spec C7):
// a hardlink/rename dance that keeps a multi-file repository index refresh
// from ever leaving Packages files inconsistent with their Release file if
// interrupted, plus per-item failure attribution back to the catalogue
// that produced the failing fetch.
package listsrefresh

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/distr1/pkgworker"
)

// Fetcher is the seam this package needs from the underlying library's
// fetcher: populate destDir with whatever index files the active
// catalogues describe. It is deliberately narrower than libpkg.Library,
// since a lists refresh targets index files, not package archives.
type Fetcher interface {
	FetchInto(ctx context.Context, destDir string) ([]FetchResult, error)
}

// FetchResult is one index file's fetch outcome.
type FetchResult struct {
	URI string
	Err error // nil on success
}

// Catalogue is a repository entry (spec.md GLOSSARY): URI, distribution,
// optional component, and the error sub-tree failed fetches attach to.
type Catalogue struct {
	URI          string
	Distribution string
	Component    string

	Errors []CatalogueError
}

// CatalogueError is one attributed failure (spec.md §4.6's
// "{errors {error {uri, msg}}}" sub-tree).
type CatalogueError struct {
	URI string
	Msg string
}

// Transaction drives one lists-refresh over ListsDir.
type Transaction struct {
	ListsDir string
}

func (t *Transaction) newDir() string { return t.ListsDir + ".new" }
func (t *Transaction) oldDir() string { return t.ListsDir + ".old" }

// Run executes the transaction (spec.md §4.6): stage a hardlinked copy of
// ListsDir, fetch into the staged copy, attribute any per-item failures to
// catalogues, and commit (rename dance) or roll back depending on how many
// items succeeded.
func (t *Transaction) Run(ctx context.Context, fetcher Fetcher, catalogues []*Catalogue) (pkgworker.ResultCode, error) {
	if err := os.RemoveAll(t.newDir()); err != nil {
		return pkgworker.Failure, xerrors.Errorf("removing stale %s: %w", t.newDir(), err)
	}
	if err := hardlinkTree(t.ListsDir, t.newDir()); err != nil {
		os.RemoveAll(t.newDir())
		return pkgworker.Failure, xerrors.Errorf("staging %s: %w", t.newDir(), err)
	}

	results, err := fetcher.FetchInto(ctx, t.newDir())
	if err != nil && len(results) == 0 {
		os.RemoveAll(t.newDir())
		return pkgworker.Failure, xerrors.Errorf("fetch: %w", err)
	}

	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Err == nil {
			succeeded++
			continue
		}
		failed++
		msg := r.Err.Error()
		attributeFailure(catalogues, r.URI, msg)
	}

	if succeeded == 0 {
		os.RemoveAll(t.newDir())
		return pkgworker.Failure, nil
	}

	if err := decompressGzipFiles(t.newDir()); err != nil {
		// A decompression failure is not committed: ListsDir keeps its
		// previous contents, the staged directory is left for the next Run
		// to remove, and the error is returned to the caller alongside
		// partial_success.
		return pkgworker.PartialSuccess, xerrors.Errorf("decompressing fetched indexes: %w", err)
	}

	if err := commit(t.ListsDir, t.newDir(), t.oldDir()); err != nil {
		return pkgworker.Failure, xerrors.Errorf("committing %s: %w", t.ListsDir, err)
	}

	if failed > 0 {
		return pkgworker.PartialSuccess, nil
	}
	return pkgworker.Success, nil
}

func commit(listsDir, newDir, oldDir string) error {
	os.RemoveAll(oldDir)
	if err := os.Rename(listsDir, oldDir); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(newDir, listsDir); err != nil {
		return err
	}
	return os.RemoveAll(oldDir)
}

// hardlinkTree recreates src's directory structure under dst, hard-linking
// every regular file (spec.md §4.6 step 2) concurrently via errgroup, since
// a repository's lists directory can hold many per-component index files.
func hardlinkTree(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return os.MkdirAll(dst, 0755)
	}

	var files []string
	if err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		files = append(files, rel)
		return nil
	}); err != nil {
		return err
	}

	g, _ := errgroup.WithContext(context.Background())
	for _, rel := range files {
		rel := rel
		g.Go(func() error {
			return os.Link(filepath.Join(src, rel), filepath.Join(dst, rel))
		})
	}
	return g.Wait()
}

// decompressGzipFiles decompresses every *.gz file in dir into a sibling
// file with the suffix stripped, using klauspost/pgzip (the teacher's own
// compression dependency, there for squashfs, here for fast parallel
// gzip decode of large Packages.gz files) so later index scans never pay
// the inflate cost twice.
func decompressGzipFiles(dir string) error {
	var files []string
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".gz") {
			files = append(files, path)
		}
		return nil
	}); err != nil {
		return err
	}

	g, _ := errgroup.WithContext(context.Background())
	for _, path := range files {
		path := path
		g.Go(func() error { return decompressOne(path) })
	}
	return g.Wait()
}

func decompressOne(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	zr, err := pgzip.NewReader(in)
	if err != nil {
		return xerrors.Errorf("pgzip reader for %s: %w", path, err)
	}
	defer zr.Close()

	out, err := os.Create(strings.TrimSuffix(path, ".gz"))
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := out.ReadFrom(zr); err != nil {
		return xerrors.Errorf("decompressing %s: %w", path, err)
	}
	return nil
}

// attributeFailure matches a failed fetch item's URI against catalogues
// using the shapes spec.md §4.6 documents, attaching a CatalogueError to
// every catalogue that matches.
func attributeFailure(catalogues []*Catalogue, uri, msg string) {
	for _, c := range catalogues {
		if catalogueMatches(c, uri) {
			c.Errors = append(c.Errors, CatalogueError{URI: uri, Msg: msg})
		}
	}
}

func catalogueMatches(c *Catalogue, uri string) bool {
	base := strings.TrimSuffix(c.URI, "/") + "/dists/" + strings.TrimSuffix(c.Distribution, "/") + "/"
	if strings.HasPrefix(uri, base) {
		remainder := strings.TrimPrefix(uri, base)
		if !strings.Contains(remainder, "/") {
			return true
		}
		if c.Component != "" && strings.HasPrefix(remainder, c.Component+"/") {
			return true
		}
		return false
	}

	if strings.HasSuffix(c.Distribution, "/") {
		prefix := strings.TrimSuffix(c.URI, "/") + "/" + c.Distribution
		if strings.HasPrefix(uri, prefix) {
			return true
		}
	}

	if c.Distribution == "/" {
		prefix := strings.TrimSuffix(c.URI, "/") + "/"
		if strings.HasPrefix(uri, prefix) {
			return true
		}
	}

	return false
}
