// Package fetcher implements the network half of the lists-refresh
// transaction (spec C7): an HTTP client that downloads each configured
// catalogue's index file into the staged lists directory, grounded on the
// teacher's own internal/repo.Reader (the same proxy-respecting transport
// and Accept-Encoding negotiation, here applied to apt-style Packages
// indexes instead of distri package blobs). Requests are unconditional:
// every index is downloaded in full on each fetch.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/distr1/pkgworker/internal/listsrefresh"
)

// Catalogue mirrors the dispatcher's configured-source shape; kept as its
// own type rather than importing internal/dispatcher, the same boundary
// duplication internal/listsrefresh.Catalogue already uses.
type Catalogue struct {
	URI          string
	Distribution string
	Component    string
}

var httpClient = &http.Client{
	Timeout: 2 * time.Minute,
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 10,
	},
}

// Client fetches every catalogue's Packages index over HTTP. Catalogues is
// called fresh on every FetchInto so a SET_CATALOGUES between two
// CHECK_UPDATES calls is honored without reconstructing the client.
type Client struct {
	Catalogues func() ([]Catalogue, error)
}

var _ listsrefresh.Fetcher = (*Client)(nil)

// FetchInto downloads one index file per catalogue into destDir, laid out
// the same way catalogueMatches (internal/listsrefresh) expects to read
// fetched URIs back out for failure attribution: one request per
// dists/<distribution>/<component> (or flat-repository) index URL.
func (c *Client) FetchInto(ctx context.Context, destDir string) ([]listsrefresh.FetchResult, error) {
	cats, err := c.Catalogues()
	if err != nil {
		return nil, xerrors.Errorf("loading catalogues: %w", err)
	}
	if len(cats) == 0 {
		return nil, nil
	}

	results := make([]listsrefresh.FetchResult, len(cats))
	g, gctx := errgroup.WithContext(ctx)
	for i, cat := range cats {
		i, cat := i, cat
		g.Go(func() error {
			url, relPath := indexLocation(cat)
			dest := filepath.Join(destDir, relPath)
			err := fetchOne(gctx, url, dest)
			results[i] = listsrefresh.FetchResult{URI: url, Err: err}
			return nil // per-item failures are reported via FetchResult, not fatal
		})
	}
	g.Wait()
	return results, nil
}

// indexLocation derives the index file's URL and its path relative to the
// staged lists directory, mirroring the three URI shapes catalogueMatches
// recognizes so a failed fetch's URI always matches back to its catalogue.
func indexLocation(cat Catalogue) (url, relPath string) {
	base := strings.TrimSuffix(cat.URI, "/")
	dir := sanitize(cat.URI)

	switch {
	case cat.Distribution == "/":
		return base + "/Packages.gz", filepath.Join(dir, "Packages.gz")
	case strings.HasSuffix(cat.Distribution, "/"):
		return base + "/" + cat.Distribution + "Packages.gz", filepath.Join(dir, sanitize(cat.Distribution), "Packages.gz")
	default:
		comp := cat.Component
		if comp == "" {
			comp = "main"
		}
		url = base + "/dists/" + cat.Distribution + "/" + comp + "/Packages.gz"
		relPath = filepath.Join(dir, cat.Distribution, comp, "Packages.gz")
		return url, relPath
	}
}

func sanitize(s string) string {
	s = strings.TrimSuffix(s, "/")
	s = strings.ReplaceAll(s, "://", "_")
	return strings.ReplaceAll(s, "/", "_")
}

func fetchOne(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: HTTP status 404", url)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP status %s", url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return xerrors.Errorf("writing %s: %w", dest, err)
	}
	return out.Close()
}
