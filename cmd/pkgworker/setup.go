package main

import (
	"github.com/distr1/pkgworker/internal/cache"
	"github.com/distr1/pkgworker/internal/config"
	"github.com/distr1/pkgworker/internal/dispatcher"
	"github.com/distr1/pkgworker/internal/env"
	"github.com/distr1/pkgworker/internal/fetcher"
	"github.com/distr1/pkgworker/internal/libpkg"
	"github.com/distr1/pkgworker/internal/listsrefresh"
	"github.com/distr1/pkgworker/internal/trust"
	"golang.org/x/xerrors"
)

// CacheInitError distinguishes a failure to open the package cache from any
// other setup error, so main can map it to exit code 2 (spec.md §6 "2 cache
// init failure") instead of the generic 1.
type CacheInitError struct{ Err error }

func (e *CacheInitError) Error() string { return e.Err.Error() }
func (e *CacheInitError) Unwrap() error { return e.Err }

// buildDispatcher wires together one worker generation: the cache facade
// over lib, the catalogue store and lists-refresh transaction backed by a
// real HTTP fetcher, and the journal/rebooter paths every subcommand shares
// (spec.md §6 "Persisted files"). opts carries the backend subcommand's
// parsed options string (spec.md §6); check-for-updates passes the zero
// value, since none of those letters apply to it.
func buildDispatcher(lib libpkg.Library, opts env.Options) (*dispatcher.Dispatcher, error) {
	classifier := &trust.Classifier{}
	domains := &config.DomainConfig{Path: domainConfPath}
	if explicit, err := domains.Reload(); err != nil {
		return nil, xerrors.Errorf("loading domain config: %w", err)
	} else {
		classifier.Explicit = explicit
	}

	extra := &config.ExtraInfoStore{StateDir: stateDir}
	c := cache.New(lib, classifier, extra)
	if err := c.Open(); err != nil {
		return nil, &CacheInitError{Err: xerrors.Errorf("opening package cache: %w", err)}
	}

	catalogues := &dispatcher.CatalogueStore{Path: catalogueConfPath, TempPath: tempCatalogueConf}

	d := &dispatcher.Dispatcher{
		Cache:      c,
		Classifier: classifier,
		Lib:        lib,
		Domains:    domains,
		Catalogues: catalogues,
		Lists:      &listsrefresh.Transaction{ListsDir: listsDir},
		Fetcher: &fetcher.Client{Catalogues: func() ([]fetcher.Catalogue, error) {
			cats, err := catalogues.Load()
			if err != nil {
				return nil, err
			}
			out := make([]fetcher.Catalogue, len(cats))
			for i, c := range cats {
				out[i] = fetcher.Catalogue{URI: c.URI, Distribution: c.Distribution, Component: c.Component}
			}
			return out, nil
		}},
		Journal: dispatcher.JournalPaths{
			Operation:        currentOperationPath,
			AvailableUpdates: availableUpdatesPath,
		},
		AllowWrongDomains: opts.AllowWrongDomains,
		UseAptAlgorithms:  opts.UseAptAlgorithms,
		ArchivesDir:       archivesDir(opts),
		Rebooter:          dispatcher.DefaultRebooter,
	}
	return d, nil
}

// archivesDir picks the download cache directory (spec.md §6's "M" option):
// the removable MMC mountpoint's cache subdirectory when requested, the
// internal one otherwise. Whether the removable mountpoint is present is not
// checked here.
func archivesDir(opts env.Options) string {
	if opts.DownloadToMMC {
		return removableMMCMountpoint + "/.apt-archive-cache"
	}
	return internalMMCMountpoint + "/.apt-archive-cache"
}
