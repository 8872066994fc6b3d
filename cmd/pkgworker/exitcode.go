package main

import "golang.org/x/xerrors"

// exitCodeFor maps a subcommand's error to spec.md §6's exit codes: 2 for a
// cache that could not be opened, 1 for everything else (setup failure,
// usage error, or a command that itself reported failure).
func exitCodeFor(err error) int {
	var cacheErr *CacheInitError
	if xerrors.As(err, &cacheErr) {
		return 2
	}
	return 1
}
