// Package env captures the worker's invocation environment: the options
// string passed to the backend subcommand (spec.md §6) and the proxy/mount
// environment variables the worker honors, generalized from the teacher's
// internal/env.DistriRoot pattern of resolving one piece of ambient
// configuration per accessor instead of threading raw os.Getenv calls
// through the rest of the tree.
package env

import "os"

// Options is the parsed form of the backend subcommand's options string
// (spec.md §6): an unordered set of single-letter flags.
type Options struct {
	BreakLocks        bool // B
	AllowWrongDomains bool // D
	DownloadToMMC     bool // M
	UseAptAlgorithms  bool // A
}

// ParseOptions parses the options string argument to the backend
// subcommand. Unknown letters are ignored rather than rejected: spec.md §6
// documents this as the current set, and a future worker build is expected
// to add letters without breaking older clients that still pass them.
func ParseOptions(s string) Options {
	var o Options
	for _, r := range s {
		switch r {
		case 'B':
			o.BreakLocks = true
		case 'D':
			o.AllowWrongDomains = true
		case 'M':
			o.DownloadToMMC = true
		case 'A':
			o.UseAptAlgorithms = true
		}
	}
	return o
}

// Environment is the subset of process environment the worker honors
// (spec.md §6).
type Environment struct {
	HTTPProxy             string
	HTTPSProxy            string
	InternalMMCMountpoint string
	RemovableMMCMountpoint string
	LCMessages            string
}

// FromProcess reads Environment from the current process's environment.
func FromProcess() Environment {
	return Environment{
		HTTPProxy:              os.Getenv("http_proxy"),
		HTTPSProxy:             os.Getenv("https_proxy"),
		InternalMMCMountpoint:  os.Getenv("INTERNAL_MMC_MOUNTPOINT"),
		RemovableMMCMountpoint: os.Getenv("REMOVABLE_MMC_MOUNTPOINT"),
		LCMessages:             os.Getenv("LC_MESSAGES"),
	}
}
