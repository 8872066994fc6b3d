// Command pkgworker is the hildon-application-manager backend worker
// (spec.md §1): a single binary exposing four invocation modes dispatched
// on argv[0]'s first non-flag argument, the same verb-table idiom the
// teacher's cmd/distri uses for its own many subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/distr1/pkgworker"
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")

type verb struct {
	fn func(ctx context.Context, args []string) error
}

var verbs = map[string]verb{
	"backend":           {backend},
	"check-for-updates": {checkForUpdates},
	"rescue":            {rescue},
	"sleep":             {sleepCmd},
}

func funcmain() (int, error) {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		return 1, fmt.Errorf("usage: pkgworker <backend|check-for-updates|rescue|sleep> [args]")
	}
	name, args := args[0], args[1:]

	v, ok := verbs[name]
	if !ok {
		return 1, fmt.Errorf("unknown command %q", name)
	}

	ctx, canc := pkgworker.InterruptibleContext()
	defer canc()

	if err := v.fn(ctx, args); err != nil {
		return exitCodeFor(err), err
	}
	if err := pkgworker.RunAtExit(); err != nil {
		return 1, err
	}
	return 0, nil
}

func main() {
	code, err := funcmain()
	if err != nil {
		if *debug {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
	os.Exit(code)
}
