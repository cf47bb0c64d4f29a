package swap

import (
	"github.com/pkg/errors"

	"github.com/nvswap/tensorswap/cmn/nlog"
)

// The four fatal conditions spec.md §7 names are engine-level logic bugs,
// not recoverable runtime errors — the source asserts and aborts. This repo
// preserves "fatal" as a panic (carrying a pkg/errors stack) rather than a
// returned error, so callers cannot silently ignore a broken invariant, and
// tests can assert on it via recover.
func fatal(err error) {
	nlog.Errorln(err)
	panic(err)
}

func fatalf(format string, args ...interface{}) {
	fatal(errors.Errorf(format, args...))
}
