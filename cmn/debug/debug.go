// Package debug gates invariant checks behind the `debug` build tag, the way
// aistore's cmn/debug does (see usage in xact/xs/tcb.go: debug.Assert,
// debug.AssertNoErr) so that production builds pay nothing for them.
package debug

// Assert panics with msg when cond is false. Compiled out entirely unless
// the repository is built with `-tags debug`; see debug_on.go/debug_off.go.
func Assert(cond bool, msg ...interface{}) {
	assert(cond, msg...)
}

// AssertNoErr panics if err is non-nil.
func AssertNoErr(err error) {
	assertNoErr(err)
}

// Assertf is Assert with a format string.
func Assertf(cond bool, format string, args ...interface{}) {
	assertf(cond, format, args...)
}
