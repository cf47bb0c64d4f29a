//go:build !debug

package debug

func assert(bool, ...interface{})       {}
func assertNoErr(error)                 {}
func assertf(bool, string, ...interface{}) {}
