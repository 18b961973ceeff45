//go:build !release

package assert

import "fmt"

// That panics with the formatted message when cond is false. Used for programmer errors such as
// invalid registrations or misconfigured controllers, never for runtime or network anomalies.
func That(cond bool, format string, args ...any) { //nolint:goprintffuncname // it's ok
	if !cond {
		panic(fmt.Sprintf("lockstep: "+format, args...))
	}
}
