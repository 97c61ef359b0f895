package kernel

import (
	"runtime"
	"strconv"
	"strings"
)

// goroutineID extracts the calling goroutine's runtime-assigned ID by
// parsing the header line of runtime.Stack's output ("goroutine 123 [running]:").
// The standard library exposes no public goroutine-identity API; this is the
// well-known workaround used wherever Go code needs to assert that a call
// happens on a specific, already-known goroutine (see DESIGN.md) - here,
// solely for the simulation-thread affinity check, never for business logic.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
