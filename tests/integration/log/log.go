//go:build integration

// Package log reports the progress of the integration suite against a live
// hypervisor, where powering on and waiting for guest tools takes minutes.
package log

import (
	"fmt"
	"os"
	"time"
)

var start = time.Now()

// Status prints a progress line prefixed with the time elapsed since the
// suite started. It is shown even without -v.
func Status(format string, args ...any) {
	elapsed := time.Since(start).Truncate(100 * time.Millisecond)
	_, _ = fmt.Fprintf(os.Stdout, "[%8s] "+format+"\n", append([]any{elapsed}, args...)...)
}
