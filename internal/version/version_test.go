package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })

	Version = "v1.2.0"
	s := String()
	assert.Contains(t, s, "vmctl v1.2.0 (commit: unknown")
	assert.Contains(t, s, runtime.Version())
}
