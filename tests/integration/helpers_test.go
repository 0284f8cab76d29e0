//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// uniqueName generates a name for a test snapshot or guest path
func uniqueName(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano()%100000)
}

// guestTempDir creates a scratch directory in the guest and removes it when
// the test ends
func guestTempDir(t *testing.T) string {
	t.Helper()
	dir := "/tmp/" + uniqueName(t)
	require.NoError(t, testClient.Mkdir(context.Background(), dir), "mkdir %s should succeed", dir)

	t.Cleanup(func() {
		_ = testClient.Remove(context.Background(), dir, true)
	})
	return dir
}

// runShell runs a shell command in the guest and returns its output
func runShell(t *testing.T, command string) string {
	t.Helper()
	p, err := testClient.Script(context.Background(), "", command, false)
	require.NoError(t, err, "script %q should run", command)
	require.Equal(t, 0, p.ExitCode, "script %q should succeed: %s", command, p.Output)
	return p.Output
}
