//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kriansa/vmctl/internal/session"
)

func TestStatus(t *testing.T) {
	st, err := testClient.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, testCfg.VM.Path, st.Path)
	require.Equal(t, "powered-on", st.PowerState)
	require.Equal(t, "running", st.ToolsState)
}

// TestGuestFileLifecycle tests the guest file operations:
// mkdir -> push -> stat -> ls -> mv -> pull -> rm -> stat (verify gone)
func TestGuestFileLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := guestTempDir(t)
	local := t.TempDir()

	src := filepath.Join(local, "payload.txt")
	require.NoError(t, os.WriteFile(src, []byte("integration payload\n"), 0o644))

	t.Run("step1_push", func(t *testing.T) {
		require.NoError(t, testClient.CopyToGuest(ctx, src, dir+"/payload.txt"))
	})

	t.Run("step2_stat", func(t *testing.T) {
		st, err := testClient.Stat(ctx, dir+"/payload.txt")
		require.NoError(t, err)
		require.True(t, st.File)
		require.False(t, st.Directory)
	})

	t.Run("step3_list", func(t *testing.T) {
		entries, err := testClient.List(ctx, dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, "payload.txt", entries[0].Name)
	})

	t.Run("step4_rename", func(t *testing.T) {
		require.NoError(t, testClient.Rename(ctx, dir+"/payload.txt", dir+"/moved.txt"))
	})

	t.Run("step5_pull", func(t *testing.T) {
		dst := filepath.Join(local, "back.txt")
		require.NoError(t, testClient.CopyFromGuest(ctx, dir+"/moved.txt", dst))
		data, err := os.ReadFile(dst)
		require.NoError(t, err)
		require.Equal(t, "integration payload\n", string(data))
	})

	t.Run("step6_remove", func(t *testing.T) {
		require.NoError(t, testClient.Remove(ctx, dir+"/moved.txt", false))
		err := testClient.Remove(ctx, dir+"/moved.txt", false)
		require.ErrorIs(t, err, session.ErrGuestNotFound)
	})
}

func TestRunProgram(t *testing.T) {
	require.Equal(t, "hello\n", runShell(t, "echo hello"))

	p, err := testClient.Run(context.Background(), "/bin/sh", []string{"-c", "exit 7"}, false)
	require.NoError(t, err)
	require.Equal(t, 7, p.ExitCode)
}

// TestDetachedRun checks a detached script keeps running after the guest
// session it was started from is gone.
func TestDetachedRun(t *testing.T) {
	ctx := context.Background()
	marker := guestTempDir(t) + "/done"

	p, err := testClient.Script(ctx, "", "sleep 2; touch "+marker, true)
	require.NoError(t, err)
	require.True(t, p.Detached)
	require.Positive(t, p.PID)
	require.NoError(t, testClient.Logout(ctx))

	require.Eventually(t, func() bool {
		st, err := testClient.Stat(ctx, marker)
		return err == nil && st.File
	}, 30*time.Second, time.Second)
}

// TestSnapshotLifecycle tests create -> list -> show -> change the guest ->
// revert -> verify the change is gone
func TestSnapshotLifecycle(t *testing.T) {
	ctx := context.Background()
	name := uniqueName(t)

	t.Run("step1_create", func(t *testing.T) {
		sn, err := testClient.CreateSnapshot(ctx, name, "integration test")
		require.NoError(t, err)
		require.Equal(t, name, sn.Name)
	})

	t.Run("step2_current", func(t *testing.T) {
		_, current, err := testClient.Snapshots(ctx)
		require.NoError(t, err)
		require.NotNil(t, current)
		require.Equal(t, name, current.Name)
	})

	t.Run("step3_show", func(t *testing.T) {
		sn, err := testClient.NamedSnapshot(ctx, name)
		require.NoError(t, err)
		require.Equal(t, "integration test", sn.Description)
	})

	marker := "/var/tmp/" + name
	t.Run("step4_change_guest", func(t *testing.T) {
		runShell(t, "touch "+marker)
	})

	t.Run("step5_revert", func(t *testing.T) {
		require.NoError(t, testClient.RevertSnapshot(ctx, name))
		if err := testClient.PowerOn(ctx); err != nil {
			require.ErrorIs(t, err, session.ErrVMIsRunning)
		}
		require.NoError(t, testClient.WaitForTools(ctx, toolsTimeout))
	})

	t.Run("step6_change_is_gone", func(t *testing.T) {
		st, err := testClient.Stat(ctx, marker)
		require.NoError(t, err)
		require.False(t, st.File)
	})

	t.Run("step7_unknown_snapshot", func(t *testing.T) {
		err := testClient.RevertSnapshot(ctx, name+"-missing")
		require.ErrorIs(t, err, session.ErrSnapshotNotFound)
	})
}
