package scan

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/scanregistry/pkg/domain/scan"
	"github.com/openctemio/scanregistry/pkg/logger"
)

// fakeScanner writes an executable shell script standing in for the scanner.
// Its sixth argument is the output directory.
func fakeScanner(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ash")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func launchAndWait(t *testing.T, r *Registry, command string) string {
	t.Helper()
	src, out := scanDirs(t)
	id := register(t, r, src, out)
	snap, _ := r.GetScan(id)

	e := NewExecutor(r, ExecutorConfig{Command: command}, logger.NewNop())
	e.Launch(snap)
	e.Wait()
	return id
}

func TestExecutorArgs(t *testing.T) {
	e := NewExecutor(newTestRegistry(t), ExecutorConfig{ExtraArgs: []string{"--verbose"}}, nil)
	cfg := "/etc/ash.yaml"

	args := e.Args(scan.Snapshot{DirectoryPath: "/src", OutputDirectory: "/out", ConfigPath: &cfg})
	assert.Equal(t, []string{
		"--mode", "local",
		"--source-dir", "/src",
		"--output-dir", "/out",
		"--fail-on-findings", "false",
		"--config", "/etc/ash.yaml",
		"--verbose",
	}, args)
}

func TestExecutor_Completes(t *testing.T) {
	r := newTestRegistry(t)
	script := fakeScanner(t, `echo '{"scanner_results": {}}' > "$6/ash_aggregated_results.json"`)

	id := launchAndWait(t, r, script)

	snap, _ := r.GetScan(id)
	assert.Equal(t, scan.StatusCompleted, snap.Status)
	assert.NotNil(t, snap.ProcessID)
	assert.NotNil(t, snap.EndTime)
	assert.Nil(t, snap.ErrorMessage)
}

func TestExecutor_NonZeroExitWithResultsCompletes(t *testing.T) {
	r := newTestRegistry(t)
	script := fakeScanner(t, `echo '{"scanner_results": {}}' > "$6/ash_aggregated_results.json"; exit 2`)

	id := launchAndWait(t, r, script)

	snap, _ := r.GetScan(id)
	assert.Equal(t, scan.StatusCompleted, snap.Status)
}

func TestExecutor_Fails(t *testing.T) {
	r := newTestRegistry(t)
	script := fakeScanner(t, "exit 3")

	id := launchAndWait(t, r, script)

	snap, _ := r.GetScan(id)
	assert.Equal(t, scan.StatusFailed, snap.Status)
	require.NotNil(t, snap.ErrorMessage)
	assert.Equal(t, "Error executing scan: scanner exited with code 3", *snap.ErrorMessage)
}

func TestExecutor_CommandNotFound(t *testing.T) {
	r := newTestRegistry(t)

	id := launchAndWait(t, r, filepath.Join(t.TempDir(), "missing-ash"))

	snap, _ := r.GetScan(id)
	assert.Equal(t, scan.StatusFailed, snap.Status)
	require.NotNil(t, snap.ErrorMessage)
	assert.Contains(t, *snap.ErrorMessage, "Error executing scan:")
	assert.Nil(t, snap.ProcessID)
}

func TestExecutor_CancellationIsKept(t *testing.T) {
	sig := &fakeSignaler{}
	r := newTestRegistry(t, WithSignaler(sig))
	script := fakeScanner(t, "sleep 0.2")

	src, out := scanDirs(t)
	id := register(t, r, src, out)
	snap, _ := r.GetScan(id)

	e := NewExecutor(r, ExecutorConfig{Command: script}, logger.NewNop())
	e.Launch(snap)

	cancelled, err := r.CancelScan(context.Background(), id)
	require.NoError(t, err)
	require.True(t, cancelled)
	require.Len(t, sig.pids, 1)

	e.Wait()

	snap, _ = r.GetScan(id)
	assert.Equal(t, scan.StatusCancelled, snap.Status)
}

func TestExecutor_CancelledBeforeLaunchDoesNotStart(t *testing.T) {
	r := newTestRegistry(t, WithSignaler(&fakeSignaler{}))
	marker := filepath.Join(t.TempDir(), "started")
	script := fakeScanner(t, "touch "+marker)

	src, out := scanDirs(t)
	id := register(t, r, src, out)
	snap, _ := r.GetScan(id)

	cancelled, err := r.CancelScan(context.Background(), id)
	require.NoError(t, err)
	require.True(t, cancelled)

	e := NewExecutor(r, ExecutorConfig{Command: script}, logger.NewNop())
	e.Launch(snap)
	e.Wait()

	assert.NoFileExists(t, marker)
	snap, _ = r.GetScan(id)
	assert.Equal(t, scan.StatusCancelled, snap.Status)
	assert.Nil(t, snap.ProcessID)
}

func TestExecutor_TrackTerminatesScannerOfFinishedScan(t *testing.T) {
	r := newTestRegistry(t, WithSignaler(&fakeSignaler{}))
	src, out := scanDirs(t)
	id := register(t, r, src, out)
	_, err := r.CancelScan(context.Background(), id)
	require.NoError(t, err)

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	e := NewExecutor(r, ExecutorConfig{}, logger.NewNop())
	assert.False(t, e.track(id, cmd))
	e.Wait()

	require.NotNil(t, cmd.ProcessState)
	status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	assert.True(t, status.Signaled())
	assert.Equal(t, syscall.SIGTERM, status.Signal())

	snap, _ := r.GetScan(id)
	assert.Nil(t, snap.ProcessID)
}

func TestExecutor_TrackRecordsPid(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)
	id := register(t, r, src, out)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Wait() })

	e := NewExecutor(r, ExecutorConfig{}, logger.NewNop())
	require.True(t, e.track(id, cmd))

	snap, _ := r.GetScan(id)
	assert.Equal(t, scan.StatusRunning, snap.Status)
	require.NotNil(t, snap.ProcessID)
	assert.Equal(t, cmd.Process.Pid, *snap.ProcessID)
}
