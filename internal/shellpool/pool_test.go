package shellpool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ahma-mcp/ahma/internal/shellworker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. Spawned via os.Args[0] re-exec (the
// same trick os/exec's own tests use) to act as a real shellworker process
// without needing a built cmd/ahma binary (run with --shell-worker) on disk.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("AHMA_WANT_HELPER_PROCESS") != "1" {
		return
	}
	_ = shellworker.RunLoop(os.Stdin, os.Stdout)
	os.Exit(0)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ShellsPerDirectory = 2
	cfg.MaxTotalShells = 4
	cfg.ShellIdleTimeout = 200 * time.Millisecond
	cfg.HealthCheckInterval = 50 * time.Millisecond
	cfg.ShellSpawnTimeout = 2 * time.Second
	cfg.CommandTimeout = 2 * time.Second
	cfg.WorkerArgs = []string{"-test.run=TestHelperProcess", "-test.v"}
	return cfg
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	// exec.Command inherits os.Environ(); spawnWorker doesn't set Env
	// explicitly, so flip the helper-process switch for the whole test
	// process — harmless since only TestHelperProcess checks it.
	require.NoError(t, os.Setenv("AHMA_WANT_HELPER_PROCESS", "1"))
	t.Cleanup(func() { os.Unsetenv("AHMA_WANT_HELPER_PROCESS") })

	p := New(self, cfg)
	t.Cleanup(p.Shutdown)
	return p
}

func TestPool_AcquireExecuteRelease(t *testing.T) {
	p := newTestPool(t, testConfig())
	dir := t.TempDir()

	w, err := p.Acquire(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, dir, w.WorkingDir)

	resp, err := p.Execute(w, []string{"echo", "hi"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, "hi\n", resp.Stdout)

	p.Release(w)
	assert.Equal(t, 1, p.Total())
}

func TestPool_ReusesIdleWorker(t *testing.T) {
	p := newTestPool(t, testConfig())
	dir := t.TempDir()

	w1, err := p.Acquire(context.Background(), dir)
	require.NoError(t, err)
	p.Release(w1)

	w2, err := p.Acquire(context.Background(), dir)
	require.NoError(t, err)
	assert.Same(t, w1, w2)
	p.Release(w2)
}

func TestPool_PerDirectoryCapExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.ShellsPerDirectory = 1
	p := newTestPool(t, cfg)
	dir := t.TempDir()

	_, err := p.Acquire(context.Background(), dir)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), dir)
	require.Error(t, err)
}

func TestPool_IdleEviction(t *testing.T) {
	cfg := testConfig()
	cfg.ShellIdleTimeout = 100 * time.Millisecond
	p := newTestPool(t, cfg)
	dir := t.TempDir()

	w, err := p.Acquire(context.Background(), dir)
	require.NoError(t, err)
	p.Release(w)
	require.Equal(t, 1, p.Total())

	deadline := time.Now().Add(2 * time.Second)
	for p.Total() != 0 && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}
	assert.Equal(t, 0, p.Total())
}
