package adapter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ahma-mcp/ahma/internal/ahmaerr"
	"github.com/ahma-mcp/ahma/internal/config"
	"github.com/ahma-mcp/ahma/internal/opmonitor"
	"github.com/ahma-mcp/ahma/internal/pathsec"
	"github.com/ahma-mcp/ahma/internal/sandbox"
	"github.com/ahma-mcp/ahma/internal/shellpool"
	"github.com/ahma-mcp/ahma/internal/shellworker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_SuccessIsNil(t *testing.T) {
	assert.NoError(t, classify(0, ""))
}

func TestClassify_MissingFileIsPermanent(t *testing.T) {
	err := classify(127, "bash: foo: command not found")
	require.Error(t, err)
	assert.False(t, ahmaerr.IsRetryable(err))
}

func TestClassify_OtherFailureIsTransient(t *testing.T) {
	err := classify(1, "some transient network blip")
	require.Error(t, err)
	assert.True(t, ahmaerr.IsRetryable(err))
}

func TestRetryPolicy_DelayRespectsCapAndGrows(t *testing.T) {
	p := RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2, MaximumInterval: 5 * time.Second}
	d0 := p.delay(0)
	d3 := p.delay(3)
	assert.LessOrEqual(t, d0, time.Second+time.Second/2)
	assert.LessOrEqual(t, d3, 5*time.Second+time.Second)
	assert.Greater(t, d3, d0)
}

// TestHelperProcess lets the adapter's real shellpool dependency spawn an
// actual worker without needing the built ahma-mcp binary (same re-exec
// trick os/exec's own tests use).
func TestHelperProcess(t *testing.T) {
	if os.Getenv("AHMA_ADAPTER_HELPER") != "1" {
		return
	}
	_ = shellworker.RunLoop(os.Stdin, os.Stdout)
	os.Exit(0)
}

type passthroughSandbox struct{}

func (passthroughSandbox) Transform(spec sandbox.CommandSpec, policy *sandbox.Policy) (*sandbox.ExecEnv, error) {
	return &sandbox.ExecEnv{Command: append([]string{spec.Program}, spec.Args...), Cwd: spec.Cwd}, nil
}

func (passthroughSandbox) ValidatePath(path, cwd string, policy *sandbox.Policy) (string, error) {
	return path, nil
}

// injectingSandbox mimics the Linux bwrap backend's habit of stamping an
// enforcement signal into ExecEnv.Env, to exercise the adapter's merge of
// sandbox-injected vars over a tool's own EnvOverride entry.
type injectingSandbox struct{}

func (injectingSandbox) Transform(spec sandbox.CommandSpec, policy *sandbox.Policy) (*sandbox.ExecEnv, error) {
	return &sandbox.ExecEnv{
		Command: append([]string{spec.Program}, spec.Args...),
		Cwd:     spec.Cwd,
		Env:     map[string]string{"AHMA_SANDBOX_NETWORK_DISABLED": "1"},
	}, nil
}

func (injectingSandbox) ValidatePath(path, cwd string, policy *sandbox.Policy) (string, error) {
	return path, nil
}

func newTestAdapter(t *testing.T) *Adapter {
	return newTestAdapterWithSandbox(t, passthroughSandbox{})
}

func newTestAdapterWithSandbox(t *testing.T, sb Sandboxer) *Adapter {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	require.NoError(t, os.Setenv("AHMA_ADAPTER_HELPER", "1"))
	t.Cleanup(func() { os.Unsetenv("AHMA_ADAPTER_HELPER") })

	cfg := shellpool.DefaultConfig()
	cfg.ShellSpawnTimeout = 2 * time.Second
	cfg.WorkerArgs = []string{"-test.run=TestHelperProcess", "-test.v"}
	pool := shellpool.New(self, cfg)
	t.Cleanup(pool.Shutdown)

	scopes := sandbox.NewScopeSet([]sandbox.Scope{{Root: pathsec.Scope{Root: "/"}, Mode: sandbox.ModeTest}})
	return New(pool, sb, opmonitor.New(), scopes, nil)
}

func echoTool() *config.ToolConfig {
	return &config.ToolConfig{Name: "echo", Command: "echo"}
}

func TestAdapter_ExecuteSync(t *testing.T) {
	a := newTestAdapter(t)
	out, err := a.ExecuteSync(context.Background(), echoTool(), nil, map[string]interface{}{
		"args": []interface{}{"hello"},
	}, t.TempDir(), 5*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestAdapter_ExecuteSyncAppliesEnvOverride(t *testing.T) {
	a := newTestAdapter(t)
	tc := &config.ToolConfig{
		Name:    "shecho",
		Command: "sh",
		Env:     &config.EnvPolicy{Mode: config.EnvSet, Set: map[string]string{"AHMA_TEST_VAR": "from-policy"}},
	}
	out, err := a.ExecuteSync(context.Background(), tc, nil, map[string]interface{}{
		"args": []interface{}{"-c", "echo $AHMA_TEST_VAR"},
	}, t.TempDir(), 5*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-policy\n", out)
}

func TestAdapter_SandboxEnvWinsOverToolPolicy(t *testing.T) {
	a := newTestAdapterWithSandbox(t, injectingSandbox{})
	tc := &config.ToolConfig{
		Name:    "shecho",
		Command: "sh",
		Env:     &config.EnvPolicy{Mode: config.EnvSet, Set: map[string]string{"AHMA_SANDBOX_NETWORK_DISABLED": "0"}},
	}
	out, err := a.ExecuteSync(context.Background(), tc, nil, map[string]interface{}{
		"args": []interface{}{"-c", "echo $AHMA_SANDBOX_NETWORK_DISABLED"},
	}, t.TempDir(), 5*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)
}

func TestAdapter_ExecuteSync_RejectsWorkingDirectoryOutsideSandbox(t *testing.T) {
	a := newTestAdapter(t)
	a.Sandbox = &sandbox.NoopSandbox{}
	a.Scopes = sandbox.NewScopeSet([]sandbox.Scope{{Root: pathsec.Scope{Root: t.TempDir()}, Mode: sandbox.ModeStrict}})

	_, err := a.ExecuteSync(context.Background(), echoTool(), nil, map[string]interface{}{}, "/etc", 5*time.Second, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the sandbox root")
}

func TestAdapter_ExecuteAsyncReachesCompleted(t *testing.T) {
	a := newTestAdapter(t)
	id := a.ExecuteAsync(context.Background(), echoTool(), nil, map[string]interface{}{
		"args": []interface{}{"async"},
	}, t.TempDir(), 5*time.Second, nil)

	op := a.Monitor.Get(id)
	require.NotNil(t, op)

	select {
	case <-op.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("operation did not terminate in time")
	}
	assert.Equal(t, opmonitor.StateCompleted, op.State())
}
