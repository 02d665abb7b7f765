// Package runctx assembles the process-wide collaborator graph for stdio
// mode: one Sandbox, one ConfigLoader, one ShellPool, one
// OperationMonitor, and the Adapter that ties them together.
//
// The graph is an explicit context struct rather than package-level
// globals, so a future multi-session HTTP bridge could build one
// RunContext per session instead of one per process.
package runctx

import (
	"context"
	"fmt"
	"time"

	"github.com/ahma-mcp/ahma/internal/adapter"
	"github.com/ahma-mcp/ahma/internal/config"
	"github.com/ahma-mcp/ahma/internal/opmonitor"
	"github.com/ahma-mcp/ahma/internal/sandbox"
	"github.com/ahma-mcp/ahma/internal/shellpool"
)

// RunContext bundles every long-lived collaborator one stdio-mode process
// needs.
type RunContext struct {
	Sandbox sandbox.Manager
	Scopes  *sandbox.ScopeSet
	Loader  *config.Loader
	Pool    *shellpool.Pool
	Monitor *opmonitor.Monitor
	Adapter *adapter.Adapter
}

// Options configures New.
type Options struct {
	ToolsDir   string
	BinaryPath string
	Scopes     []sandbox.Scope
	PoolConfig shellpool.Config
	NoSandbox  bool
}

// New builds the full collaborator graph. The ConfigLoader's availability
// probes run through the same ShellPool that will later execute the
// tools themselves.
func New(ctx context.Context, opts Options) (*RunContext, error) {
	mgr := sandbox.NewSandboxManager()
	if opts.NoSandbox {
		mgr = sandbox.NewNoopSandboxManager()
	}

	scopes := sandbox.NewScopeSet(opts.Scopes)
	monitor := opmonitor.New()
	pool := shellpool.New(opts.BinaryPath, opts.PoolConfig)

	prober := func(probeCtx context.Context, command []string, timeout time.Duration) error {
		if len(command) == 0 {
			return fmt.Errorf("runctx: empty availability_check command")
		}
		worker, err := pool.Acquire(probeCtx, ".")
		if err != nil {
			return err
		}
		defer pool.Release(worker)
		resp, err := pool.Execute(worker, command, timeout)
		if err != nil {
			return err
		}
		if resp.ExitCode != 0 {
			return fmt.Errorf("runctx: probe %v exited %d", command, resp.ExitCode)
		}
		return nil
	}

	loader := config.NewLoader(opts.ToolsDir, prober)
	if err := loader.Load(ctx); err != nil {
		return nil, fmt.Errorf("runctx: initial config load: %w", err)
	}

	a := adapter.New(pool, sandboxShim{mgr}, monitor, scopes, loader.Get)

	return &RunContext{
		Sandbox: mgr,
		Scopes:  scopes,
		Loader:  loader,
		Pool:    pool,
		Monitor: monitor,
		Adapter: a,
	}, nil
}

// Shutdown tears down the ShellPool's worker processes.
func (rc *RunContext) Shutdown() {
	rc.Pool.Shutdown()
}

// sandboxShim adapts sandbox.Manager's pathsec.CanonicalPath-returning
// ValidatePath to the plain-string contract adapter.Sandboxer declares,
// keeping the Adapter package's test doubles free of a pathsec import.
type sandboxShim struct {
	mgr sandbox.Manager
}

func (s sandboxShim) Transform(spec sandbox.CommandSpec, policy *sandbox.Policy) (*sandbox.ExecEnv, error) {
	return s.mgr.Transform(spec, policy)
}

func (s sandboxShim) ValidatePath(path, cwd string, policy *sandbox.Policy) (string, error) {
	canon, err := s.mgr.ValidatePath(path, cwd, policy)
	if err != nil {
		return "", err
	}
	return string(canon), nil
}
