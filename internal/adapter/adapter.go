// Package adapter executes tool invocations synchronously or
// asynchronously: Preparer → Sandbox → ShellPool, with retry for transient
// failures and full attribution to an OperationMonitor-tracked id for the
// async path.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ahma-mcp/ahma/internal/ahmaerr"
	"github.com/ahma-mcp/ahma/internal/config"
	"github.com/ahma-mcp/ahma/internal/opmonitor"
	"github.com/ahma-mcp/ahma/internal/preparer"
	"github.com/ahma-mcp/ahma/internal/sandbox"
	"github.com/ahma-mcp/ahma/internal/shellpool"
)

// Sandboxer is the subset of sandbox.Manager the Adapter needs, declared
// locally to keep this package's test doubles small.
type Sandboxer interface {
	Transform(spec sandbox.CommandSpec, policy *sandbox.Policy) (*sandbox.ExecEnv, error)
	ValidatePath(path, cwd string, policy *sandbox.Policy) (string, error)
}

// ToolLookup resolves a tool name to its config, for sequence steps that
// name a tool other than the one the sequence is declared on (the
// SequenceStep's `tool` field). Implemented by config.Loader.Get.
type ToolLookup func(name string) (*config.ToolConfig, bool)

// Adapter wires the Preparer/Sandbox/ShellPool pipeline together and
// attributes every async execution to an OperationMonitor-owned id.
type Adapter struct {
	Pool    *shellpool.Pool
	Sandbox Sandboxer
	Monitor *opmonitor.Monitor
	Scopes  *sandbox.ScopeSet
	Lookup  ToolLookup
}

// New creates an Adapter over the given collaborators. lookup may be nil,
// in which case every sequence step targets the tool the sequence is
// declared on regardless of its `tool` field.
func New(pool *shellpool.Pool, sb Sandboxer, monitor *opmonitor.Monitor, scopes *sandbox.ScopeSet, lookup ToolLookup) *Adapter {
	return &Adapter{Pool: pool, Sandbox: sb, Monitor: monitor, Scopes: scopes, Lookup: lookup}
}

// StepResult is one entry of a sequence's recorded output.
type StepResult struct {
	Tool       string `json:"tool"`
	Subcommand string `json:"subcommand,omitempty"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

func (a *Adapter) policy(noTempFiles bool) *sandbox.Policy {
	return a.Scopes.Policy(noTempFiles, false)
}

func (a *Adapter) pathValidator(cwd string) preparer.PathValidator {
	return func(path, pathCwd string) (string, error) {
		if pathCwd == "" {
			pathCwd = cwd
		}
		return a.Sandbox.ValidatePath(path, pathCwd, a.policy(false))
	}
}

// runOne prepares and executes a single (tool, subcommand) invocation
// against the ShellPool, applying retry for transient failures. Returns
// the raw stdout/stderr/exit code even on failure, alongside the error
// that classification produced.
func (a *Adapter) runOne(ctx context.Context, tc *config.ToolConfig, subcommandPath []string, args map[string]interface{}, cwd string, timeout time.Duration, retry *RetryPolicy) (StepResult, error) {
	if cwd != "" {
		canon, err := a.Sandbox.ValidatePath(cwd, "", a.policy(false))
		if err != nil {
			return StepResult{}, err
		}
		cwd = canon
	}

	argv, guard, err := preparer.Prepare(tc, subcommandPath, args, cwd, a.pathValidator(cwd))
	if err != nil {
		return StepResult{}, err
	}
	defer guard.Close()

	env, err := a.Sandbox.Transform(sandbox.CommandSpec{Program: argv[0], Args: argv[1:], Cwd: cwd}, a.policy(false))
	if err != nil {
		return StepResult{}, err
	}
	finalEnv := mergeEnv(tc.Env.Resolve(os.Environ()), env.Env)

	var lastResp *responseLike
	var lastErr error

	attempts := 1
	if retry != nil {
		attempts = retry.MaximumAttempts
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retry.delay(attempt - 1)):
			case <-ctx.Done():
				return StepResult{}, ctx.Err()
			}
		}

		resp, err := a.Pool.Acquire(ctx, env.Cwd)
		if err != nil {
			lastErr = err
			continue
		}
		result, execErr := a.Pool.ExecuteEnv(resp, env.Command, finalEnv, timeout)
		a.Pool.Release(resp)

		if execErr != nil {
			lastErr = execErr
			if retry == nil || !ahmaerr.IsRetryable(execErr) {
				return StepResult{}, execErr
			}
			continue
		}

		lastResp = &responseLike{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}
		classErr := classify(result.ExitCode, result.Stderr)
		if classErr == nil {
			step := StepResult{
				Tool:       tc.Name,
				Subcommand: strings.Join(subcommandPath, "."),
				ExitCode:   result.ExitCode,
				Stdout:     result.Stdout,
				Stderr:     result.Stderr,
			}
			return step, nil
		}
		lastErr = classErr
		if retry == nil || !ahmaerr.IsRetryable(classErr) {
			break
		}
	}

	step := StepResult{Tool: tc.Name, Subcommand: strings.Join(subcommandPath, ".")}
	if lastResp != nil {
		step.ExitCode = lastResp.ExitCode
		step.Stdout = lastResp.Stdout
		step.Stderr = lastResp.Stderr
	}
	return step, lastErr
}

// runShellOnce transforms and executes a raw shell command through the
// same Sandbox/ShellPool path as a config-driven tool, for the
// sandboxed_shell built-in — subject to the same sandbox and timeout
// rules as config-driven tools.
func (a *Adapter) runShellOnce(ctx context.Context, command string, cwd string, ptyMode bool, timeout time.Duration) (StepResult, error) {
	if cwd != "" {
		canon, err := a.Sandbox.ValidatePath(cwd, "", a.policy(false))
		if err != nil {
			return StepResult{}, err
		}
		cwd = canon
	}

	env, err := a.Sandbox.Transform(sandbox.CommandSpec{Program: "sh", Args: []string{"-c", command}, Cwd: cwd}, a.policy(false))
	if err != nil {
		return StepResult{}, err
	}

	worker, err := a.Pool.Acquire(ctx, env.Cwd)
	if err != nil {
		return StepResult{}, err
	}
	result, execErr := a.Pool.ExecuteOpts(worker, env.Command, mergeEnv(nil, env.Env), ptyMode, timeout)
	a.Pool.Release(worker)
	if execErr != nil {
		return StepResult{}, execErr
	}

	step := StepResult{Tool: "sandboxed_shell", ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}
	return step, classify(result.ExitCode, result.Stderr)
}

// ExecuteShellSync runs command to completion and returns its combined
// stdout, mirroring ExecuteSync's contract for the sandboxed_shell
// built-in.
func (a *Adapter) ExecuteShellSync(ctx context.Context, command, cwd string, ptyMode bool, timeout time.Duration) (string, error) {
	step, err := a.runShellOnce(ctx, command, cwd, ptyMode, timeout)
	if err != nil {
		return step.Stdout + step.Stderr, err
	}
	return step.Stdout, nil
}

// ExecuteShellAsync registers an operation for command and drives it to a
// terminal state on a background goroutine, mirroring ExecuteAsync's
// contract for the sandboxed_shell built-in.
func (a *Adapter) ExecuteShellAsync(ctx context.Context, command, cwd string, ptyMode bool, timeout time.Duration) string {
	id := a.Monitor.NextID()
	op := a.Monitor.Add(id, "sandboxed_shell", command, int(timeout.Seconds()))

	go func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		stopPoll := make(chan struct{})
		defer close(stopPoll)
		go func() {
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-stopPoll:
					return
				case <-runCtx.Done():
					return
				case <-ticker.C:
					if op.CancelRequested() {
						cancel()
						return
					}
				}
			}
		}()

		a.Monitor.UpdateStatus(op.ID, opmonitor.StateRunning, nil)
		step, runErr := a.runShellOnce(runCtx, command, cwd, ptyMode, timeout)
		data, _ := json.Marshal(step)

		if runCtx.Err() == context.DeadlineExceeded {
			a.Monitor.UpdateStatus(op.ID, opmonitor.StateTimedOut, data)
			return
		}
		if op.CancelRequested() {
			return
		}
		if runErr != nil {
			a.Monitor.UpdateStatus(op.ID, opmonitor.StateFailed, data)
			return
		}
		a.Monitor.UpdateStatus(op.ID, opmonitor.StateCompleted, data)
	}()

	return id
}

// mergeEnv combines a tool's resolved EnvOverride table entry with whatever
// environment variables the Sandbox itself injected (e.g. bwrap's
// AHMA_SANDBOX_NETWORK_DISABLED sentinel). Sandbox-injected values always
// win: they encode an enforcement decision, not a tool preference. Returns
// nil (no override, worker keeps its own environment) when both are empty.
func mergeEnv(toolEnv, sandboxEnv map[string]string) map[string]string {
	if len(toolEnv) == 0 && len(sandboxEnv) == 0 {
		return nil
	}
	merged := make(map[string]string, len(toolEnv)+len(sandboxEnv))
	if len(toolEnv) > 0 {
		for k, v := range toolEnv {
			merged[k] = v
		}
	} else {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				merged[k] = v
			}
		}
	}
	for k, v := range sandboxEnv {
		merged[k] = v
	}
	return merged
}

type responseLike struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// classify maps an exit code/stderr pair to nil (success), a permanent
// ahmaerr.Error (no retry), or a transient one (retryable).
func classify(exitCode int, stderr string) error {
	if exitCode == 0 {
		return nil
	}
	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "file not found") || strings.Contains(lower, "no such file") || strings.Contains(lower, "command not found") {
		return ahmaerr.Permanent(fmt.Errorf("exit %d", exitCode), "adapter: tool reported a missing file or command")
	}
	return ahmaerr.Transient(fmt.Errorf("exit %d", exitCode), "adapter: command exited non-zero")
}

// ExecuteSync runs a tool invocation (or its declared sequence) to
// completion and returns the combined output, never registering an
// Operation.
func (a *Adapter) ExecuteSync(ctx context.Context, tc *config.ToolConfig, subcommandPath []string, args map[string]interface{}, cwd string, timeout time.Duration, retry *RetryPolicy) (string, error) {
	leafChain, err := tc.FindSubcommand(subcommandPath)
	if err != nil {
		return "", err
	}
	leaf := leafChain[len(leafChain)-1]

	if len(leaf.Sequence) > 0 {
		steps, err := a.runSequence(ctx, tc, leaf, args, cwd, timeout, retry)
		data, marshalErr := json.Marshal(steps)
		if marshalErr != nil {
			return "", marshalErr
		}
		return string(data), err
	}

	step, err := a.runOne(ctx, tc, subcommandPath, args, cwd, timeout, retry)
	if err != nil {
		return step.Stdout + step.Stderr, err
	}
	return step.Stdout, nil
}

// ExecuteAsync registers a Pending operation and returns its id
// immediately, driving execution to a terminal state on a background
// goroutine.
func (a *Adapter) ExecuteAsync(ctx context.Context, tc *config.ToolConfig, subcommandPath []string, args map[string]interface{}, cwd string, timeout time.Duration, retry *RetryPolicy) string {
	id := a.Monitor.NextID()
	op := a.Monitor.Add(id, tc.Name, describeCall(tc, subcommandPath), int(timeout.Seconds()))

	go a.driveAsync(ctx, op, tc, subcommandPath, args, cwd, timeout, retry)
	return id
}

func describeCall(tc *config.ToolConfig, subcommandPath []string) string {
	if len(subcommandPath) == 0 {
		return tc.Name
	}
	return tc.Name + "." + strings.Join(subcommandPath, ".")
}

func (a *Adapter) driveAsync(parent context.Context, op *opmonitor.Operation, tc *config.ToolConfig, subcommandPath []string, args map[string]interface{}, cwd string, timeout time.Duration, retry *RetryPolicy) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	stopPoll := make(chan struct{})
	defer close(stopPoll)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopPoll:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if op.CancelRequested() {
					cancel()
					return
				}
			}
		}
	}()

	a.Monitor.UpdateStatus(op.ID, opmonitor.StateRunning, nil)

	leafChain, err := tc.FindSubcommand(subcommandPath)
	if err != nil {
		a.fail(op.ID, err)
		return
	}
	leaf := leafChain[len(leafChain)-1]

	var resultJSON json.RawMessage
	var runErr error

	if len(leaf.Sequence) > 0 {
		steps, err := a.runSequence(ctx, tc, leaf, args, cwd, timeout, retry)
		data, _ := json.Marshal(steps)
		resultJSON, runErr = data, err
	} else {
		step, err := a.runOne(ctx, tc, subcommandPath, args, cwd, timeout, retry)
		data, _ := json.Marshal(step)
		resultJSON, runErr = data, err
	}

	if ctx.Err() == context.DeadlineExceeded {
		a.Monitor.UpdateStatus(op.ID, opmonitor.StateTimedOut, resultJSON)
		return
	}
	if op.CancelRequested() {
		// Cancel() already transitioned the op; nothing further to do.
		return
	}
	if runErr != nil {
		a.Monitor.UpdateStatus(op.ID, opmonitor.StateFailed, resultJSON)
		return
	}
	a.Monitor.UpdateStatus(op.ID, opmonitor.StateCompleted, resultJSON)
}

func (a *Adapter) fail(id string, err error) {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	a.Monitor.UpdateStatus(id, opmonitor.StateFailed, data)
}

// runSequence executes leaf.Sequence in declared order, pausing
// StepDelayMs between steps and failing fast on the first non-zero exit.
func (a *Adapter) runSequence(ctx context.Context, root *config.ToolConfig, leaf *config.ToolConfig, args map[string]interface{}, cwd string, timeout time.Duration, retry *RetryPolicy) ([]StepResult, error) {
	var results []StepResult
	for i, step := range leaf.Sequence {
		target := root
		if step.Tool != "" && step.Tool != root.Name && a.Lookup != nil {
			if found, ok := a.Lookup(step.Tool); ok {
				target = found
			}
		}
		var path []string
		if step.Subcommand != "" {
			path = strings.Split(step.Subcommand, ".")
		}
		stepArgs := step.Args
		if stepArgs == nil {
			stepArgs = args
		}

		result, err := a.runOne(ctx, target, path, stepArgs, cwd, timeout, retry)
		results = append(results, result)
		if err != nil {
			return results, ahmaerr.Wrap(ahmaerr.KindExecution, err, fmt.Sprintf("adapter: sequence step %d (%s) failed", i, step.Tool))
		}

		if step.StepDelayMs > 0 && i < len(leaf.Sequence)-1 {
			select {
			case <-time.After(time.Duration(step.StepDelayMs) * time.Millisecond):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}
	}
	return results, nil
}
