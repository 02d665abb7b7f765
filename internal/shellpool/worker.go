// Package shellpool maintains warm, long-lived shell worker processes
// keyed by working directory: bounded per-directory sub-pools, a global
// cap across all of them, idle eviction, and periodic health checks.
package shellpool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ahma-mcp/ahma/internal/ahmaerr"
	"github.com/ahma-mcp/ahma/internal/shellworker"
	"github.com/google/uuid"
)

// Worker is a warm shell process pinned to one working directory.
type Worker struct {
	WorkingDir string
	Pid        int
	LastUsed   time.Time

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	closer io.Closer // stdout pipe, closed alongside stdin on Terminate

	mu       sync.Mutex
	healthy  bool
	poisoned bool
}

// spawnWorker starts the self-reexec'd shell worker binary, waits for
// SHELL_READY, and returns a Worker wired to its stdin/stdout.
func spawnWorker(binaryPath string, workerArgs []string, workingDir string, spawnTimeout time.Duration) (*Worker, error) {
	cmd := exec.Command(binaryPath, workerArgs...)
	cmd.Dir = workingDir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, ahmaerr.Wrap(ahmaerr.KindResource, err, "shellpool: stdin pipe")
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, ahmaerr.Wrap(ahmaerr.KindResource, err, "shellpool: stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, ahmaerr.Wrap(ahmaerr.KindResource, err, "shellpool: spawn worker")
	}

	scanner := bufio.NewScanner(stdoutPipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	ready := make(chan error, 1)
	go func() {
		if !scanner.Scan() {
			ready <- fmt.Errorf("shellpool: worker closed before SHELL_READY: %w", scanner.Err())
			return
		}
		if scanner.Text() != shellworker.SentinelReady {
			ready <- fmt.Errorf("shellpool: expected SHELL_READY, got %q", scanner.Text())
			return
		}
		ready <- nil
	}()

	select {
	case err := <-ready:
		if err != nil {
			_ = cmd.Process.Kill()
			return nil, err
		}
	case <-time.After(spawnTimeout):
		_ = cmd.Process.Kill()
		spawnErr := ahmaerr.New(ahmaerr.KindAvailability, "shellpool: worker spawn timed out waiting for SHELL_READY")
		spawnErr.Retryable = true
		return nil, spawnErr
	}

	return &Worker{
		WorkingDir: workingDir,
		Pid:        cmd.Process.Pid,
		LastUsed:   time.Now(),
		cmd:        cmd,
		stdin:      stdin,
		stdout:     scanner,
		closer:     stdoutPipe,
		healthy:    true,
	}, nil
}

// execute sends one command to the worker and blocks for its response,
// racing a per-call timeout. On timeout or I/O error the worker is marked
// poisoned; the caller must not reuse it.
func (w *Worker) execute(id, workingDir string, command []string, env map[string]string, ptyMode bool, timeout time.Duration) (*shellworker.Response, error) {
	req := shellworker.Request{ID: id, WorkingDir: workingDir, Command: command, Env: env, Pty: ptyMode}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, ahmaerr.Wrap(ahmaerr.KindExecution, err, "shellpool: marshal request")
	}

	type result struct {
		resp *shellworker.Response
		err  error
	}
	done := make(chan result, 1)

	go func() {
		if _, err := w.stdin.Write(append(data, '\n')); err != nil {
			done <- result{err: err}
			return
		}
		if !w.stdout.Scan() {
			done <- result{err: fmt.Errorf("shellpool: worker %d closed stdout: %w", w.Pid, w.stdout.Err())}
			return
		}
		var resp shellworker.Response
		if err := json.Unmarshal(w.stdout.Bytes(), &resp); err != nil {
			done <- result{err: fmt.Errorf("shellpool: worker %d sent malformed response: %w", w.Pid, err)}
			return
		}
		done <- result{resp: &resp}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			w.poison()
			return nil, ahmaerr.Wrap(ahmaerr.KindExecution, r.err, "shellpool: worker execute")
		}
		w.touch()
		return r.resp, nil
	case <-time.After(timeout):
		w.poison()
		_ = w.cmd.Process.Kill()
		return nil, ahmaerr.New(ahmaerr.KindExecution, fmt.Sprintf("shellpool: command timed out after %s on worker %d", timeout, w.Pid))
	}
}

// healthCheck sends HEALTH_CHECK and expects HEALTHY within the given
// timeout, updating the worker's recorded health.
func (w *Worker) healthCheck(timeout time.Duration) bool {
	done := make(chan bool, 1)
	go func() {
		if _, err := w.stdin.Write([]byte(shellworker.SentinelHealthCheck + "\n")); err != nil {
			done <- false
			return
		}
		if !w.stdout.Scan() {
			done <- false
			return
		}
		done <- w.stdout.Text() == shellworker.SentinelHealthy
	}()

	select {
	case ok := <-done:
		w.mu.Lock()
		w.healthy = ok
		w.mu.Unlock()
		return ok
	case <-time.After(timeout):
		w.mu.Lock()
		w.healthy = false
		w.mu.Unlock()
		return false
	}
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.LastUsed = time.Now()
	w.mu.Unlock()
}

func (w *Worker) poison() {
	w.mu.Lock()
	w.poisoned = true
	w.healthy = false
	w.mu.Unlock()
}

// IsHealthy reports whether the worker passed its last health check and
// has not been poisoned by an execution failure.
func (w *Worker) IsHealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy && !w.poisoned
}

func (w *Worker) idleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.LastUsed
}

// terminate sends SHUTDOWN and, failing a graceful exit, kills the
// process.
func (w *Worker) terminate() {
	_, _ = w.stdin.Write([]byte(shellworker.SentinelShutdown + "\n"))
	_ = w.stdin.Close()
	_ = w.closer.Close()

	done := make(chan struct{})
	go func() {
		_ = w.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = w.cmd.Process.Kill()
	}
}

func newWorkerID() string {
	return uuid.NewString()
}
