package shellpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahma-mcp/ahma/internal/ahmaerr"
	"github.com/ahma-mcp/ahma/internal/shellworker"
)

// Config bounds pool behavior, one field policy knob.
type Config struct {
	ShellsPerDirectory  int
	MaxTotalShells      int
	ShellIdleTimeout    time.Duration
	HealthCheckInterval time.Duration
	ShellSpawnTimeout   time.Duration
	CommandTimeout      time.Duration

	// WorkerArgs is the argv appended to the pool's binary path to
	// re-exec it in worker mode. Defaults to {"--shell-worker"}; tests
	// and alternate entry points may point it at a different target.
	WorkerArgs []string
}

// DefaultConfig returns conservative pool bounds suitable for a single
// developer machine.
func DefaultConfig() Config {
	return Config{
		ShellsPerDirectory:  4,
		MaxTotalShells:      32,
		ShellIdleTimeout:    10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		ShellSpawnTimeout:   5 * time.Second,
		CommandTimeout:      2 * time.Minute,
		WorkerArgs:          []string{"--shell-worker"},
	}
}

// subPool is the bounded stack of idle workers for one working directory.
type subPool struct {
	mu      sync.Mutex
	idle    []*Worker
	inUse   int
}

// Pool is the process-wide shell worker pool: one subPool per working
// directory, a global semaphore capping total live workers, and background
// reaper/health-check loops.
type Pool struct {
	cfg        Config
	binaryPath string

	mu       sync.Mutex
	subpools map[string]*subPool
	total    int

	// sem bounds total live workers across all sub-pools (the global cap);
	// acquiring blocks until a slot is free.
	sem chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Pool that spawns worker processes by re-executing
// binaryPath with cfg.WorkerArgs. A zero cfg.WorkerArgs defaults to
// {"--shell-worker"}.
func New(binaryPath string, cfg Config) *Pool {
	if len(cfg.WorkerArgs) == 0 {
		cfg.WorkerArgs = []string{"--shell-worker"}
	}
	p := &Pool{
		cfg:        cfg,
		binaryPath: binaryPath,
		subpools:   make(map[string]*subPool),
		sem:        make(chan struct{}, cfg.MaxTotalShells),
		stopCh:     make(chan struct{}),
	}
	p.wg.Add(2)
	go p.reapIdleLoop()
	go p.healthCheckLoop()
	return p
}

func (p *Pool) subPoolFor(dir string) *subPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.subpools[dir]
	if !ok {
		sp = &subPool{}
		p.subpools[dir] = sp
	}
	return sp
}

// Acquire returns a healthy worker pinned to workingDir, reusing an idle
// one if available, else spawning a new one within the global and
// per-directory bounds. Blocks (respecting ctx) when the global cap is
// reached backpressure semantics.
func (p *Pool) Acquire(ctx context.Context, workingDir string) (*Worker, error) {
	sp := p.subPoolFor(workingDir)

	sp.mu.Lock()
	for len(sp.idle) > 0 {
		w := sp.idle[len(sp.idle)-1]
		sp.idle = sp.idle[:len(sp.idle)-1]
		if w.IsHealthy() {
			sp.inUse++
			sp.mu.Unlock()
			return w, nil
		}
		// Poisoned/unhealthy: drop it and release its global slot.
		w.terminate()
		<-p.sem
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
	}
	if sp.inUse >= p.cfg.ShellsPerDirectory {
		sp.mu.Unlock()
		return nil, ahmaerr.New(ahmaerr.KindResource, fmt.Sprintf("shellpool: directory %q already has %d workers in use", workingDir, p.cfg.ShellsPerDirectory))
	}
	sp.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	w, err := spawnWorker(p.binaryPath, p.cfg.WorkerArgs, workingDir, p.cfg.ShellSpawnTimeout)
	if err != nil {
		<-p.sem
		return nil, err
	}

	p.mu.Lock()
	p.total++
	p.mu.Unlock()

	sp.mu.Lock()
	sp.inUse++
	sp.mu.Unlock()

	return w, nil
}

// Execute runs command on an already-acquired worker, enforcing timeout
// when it is positive and cfg.CommandTimeout otherwise.
func (p *Pool) Execute(worker *Worker, command []string, timeout time.Duration) (*shellworker.Response, error) {
	return p.ExecuteOpts(worker, command, nil, false, timeout)
}

// ExecuteEnv is Execute with an explicit environment: a nil or empty env
// leaves the worker process's own environment untouched; a non-empty one
// replaces it outright (the caller, per the EnvOverride table, has already
// resolved inherit/exclude/set/include-only into the final map).
func (p *Pool) ExecuteEnv(worker *Worker, command []string, env map[string]string, timeout time.Duration) (*shellworker.Response, error) {
	return p.ExecuteOpts(worker, command, env, false, timeout)
}

// ExecuteOpts is the full-control form: env as in ExecuteEnv, plus pty to
// attach the command to a pseudo-terminal instead of plain pipes (the
// sandboxed_shell builtin's `pty` argument).
func (p *Pool) ExecuteOpts(worker *Worker, command []string, env map[string]string, ptyMode bool, timeout time.Duration) (*shellworker.Response, error) {
	if timeout <= 0 {
		timeout = p.cfg.CommandTimeout
	}
	return worker.execute(newWorkerID(), worker.WorkingDir, command, env, ptyMode, timeout)
}

// Release returns a worker to its sub-pool's idle stack, or terminates it
// and frees its global slot if it is no longer healthy.
func (p *Pool) Release(w *Worker) {
	sp := p.subPoolFor(w.WorkingDir)
	sp.mu.Lock()
	sp.inUse--
	if w.IsHealthy() {
		sp.idle = append(sp.idle, w)
		sp.mu.Unlock()
		return
	}
	sp.mu.Unlock()

	w.terminate()
	<-p.sem
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
}

// Total returns the current count of live workers across all directories.
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func (p *Pool) reapIdleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ShellIdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	dirs := make([]string, 0, len(p.subpools))
	for d := range p.subpools {
		dirs = append(dirs, d)
	}
	p.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.ShellIdleTimeout)
	for _, d := range dirs {
		sp := p.subPoolFor(d)
		sp.mu.Lock()
		kept := sp.idle[:0]
		var evicted []*Worker
		for _, w := range sp.idle {
			if w.idleSince().Before(cutoff) {
				evicted = append(evicted, w)
			} else {
				kept = append(kept, w)
			}
		}
		sp.idle = kept
		sp.mu.Unlock()

		for _, w := range evicted {
			w.terminate()
			<-p.sem
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
		}
	}
}

func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.healthCheckIdle()
		}
	}
}

// healthCheckIdle probes every currently-idle worker; unhealthy ones are
// destroyed in place, freeing their slot so the next Acquire spawns a
// fresh replacement.
func (p *Pool) healthCheckIdle() {
	p.mu.Lock()
	dirs := make([]string, 0, len(p.subpools))
	for d := range p.subpools {
		dirs = append(dirs, d)
	}
	p.mu.Unlock()

	for _, d := range dirs {
		sp := p.subPoolFor(d)
		sp.mu.Lock()
		workers := append([]*Worker(nil), sp.idle...)
		sp.mu.Unlock()

		for _, w := range workers {
			w.healthCheck(p.cfg.HealthCheckInterval / 2)
		}

		sp.mu.Lock()
		kept := sp.idle[:0]
		var dead []*Worker
		for _, w := range sp.idle {
			if w.IsHealthy() {
				kept = append(kept, w)
			} else {
				dead = append(dead, w)
			}
		}
		sp.idle = kept
		sp.mu.Unlock()

		for _, w := range dead {
			w.terminate()
			<-p.sem
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
		}
	}
}

// Shutdown stops background loops and terminates every idle worker.
// Workers that are acquired at the time of the call are not terminated.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	dirs := make([]string, 0, len(p.subpools))
	for d := range p.subpools {
		dirs = append(dirs, d)
	}
	p.mu.Unlock()

	for _, d := range dirs {
		sp := p.subPoolFor(d)
		sp.mu.Lock()
		workers := sp.idle
		sp.idle = nil
		sp.mu.Unlock()
		for _, w := range workers {
			w.terminate()
		}
	}
}
