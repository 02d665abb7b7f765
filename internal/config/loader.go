package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Prober runs an availability-check command and reports whether it
// succeeded. Implemented by the ShellPool in production; a function type so
// the loader has no import-cycle dependency on the pool.
type Prober func(ctx context.Context, command []string, timeout time.Duration) error

// ProbeTimeout is the short timeout given to availability_check probes.
const ProbeTimeout = 3 * time.Second

// ReloadEvent is emitted on the loader's watch stream after a debounced
// reload completes.
type ReloadEvent struct {
	Added   []string
	Removed []string
	Changed []string
	Err     error
}

// Loader loads MTDF tool-definition files from a directory, validates them,
// evaluates availability probes, and (optionally) watches the directory for
// changes with a 200ms debounce window.
type Loader struct {
	dir    string
	prober Prober

	mu      sync.RWMutex
	tools   map[string]*ToolConfig
	sources map[string]string // tool name -> source file path
}

// NewLoader creates a Loader rooted at dir. prober may be nil, in which
// case availability checks are skipped (tools are left enabled).
func NewLoader(dir string, prober Prober) *Loader {
	return &Loader{
		dir:     dir,
		prober:  prober,
		tools:   make(map[string]*ToolConfig),
		sources: make(map[string]string),
	}
}

// Load reads every *.json file in dir, validates it, evaluates availability
// probes, and replaces the loader's in-memory tool map atomically. Any
// read, parse or validation error in any file (a built-in name collision
// or a duplicate name included) aborts the whole load and is returned; the
// previously loaded map is left in place. An invalid file is not skipped:
// one bad file keeps every tool in the directory from loading.
func (l *Loader) Load(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.replace(map[string]*ToolConfig{}, map[string]string{})
			return nil
		}
		return fmt.Errorf("config: read tools dir %q: %w", l.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	tools := make(map[string]*ToolConfig, len(names))
	sources := make(map[string]string, len(names))

	for _, name := range names {
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read %q: %w", path, err)
		}

		var tc ToolConfig
		if err := json.Unmarshal(data, &tc); err != nil {
			return fmt.Errorf("config: parse %q: %w", path, err)
		}
		if err := tc.Validate(true); err != nil {
			// Any validation error, a built-in collision included, aborts the load.
			return fmt.Errorf("config: %q: %w", path, err)
		}
		if existing, ok := tools[tc.Name]; ok {
			return fmt.Errorf("config: duplicate tool name %q in %q (already defined in %q)", tc.Name, path, sources[existing.Name])
		}

		l.evaluateAvailability(ctx, &tc)

		tools[tc.Name] = &tc
		sources[tc.Name] = path
	}

	l.replace(tools, sources)
	return nil
}

func (l *Loader) replace(tools map[string]*ToolConfig, sources map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tools = tools
	l.sources = sources
}

// evaluateAvailability runs the probe chain for tc and every subcommand,
// marking disabledByProbe on failure. Subcommand-level probes can disable
// individual subcommands while keeping the parent enabled .
func (l *Loader) evaluateAvailability(ctx context.Context, tc *ToolConfig) {
	if l.prober != nil && tc.AvailabilityCheck != nil {
		if err := l.prober(ctx, tc.AvailabilityCheck.Command, ProbeTimeout); err != nil {
			tc.disabledByProbe = true
		}
	}
	for _, sub := range tc.Subcommand {
		l.evaluateAvailability(ctx, sub)
	}
}

// Tools returns a snapshot of the currently loaded top-level tool configs,
// keyed by name.
func (l *Loader) Tools() map[string]*ToolConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]*ToolConfig, len(l.tools))
	for k, v := range l.tools {
		out[k] = v
	}
	return out
}

// Get returns a single tool config by name.
func (l *Loader) Get(name string) (*ToolConfig, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tc, ok := l.tools[name]
	return tc, ok
}

// Watch starts an fsnotify watcher on the loader's directory, coalescing
// filesystem events within a 200ms window before reloading and emitting one
// ReloadEvent per coalesced batch. The caller is responsible for draining
// the returned channel and for calling the returned stop function on
// shutdown.
func (l *Loader) Watch(ctx context.Context) (<-chan ReloadEvent, func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return nil, nil, fmt.Errorf("config: watch %q: %w", l.dir, err)
	}

	out := make(chan ReloadEvent, 4)
	const debounce = 200 * time.Millisecond

	go func() {
		defer close(out)
		defer watcher.Close()

		var timer *time.Timer
		var timerC <-chan time.Time
		before := l.Tools()

		resetTimer := func() {
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			timerC = timer.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				resetTimer()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				out <- ReloadEvent{Err: err}
			case <-timerC:
				timerC = nil
				if err := l.Load(ctx); err != nil {
					out <- ReloadEvent{Err: err}
					continue
				}
				after := l.Tools()
				out <- diffReload(before, after)
				before = after
			}
		}
	}()

	stop := func() {
		// Closing the watcher unblocks the goroutine's Events/Errors reads;
		// the ctx.Done() path handles the common case where the caller
		// cancels ctx instead.
		_ = watcher.Close()
	}
	return out, stop, nil
}

func diffReload(before, after map[string]*ToolConfig) ReloadEvent {
	var ev ReloadEvent
	for name, tc := range after {
		prev, ok := before[name]
		if !ok {
			ev.Added = append(ev.Added, name)
			continue
		}
		if !reflect.DeepEqual(prev, tc) {
			ev.Changed = append(ev.Changed, name)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			ev.Removed = append(ev.Removed, name)
		}
	}
	sort.Strings(ev.Added)
	sort.Strings(ev.Removed)
	sort.Strings(ev.Changed)
	return ev
}
