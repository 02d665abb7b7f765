// Command ahma runs the MCP tool-adapter server over stdio.
//
// This binary is deliberately thin: it parses a minimal set of flags with
// the standard flag package, and the Streamable-HTTP multi-session bridge
// lives elsewhere; this file wires the core collaborators
// (internal/runctx) to the stdio transport.
// It also doubles as the ShellPool's worker process via a self-reexec
// pattern: re-exec'd with --shell-worker, it becomes a shellworker.RunLoop
// instead of an MCP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ahma-mcp/ahma/internal/ahmaerr"
	"github.com/ahma-mcp/ahma/internal/mcpservice"
	"github.com/ahma-mcp/ahma/internal/notifpump"
	"github.com/ahma-mcp/ahma/internal/opmonitor"
	"github.com/ahma-mcp/ahma/internal/pathsec"
	"github.com/ahma-mcp/ahma/internal/renderer"
	"github.com/ahma-mcp/ahma/internal/runctx"
	"github.com/ahma-mcp/ahma/internal/sandbox"
	"github.com/ahma-mcp/ahma/internal/shellpool"
	"github.com/ahma-mcp/ahma/internal/shellworker"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverName = "ahma"

// serverVersion is overridden at build time alongside internal/version.GitCommit.
var serverVersion = "0.1.0"

func main() {
	if shellWorkerMode() {
		runShellWorker()
		return
	}
	runServer()
}

// shellWorkerMode reports whether this process was re-exec'd by the
// ShellPool as a worker (shellpool.Config.WorkerArgs defaults to
// {"--shell-worker"}).
func shellWorkerMode() bool {
	for _, arg := range os.Args[1:] {
		if arg == "--shell-worker" {
			return true
		}
	}
	return false
}

func runShellWorker() {
	if err := shellworker.RunLoop(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "shell-worker:", err)
		os.Exit(1)
	}
}

type scopeFlags []string

func (f *scopeFlags) String() string     { return strings.Join(*f, ",") }
func (f *scopeFlags) Set(v string) error { *f = append(*f, v); return nil }

func runServer() {
	toolsDir := flag.String("tools-dir", "./tools.d", "directory of MTDF tool-definition files")
	noSandbox := flag.Bool("no-sandbox", false, "disable kernel-level sandbox enforcement (testing only)")
	strictSandbox := flag.Bool("strict-sandbox", false, "reject writes under /tmp and other temp-file prefixes even inside scope")
	debug := flag.Bool("debug", false, "enable colored stderr mirroring of operation state transitions")
	var scopes scopeFlags
	flag.Var(&scopes, "sandbox-scope", "sandbox scope root (repeatable); defaults to the current working directory")
	flag.Parse()

	if len(scopes) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			fatal(2, fmt.Errorf("resolve working directory: %w", err))
		}
		scopes = append(scopes, wd)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	binaryPath, err := os.Executable()
	if err != nil {
		fatal(2, fmt.Errorf("resolve own executable path: %w", err))
	}

	sandboxScopes := make([]sandbox.Scope, 0, len(scopes))
	for _, s := range scopes {
		abs, err := filepath.Abs(s)
		if err != nil {
			fatal(2, fmt.Errorf("resolve sandbox scope %q: %w", s, err))
		}
		mode := sandbox.ModeStrict
		if !*strictSandbox {
			mode = sandbox.ModePermissive
		}
		sandboxScopes = append(sandboxScopes, sandbox.Scope{Root: pathsec.Scope{Root: abs}, Mode: mode})
	}

	if os.Getenv("AHMA_TEST_MODE") != "" {
		*noSandbox = true
	}

	rc, err := runctx.New(ctx, runctx.Options{
		ToolsDir:   *toolsDir,
		BinaryPath: binaryPath,
		Scopes:     sandboxScopes,
		PoolConfig: shellpool.DefaultConfig(),
		NoSandbox:  *noSandbox,
	})
	if err != nil {
		fatal(2, err)
	}
	defer rc.Shutdown()

	if err := sandbox.CheckPrerequisites(rc.Sandbox, *noSandbox); err != nil {
		sandbox.ExitOnPrerequisiteFailure(err)
	}

	if ls, ok := rc.Sandbox.(*sandbox.LinuxSandbox); ok {
		policy := rc.Scopes.Policy(*strictSandbox, false)
		if err := ls.EnforceLandlock(policy); err != nil {
			if se, ok := ahmaerr.AsSandboxError(err); ok && se.Reason == ahmaerr.ReasonLandlockUnavailable {
				fmt.Fprintln(os.Stderr, "warning: Landlock unavailable, falling back to bwrap:", err)
			} else {
				fatal(1, err)
			}
		}
	}

	svc := mcpservice.New(serverName, serverVersion, rc.Loader, rc.Adapter, rc.Monitor)

	watchCh, stopWatch, err := rc.Loader.Watch(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: hot-reload disabled:", err)
	} else {
		defer stopWatch()
		go func() {
			for ev := range watchCh {
				if ev.Err != nil {
					fmt.Fprintln(os.Stderr, "config reload error:", ev.Err)
					continue
				}
				svc.ApplyReload(ev)
			}
		}()
	}

	styles := renderer.NoColorStyles()
	if *debug {
		styles = renderer.DefaultStyles()
	}
	term := renderer.New(os.Stderr, styles)
	go mirrorToTerminal(ctx, rc.Monitor, term)

	pump := notifpump.New(rc.Monitor, svc.SessionSink(), "")
	go pump.Run(ctx)

	if err := svc.Server().Run(ctx, &gomcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		fatal(1, err)
	}
}

func fatal(code int, err error) {
	fmt.Fprintln(os.Stderr, "fatal:", err)
	os.Exit(code)
}

// mirrorToTerminal drives the TerminalRenderer from its own drain cursor,
// independent of the NotificationPump's — a standalone human-readable
// mirror, never the channel that delivers MCP notifications.
func mirrorToTerminal(ctx context.Context, monitor *opmonitor.Monitor, term *renderer.TerminalRenderer) {
	ticker := time.NewTicker(notifpump.DrainInterval)
	defer ticker.Stop()
	var cursor opmonitor.Cursor
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var completions []opmonitor.Snapshot
			completions, cursor = monitor.DrainNewCompletions(cursor)
			for _, snap := range completions {
				term.Terminal(snap)
			}
		}
	}
}
