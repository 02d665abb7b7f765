package sandbox

import (
	"fmt"
	"os"
	"runtime"
)

// CheckPrerequisites runs once before accepting any client traffic and
// returns a human-readable error when no sandbox backend is available;
// ExitOnPrerequisiteFailure turns that error into exit code 1. It never
// fails when noSandbox is set or mgr is a NoopSandbox. Scope modes are not
// consulted.
func CheckPrerequisites(mgr Manager, noSandbox bool) error {
	if noSandbox {
		return nil
	}
	if _, ok := mgr.(*NoopSandbox); ok {
		return nil
	}
	if mgr.Available() {
		return nil
	}

	switch runtime.GOOS {
	case "linux":
		return fmt.Errorf("sandbox: neither Landlock nor bwrap is available on this host (kernel < 5.13 and bwrap not found in PATH)")
	case "darwin":
		return fmt.Errorf("sandbox: /usr/bin/sandbox-exec is not available on this host")
	default:
		return fmt.Errorf("sandbox: unsupported OS %q for kernel-level sandboxing", runtime.GOOS)
	}
}

// ExitOnPrerequisiteFailure is the CLI-boundary helper: log the reason to
// stderr and exit(1). Kept here (not in the out-of-scope CLI package)
// because the decision of *which* failures are fatal is a sandbox concern.
func ExitOnPrerequisiteFailure(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "fatal:", err)
	os.Exit(1)
}
