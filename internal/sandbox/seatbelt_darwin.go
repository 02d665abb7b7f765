//go:build darwin

package sandbox

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/ahma-mcp/ahma/internal/ahmaerr"
	"github.com/ahma-mcp/ahma/internal/pathsec"
)

// SeatbeltSandbox wraps every spawn with sandbox-exec and a per-call SBPL
// profile generated from the current scope set; the working directory is
// not part of the profile.
//
// Transform always wraps when the policy has scopes. It does not detect
// nested sandboxing itself: IsNestedSandboxError and NestedSandboxError are
// helpers, and no code path in this module calls them or re-runs a command
// unwrapped.
type SeatbeltSandbox struct{}

// Available returns true if sandbox-exec is available on the system.
func (s *SeatbeltSandbox) Available() bool {
	_, err := exec.LookPath("/usr/bin/sandbox-exec")
	return err == nil
}

// Transform wraps the command with sandbox-exec and an SBPL policy.
func (s *SeatbeltSandbox) Transform(spec CommandSpec, policy *Policy) (*ExecEnv, error) {
	if policy == nil || len(policy.Scopes) == 0 {
		return passthrough(spec), nil
	}

	sbpl := generateSBPL(policy)
	cmd := []string{"/usr/bin/sandbox-exec", "-p", sbpl, "--", spec.Program}
	cmd = append(cmd, spec.Args...)

	return &ExecEnv{
		Command: cmd,
		Cwd:     spec.Cwd,
	}, nil
}

// ValidatePath delegates to the shared PathSecurity algorithm.
func (s *SeatbeltSandbox) ValidatePath(p, cwd string, policy *Policy) (pathsec.CanonicalPath, error) {
	return validatePathCommon(p, cwd, policy)
}

// IsNestedSandboxError inspects a *exec.ExitError from an attempted
// sandbox-exec wrap and reports whether it indicates sandbox-exec is
// itself already running inside another sandbox (exit 71, or stderr
// containing "Operation not permitted"). Callers should degrade to the
// outer sandbox by re-running the command unwrapped rather than failing.
func IsNestedSandboxError(err error, stderr string) bool {
	if err == nil {
		return false
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 71 {
		return true
	}
	return strings.Contains(stderr, "Operation not permitted")
}

// NestedSandboxError builds the structured error callers record when
// nested-sandbox detection fires, before degrading to an unwrapped retry.
func NestedSandboxError() error {
	return &ahmaerr.SandboxError{Reason: ahmaerr.ReasonNestedSandbox}
}

// generateSBPL generates a Seatbelt Profile Language policy string
// granting read-only access everywhere and read-write to every scope root.
func generateSBPL(policy *Policy) string {
	var sb strings.Builder
	sb.WriteString("(version 1)\n")
	sb.WriteString("(deny default)\n")
	sb.WriteString("(allow process-exec)\n")
	sb.WriteString("(allow process-fork)\n")
	sb.WriteString("(allow sysctl-read)\n")
	sb.WriteString("(allow file-read*)\n")
	sb.WriteString("(allow mach-lookup)\n")

	if !policy.NoTempFiles {
		sb.WriteString("(allow file-write* (subpath \"/private/tmp\"))\n")
		sb.WriteString("(allow file-write* (subpath \"/tmp\"))\n")
		sb.WriteString("(allow file-write* (subpath \"/dev\"))\n")
	}

	for _, scope := range policy.Scopes {
		if scope.Mode == ModeStrict || scope.Mode == ModePermissive {
			sb.WriteString(fmt.Sprintf("(allow file-write* (subpath %q))\n", scope.Root.Root))
		}
	}

	if !policy.NetworkAccess {
		sb.WriteString("(deny network*)\n")
	} else {
		sb.WriteString("(allow network*)\n")
	}

	return sb.String()
}

// GenerateSBPL is exported for testing.
func GenerateSBPL(policy *Policy) string {
	return generateSBPL(policy)
}
