// Package sandbox enforces kernel-level filesystem restrictions on spawned
// commands: Landlock on Linux, Seatbelt (sandbox-exec) on macOS, with a
// bubblewrap (bwrap) fallback on Linux kernels too old for Landlock.
package sandbox

import (
	"fmt"

	"github.com/ahma-mcp/ahma/internal/pathsec"
)

// AccessMode controls how strictly a scope is enforced.
//
// Maps to SandboxScope.
type AccessMode string

const (
	// ModeStrict enforces the scope with no exceptions.
	ModeStrict AccessMode = "strict"
	// ModePermissive is enforced exactly like ModeStrict: path validation
	// rejects the same paths and Seatbelt grants the same write access.
	// There is no logging-only path for violations.
	ModePermissive AccessMode = "permissive"
	// ModeTest bypasses admission entirely when the scope set is "/" or
	// empty, for test harnesses (see the AHMA_TEST_MODE environment
	// variable).
	ModeTest AccessMode = "test"
)

// Scope is a canonicalized absolute path plus its access mode.
type Scope struct {
	Root pathsec.Scope
	Mode AccessMode
}

// CommandSpec describes a command to be executed, prior to sandbox wrapping.
type CommandSpec struct {
	Program string
	Args    []string
	Cwd     string
}

// ExecEnv is the transformed execution environment after sandbox wrapping.
type ExecEnv struct {
	Command []string
	Cwd     string
	Env     map[string]string
}

// Policy bundles the scope set and knobs that affect wrapping for a single
// Transform call.
type Policy struct {
	Scopes        []Scope
	NoTempFiles   bool
	NetworkAccess bool
}

// testModeBypass reports whether the policy is in ModeTest with a "/" or
// empty scope set admission bypass rule.
func (p *Policy) testModeBypass() bool {
	if len(p.Scopes) == 0 {
		return true
	}
	for _, s := range p.Scopes {
		if s.Mode != ModeTest {
			return false
		}
		if s.Root.Root == "/" {
			return true
		}
	}
	return false
}

func (p *Policy) roots() []pathsec.Scope {
	roots := make([]pathsec.Scope, len(p.Scopes))
	for i, s := range p.Scopes {
		roots[i] = s.Root
	}
	return roots
}

// Manager is the interface for platform-specific sandbox implementations.
type Manager interface {
	// Transform wraps spec with sandbox restrictions implied by policy. A
	// nil or empty policy returns the command unchanged.
	Transform(spec CommandSpec, policy *Policy) (*ExecEnv, error)

	// ValidatePath canonicalizes p and checks it against policy's scopes.
	ValidatePath(p, cwd string, policy *Policy) (pathsec.CanonicalPath, error)

	// Available reports whether this backend can actually enforce
	// restrictions on the current host.
	Available() bool
}

// validatePathCommon is shared by every backend: path admission is a
// PathSecurity concern, not something each backend reimplements.
func validatePathCommon(p, cwd string, policy *Policy) (pathsec.CanonicalPath, error) {
	if policy == nil {
		return pathsec.Validate(p, cwd, nil, pathsec.Options{Bypass: true})
	}
	return pathsec.Validate(p, cwd, policy.roots(), pathsec.Options{
		NoTempFiles: policy.NoTempFiles,
		Bypass:      policy.testModeBypass(),
	})
}

func passthrough(spec CommandSpec) *ExecEnv {
	return &ExecEnv{
		Command: append([]string{spec.Program}, spec.Args...),
		Cwd:     spec.Cwd,
	}
}

// errUnsupportedMode builds the error for an access mode a backend cannot
// express. No backend in this package calls it.
func errUnsupportedMode(mode AccessMode) error {
	return fmt.Errorf("sandbox: unsupported access mode %q", mode)
}
