//go:build !linux

package sandbox

import "github.com/ahma-mcp/ahma/internal/pathsec"

// LinuxSandbox is a stub for non-linux platforms.
type LinuxSandbox struct{}

// NewLinuxSandbox returns a stub on non-linux platforms.
func NewLinuxSandbox() *LinuxSandbox { return &LinuxSandbox{} }

// Available returns false on non-linux platforms.
func (l *LinuxSandbox) Available() bool {
	return false
}

// Transform returns a pass-through on non-linux platforms.
func (l *LinuxSandbox) Transform(spec CommandSpec, policy *Policy) (*ExecEnv, error) {
	return passthrough(spec), nil
}

// ValidatePath delegates to the shared PathSecurity algorithm.
func (l *LinuxSandbox) ValidatePath(p, cwd string, policy *Policy) (pathsec.CanonicalPath, error) {
	return validatePathCommon(p, cwd, policy)
}

// EnforceLandlock is a no-op stub on non-linux platforms.
func (l *LinuxSandbox) EnforceLandlock(policy *Policy) error {
	return nil
}
