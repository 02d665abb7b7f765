//go:build !darwin

package sandbox

import "github.com/ahma-mcp/ahma/internal/pathsec"

// SeatbeltSandbox is a stub for non-darwin platforms.
type SeatbeltSandbox struct{}

// Available returns false on non-darwin platforms.
func (s *SeatbeltSandbox) Available() bool {
	return false
}

// Transform returns a pass-through on non-darwin platforms.
func (s *SeatbeltSandbox) Transform(spec CommandSpec, policy *Policy) (*ExecEnv, error) {
	return passthrough(spec), nil
}

// ValidatePath delegates to the shared PathSecurity algorithm.
func (s *SeatbeltSandbox) ValidatePath(p, cwd string, policy *Policy) (pathsec.CanonicalPath, error) {
	return validatePathCommon(p, cwd, policy)
}
