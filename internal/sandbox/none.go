package sandbox

import "github.com/ahma-mcp/ahma/internal/pathsec"

// NoopSandbox passes through commands unchanged, still performing path
// validation via PathSecurity. Used for AHMA_TEST_MODE and --no-sandbox.
type NoopSandbox struct{}

// Transform returns the command unchanged.
func (n *NoopSandbox) Transform(spec CommandSpec, policy *Policy) (*ExecEnv, error) {
	return &ExecEnv{
		Command: append([]string{spec.Program}, spec.Args...),
		Cwd:     spec.Cwd,
	}, nil
}

// ValidatePath still enforces scopes unless policy requests a bypass — a
// no-op execution wrapper does not imply a no-op path check.
func (n *NoopSandbox) ValidatePath(p, cwd string, policy *Policy) (pathsec.CanonicalPath, error) {
	return validatePathCommon(p, cwd, policy)
}

// Available always returns true.
func (n *NoopSandbox) Available() bool {
	return true
}
