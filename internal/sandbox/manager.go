package sandbox

import "runtime"

// NewSandboxManager creates the appropriate sandbox manager for the current
// platform, falling back to NoopSandbox if no platform-specific backend is
// available. A prerequisites check (CheckPrerequisites) should run before
// accepting any client traffic.
func NewSandboxManager() Manager {
	switch runtime.GOOS {
	case "darwin":
		s := &SeatbeltSandbox{}
		if s.Available() {
			return s
		}
	case "linux":
		s := NewLinuxSandbox()
		if s.Available() {
			return s
		}
	}
	return &NoopSandbox{}
}

// NewNoopSandboxManager always returns a no-op sandbox (AHMA_TEST_MODE, or
// explicit --no-sandbox at the CLI boundary).
func NewNoopSandboxManager() Manager {
	return &NoopSandbox{}
}
