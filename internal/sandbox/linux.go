//go:build linux

package sandbox

import (
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/ahma-mcp/ahma/internal/ahmaerr"
	"github.com/ahma-mcp/ahma/internal/pathsec"
)

// LinuxSandbox enforces filesystem access rules via Landlock when the
// running kernel supports it (5.13+), falling back to wrapping the command
// with bubblewrap (bwrap) otherwise.
//
// Landlock is installed once at process start and imposes filesystem
// access rules directly on every future thread, rather than through a
// wrapper process.
type LinuxSandbox struct {
	landlockOK bool
	// installed is true once EnforceLandlock has successfully installed the
	// process-wide ruleset; Transform then skips per-call bwrap wrapping,
	// since every spawned child already inherits the restriction.
	installed bool
}

// NewLinuxSandbox probes Landlock availability once at construction.
func NewLinuxSandbox() *LinuxSandbox {
	return &LinuxSandbox{landlockOK: landlockABIVersion() > 0}
}

// Available reports whether either enforcement strategy can run here.
func (l *LinuxSandbox) Available() bool {
	if l.landlockOK {
		return true
	}
	_, err := exec.LookPath("bwrap")
	return err == nil
}

// EnforceLandlock installs a process-wide Landlock ruleset restricting
// filesystem access to policy's scopes. Must be called once, before any
// worker threads are spawned. Returns ahmaerr.ReasonLandlockUnavailable if
// the kernel predates the Landlock ABI (< 5.13). On success, Transform
// stops wrapping commands with bwrap, since the process-wide ruleset
// already restricts every child.
func (l *LinuxSandbox) EnforceLandlock(policy *Policy) error {
	abi := landlockABIVersion()
	if abi <= 0 {
		return &ahmaerr.SandboxError{Reason: ahmaerr.ReasonLandlockUnavailable}
	}

	attr := unix.LandlockRulesetAttr{
		AccessFs: unix.LANDLOCK_ACCESS_FS_EXECUTE | unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
			unix.LANDLOCK_ACCESS_FS_READ_FILE | unix.LANDLOCK_ACCESS_FS_READ_DIR |
			unix.LANDLOCK_ACCESS_FS_REMOVE_DIR | unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
			unix.LANDLOCK_ACCESS_FS_MAKE_CHAR | unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
			unix.LANDLOCK_ACCESS_FS_MAKE_REG | unix.LANDLOCK_ACCESS_FS_MAKE_SOCK |
			unix.LANDLOCK_ACCESS_FS_MAKE_FIFO | unix.LANDLOCK_ACCESS_FS_MAKE_BLOCK |
			unix.LANDLOCK_ACCESS_FS_MAKE_SYM,
	}

	rulesetFd, err := unix.LandlockCreateRuleset(&attr, 0)
	if err != nil {
		return &ahmaerr.SandboxError{Reason: ahmaerr.ReasonLandlockUnavailable, Cause: err}
	}
	defer unix.Close(rulesetFd)

	for _, scope := range policy.Scopes {
		if err := addLandlockPathRule(rulesetFd, scope.Root.Root, readWriteAccess()); err != nil {
			return &ahmaerr.SandboxError{Reason: ahmaerr.ReasonHighSecurity, Path: scope.Root.Root, Cause: err}
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return &ahmaerr.SandboxError{Reason: ahmaerr.ReasonLandlockUnavailable, Cause: err}
	}
	if err := unix.LandlockRestrictSelf(rulesetFd, 0); err != nil {
		return &ahmaerr.SandboxError{Reason: ahmaerr.ReasonLandlockUnavailable, Cause: err}
	}
	l.installed = true
	return nil
}

func readWriteAccess() uint64 {
	return unix.LANDLOCK_ACCESS_FS_EXECUTE | unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
		unix.LANDLOCK_ACCESS_FS_READ_FILE | unix.LANDLOCK_ACCESS_FS_READ_DIR |
		unix.LANDLOCK_ACCESS_FS_REMOVE_DIR | unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
		unix.LANDLOCK_ACCESS_FS_MAKE_REG | unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
		unix.LANDLOCK_ACCESS_FS_MAKE_SYM
}

func addLandlockPathRule(rulesetFd int, path string, access uint64) error {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	rule := unix.LandlockPathBeneathAttr{
		AllowedAccess: access,
		ParentFd:      int32(fd),
	}
	return unix.LandlockAddPathBeneathRule(rulesetFd, &rule, 0)
}

// landlockABIVersion returns the kernel's supported Landlock ABI version,
// or 0 if Landlock is unavailable (kernel < 5.13 or disabled).
func landlockABIVersion() int {
	abi, err := unix.LandlockGetABIVersion()
	if err != nil {
		return 0
	}
	return abi
}

// Transform wraps the command with bwrap when Landlock could not be (or
// was not) installed process-wide. If this process already has a Landlock
// ruleset in effect (installed), every spawned child inherits it — no
// per-call wrapping is needed.
func (l *LinuxSandbox) Transform(spec CommandSpec, policy *Policy) (*ExecEnv, error) {
	if l.installed {
		return passthrough(spec), nil
	}
	if policy == nil || len(policy.Scopes) == 0 {
		return passthrough(spec), nil
	}

	cmd, env, err := buildBwrapCommand(spec, policy)
	if err != nil {
		return nil, err
	}

	return &ExecEnv{
		Command: cmd,
		Cwd:     spec.Cwd,
		Env:     env,
	}, nil
}

// ValidatePath delegates to the shared PathSecurity algorithm.
func (l *LinuxSandbox) ValidatePath(p, cwd string, policy *Policy) (pathsec.CanonicalPath, error) {
	return validatePathCommon(p, cwd, policy)
}

// buildBwrapCommand constructs a bwrap invocation granting read-only access
// to "/" plus read-write binds for every scope root.
func buildBwrapCommand(spec CommandSpec, policy *Policy) ([]string, map[string]string, error) {
	cmd := []string{"bwrap", "--ro-bind", "/", "/", "--tmpfs", "/tmp", "--dev", "/dev", "--proc", "/proc"}

	for _, scope := range policy.Scopes {
		cmd = append(cmd, "--bind", scope.Root.Root, scope.Root.Root)
	}

	cmd = append(cmd, "--unshare-pid")
	if spec.Cwd != "" {
		cmd = append(cmd, "--chdir", spec.Cwd)
	}
	cmd = append(cmd, "--")
	cmd = append(cmd, spec.Program)
	cmd = append(cmd, spec.Args...)

	env := make(map[string]string)
	if !policy.NetworkAccess {
		env["AHMA_SANDBOX_NETWORK_DISABLED"] = "1"
	}

	return cmd, env, nil
}

// BuildBwrapCommand is exported for testing.
func BuildBwrapCommand(spec CommandSpec, policy *Policy) ([]string, map[string]string, error) {
	return buildBwrapCommand(spec, policy)
}
