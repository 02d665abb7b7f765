// Package pathsec implements the lexical normalization and canonicalization
// shared by the sandbox enforcer and the command preparer: canonicalize the
// root, join the candidate, canonicalize what exists, and fall back to
// lexical normalization when nothing on the path exists yet (so "create"
// paths are still checked against their parent for symlink escapes).
package pathsec

import (
	"path/filepath"
	"strings"

	"github.com/ahma-mcp/ahma/internal/ahmaerr"
)

// tmpPrefixes are rejected under NoTempFiles regardless of scope.
var tmpPrefixes = []string{
	"/tmp",
	"/var/folders",
	"/private/tmp",
	"/private/var/folders",
	"/dev",
}

// Scope is a canonicalized absolute directory that bounds filesystem access.
type Scope struct {
	Root string
}

// CanonicalPath is a path that has survived validation against a Scope set.
type CanonicalPath string

// Options configures a single validation call.
type Options struct {
	// NoTempFiles additionally rejects paths under common temp-dir prefixes.
	NoTempFiles bool
	// Bypass admits every path (SandboxScope Test mode with "/" or empty
	// scopes).
	Bypass bool
}

// Validate canonicalizes p relative to cwd and checks it against scopes.
// It returns the canonical form on success, or a *ahmaerr.SandboxError on
// failure: ahmaerr.ReasonHighSecurity for a temp-prefix path rejected
// under NoTempFiles, ahmaerr.ReasonPathOutsideSandbox otherwise.
func Validate(p, cwd string, scopes []Scope, opts Options) (CanonicalPath, error) {
	if opts.Bypass {
		resolved := resolve(p, cwd)
		canon, err := canonicalizeBestEffort(resolved)
		if err != nil {
			canon = lexicalNormalize(resolved)
		}
		return CanonicalPath(canon), nil
	}

	resolved := resolve(p, cwd)
	canon, err := canonicalizeBestEffort(resolved)
	if err != nil {
		canon = lexicalNormalize(resolved)
	}

	if opts.NoTempFiles && underAny(canon, tmpPrefixes) {
		return "", &ahmaerr.SandboxError{Reason: ahmaerr.ReasonHighSecurity, Path: p}
	}

	for _, s := range scopes {
		root, err := canonicalizeBestEffort(s.Root)
		if err != nil {
			root = lexicalNormalize(s.Root)
		}
		if hasPrefix(canon, root) {
			return CanonicalPath(canon), nil
		}
	}

	return "", &ahmaerr.SandboxError{Reason: ahmaerr.ReasonPathOutsideSandbox, Path: p}
}

// resolve joins a relative path onto cwd; absolute paths pass through.
func resolve(p, cwd string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if cwd == "" {
		return p
	}
	return filepath.Join(cwd, p)
}

// canonicalizeBestEffort resolves symlinks on the deepest existing ancestor
// of p and re-appends the non-existent suffix, so a "create" path (which
// does not exist yet) is still validated against its parent's real location.
func canonicalizeBestEffort(p string) (string, error) {
	clean := filepath.Clean(p)
	real, err := filepath.EvalSymlinks(clean)
	if err == nil {
		return real, nil
	}

	// Walk up until we find an ancestor that exists, canonicalize it, and
	// re-append the remainder lexically.
	dir, base := filepath.Split(clean)
	dir = filepath.Clean(dir)
	if dir == clean || dir == "." || dir == string(filepath.Separator) {
		return "", err
	}
	parent, perr := canonicalizeBestEffort(dir)
	if perr != nil {
		return "", perr
	}
	return filepath.Join(parent, base), nil
}

// lexicalNormalize resolves "." and ".." purely textually, resetting on a
// leading separator, for use when canonicalization is entirely impossible
// (e.g. every ancestor missing, such as under a test-mode virtual root).
func lexicalNormalize(p string) string {
	isAbs := filepath.IsAbs(p)
	parts := strings.Split(filepath.ToSlash(p), "/")
	var stack []string
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}
	joined := strings.Join(stack, string(filepath.Separator))
	if isAbs {
		return string(filepath.Separator) + joined
	}
	return joined
}

func hasPrefix(p, root string) bool {
	p = filepath.Clean(p)
	root = filepath.Clean(root)
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

func underAny(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if hasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
