// Package exec provides output-capping shared by the shell worker pool and
// the TTY-interactive sandboxed_shell builtin, so that a single runaway
// command cannot grow an operation's result without bound.
package exec

// ExecOutputMaxBytes is the hard cap on bytes retained from a command's
// stdout/stderr/aggregated output.
const ExecOutputMaxBytes = 1024 * 1024 // 1 MiB

// LimitOutput truncates output to ExecOutputMaxBytes.
// Returns the (possibly truncated) result and whether truncation occurred.
func LimitOutput(output []byte) (result []byte, truncated bool) {
	if len(output) <= ExecOutputMaxBytes {
		return output, false
	}
	return output[:ExecOutputMaxBytes], true
}

// AggregateOutput combines stdout and stderr, capped at ExecOutputMaxBytes.
// On contention: 1/3 stdout, 2/3 stderr, rebalance unused capacity.
func AggregateOutput(stdout, stderr []byte) []byte {
	totalLen := len(stdout) + len(stderr)
	maxBytes := ExecOutputMaxBytes

	if totalLen <= maxBytes {
		result := make([]byte, 0, totalLen)
		result = append(result, stdout...)
		result = append(result, stderr...)
		return result
	}

	// Under contention, reserve 1/3 for stdout and 2/3 for stderr;
	// rebalance unused capacity.
	wantStdout := len(stdout)
	if wantStdout > maxBytes/3 {
		wantStdout = maxBytes / 3
	}
	wantStderr := len(stderr)

	stderrTake := wantStderr
	if remaining := maxBytes - wantStdout; stderrTake > remaining {
		stderrTake = remaining
	}

	// Rebalance: give unused stderr capacity back to stdout
	remaining := maxBytes - wantStdout - stderrTake
	extraStdout := len(stdout) - wantStdout
	if extraStdout < 0 {
		extraStdout = 0
	}
	if remaining > extraStdout {
		remaining = extraStdout
	}
	stdoutTake := wantStdout + remaining

	result := make([]byte, 0, stdoutTake+stderrTake)
	result = append(result, stdout[:stdoutTake]...)
	result = append(result, stderr[:stderrTake]...)
	return result
}
