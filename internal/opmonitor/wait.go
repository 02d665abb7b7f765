package opmonitor

import "context"

// WaitFor blocks until op reaches a terminal state or ctx is cancelled.
// Registering before or after termination both observe it correctly,
// since Done() is backed by a channel that is closed exactly once.
func WaitFor(ctx context.Context, op *Operation) (Snapshot, error) {
	select {
	case <-op.Done():
		return op.snapshot(), nil
	case <-ctx.Done():
		return op.snapshot(), ctx.Err()
	}
}

// WaitForAny blocks until every operation in ops is terminal or ctx is
// cancelled, returning snapshots of all of them (terminal or not, if ctx
// expired first).
func WaitForAny(ctx context.Context, ops []*Operation) ([]Snapshot, error) {
	for _, op := range ops {
		select {
		case <-op.Done():
		case <-ctx.Done():
			return snapshotAll(ops), ctx.Err()
		}
	}
	return snapshotAll(ops), nil
}

func snapshotAll(ops []*Operation) []Snapshot {
	out := make([]Snapshot, len(ops))
	for i, op := range ops {
		out[i] = op.snapshot()
	}
	return out
}
