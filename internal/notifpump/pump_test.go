package notifpump

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ahma-mcp/ahma/internal/opmonitor"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []*gomcp.ProgressNotificationParams
}

func (r *recordingNotifier) NotifyProgress(ctx context.Context, params *gomcp.ProgressNotificationParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, params)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestPump_DeliversEachTerminalOperationOnce(t *testing.T) {
	mon := opmonitor.New()
	op := mon.Add("op_1", "echo", "echo hi", 30)
	mon.UpdateStatus(op.ID, opmonitor.StateCompleted, nil)

	rec := &recordingNotifier{}
	p := New(mon, rec, "well-behaved-client")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.drainOnce(ctx)
	p.drainOnce(ctx)

	assert.Equal(t, 1, rec.count())
}

func TestPump_SkipsKnownBrokenClients(t *testing.T) {
	mon := opmonitor.New()
	op := mon.Add("op_1", "echo", "echo hi", 30)
	mon.UpdateStatus(op.ID, opmonitor.StateCompleted, nil)

	brokenProgressClients["flaky-client"] = true
	defer delete(brokenProgressClients, "flaky-client")

	rec := &recordingNotifier{}
	p := New(mon, rec, "flaky-client")
	p.drainOnce(context.Background())

	assert.Equal(t, 0, rec.count())
}

func TestPump_RunStopsOnContextCancel(t *testing.T) {
	mon := opmonitor.New()
	rec := &recordingNotifier{}
	p := New(mon, rec, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	require.Equal(t, 0, rec.count())
}
