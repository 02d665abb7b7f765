package opmonitor

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd_DuplicateIsNoOp(t *testing.T) {
	m := New()
	op1 := m.Add("op_1", "git", "", 30)
	op2 := m.Add("op_1", "ls", "", 30)
	assert.Same(t, op1, op2)
	assert.Equal(t, "git", op2.ToolName)
}

func TestUpdateStatus_TerminalIsAbsorbing(t *testing.T) {
	m := New()
	op := m.Add("op_1", "git", "", 30)
	m.UpdateStatus("op_1", StateCompleted, json.RawMessage(`{"ok":true}`))
	m.UpdateStatus("op_1", StateFailed, json.RawMessage(`{"ok":false}`))

	assert.Equal(t, StateCompleted, op.State())
	assert.JSONEq(t, `{"ok":true}`, string(op.Result()))
}

func TestWaitFor_ObservesTerminationRegisteredBefore(t *testing.T) {
	m := New()
	op := m.Add("op_1", "git", "", 30)

	var wg sync.WaitGroup
	wg.Add(1)
	var snap Snapshot
	go func() {
		defer wg.Done()
		snap, _ = WaitFor(context.Background(), op)
	}()

	time.Sleep(10 * time.Millisecond)
	m.UpdateStatus("op_1", StateCompleted, json.RawMessage(`{}`))
	wg.Wait()

	assert.Equal(t, StateCompleted, snap.State)
}

func TestWaitFor_ObservesTerminationRegisteredAfter(t *testing.T) {
	m := New()
	op := m.Add("op_1", "git", "", 30)
	m.UpdateStatus("op_1", StateCompleted, json.RawMessage(`{}`))

	snap, err := WaitFor(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, snap.State)
}

func TestWaitFor_RespectsContextCancellation(t *testing.T) {
	m := New()
	op := m.Add("op_1", "git", "", 30)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := WaitFor(ctx, op)
	require.Error(t, err)
}

func TestCancel_SetsReasonAndRequestsCancellation(t *testing.T) {
	m := New()
	op := m.Add("op_1", "git", "", 30)
	ok := m.Cancel("op_1", "user requested")
	require.True(t, ok)

	assert.True(t, op.CancelRequested())
	assert.Equal(t, StateCancelled, op.State())
	assert.Equal(t, "user requested", op.Reason())
}

func TestCancel_UnknownIDReturnsFalse(t *testing.T) {
	m := New()
	assert.False(t, m.Cancel("op_missing", ""))
}

func TestDrainNewCompletions_EachCallerGetsUniqueSuffix(t *testing.T) {
	m := New()
	m.Add("op_1", "git", "", 30)
	m.Add("op_2", "ls", "", 30)
	m.UpdateStatus("op_1", StateCompleted, json.RawMessage(`{}`))

	snaps, cursor := m.DrainNewCompletions(Cursor{})
	require.Len(t, snaps, 1)
	assert.Equal(t, "op_1", snaps[0].ID)

	m.UpdateStatus("op_2", StateFailed, json.RawMessage(`{}`))
	snaps2, _ := m.DrainNewCompletions(cursor)
	require.Len(t, snaps2, 1)
	assert.Equal(t, "op_2", snaps2[0].ID)

	// Re-draining at the same cursor yields nothing new (no re-emit).
	snaps3, _ := m.DrainNewCompletions(cursor)
	assert.Empty(t, snaps3)
}

func TestGetCompleted_NeverRemovesHistory(t *testing.T) {
	m := New()
	m.Add("op_1", "git", "", 30)
	m.UpdateStatus("op_1", StateCompleted, json.RawMessage(`{}`))

	assert.Len(t, m.GetCompleted(), 1)
	assert.Len(t, m.GetCompleted(), 1) // calling again doesn't drain it away
}

func TestActive_ExcludesTerminalOperations(t *testing.T) {
	m := New()
	m.Add("op_1", "git", "", 30)
	m.Add("op_2", "ls", "", 30)
	m.UpdateStatus("op_1", StateCompleted, json.RawMessage(`{}`))

	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "op_2", active[0].ID)
}

func TestNextID_MonotonicAndUnique(t *testing.T) {
	m := New()
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := m.NextID()
		assert.Equal(t, "op_"+strconv.Itoa(i+1), id)
		assert.False(t, ids[id])
		ids[id] = true
	}
}
