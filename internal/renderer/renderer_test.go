package renderer

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ahma-mcp/ahma/internal/opmonitor"
	"github.com/stretchr/testify/assert"
)

func TestTerminal_RendersStateAndResult(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, NoColorStyles())

	result, _ := json.Marshal(map[string]string{"exit_code": "0"})
	r.Terminal(opmonitor.Snapshot{ID: "op_1", ToolName: "echo", State: opmonitor.StateCompleted, Result: result})

	out := buf.String()
	assert.Contains(t, out, "op_1")
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, string(opmonitor.StateCompleted))
}

func TestTerminal_TruncatesLongOutputToFirstLine(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, NoColorStyles())

	long := strings.Repeat("x", 300)
	result, _ := json.Marshal(long + "\nsecond line")
	r.Terminal(opmonitor.Snapshot{ID: "op_2", ToolName: "sandboxed_shell", State: opmonitor.StateFailed, Result: result})

	out := buf.String()
	assert.NotContains(t, out, "second line")
}

func TestDispatched_WritesOneLine(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, NoColorStyles())
	r.Dispatched("op_3", "git", "git.commit")
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}
